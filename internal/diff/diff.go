// Package diff renders line diffs of table files for previews, using the
// sergi/go-diff line mode.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies a diff line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is one line of a hunk.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is a run of changes with surrounding context. Starts are 1-based.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff is the change to one file.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// Empty reports whether the contents were identical.
func (d *FileDiff) Empty() bool { return len(d.Hunks) == 0 }

type op struct {
	typ    LineType
	text   string
	oldPos int // 0-based positions before this line
	newPos int
}

// Compute diffs two texts line by line with context lines around changes.
func Compute(oldPath, newPath, oldText, newText string, context int) *FileDiff {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []op
	oldN, newN := 0, 0
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			o := op{text: text, oldPos: oldN, newPos: newN}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				o.typ = LineContext
				oldN++
				newN++
			case diffmatchpatch.DiffDelete:
				o.typ = LineRemoved
				oldN++
			case diffmatchpatch.DiffInsert:
				o.typ = LineAdded
				newN++
			}
			ops = append(ops, o)
		}
	}
	return &FileDiff{OldPath: oldPath, NewPath: newPath, Hunks: group(ops, context)}
}

// group cuts ops into hunks; changes closer than 2*context lines share one.
func group(ops []op, context int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(ops) {
		if ops[i].typ == LineContext {
			i++
			continue
		}
		start := max(i-context, 0)
		end := i
		for j := i; j < len(ops); j++ {
			if ops[j].typ != LineContext {
				end = j
				continue
			}
			if j-end > 2*context {
				break
			}
		}
		stop := min(end+context+1, len(ops))

		h := Hunk{OldStart: ops[start].oldPos + 1, NewStart: ops[start].newPos + 1}
		for _, o := range ops[start:stop] {
			h.Lines = append(h.Lines, Line{Type: o.typ, Content: o.text})
			if o.typ != LineAdded {
				h.OldCount++
			}
			if o.typ != LineRemoved {
				h.NewCount++
			}
		}
		if h.OldCount == 0 {
			h.OldStart--
		}
		if h.NewCount == 0 {
			h.NewStart--
		}
		hunks = append(hunks, h)
		i = stop
	}
	return hunks
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\n")
	}
	return parts
}

// Unified renders d in unified diff format. An empty diff renders as "".
func (d *FileDiff) Unified() string {
	if d.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", d.OldPath, d.NewPath)
	for _, h := range d.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteByte('+')
			case LineRemoved:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Unified is Compute followed by FileDiff.Unified with three context lines.
func Unified(oldPath, newPath, oldText, newText string) string {
	return Compute(oldPath, newPath, oldText, newText, 3).Unified()
}
