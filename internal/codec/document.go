// Package codec reads and writes the per-domain task tables.
//
// A table file is Markdown: free text, then dated sections ("## 2026-02-14")
// each holding one pipe table. Decoding keeps every source line so that
// encoding an untouched document reproduces the input byte for byte. Only
// rows that are added or removed change the output.
package codec

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"taskledger/internal/types"
)

var headingPattern = regexp.MustCompile(`^##\s+(\d{4}-\d{2}-\d{2})\b`)

var separatorPattern = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)

// ParseError reports a structurally malformed line.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Code returns the stable error code.
func (e *ParseError) Code() string { return "PARSE_ERROR" }

// Span locates a row in its source document.
type Span struct {
	// Line is the 1-based source line, or 0 for rows added since decoding.
	Line int
	// Section is the date text of the enclosing section heading.
	Section string
}

type bodyLine struct {
	raw    string
	cells  []string
	lineNo int
}

func (l *bodyLine) isRow() bool { return l.cells != nil }

type section struct {
	heading  string
	dateText string
	date     time.Time
	lineNo   int
	body     []*bodyLine
}

func (s *section) rows() []*bodyLine {
	var out []*bodyLine
	for _, l := range s.body {
		if l.isRow() {
			out = append(out, l)
		}
	}
	return out
}

// lastRowIndex returns the body index of the last data row, or of the table
// separator when there are no rows, or -1.
func (s *section) lastRowIndex() int {
	lastRow, sep := -1, -1
	for i, l := range s.body {
		switch {
		case l.isRow():
			lastRow = i
		case sep == -1 && separatorPattern.MatchString(strings.TrimSpace(trimEOL(l.raw))):
			sep = i
		}
	}
	if lastRow >= 0 {
		return lastRow
	}
	return sep
}

// text renders the section with trailing blank lines removed. Blank padding
// between sections is layout and is not part of a section's identity.
func (s *section) text() string {
	end := len(s.body)
	for end > 0 && strings.TrimSpace(s.body[end-1].raw) == "" {
		end--
	}
	var b strings.Builder
	b.WriteString(trimEOL(s.heading))
	b.WriteByte('\n')
	for _, l := range s.body[:end] {
		b.WriteString(trimEOL(l.raw))
		b.WriteByte('\n')
	}
	return b.String()
}

type document struct {
	columns  int
	header   []string
	eol      string
	preamble []string
	sections []*section
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}

func isTableLine(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "|")
}

func parseDocument(text string, header []string) (*document, error) {
	doc := &document{columns: len(header), header: header, eol: "\n"}
	lines := splitLines(text)
	if len(lines) > 0 && strings.HasSuffix(lines[0], "\r\n") {
		doc.eol = "\r\n"
	}

	var cur *section
	appendRaw := func(l *bodyLine) {
		if cur == nil {
			doc.preamble = append(doc.preamble, l.raw)
			return
		}
		cur.body = append(cur.body, l)
	}

	for i, raw := range lines {
		lineNo := i + 1
		content := trimEOL(raw)

		if m := headingPattern.FindStringSubmatch(content); m != nil {
			date, err := types.ParseDate(m[1])
			if err != nil {
				return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("invalid section date %q", m[1])}
			}
			cur = &section{heading: raw, dateText: m[1], date: date, lineNo: lineNo}
			doc.sections = append(doc.sections, cur)
			continue
		}

		if !isTableLine(content) {
			appendRaw(&bodyLine{raw: raw, lineNo: lineNo})
			continue
		}

		trimmed := strings.TrimSpace(content)
		if separatorPattern.MatchString(trimmed) {
			appendRaw(&bodyLine{raw: raw, lineNo: lineNo})
			continue
		}
		// A table line followed by a separator is the header row.
		if i+1 < len(lines) && separatorPattern.MatchString(strings.TrimSpace(trimEOL(lines[i+1]))) {
			appendRaw(&bodyLine{raw: raw, lineNo: lineNo})
			continue
		}

		cells := splitRow(trimmed)
		if len(cells) != doc.columns {
			return nil, &ParseError{
				Line:   lineNo,
				Reason: fmt.Sprintf("expected %d columns, got %d", doc.columns, len(cells)),
			}
		}
		if cur == nil {
			return nil, &ParseError{Line: lineNo, Reason: "table row outside a dated section"}
		}
		cur.body = append(cur.body, &bodyLine{raw: raw, cells: cells, lineNo: lineNo})
	}
	return doc, nil
}

func (d *document) encode() []byte {
	var b strings.Builder
	for _, l := range d.preamble {
		b.WriteString(l)
	}
	for _, s := range d.sections {
		b.WriteString(s.heading)
		for _, l := range s.body {
			b.WriteString(l.raw)
		}
	}
	return []byte(b.String())
}

// lastLine returns a pointer to the final raw line of the document.
func (d *document) lastLine() *string {
	if n := len(d.sections); n > 0 {
		s := d.sections[n-1]
		if len(s.body) > 0 {
			return &s.body[len(s.body)-1].raw
		}
		return &s.heading
	}
	if n := len(d.preamble); n > 0 {
		return &d.preamble[n-1]
	}
	return nil
}

// terminate makes sure the document ends with a line terminator.
func (d *document) terminate() {
	if last := d.lastLine(); last != nil && !strings.HasSuffix(*last, "\n") {
		*last += d.eol
	}
}

func (d *document) headerLines() []*bodyLine {
	sep := make([]string, len(d.header))
	for i, h := range d.header {
		sep[i] = strings.Repeat("-", len(h)+2)
	}
	return []*bodyLine{
		{raw: joinRow(d.header) + d.eol},
		{raw: "|" + strings.Join(sep, "|") + "|" + d.eol},
	}
}

func (d *document) newRow(cells []string) *bodyLine {
	return &bodyLine{raw: joinRow(cells) + d.eol, cells: cells}
}

// appendSection adds a new trailing section holding one row.
func (d *document) appendSection(dateText string, date time.Time, cells []string) {
	d.terminate()
	if last := d.lastLine(); last != nil && strings.TrimSpace(*last) != "" {
		blank := &bodyLine{raw: d.eol}
		if n := len(d.sections); n > 0 {
			d.sections[n-1].body = append(d.sections[n-1].body, blank)
		} else {
			d.preamble = append(d.preamble, blank.raw)
		}
	}
	s := &section{heading: "## " + dateText + d.eol, dateText: dateText, date: date}
	s.body = append(s.body, &bodyLine{raw: d.eol})
	s.body = append(s.body, d.headerLines()...)
	s.body = append(s.body, d.newRow(cells))
	d.sections = append(d.sections, s)
}

// appendRow adds a row after the last row of s.
func (d *document) appendRow(s *section, cells []string) {
	d.terminate()
	idx := s.lastRowIndex()
	row := d.newRow(cells)
	if idx < 0 {
		lines := append([]*bodyLine{{raw: d.eol}}, d.headerLines()...)
		lines = append(lines, row)
		s.body = append(s.body, lines...)
		return
	}
	s.body = append(s.body[:idx+1], append([]*bodyLine{row}, s.body[idx+1:]...)...)
}

// removeRow drops one row and, when its section has no rows left, the whole
// section.
func (d *document) removeRow(s *section, row *bodyLine) {
	for i, l := range s.body {
		if l == row {
			s.body = append(s.body[:i], s.body[i+1:]...)
			break
		}
	}
	if len(s.rows()) > 0 {
		return
	}
	for i, cand := range d.sections {
		if cand == s {
			d.sections = append(d.sections[:i], d.sections[i+1:]...)
			return
		}
	}
}

// splitRow splits a pipe table row into trimmed cells. "\|" is a literal pipe.
func splitRow(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	if strings.HasSuffix(row, "|") && !strings.HasSuffix(row, `\|`) {
		row = row[:len(row)-1]
	}
	var cells []string
	var cur strings.Builder
	for i := 0; i < len(row); i++ {
		c := row[i]
		if c == '\\' && i+1 < len(row) && row[i+1] == '|' {
			cur.WriteByte('|')
			i++
			continue
		}
		if c == '|' {
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	cells = append(cells, strings.TrimSpace(cur.String()))
	return cells
}

func joinRow(cells []string) string {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = strings.ReplaceAll(c, "|", `\|`)
	}
	return "| " + strings.Join(escaped, " | ") + " |"
}
