package types

import (
	"fmt"
	"strings"
)

// Violation is one failed invariant. Rule is a stable machine-readable name
// (for example "id.pattern"); Message is meant for humans.
type Violation struct {
	Rule    string
	TaskID  string
	Domain  string
	Line    int
	Message string
}

func (v Violation) String() string {
	var b strings.Builder
	if v.Domain != "" {
		b.WriteString(v.Domain)
	}
	if v.Line > 0 {
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%d", v.Line)
	}
	if v.TaskID != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(v.TaskID)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%s (%s)", v.Message, v.Rule)
	return b.String()
}

// FormatViolations renders one violation per line.
func FormatViolations(vs []Violation) string {
	lines := make([]string, 0, len(vs))
	for _, v := range vs {
		lines = append(lines, "  - "+v.String())
	}
	return strings.Join(lines, "\n")
}
