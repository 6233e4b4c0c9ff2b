package sprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"taskledger/internal/types"
)

// Format selects a rendering.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// FormatFor picks the rendering from an output path: JSON for ".json",
// Markdown otherwise.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatMarkdown
}

// Render renders r in format f.
func Render(r *Report, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return r.JSON()
	case FormatMarkdown, "":
		return r.Markdown(), nil
	default:
		return nil, fmt.Errorf("unknown report format %q", f)
	}
}

var markdownColumns = []string{"Domain", "Total", "Completed", "Active", "% Complete", "Remaining Effort (days)", "Vibe Tags"}

// Markdown renders the report as a Markdown table with the aggregate row last.
func (r *Report) Markdown() []byte {
	var b bytes.Buffer
	b.WriteString("# Sprint report\n\n")
	if !r.Window.IsZero() {
		fmt.Fprintf(&b, "Window: %s\n\n", r.Window)
	}
	writeRow(&b, markdownColumns)
	sep := make([]string, len(markdownColumns))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(&b, sep)
	for _, dr := range r.Domains {
		writeRow(&b, markdownCells(dr, dr.Domain))
	}
	writeRow(&b, markdownCells(r.Total, "**"+r.Total.Domain+"**"))
	if len(r.Skipped) > 0 {
		b.WriteString("\nSkipped:\n\n")
		for _, s := range r.Skipped {
			fmt.Fprintf(&b, "- %s: %s\n", s.Domain, s.Reason)
		}
	}
	return b.Bytes()
}

func markdownCells(dr DomainReport, name string) []string {
	tags := make([]string, 0, len(dr.VibeTagHistogram))
	for _, t := range dr.Tags() {
		tags = append(tags, t+": "+strconv.Itoa(dr.VibeTagHistogram[t]))
	}
	return []string{
		strings.ReplaceAll(name, "|", `\|`),
		strconv.Itoa(dr.TotalTasks),
		strconv.Itoa(dr.CompletedTasks),
		strconv.Itoa(dr.ActiveTasks),
		strconv.Itoa(dr.PercentComplete),
		types.FormatEffort(dr.RemainingEffort),
		strings.ReplaceAll(strings.Join(tags, ", "), "|", `\|`),
	}
}

func writeRow(b *bytes.Buffer, cells []string) {
	b.WriteString("| ")
	b.WriteString(strings.Join(cells, " | "))
	b.WriteString(" |\n")
}

type domainJSON struct {
	Domain              string         `json:"domain"`
	TotalTasks          int            `json:"total_tasks"`
	CompletedTasks      int            `json:"completed_tasks"`
	ActiveTasks         int            `json:"active_tasks"`
	PercentComplete     int            `json:"percent_complete"`
	RemainingEffortDays string         `json:"remaining_effort_days"`
	VibeTagHistogram    map[string]int `json:"vibe_tag_histogram"`
}

type skippedJSON struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

type reportJSON struct {
	Window  string        `json:"window,omitempty"`
	Domains []domainJSON  `json:"domains"`
	Total   domainJSON    `json:"total"`
	Skipped []skippedJSON `json:"skipped,omitempty"`
}

func toJSON(dr DomainReport) domainJSON {
	h := dr.VibeTagHistogram
	if h == nil {
		h = map[string]int{}
	}
	return domainJSON{
		Domain:              dr.Domain,
		TotalTasks:          dr.TotalTasks,
		CompletedTasks:      dr.CompletedTasks,
		ActiveTasks:         dr.ActiveTasks,
		PercentComplete:     dr.PercentComplete,
		RemainingEffortDays: types.FormatEffort(dr.RemainingEffort),
		VibeTagHistogram:    h,
	}
}

// JSON renders the report as indented JSON. Map keys come out sorted.
func (r *Report) JSON() ([]byte, error) {
	out := reportJSON{Window: r.Window.String(), Domains: make([]domainJSON, 0, len(r.Domains)), Total: toJSON(r.Total)}
	for _, dr := range r.Domains {
		out.Domains = append(out.Domains, toJSON(dr))
	}
	for _, s := range r.Skipped {
		out.Skipped = append(out.Skipped, skippedJSON{Domain: s.Domain, Reason: s.Reason})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}
