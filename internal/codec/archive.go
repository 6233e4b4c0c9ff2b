package codec

import (
	"strconv"
	"strings"

	"taskledger/internal/types"
)

// ArchiveColumns is the fixed column set of a completed table.
var ArchiveColumns = []string{"ID", "Feature", "Merge Ref", "Merge Date", "Vibe"}

// ArchiveRow pairs a decoded entry with its location.
type ArchiveRow struct {
	Entry types.ArchiveEntry
	Span  Span
}

// SectionText is the identity of one archive section: its heading, table and
// rows as text, with trailing blank lines removed.
type SectionText struct {
	Position int
	Line     int
	Date     string
	Text     string
	Rows     []string
}

// Archive is a decoded completed table. It only grows: the one mutation is
// Append.
type Archive struct {
	doc *document
}

// DecodeArchive parses a completed table.
func DecodeArchive(text []byte) (*Archive, error) {
	doc, err := parseDocument(string(text), ArchiveColumns)
	if err != nil {
		return nil, err
	}
	return &Archive{doc: doc}, nil
}

// NewArchive returns an empty completed table carrying a title line.
func NewArchive(title string) *Archive {
	doc := &document{columns: len(ArchiveColumns), header: ArchiveColumns, eol: "\n"}
	if title != "" {
		doc.preamble = []string{"# " + title + "\n"}
	}
	return &Archive{doc: doc}
}

// Encode renders the table. An unmodified archive encodes to its input.
func (a *Archive) Encode() []byte {
	return a.doc.encode()
}

// Entries returns every entry in append order.
func (a *Archive) Entries() []ArchiveRow {
	var out []ArchiveRow
	for _, s := range a.doc.sections {
		for _, row := range s.rows() {
			out = append(out, ArchiveRow{
				Entry: entryFromCells(row.cells),
				Span:  Span{Line: row.lineNo, Section: s.dateText},
			})
		}
	}
	return out
}

// Find returns the first entry with the given id.
func (a *Archive) Find(id string) (ArchiveRow, bool) {
	for _, r := range a.Entries() {
		if r.Entry.ID == id {
			return r, true
		}
	}
	return ArchiveRow{}, false
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	n := 0
	for _, s := range a.doc.sections {
		n += len(s.rows())
	}
	return n
}

// Append adds an entry. It goes into the trailing section when that section
// carries the entry's merge date; otherwise a new trailing section is opened.
// Earlier sections are never modified.
func (a *Archive) Append(e types.ArchiveEntry) {
	cells := entryCells(e)
	if n := len(a.doc.sections); n > 0 {
		last := a.doc.sections[n-1]
		if last.dateText == e.MergeDateString() {
			a.doc.appendRow(last, cells)
			return
		}
	}
	a.doc.appendSection(e.MergeDateString(), e.MergeDate, cells)
}

// Sections returns the identity text of every section in order.
func (a *Archive) Sections() []SectionText {
	out := make([]SectionText, 0, len(a.doc.sections))
	for i, s := range a.doc.sections {
		st := SectionText{Position: i, Line: s.lineNo, Date: s.dateText, Text: s.text()}
		for _, row := range s.rows() {
			st.Rows = append(st.Rows, strings.TrimSpace(trimEOL(row.raw)))
		}
		out = append(out, st)
	}
	return out
}

func entryFromCells(c []string) types.ArchiveEntry {
	e := types.ArchiveEntry{
		ID:          c[0],
		FeaturePath: c[1],
		VibeTag:     c[4],
	}
	if ref, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(c[2]), "#")); err == nil {
		e.MergeRef = ref
	}
	if d, err := types.ParseDate(c[3]); err == nil {
		e.MergeDate = d
	}
	return e
}

func entryCells(e types.ArchiveEntry) []string {
	return []string{e.ID, e.FeaturePath, "#" + strconv.Itoa(e.MergeRef), e.MergeDateString(), e.VibeTag}
}
