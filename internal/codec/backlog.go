package codec

import (
	"time"

	"taskledger/internal/types"
)

// BacklogColumns is the fixed column set of an active table.
var BacklogColumns = []string{"Priority", "ID", "Description", "Feature", "Effort", "Vibe"}

// BacklogEntry pairs a decoded record with its location.
type BacklogEntry struct {
	Record types.TaskRecord
	Span   Span
	Date   time.Time
}

// Backlog is a decoded active table.
type Backlog struct {
	doc *document
}

// DecodeBacklog parses an active table. Rows are only checked for shape;
// field values are left to the schema package.
func DecodeBacklog(text []byte) (*Backlog, error) {
	doc, err := parseDocument(string(text), BacklogColumns)
	if err != nil {
		return nil, err
	}
	return &Backlog{doc: doc}, nil
}

// Encode renders the table. An unmodified backlog encodes to its input.
func (b *Backlog) Encode() []byte {
	return b.doc.encode()
}

// Records returns every record in document order.
func (b *Backlog) Records() []BacklogEntry {
	var out []BacklogEntry
	for _, s := range b.doc.sections {
		for _, row := range s.rows() {
			out = append(out, BacklogEntry{
				Record: recordFromCells(row.cells),
				Span:   Span{Line: row.lineNo, Section: s.dateText},
				Date:   s.date,
			})
		}
	}
	return out
}

// Sections returns the records grouped by section, in document order.
func (b *Backlog) Sections() []BacklogSection {
	out := make([]BacklogSection, 0, len(b.doc.sections))
	for _, s := range b.doc.sections {
		bs := BacklogSection{Date: s.date, DateText: s.dateText, Line: s.lineNo}
		for _, row := range s.rows() {
			bs.Records = append(bs.Records, BacklogEntry{
				Record: recordFromCells(row.cells),
				Span:   Span{Line: row.lineNo, Section: s.dateText},
				Date:   s.date,
			})
		}
		out = append(out, bs)
	}
	return out
}

// BacklogSection is one dated group of an active table.
type BacklogSection struct {
	Date     time.Time
	DateText string
	Line     int
	Records  []BacklogEntry
}

// Find returns the first record with the given id.
func (b *Backlog) Find(id string) (BacklogEntry, bool) {
	for _, e := range b.Records() {
		if e.Record.ID == id {
			return e, true
		}
	}
	return BacklogEntry{}, false
}

// Remove deletes the first record with the given id. A section left without
// records is removed together with its heading. It reports whether a record
// was removed.
func (b *Backlog) Remove(id string) bool {
	for _, s := range b.doc.sections {
		for _, row := range s.rows() {
			if recordFromCells(row.cells).ID == id {
				b.doc.removeRow(s, row)
				return true
			}
		}
	}
	return false
}

// Len returns the number of records.
func (b *Backlog) Len() int {
	n := 0
	for _, s := range b.doc.sections {
		n += len(s.rows())
	}
	return n
}

func recordFromCells(c []string) types.TaskRecord {
	return types.TaskRecord{
		Priority:    types.Priority(c[0]),
		ID:          c[1],
		Description: c[2],
		FeaturePath: c[3],
		EffortRaw:   c[4],
		VibeTag:     c[5],
	}
}
