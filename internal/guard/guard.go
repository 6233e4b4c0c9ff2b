// Package guard checks the cross-file invariants that must hold before any
// state is committed:
//
//   - a task id is never both active and archived
//   - an id is archived at most once, across every domain, for all time
//   - archive sections other than the newest never change
//
// The third rule is checked against two baselines: the ledger of known-good
// sections from earlier runs and, inside a migration, the snapshot the
// migration started from.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskledger/internal/codec"
	"taskledger/internal/logging"
	"taskledger/internal/repo"
	"taskledger/internal/store"
	"taskledger/internal/types"
)

// Rule names.
const (
	RuleExclusive = "guard.exclusive"
	RuleDuplicate = "guard.duplicate"
	RuleImmutable = "guard.immutable"
)

// History is the known-good state from earlier runs. *store.Ledger
// implements it.
type History interface {
	Sections(ctx context.Context, domain string) ([]store.SectionRecord, error)
	ArchivedIDs(ctx context.Context) ([]store.IDRecord, error)
}

// ImmutabilityViolation reports a change to archive content that is frozen.
type ImmutabilityViolation struct {
	Violations []types.Violation
}

func (e *ImmutabilityViolation) Error() string {
	return fmt.Sprintf("archive immutability violated, %d violation(s):\n%s", len(e.Violations), types.FormatViolations(e.Violations))
}

// Code returns the stable error code.
func (e *ImmutabilityViolation) Code() string { return "IMMUTABILITY_VIOLATION" }

// ConsistencyError reports broken id invariants without any frozen content
// having changed.
type ConsistencyError struct {
	Violations []types.Violation
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency check failed, %d violation(s):\n%s", len(e.Violations), types.FormatViolations(e.Violations))
}

// Code returns the stable error code.
func (e *ConsistencyError) Code() string { return "CONSISTENCY_VIOLATION" }

// AsError turns a non-empty violation list into the matching error type.
func AsError(vs []types.Violation) error {
	if len(vs) == 0 {
		return nil
	}
	for _, v := range vs {
		if v.Rule == RuleImmutable {
			return &ImmutabilityViolation{Violations: vs}
		}
	}
	return &ConsistencyError{Violations: vs}
}

// Guard runs the checks.
type Guard struct {
	history History
}

// New returns a Guard. history may be nil, which leaves only the in-run
// baseline.
func New(history History) *Guard {
	return &Guard{history: history}
}

// Input is the state to check.
type Input struct {
	// Domain is the domain being checked.
	Domain *repo.Domain

	// Others are the remaining domains of the same snapshot, for the
	// cross-domain id rule.
	Others []*repo.Domain

	// Prior is the archive the current operation started from, or nil.
	Prior *codec.Archive
}

// Check returns every violation found for in.Domain.
func (g *Guard) Check(ctx context.Context, in Input) ([]types.Violation, error) {
	timer := logging.StartTimer(logging.CategoryGuard, "guard check")
	defer timer.Stop()

	d := in.Domain
	var registry []store.IDRecord
	var recorded []store.SectionRecord
	if g.history != nil {
		var err error
		if registry, err = g.history.ArchivedIDs(ctx); err != nil {
			return nil, fmt.Errorf("load archived ids: %w", err)
		}
		if recorded, err = g.history.Sections(ctx, d.Name); err != nil {
			return nil, fmt.Errorf("load recorded sections: %w", err)
		}
	}

	var vs []types.Violation
	vs = append(vs, checkExclusive(d, registry)...)
	vs = append(vs, checkDuplicates(d, in.Others, registry)...)

	current := d.Archive.Sections()
	vs = append(vs, checkSections(d.Name, current, recorded, "ledger")...)
	if in.Prior != nil {
		vs = append(vs, checkSections(d.Name, current, Baseline(d.Name, in.Prior), "snapshot")...)
	}
	vs = dedupe(vs)

	if len(vs) > 0 {
		logging.Get(logging.CategoryGuard).Warn("%s: %d violation(s)", d.Name, len(vs))
	} else {
		logging.GuardDebug("%s: consistent", d.Name)
	}
	return vs, nil
}

// CheckErr runs Check and folds violations into an error.
func (g *Guard) CheckErr(ctx context.Context, in Input) error {
	vs, err := g.Check(ctx, in)
	if err != nil {
		return err
	}
	return AsError(vs)
}

// IsViolation reports whether err came from a failed check.
func IsViolation(err error) bool {
	var iv *ImmutabilityViolation
	var ce *ConsistencyError
	return errors.As(err, &iv) || errors.As(err, &ce)
}

func checkExclusive(d *repo.Domain, registry []store.IDRecord) []types.Violation {
	archived := make(map[string]bool)
	for _, row := range d.Archive.Entries() {
		archived[row.Entry.ID] = true
	}
	registered := make(map[string]store.IDRecord, len(registry))
	for _, r := range registry {
		registered[r.ID] = r
	}

	var vs []types.Violation
	for _, e := range d.Backlog.Records() {
		id := e.Record.ID
		switch {
		case archived[id]:
			vs = append(vs, types.Violation{
				Rule:    RuleExclusive,
				TaskID:  id,
				Domain:  d.Name,
				Line:    e.Span.Line,
				Message: "task is both active and archived",
			})
		case registered[id].ID != "":
			r := registered[id]
			vs = append(vs, types.Violation{
				Rule:    RuleExclusive,
				TaskID:  id,
				Domain:  d.Name,
				Line:    e.Span.Line,
				Message: fmt.Sprintf("task was archived in %s by #%d and is active again", r.Domain, r.MergeRef),
			})
		}
	}
	return vs
}

func checkDuplicates(d *repo.Domain, others []*repo.Domain, registry []store.IDRecord) []types.Violation {
	type place struct {
		domain string
		line   int
	}
	where := make(map[string]place)
	for _, o := range others {
		if o == nil || o.Name == d.Name {
			continue
		}
		for _, row := range o.Archive.Entries() {
			if _, ok := where[row.Entry.ID]; !ok {
				where[row.Entry.ID] = place{o.Name, row.Span.Line}
			}
		}
	}
	registered := make(map[string]store.IDRecord, len(registry))
	for _, r := range registry {
		registered[r.ID] = r
	}

	var vs []types.Violation
	seen := make(map[string]int)
	for _, row := range d.Archive.Entries() {
		id := row.Entry.ID
		add := func(msg string) {
			vs = append(vs, types.Violation{Rule: RuleDuplicate, TaskID: id, Domain: d.Name, Line: row.Span.Line, Message: msg})
		}
		if first, dup := seen[id]; dup {
			add(fmt.Sprintf("id already archived on line %d", first))
			continue
		}
		seen[id] = row.Span.Line
		if p, ok := where[id]; ok {
			add(fmt.Sprintf("id also archived in %s line %d", p.domain, p.line))
			continue
		}
		if r, ok := registered[id]; ok && r.Domain != d.Name {
			add(fmt.Sprintf("id was archived in %s by #%d", r.Domain, r.MergeRef))
		}
	}
	return vs
}

// checkSections compares the current sections to a baseline. Sealed
// sections must be byte-identical; an open section may only have gained rows
// at its end.
func checkSections(domain string, current []codec.SectionText, baseline []store.SectionRecord, source string) []types.Violation {
	var vs []types.Violation
	add := func(line int, format string, args ...any) {
		vs = append(vs, types.Violation{
			Rule:    RuleImmutable,
			Domain:  domain,
			Line:    line,
			Message: fmt.Sprintf(format, args...) + " (" + source + ")",
		})
	}
	for _, rec := range baseline {
		if rec.Position >= len(current) {
			add(0, "section %d (%s) has disappeared", rec.Position+1, rec.Date)
			continue
		}
		cur := current[rec.Position]
		if rec.Sealed {
			if cur.Text != rec.Content {
				add(cur.Line, "sealed section %d (%s) was modified", rec.Position+1, rec.Date)
			}
			continue
		}
		if cur.Date != rec.Date {
			add(cur.Line, "section %d changed date from %s to %s", rec.Position+1, rec.Date, cur.Date)
			continue
		}
		if !isPrefix(rec.Rows, cur.Rows) {
			add(cur.Line, "section %d (%s) rows were changed or removed", rec.Position+1, rec.Date)
		}
	}
	return vs
}

func isPrefix(prefix, rows []string) bool {
	if len(prefix) > len(rows) {
		return false
	}
	for i := range prefix {
		if prefix[i] != rows[i] {
			return false
		}
	}
	return true
}

// Baseline derives section records from an archive: every section but the
// last is sealed.
func Baseline(domain string, a *codec.Archive) []store.SectionRecord {
	secs := a.Sections()
	out := make([]store.SectionRecord, 0, len(secs))
	for i, s := range secs {
		out = append(out, store.SectionRecord{
			Domain:   domain,
			Position: s.Position,
			Date:     s.Date,
			Digest:   store.DigestText(s.Text),
			Content:  s.Text,
			Rows:     s.Rows,
			Sealed:   i < len(secs)-1,
		})
	}
	return out
}

// Registry returns the id records of an archive.
func Registry(domain string, a *codec.Archive) []store.IDRecord {
	var out []store.IDRecord
	for _, row := range a.Entries() {
		out = append(out, store.IDRecord{ID: row.Entry.ID, Domain: domain, MergeRef: row.Entry.MergeRef})
	}
	return out
}

func dedupe(vs []types.Violation) []types.Violation {
	seen := make(map[string]bool)
	out := vs[:0]
	for _, v := range vs {
		key := v.Rule + "\x00" + v.TaskID + "\x00" + fmt.Sprint(v.Line) + "\x00" + strings.TrimSuffix(strings.TrimSuffix(v.Message, " (ledger)"), " (snapshot)")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return ruleOrder(out[i].Rule) < ruleOrder(out[j].Rule)
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func ruleOrder(r string) int {
	switch r {
	case RuleExclusive:
		return 0
	case RuleDuplicate:
		return 1
	default:
		return 2
	}
}
