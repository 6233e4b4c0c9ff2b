// Package migration moves a task from a domain's active table into its
// completed table. A migration reads one snapshot, computes both new files,
// has the guard approve them and commits them together; a lost race starts
// over from a fresh snapshot.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskledger/internal/codec"
	"taskledger/internal/event"
	"taskledger/internal/guard"
	"taskledger/internal/logging"
	"taskledger/internal/repo"
	"taskledger/internal/schema"
	"taskledger/internal/store"
	"taskledger/internal/types"
)

// DefaultRetryBudget is the number of commit attempts before giving up.
const DefaultRetryBudget = 5

// Features is the feature-directory collaborator.
type Features interface {
	Exists(featurePath string) (bool, error)
	DefaultTag(featurePath string) (string, error)
}

// Recorder stores the known-good archive after a commit. *store.Ledger
// implements it.
type Recorder interface {
	Record(ctx context.Context, domain string, sections []store.SectionRecord, ids []store.IDRecord) error
}

// Options configures an Engine.
type Options struct {
	RetryBudget int
	RetryDelay  time.Duration

	// Features resolves default tags. Nil means no feature tags.
	Features Features

	// CheckFeatures also requires the feature directory to exist.
	CheckFeatures bool

	// History and Recorder are normally the same ledger. Either may be nil.
	History  guard.History
	Recorder Recorder
}

// Request asks for one migration.
type Request struct {
	TaskID    string
	Domain    string
	MergeRef  int
	MergeDate time.Time
	DryRun    bool
}

// Result describes a finished migration.
type Result struct {
	TaskID   string
	Domain   string
	Entry    types.ArchiveEntry
	Noop     bool
	DryRun   bool
	Attempts int
	Version  string

	// Active and Completed hold the new file contents; Noop leaves them nil.
	Active    []byte
	Completed []byte

	// PrevActive and PrevCompleted are the contents the migration started
	// from. A missing file is nil.
	PrevActive    []byte
	PrevCompleted []byte
}

// Engine runs migrations against a store.
type Engine struct {
	store  store.Store
	tables *repo.Tables
	guard  *guard.Guard
	opts   Options
}

// New returns an Engine.
func New(st store.Store, tables *repo.Tables, opts Options) *Engine {
	if opts.RetryBudget < 1 {
		opts.RetryBudget = DefaultRetryBudget
	}
	return &Engine{store: st, tables: tables, guard: guard.New(opts.History), opts: opts}
}

// Migrate archives req.TaskID. Repeating a migration that already happened
// with the same merge reference is a no-op.
func (e *Engine) Migrate(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryMigration, "migrate "+req.TaskID)
	defer timer.StopWithThreshold(5 * time.Second)

	audit := logging.AuditForDomain(req.Domain)
	if strings.TrimSpace(req.Domain) == "" {
		return nil, &schema.ValidationError{Violations: []types.Violation{{
			Rule: schema.RuleDomain, TaskID: req.TaskID, Message: "domain is required",
		}}}
	}

	for attempt := 1; ; attempt++ {
		res, snap, err := e.attempt(ctx, req)
		if err != nil {
			audit.MigrationRejected(req.TaskID, err)
			return nil, err
		}
		res.Attempts = attempt
		if res.Noop {
			audit.MigrationNoop(req.TaskID, req.MergeRef)
			logging.Migration("%s already archived in %s by #%d", req.TaskID, req.Domain, req.MergeRef)
			return res, nil
		}
		if req.DryRun {
			audit.MigrationDryRun(req.TaskID, req.MergeRef)
			return res, nil
		}

		version, err := e.store.Commit(ctx, snap, store.Change{
			Writes: map[string][]byte{
				e.tables.Layout().ActivePath(req.Domain):    res.Active,
				e.tables.Layout().CompletedPath(req.Domain): res.Completed,
			},
			Message: fmt.Sprintf("archive %s in %s (#%d)", req.TaskID, req.Domain, req.MergeRef),
		})
		if errors.Is(err, store.ErrStale) {
			audit.CommitStale(req.TaskID, attempt, snap.Version)
			if attempt >= e.opts.RetryBudget {
				audit.MigrationConflict(req.TaskID, attempt)
				return nil, &ConflictError{TaskID: req.TaskID, Domain: req.Domain, Attempts: attempt}
			}
			logging.MigrationDebug("attempt %d for %s lost the race, retrying", attempt, req.TaskID)
			if err := sleep(ctx, e.opts.RetryDelay); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", req.TaskID, err)
		}

		res.Version = version
		audit.MigrationApplied(req.TaskID, req.MergeRef, attempt, version)
		logging.Migration("archived %s in %s (#%d, %s)", req.TaskID, req.Domain, req.MergeRef, res.Entry.MergeDateString())
		e.record(ctx, req.Domain, res.Completed, version)
		return res, nil
	}
}

// MigrateEvent archives the task a merge event resolves.
func (e *Engine) MigrateEvent(ctx context.Context, domain string, ev event.MergeEvent, dryRun bool) (*Result, error) {
	id, err := ev.TaskID()
	if err != nil {
		return nil, &NotFoundError{Domain: domain, Reason: fmt.Sprintf("change request #%d: %v", ev.Number, err)}
	}
	return e.Migrate(ctx, Request{
		TaskID:    id,
		Domain:    domain,
		MergeRef:  ev.Number,
		MergeDate: ev.MergeDate(),
		DryRun:    dryRun,
	})
}

// attempt computes the migration against one fresh snapshot.
func (e *Engine) attempt(ctx context.Context, req Request) (*Result, *store.Snapshot, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read store: %w", err)
	}
	d, err := e.tables.Load(snap, req.Domain)
	if err != nil {
		return nil, nil, err
	}
	res := &Result{TaskID: req.TaskID, Domain: req.Domain, DryRun: req.DryRun}

	found, ok := d.Backlog.Find(req.TaskID)
	if !ok {
		row, archived := d.Archive.Find(req.TaskID)
		switch {
		case archived && row.Entry.MergeRef == req.MergeRef:
			res.Noop = true
			res.Entry = row.Entry
			return res, snap, nil
		case archived:
			return nil, nil, &NotFoundError{TaskID: req.TaskID, Domain: req.Domain,
				Reason: fmt.Sprintf("archived by #%d, not #%d", row.Entry.MergeRef, req.MergeRef)}
		default:
			return nil, nil, &NotFoundError{TaskID: req.TaskID, Domain: req.Domain}
		}
	}
	rec := found.Record

	vs := schema.Validate(rec, e.schemaOptions())
	if req.MergeRef <= 0 {
		vs = append(vs, types.Violation{Rule: schema.RuleMergeRef, TaskID: rec.ID, Message: "merge reference must be a positive number"})
	}
	if req.MergeDate.IsZero() {
		vs = append(vs, types.Violation{Rule: schema.RuleMergeDate, TaskID: rec.ID, Message: "merge date is required"})
	}
	if len(vs) > 0 {
		for i := range vs {
			vs[i].Domain, vs[i].Line = req.Domain, found.Span.Line
		}
		return nil, nil, &schema.ValidationError{Violations: vs}
	}

	if _, err := types.Transition(types.StatusActive, types.StatusArchived); err != nil {
		return nil, nil, err
	}
	d.Backlog.Remove(rec.ID)

	tag, err := e.resolveTag(rec)
	if err != nil {
		return nil, nil, err
	}
	entry := types.ArchiveEntry{
		ID:          rec.ID,
		FeaturePath: rec.FeaturePath,
		MergeRef:    req.MergeRef,
		MergeDate:   req.MergeDate,
		VibeTag:     tag,
	}
	d.Archive.Append(entry)
	res.Entry = entry

	if err := e.check(ctx, snap, d); err != nil {
		return nil, nil, err
	}
	res.Active = d.Backlog.Encode()
	res.Completed = d.Archive.Encode()
	res.PrevActive, _ = snap.Get(d.ActiveKey)
	res.PrevCompleted, _ = snap.Get(d.CompletedKey)
	return res, snap, nil
}

func (e *Engine) schemaOptions() schema.Options {
	if e.opts.CheckFeatures && e.opts.Features != nil {
		return schema.Options{Features: e.opts.Features}
	}
	return schema.Options{}
}

// resolveTag picks the archived tag: the record's own, else the feature's,
// else none. A record tag that disagrees with the feature is kept.
func (e *Engine) resolveTag(rec types.TaskRecord) (string, error) {
	own := strings.TrimSpace(rec.VibeTag)
	if e.opts.Features == nil {
		return own, nil
	}
	declared, err := e.opts.Features.DefaultTag(rec.FeaturePath)
	if err != nil {
		return "", fmt.Errorf("resolve vibe tag for %s: %w", rec.ID, err)
	}
	switch {
	case own == "":
		return declared, nil
	case declared != "" && declared != own:
		logging.Get(logging.CategoryMigration).Warn("%s: vibe tag %q differs from %s default %q, keeping %q",
			rec.ID, own, rec.FeaturePath, declared, own)
	}
	return own, nil
}

// check runs the guard over the proposed state of d, with every other domain
// of the snapshot as cross-domain context.
func (e *Engine) check(ctx context.Context, snap *store.Snapshot, d *repo.Domain) error {
	prior, err := e.tables.Load(snap, d.Name)
	if err != nil {
		return err
	}
	var others []*repo.Domain
	for _, name := range e.tables.Domains(snap) {
		if name == d.Name {
			continue
		}
		o, err := e.tables.Load(snap, name)
		if err != nil {
			logging.Get(logging.CategoryGuard).Warn("skipping %s in cross-domain check: %v", name, err)
			continue
		}
		others = append(others, o)
	}
	vs, err := e.guard.Check(ctx, guard.Input{Domain: d, Others: others, Prior: prior.Archive})
	if err != nil {
		return err
	}
	if err := guard.AsError(vs); err != nil {
		logging.AuditForDomain(d.Name).GuardViolation("", err)
		return err
	}
	return nil
}

// record updates the ledger after a commit. The commit already stands, so a
// failure here is only logged.
func (e *Engine) record(ctx context.Context, domain string, completed []byte, version string) {
	if e.opts.Recorder == nil {
		return
	}
	a, err := codec.DecodeArchive(completed)
	if err == nil {
		err = e.opts.Recorder.Record(ctx, domain, guard.Baseline(domain, a), guard.Registry(domain, a))
	}
	logging.AuditForDomain(domain).LedgerRecorded(version, err)
	if err != nil {
		logging.Get(logging.CategoryMigration).Warn("ledger not updated for %s: %v", domain, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
