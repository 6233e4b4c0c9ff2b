package migration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskledger/internal/codec"
	"taskledger/internal/config"
	"taskledger/internal/event"
	"taskledger/internal/guard"
	"taskledger/internal/repo"
	"taskledger/internal/schema"
	"taskledger/internal/store"
	"taskledger/internal/types"
)

const (
	domainName    = "payment-fraud-detection"
	activeKey     = "domains/payment-fraud-detection/tasks.md"
	completedKey  = "domains/payment-fraud-detection/completed.md"
	activeHeader  = "| Priority | ID | Description | Feature | Effort | Vibe |\n|---|---|---|---|---|---|\n"
	archiveHeader = "| ID | Feature | Merge Ref | Merge Date | Vibe |\n|---|---|---|---|---|\n"
)

const scenarioActive = "# Payment Fraud Detection\n\n## 2026-02-15\n\n" + activeHeader +
	"| High | F-26-02-15-00 | Detect fraud patterns | /features/detect-fraud-patterns | 2 | |\n"

type fakeFeatures map[string]string

func (f fakeFeatures) Exists(path string) (bool, error) {
	_, ok := f[path]
	return ok, nil
}

func (f fakeFeatures) DefaultTag(path string) (string, error) {
	return f[path], nil
}

// flakyStore fails commits with ErrStale while stale is positive, or always
// when it is negative.
type flakyStore struct {
	*store.Memory
	stale    int
	attempts int
	onCommit func()
}

func (s *flakyStore) Commit(ctx context.Context, base *store.Snapshot, c store.Change) (string, error) {
	s.attempts++
	if s.onCommit != nil {
		s.onCommit()
		s.onCommit = nil
	}
	if s.stale != 0 {
		if s.stale > 0 {
			s.stale--
		}
		return "", store.ErrStale
	}
	return s.Memory.Commit(ctx, base, c)
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := types.ParseDate(s)
	require.NoError(t, err)
	return d
}

func tables() *repo.Tables {
	return repo.New(config.DefaultConfig().Layout)
}

func newEngine(st store.Store, opts Options) *Engine {
	if opts.Features == nil {
		opts.Features = fakeFeatures{"/features/detect-fraud-patterns": "focus"}
	}
	return New(st, tables(), opts)
}

func scenarioRequest(t *testing.T) Request {
	return Request{TaskID: "F-26-02-15-00", Domain: domainName, MergeRef: 451, MergeDate: date(t, "2026-02-14")}
}

func load(t *testing.T, st store.Store) *repo.Domain {
	t.Helper()
	snap, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	d, err := tables().Load(snap, domainName)
	require.NoError(t, err)
	return d
}

func TestMigrateScenario(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	res, err := newEngine(st, Options{}).Migrate(context.Background(), scenarioRequest(t))
	require.NoError(t, err)

	assert.False(t, res.Noop)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, types.ArchiveEntry{
		ID:          "F-26-02-15-00",
		FeaturePath: "/features/detect-fraud-patterns",
		MergeRef:    451,
		MergeDate:   date(t, "2026-02-14"),
		VibeTag:     "focus",
	}, res.Entry)

	d := load(t, st)
	_, active := d.Backlog.Find("F-26-02-15-00")
	assert.False(t, active)
	assert.Equal(t, 0, d.Backlog.Len())
	activeText, _ := st.Get(activeKey)
	assert.True(t, strings.HasPrefix(string(activeText), "# Payment Fraud Detection\n"))
	assert.NotContains(t, string(activeText), "## 2026-02-15")

	completed, _ := st.Get(completedKey)
	assert.Equal(t, "# Completed: payment-fraud-detection\n\n## 2026-02-14\n\n"+
		"| ID | Feature | Merge Ref | Merge Date | Vibe |\n"+
		"|----|---------|-----------|------------|------|\n"+
		"| F-26-02-15-00 | /features/detect-fraud-patterns | #451 | 2026-02-14 | focus |\n", string(completed))
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	e := newEngine(st, Options{})
	ctx := context.Background()

	_, err := e.Migrate(ctx, scenarioRequest(t))
	require.NoError(t, err)
	before, _ := st.Get(completedKey)

	res, err := e.Migrate(ctx, scenarioRequest(t))
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Equal(t, 1, st.Commits())
	after, _ := st.Get(completedKey)
	assert.Equal(t, before, after)
}

func TestMigrateMutualExclusion(t *testing.T) {
	active := scenarioActive + "| Low | F-26-02-15-01 | Write docs | /features/detect-fraud-patterns | 1 | |\n"
	st := store.NewMemory(map[string][]byte{activeKey: []byte(active)})
	_, err := newEngine(st, Options{}).Migrate(context.Background(), scenarioRequest(t))
	require.NoError(t, err)

	d := load(t, st)
	for _, row := range d.Archive.Entries() {
		_, both := d.Backlog.Find(row.Entry.ID)
		assert.False(t, both, "%s is in both tables", row.Entry.ID)
	}
	_, stillActive := d.Backlog.Find("F-26-02-15-01")
	assert.True(t, stillActive)
	vs, err := guard.New(nil).Check(context.Background(), guard.Input{Domain: d})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestMigrateValidationBatching(t *testing.T) {
	active := "## 2026-02-15\n\n" + activeHeader +
		"| High | F-2026-02-15 | Broken row | /features/detect-fraud-patterns | -1 | |\n"
	st := store.NewMemory(map[string][]byte{activeKey: []byte(active)})

	req := scenarioRequest(t)
	req.TaskID = "F-2026-02-15"
	_, err := newEngine(st, Options{}).Migrate(context.Background(), req)

	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	require.Len(t, ve.Violations, 2)
	assert.Equal(t, schema.RuleIDPattern, ve.Violations[0].Rule)
	assert.Equal(t, schema.RuleEffortPositive, ve.Violations[1].Rule)
	assert.Equal(t, 5, ve.Violations[0].Line)
	assert.Equal(t, 0, st.Commits())
}

func TestMigrateRejectsMissingMergeData(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	req := scenarioRequest(t)
	req.MergeRef = 0
	req.MergeDate = time.Time{}

	_, err := newEngine(st, Options{}).Migrate(context.Background(), req)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Violations, 2)
}

func TestMigrateNotFound(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	req := scenarioRequest(t)
	req.TaskID = "F-26-02-15-09"

	_, err := newEngine(st, Options{}).Migrate(context.Background(), req)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "NOT_FOUND", nf.Code())
}

func TestMigrateArchivedUnderOtherRef(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	e := newEngine(st, Options{})
	_, err := e.Migrate(context.Background(), scenarioRequest(t))
	require.NoError(t, err)

	req := scenarioRequest(t)
	req.MergeRef = 452
	_, err = e.Migrate(context.Background(), req)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Contains(t, nf.Error(), "archived by #451")
}

func TestMigrateConflictExhaustsBudget(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)}), stale: -1}
	_, err := newEngine(st, Options{RetryBudget: 3}).Migrate(context.Background(), scenarioRequest(t))

	var ce *ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, st.attempts)
	assert.True(t, errors.Is(err, store.ErrStale))
	assert.Equal(t, 0, st.Commits())
}

func TestMigrateDefaultBudget(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)}), stale: -1}
	_, err := newEngine(st, Options{}).Migrate(context.Background(), scenarioRequest(t))
	require.Error(t, err)
	assert.Equal(t, DefaultRetryBudget, st.attempts)
}

func TestMigrateStaleOnceSucceeds(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)}), stale: 1}
	res, err := newEngine(st, Options{}).Migrate(context.Background(), scenarioRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, st.Commits())
}

func TestMigrateRetryReadsConcurrentWrite(t *testing.T) {
	mem := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	other := "## 2026-02-13\n\n" + archiveHeader + "| F-26-02-13-00 | /features/other | #450 | 2026-02-13 | |\n"
	st := &flakyStore{Memory: mem, onCommit: func() { mem.Put(completedKey, []byte(other)) }}

	res, err := newEngine(st, Options{}).Migrate(context.Background(), scenarioRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	d := load(t, st)
	require.Equal(t, 2, d.Archive.Len())
	assert.Equal(t, "F-26-02-13-00", d.Archive.Entries()[0].Entry.ID)
	assert.Equal(t, "F-26-02-15-00", d.Archive.Entries()[1].Entry.ID)
}

func TestMigrateVibeTagResolution(t *testing.T) {
	tests := []struct {
		name     string
		own      string
		features fakeFeatures
		want     string
	}{
		{"feature default", "", fakeFeatures{"/features/detect-fraud-patterns": "focus"}, "focus"},
		{"record wins", "calm", fakeFeatures{"/features/detect-fraud-patterns": "focus"}, "calm"},
		{"none", "", fakeFeatures{"/features/detect-fraud-patterns": ""}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active := "## 2026-02-15\n\n" + activeHeader +
				"| High | F-26-02-15-00 | Detect | /features/detect-fraud-patterns | 2 | " + tt.own + " |\n"
			st := store.NewMemory(map[string][]byte{activeKey: []byte(active)})
			res, err := newEngine(st, Options{Features: tt.features}).Migrate(context.Background(), scenarioRequest(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Entry.VibeTag)
		})
	}
}

func TestMigrateCheckFeatures(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	_, err := newEngine(st, Options{Features: fakeFeatures{}, CheckFeatures: true}).Migrate(context.Background(), scenarioRequest(t))
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, schema.RuleFeatureExists, ve.Violations[0].Rule)
}

func TestMigrateDryRun(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	res, err := newEngine(st, Options{}).Migrate(context.Background(), Request{
		TaskID: "F-26-02-15-00", Domain: domainName, MergeRef: 451, MergeDate: date(t, "2026-02-14"), DryRun: true,
	})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Contains(t, string(res.Completed), "#451")
	assert.Equal(t, scenarioActive, string(res.PrevActive))
	assert.Nil(t, res.PrevCompleted)
	assert.Equal(t, 0, st.Commits())
	_, exists := st.Get(completedKey)
	assert.False(t, exists)
}

func TestMigrateAppendsBySection(t *testing.T) {
	archive := "# Completed\n\n## 2026-02-13\n\n" + archiveHeader +
		"| F-26-02-10-00 | /features/a | #440 | 2026-02-13 | |\n"
	active := "## 2026-02-15\n\n" + activeHeader +
		"| High | F-26-02-15-00 | a | /features/detect-fraud-patterns | 1 | |\n" +
		"| Med | F-26-02-15-01 | b | /features/detect-fraud-patterns | 1 | |\n"
	st := store.NewMemory(map[string][]byte{activeKey: []byte(active), completedKey: []byte(archive)})
	e := newEngine(st, Options{})
	ctx := context.Background()

	_, err := e.Migrate(ctx, Request{TaskID: "F-26-02-15-00", Domain: domainName, MergeRef: 451, MergeDate: date(t, "2026-02-13")})
	require.NoError(t, err)
	_, err = e.Migrate(ctx, Request{TaskID: "F-26-02-15-01", Domain: domainName, MergeRef: 452, MergeDate: date(t, "2026-02-14")})
	require.NoError(t, err)

	d := load(t, st)
	secs := d.Archive.Sections()
	require.Len(t, secs, 2)
	assert.Len(t, secs[0].Rows, 2)
	assert.Len(t, secs[1].Rows, 1)

	text, _ := st.Get(completedKey)
	assert.True(t, strings.HasPrefix(string(text), archive[:len(archive)-1]), "earlier bytes must be untouched")
}

func TestMigrateWithLedger(t *testing.T) {
	ledger, err := store.OpenLedger(":memory:")
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()

	archive := "## 2026-02-13\n\n" + archiveHeader + "| F-26-02-10-00 | /features/a | #440 | 2026-02-13 | |\n"
	active := "## 2026-02-15\n\n" + activeHeader +
		"| High | F-26-02-15-00 | a | /features/detect-fraud-patterns | 1 | |\n" +
		"| Med | F-26-02-15-01 | b | /features/detect-fraud-patterns | 1 | |\n"
	st := store.NewMemory(map[string][]byte{activeKey: []byte(active), completedKey: []byte(archive)})
	e := newEngine(st, Options{History: ledger, Recorder: ledger})

	_, err = e.Migrate(ctx, Request{TaskID: "F-26-02-15-00", Domain: domainName, MergeRef: 451, MergeDate: date(t, "2026-02-14")})
	require.NoError(t, err)

	secs, err := ledger.Sections(ctx, domainName)
	require.NoError(t, err)
	require.Len(t, secs, 2)
	assert.True(t, secs[0].Sealed)
	assert.False(t, secs[1].Sealed)
	ids, err := ledger.ArchivedIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// someone rewrites a sealed row behind the engine's back
	text, _ := st.Get(completedKey)
	st.Put(completedKey, []byte(strings.Replace(string(text), "#440", "#999", 1)))

	_, err = e.Migrate(ctx, Request{TaskID: "F-26-02-15-01", Domain: domainName, MergeRef: 452, MergeDate: date(t, "2026-02-14")})
	var iv *guard.ImmutabilityViolation
	require.True(t, errors.As(err, &iv), "got %v", err)
	assert.Equal(t, 1, st.Commits())
	d := load(t, st)
	_, stillActive := d.Backlog.Find("F-26-02-15-01")
	assert.True(t, stillActive)
}

func TestMigrateEvent(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte(scenarioActive)})
	e := newEngine(st, Options{})
	ctx := context.Background()

	ev := event.MergeEvent{
		Number:   451,
		MergedAt: time.Date(2026, 2, 14, 18, 5, 0, 0, time.UTC),
		Body:     "Adds pattern detection.\n\nResolves #F-26-02-15-00",
	}
	res, err := e.MigrateEvent(ctx, domainName, ev, false)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-14", res.Entry.MergeDateString())
	assert.Equal(t, 451, res.Entry.MergeRef)

	_, err = e.MigrateEvent(ctx, domainName, event.MergeEvent{Number: 9, Body: "no reference"}, false)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Contains(t, nf.Error(), "change request #9")
}

func TestMigrateParseErrorSurfaces(t *testing.T) {
	st := store.NewMemory(map[string][]byte{activeKey: []byte("| stray | row |\n")})
	_, err := newEngine(st, Options{}).Migrate(context.Background(), scenarioRequest(t))
	var pe *codec.ParseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 1, pe.Line)
}

func TestMigrateRequiresDomain(t *testing.T) {
	_, err := newEngine(store.NewMemory(nil), Options{}).Migrate(context.Background(), Request{TaskID: "F-26-02-15-00"})
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, schema.RuleDomain, ve.Violations[0].Rule)
}
