package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskledger/internal/codec"
	"taskledger/internal/repo"
	"taskledger/internal/store"
	"taskledger/internal/types"
)

const (
	activeHeader   = "| Priority | ID | Description | Feature | Effort | Vibe |\n|---|---|---|---|---|---|\n"
	archiveHeader  = "| ID | Feature | Merge Ref | Merge Date | Vibe |\n|---|---|---|---|---|\n"
	archiveFixture = "# Completed\n\n## 2026-02-13\n\n" + archiveHeader +
		"| F-26-02-10-00 | /features/a | #440 | 2026-02-13 | calm |\n" +
		"\n## 2026-02-14\n\n" + archiveHeader +
		"| F-26-02-11-00 | /features/a | #441 | 2026-02-14 | |\n"
)

func domain(t *testing.T, name, active, archive string) *repo.Domain {
	t.Helper()
	b, err := codec.DecodeBacklog([]byte(active))
	require.NoError(t, err)
	a, err := codec.DecodeArchive([]byte(archive))
	require.NoError(t, err)
	return &repo.Domain{Name: name, Backlog: b, Archive: a}
}

func backlog(rows ...string) string {
	return "## 2026-02-15\n\n" + activeHeader + strings.Join(rows, "")
}

func ledger(t *testing.T) *store.Ledger {
	t.Helper()
	l, err := store.OpenLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func record(t *testing.T, l *store.Ledger, d *repo.Domain) {
	t.Helper()
	require.NoError(t, l.Record(context.Background(), d.Name, Baseline(d.Name, d.Archive), Registry(d.Name, d.Archive)))
}

func ruleList(vs []types.Violation) []string {
	var out []string
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestCleanStatePasses(t *testing.T) {
	l := ledger(t)
	d := domain(t, "pay", backlog("| High | F-26-02-15-00 | x | /features/a | 2 | |\n"), archiveFixture)
	record(t, l, d)

	vs, err := New(l).Check(context.Background(), Input{Domain: d, Prior: d.Archive})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestActiveAndArchived(t *testing.T) {
	d := domain(t, "pay", backlog("| High | F-26-02-11-00 | x | /features/a | 2 | |\n"), archiveFixture)

	vs, err := New(nil).Check(context.Background(), Input{Domain: d})
	require.NoError(t, err)
	require.Equal(t, []string{RuleExclusive}, ruleList(vs))
	assert.Equal(t, 5, vs[0].Line)

	var ce *ConsistencyError
	assert.True(t, errors.As(AsError(vs), &ce))
}

func TestActiveAfterArchivedElsewhere(t *testing.T) {
	l := ledger(t)
	ops := domain(t, "ops", "", archiveFixture)
	record(t, l, ops)

	pay := domain(t, "pay", backlog("| High | F-26-02-10-00 | x | /features/a | 2 | |\n"), "")
	vs, err := New(l).Check(context.Background(), Input{Domain: pay})
	require.NoError(t, err)
	require.Equal(t, []string{RuleExclusive}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "archived in ops by #440")
}

func TestDuplicateArchiveIDs(t *testing.T) {
	dup := archiveFixture + "| F-26-02-10-00 | /features/a | #442 | 2026-02-14 | |\n"
	d := domain(t, "pay", "", dup)

	vs, err := New(nil).Check(context.Background(), Input{Domain: d})
	require.NoError(t, err)
	require.Equal(t, []string{RuleDuplicate}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "line 7")
}

func TestDuplicateAcrossDomains(t *testing.T) {
	pay := domain(t, "pay", "", archiveFixture)
	ops := domain(t, "ops", "", "## 2026-02-14\n\n"+archiveHeader+"| F-26-02-11-00 | /features/b | #9 | 2026-02-14 | |\n")

	vs, err := New(nil).Check(context.Background(), Input{Domain: pay, Others: []*repo.Domain{pay, ops}})
	require.NoError(t, err)
	require.Equal(t, []string{RuleDuplicate}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "also archived in ops")
}

func TestDuplicateAgainstRegistry(t *testing.T) {
	l := ledger(t)
	require.NoError(t, l.Record(context.Background(), "ops", nil, []store.IDRecord{{ID: "F-26-02-11-00", MergeRef: 9}}))

	pay := domain(t, "pay", "", archiveFixture)
	vs, err := New(l).Check(context.Background(), Input{Domain: pay})
	require.NoError(t, err)
	require.Equal(t, []string{RuleDuplicate}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "archived in ops by #9")
}

func TestSealedSectionEdited(t *testing.T) {
	l := ledger(t)
	record(t, l, domain(t, "pay", "", archiveFixture))

	edited := strings.Replace(archiveFixture, "#440", "#999", 1)
	d := domain(t, "pay", "", edited)
	vs, err := New(l).Check(context.Background(), Input{Domain: d})
	require.NoError(t, err)
	require.Equal(t, []string{RuleImmutable}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "sealed section 1 (2026-02-13) was modified")

	var iv *ImmutabilityViolation
	require.True(t, errors.As(AsError(vs), &iv))
	assert.Equal(t, "IMMUTABILITY_VIOLATION", iv.Code())
}

func TestOpenSectionMayGrow(t *testing.T) {
	l := ledger(t)
	record(t, l, domain(t, "pay", "", archiveFixture))

	d := domain(t, "pay", "", archiveFixture)
	d.Archive.Append(types.ArchiveEntry{ID: "F-26-02-12-00", FeaturePath: "/features/a", MergeRef: 443, MergeDate: d.Archive.Entries()[1].Entry.MergeDate})
	d.Archive.Append(types.ArchiveEntry{ID: "F-26-02-12-01", FeaturePath: "/features/a", MergeRef: 444, MergeDate: d.Archive.Entries()[0].Entry.MergeDate})

	vs, err := New(l).Check(context.Background(), Input{Domain: d})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestOpenSectionRowChanged(t *testing.T) {
	l := ledger(t)
	record(t, l, domain(t, "pay", "", archiveFixture))

	edited := strings.Replace(archiveFixture, "#441", "#1441", 1)
	vs, err := New(l).Check(context.Background(), Input{Domain: domain(t, "pay", "", edited)})
	require.NoError(t, err)
	require.Equal(t, []string{RuleImmutable}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "rows were changed or removed")
}

func TestSectionDisappeared(t *testing.T) {
	l := ledger(t)
	record(t, l, domain(t, "pay", "", archiveFixture))

	truncated := archiveFixture[:strings.Index(archiveFixture, "\n## 2026-02-14")+1]
	vs, err := New(l).Check(context.Background(), Input{Domain: domain(t, "pay", "", truncated)})
	require.NoError(t, err)
	require.Equal(t, []string{RuleImmutable}, ruleList(vs))
	assert.Contains(t, vs[0].Message, "has disappeared")
}

func TestPriorSnapshotBaseline(t *testing.T) {
	prior := domain(t, "pay", "", archiveFixture)
	edited := domain(t, "pay", "", strings.Replace(archiveFixture, "calm", "loud", 1))

	vs, err := New(nil).Check(context.Background(), Input{Domain: edited, Prior: prior.Archive})
	require.NoError(t, err)
	require.Equal(t, []string{RuleImmutable}, ruleList(vs))
	assert.True(t, strings.HasSuffix(vs[0].Message, "(snapshot)"))
}

func TestBothBaselinesReportOnce(t *testing.T) {
	l := ledger(t)
	prior := domain(t, "pay", "", archiveFixture)
	record(t, l, prior)
	edited := domain(t, "pay", "", strings.Replace(archiveFixture, "calm", "loud", 1))

	vs, err := New(l).Check(context.Background(), Input{Domain: edited, Prior: prior.Archive})
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

func TestTrustOnFirstUse(t *testing.T) {
	d := domain(t, "pay", "", strings.Replace(archiveFixture, "calm", "loud", 1))
	vs, err := New(ledger(t)).Check(context.Background(), Input{Domain: d})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestBaselineSealsAllButLast(t *testing.T) {
	d := domain(t, "pay", "", archiveFixture)
	recs := Baseline("pay", d.Archive)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Sealed)
	assert.False(t, recs[1].Sealed)
	assert.Equal(t, []string{"| F-26-02-11-00 | /features/a | #441 | 2026-02-14 | |"}, recs[1].Rows)
}
