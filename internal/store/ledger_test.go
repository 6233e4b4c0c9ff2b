package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerRecordAndRead(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	err := l.Record(ctx, "pay", []SectionRecord{
		{Position: 0, Date: "2026-02-13", Content: "## 2026-02-13\n| a |\n", Rows: []string{"| a |"}, Sealed: true},
		{Position: 1, Date: "2026-02-14", Content: "## 2026-02-14\n| b |\n", Rows: []string{"| b |"}},
	}, []IDRecord{{ID: "F-26-02-13-00", MergeRef: 450}, {ID: "F-26-02-14-00", MergeRef: 451}})
	require.NoError(t, err)

	secs, err := l.Sections(ctx, "pay")
	require.NoError(t, err)
	require.Len(t, secs, 2)
	assert.True(t, secs[0].Sealed)
	assert.False(t, secs[1].Sealed)
	assert.Equal(t, DigestText("## 2026-02-13\n| a |\n"), secs[0].Digest)
	assert.Equal(t, []string{"| b |"}, secs[1].Rows)

	ids, err := l.ArchivedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []IDRecord{
		{ID: "F-26-02-13-00", Domain: "pay", MergeRef: 450},
		{ID: "F-26-02-14-00", Domain: "pay", MergeRef: 451},
	}, ids)

	domains, err := l.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pay"}, domains)
}

func TestLedgerSealedStaysSealed(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	sec := SectionRecord{Position: 0, Date: "2026-02-13", Content: "c\n", Sealed: true}
	require.NoError(t, l.Record(ctx, "pay", []SectionRecord{sec}, nil))

	sec.Sealed = false
	require.NoError(t, l.Record(ctx, "pay", []SectionRecord{sec}, nil))

	secs, err := l.Sections(ctx, "pay")
	require.NoError(t, err)
	require.Len(t, secs, 1)
	assert.True(t, secs[0].Sealed)
}

func TestLedgerKeepsFirstIDRegistration(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	require.NoError(t, l.Record(ctx, "pay", nil, []IDRecord{{ID: "F-26-02-14-00", MergeRef: 451}}))
	require.NoError(t, l.Record(ctx, "ops", nil, []IDRecord{{ID: "F-26-02-14-00", MergeRef: 999}}))

	ids, err := l.ArchivedIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "pay", ids[0].Domain)
	assert.Equal(t, 451, ids[0].MergeRef)
}

func TestLedgerPersistsOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "ledger.db")

	l, err := OpenLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "pay", []SectionRecord{{Position: 0, Date: "2026-02-14", Content: "c\n"}}, nil))
	require.NoError(t, l.Close())

	l, err = OpenLedger(path)
	require.NoError(t, err)
	defer l.Close()
	secs, err := l.Sections(ctx, "pay")
	require.NoError(t, err)
	assert.Len(t, secs, 1)
}

func TestLedgerUnknownDomain(t *testing.T) {
	l := openTestLedger(t)
	secs, err := l.Sections(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, secs)
}
