package sprint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"taskledger/internal/logging"
	"taskledger/internal/repo"
	"taskledger/internal/store"
)

// Generator reads the store and produces reports.
type Generator struct {
	store  store.Store
	tables *repo.Tables
}

// NewGenerator returns a Generator.
func NewGenerator(st store.Store, tables *repo.Tables) *Generator {
	return &Generator{store: st, tables: tables}
}

// Generate aggregates the named domains, or every domain when names is
// empty, from one snapshot. It also returns the snapshot version. A domain
// whose tables do not decode is skipped with a warning and listed in
// Report.Skipped.
func (g *Generator) Generate(ctx context.Context, names []string, w Window) (*Report, string, error) {
	timer := logging.StartTimer(logging.CategoryReport, "generate report")
	defer timer.Stop()

	snap, err := g.store.Snapshot(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("read store: %w", err)
	}
	if len(names) == 0 {
		names = g.tables.Domains(snap)
	}
	domains, broken, err := g.tables.LoadReadable(ctx, snap, names)
	if err != nil {
		return nil, "", err
	}
	r := Aggregate(domains, w)
	for _, fe := range broken {
		logging.Get(logging.CategoryReport).Warn("skipping %s: %v", fe.Domain, fe)
		r.Skipped = append(r.Skipped, Skipped{Domain: fe.Domain, Reason: fe.Error()})
	}
	logging.ReportDebug("aggregated %d domain(s) at %.12s", len(r.Domains), snap.Version)
	return r, snap.Version, nil
}

// WriteFile renders r for path and replaces path with it. "-" is not
// handled here; callers write to stdout themselves.
func WriteFile(path string, r *Report) error {
	data, err := Render(r, FormatFor(path))
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
