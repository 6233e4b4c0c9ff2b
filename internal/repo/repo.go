// Package repo maps domains onto store keys and decodes a domain's two
// tables out of one snapshot.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"taskledger/internal/codec"
	"taskledger/internal/store"
)

// Layout resolves table keys. config.LayoutConfig implements it.
type Layout interface {
	ActivePath(domain string) string
	CompletedPath(domain string) string
	Domain(key string) (string, bool)
	DomainsRoot() string
}

// Domain is one domain's decoded tables.
type Domain struct {
	Name         string
	ActiveKey    string
	CompletedKey string
	Backlog      *codec.Backlog
	Archive      *codec.Archive

	// HasActive and HasArchive report whether the files exist in the snapshot.
	HasActive  bool
	HasArchive bool
}

// Tables reads domains out of snapshots.
type Tables struct {
	layout Layout
}

// New returns a Tables over layout.
func New(layout Layout) *Tables {
	return &Tables{layout: layout}
}

// Layout returns the key layout.
func (t *Tables) Layout() Layout { return t.layout }

// Domains lists every domain with at least one table in snap, sorted.
func (t *Tables) Domains(snap *store.Snapshot) []string {
	prefix := t.layout.DomainsRoot()
	if prefix != "" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var out []string
	for _, key := range snap.Keys(prefix) {
		if d, ok := t.layout.Domain(key); ok && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Load decodes one domain. Missing tables decode as empty.
func (t *Tables) Load(snap *store.Snapshot, name string) (*Domain, error) {
	d := &Domain{
		Name:         name,
		ActiveKey:    t.layout.ActivePath(name),
		CompletedKey: t.layout.CompletedPath(name),
	}

	active, ok := snap.Get(d.ActiveKey)
	d.HasActive = ok
	b, err := codec.DecodeBacklog(active)
	if err != nil {
		return nil, &FileError{Key: d.ActiveKey, Err: err, Domain: name}
	}
	d.Backlog = b

	completed, ok := snap.Get(d.CompletedKey)
	d.HasArchive = ok
	if !ok {
		d.Archive = codec.NewArchive("Completed: " + name)
		return d, nil
	}
	a, err := codec.DecodeArchive(completed)
	if err != nil {
		return nil, &FileError{Key: d.CompletedKey, Err: err, Domain: name}
	}
	d.Archive = a
	return d, nil
}

// LoadAll decodes the named domains concurrently, in the order given.
func (t *Tables) LoadAll(ctx context.Context, snap *store.Snapshot, names []string) ([]*Domain, error) {
	out := make([]*Domain, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := t.Load(snap, name)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadReadable is LoadAll for readers that can do without a broken domain:
// domains whose tables fail to decode are left out and returned as
// FileErrors instead. Order is kept.
func (t *Tables) LoadReadable(ctx context.Context, snap *store.Snapshot, names []string) ([]*Domain, []*FileError, error) {
	loaded := make([]*Domain, len(names))
	failed := make([]*FileError, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := t.Load(snap, name)
			var fe *FileError
			switch {
			case errors.As(err, &fe):
				failed[i] = fe
			case err != nil:
				return err
			default:
				loaded[i] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	var domains []*Domain
	var broken []*FileError
	for i := range names {
		if loaded[i] != nil {
			domains = append(domains, loaded[i])
		}
		if failed[i] != nil {
			broken = append(broken, failed[i])
		}
	}
	return domains, broken, nil
}

// FileError locates a decode failure in the repository.
type FileError struct {
	Key string
	Err error

	// Domain is set by Load.
	Domain string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }
