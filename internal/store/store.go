// Package store holds the repository state behind a versioned key-value
// interface. Readers take a Snapshot; writers hand the Snapshot they started
// from back to Commit, which fails with ErrStale when another writer got in
// first. Keys are slash-separated paths relative to the repository root.
//
// Backends:
//   - FS: a plain directory serialized by a lock file
//   - Git: a go-git repository, one commit per change
//   - Memory: in-process, for tests
//
// The package also carries the SQLite Ledger of known-good archive sections.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ErrStale reports that the snapshot a commit was computed from is no longer
// current. It is the only retryable store error.
var ErrStale = errors.New("store: snapshot is stale")

// ErrLockTimeout reports that the commit lock could not be taken in time.
var ErrLockTimeout = errors.New("store: timed out waiting for lock")

// Store is a versioned key-value store with compare-and-swap commits.
type Store interface {
	// Snapshot returns one consistent view of every tracked key.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Commit applies change on top of base. All writes become visible
	// together or not at all. It returns the new version.
	Commit(ctx context.Context, base *Snapshot, change Change) (string, error)
}

// Snapshot is an immutable view of the store at one version.
type Snapshot struct {
	Version string
	files   map[string][]byte
}

// NewSnapshot builds a snapshot over a copy of files.
func NewSnapshot(version string, files map[string][]byte) *Snapshot {
	cp := make(map[string][]byte, len(files))
	for k, v := range files {
		cp[k] = append([]byte(nil), v...)
	}
	return &Snapshot{Version: version, files: cp}
}

// Get returns the content of key. The returned slice must not be modified.
func (s *Snapshot) Get(key string) ([]byte, bool) {
	data, ok := s.files[key]
	return data, ok
}

// Keys returns the sorted keys starting with prefix.
func (s *Snapshot) Keys(prefix string) []string {
	var keys []string
	for k := range s.files {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *Snapshot) Len() int { return len(s.files) }

// Change is one atomic set of writes.
type Change struct {
	Writes  map[string][]byte
	Message string
}

// Keys returns the written keys in sorted order.
func (c Change) Keys() []string {
	keys := make([]string, 0, len(c.Writes))
	for k := range c.Writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// apply returns files overlaid with the change.
func (c Change) apply(files map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(files)+len(c.Writes))
	for k, v := range files {
		out[k] = v
	}
	for k, v := range c.Writes {
		out[k] = v
	}
	return out
}

// Digest returns a content version over a set of files. It depends only on
// keys and contents.
func Digest(files map[string][]byte) string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(len(files[k]))))
		h.Write([]byte{0})
		h.Write(files[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DigestText returns the hex sha256 of s.
func DigestText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func checkKeys(c Change) error {
	for k := range c.Writes {
		if !validKey(k) {
			return &KeyError{Key: k}
		}
	}
	return nil
}

// KeyError reports a key that is not a clean relative path.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return "store: invalid key " + strconv.Quote(e.Key)
}
