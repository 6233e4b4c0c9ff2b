package store

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Store. Versions are a commit counter.
type Memory struct {
	mu      sync.Mutex
	seq     int
	files   map[string][]byte
	commits int
}

// NewMemory returns a Memory store holding files.
func NewMemory(files map[string][]byte) *Memory {
	m := &Memory{files: make(map[string][]byte, len(files))}
	for k, v := range files {
		m.files[k] = append([]byte(nil), v...)
	}
	return m
}

func (m *Memory) version() string {
	return "mem-" + strconv.Itoa(m.seq)
}

// Snapshot implements Store.
func (m *Memory) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewSnapshot(m.version(), m.files), nil
}

// Commit implements Store.
func (m *Memory) Commit(ctx context.Context, base *Snapshot, change Change) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKeys(change); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if base == nil || base.Version != m.version() {
		return "", ErrStale
	}
	for k, v := range change.Writes {
		m.files[k] = append([]byte(nil), v...)
	}
	m.seq++
	m.commits++
	return m.version(), nil
}

// Put writes a key outside any snapshot, bumping the version. Tests use it to
// simulate a concurrent writer.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = append([]byte(nil), data...)
	m.seq++
}

// Get returns the current content of key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	return append([]byte(nil), data...), ok
}

// Commits returns the number of successful commits.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}
