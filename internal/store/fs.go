package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"taskledger/internal/logging"
)

// LockFileName is created in the root while a reader or committer holds the
// store.
const LockFileName = ".taskledger.lock"

const lockPoll = 10 * time.Millisecond

// FSOptions configures an FS store.
type FSOptions struct {
	// Prefixes limits tracking to keys under these directories. Empty tracks
	// the whole root except dot entries.
	Prefixes []string

	// LockTimeout bounds the wait for the lock file. Zero means 10s.
	LockTimeout time.Duration

	// LockStaleAfter is the age past which a lock file is broken even when
	// its owner cannot be checked. Zero means 2m.
	LockStaleAfter time.Duration
}

// FS is a directory-backed Store. Every file under the tracked prefixes is
// part of the version digest.
type FS struct {
	root string
	opts FSOptions

	// file operations, replaced in tests to inject failures
	rename func(oldpath, newpath string) error
	remove func(name string) error
}

// NewFS returns an FS store rooted at root.
func NewFS(root string, opts FSOptions) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = 2 * time.Minute
	}
	return &FS{root: root, opts: opts, rename: os.Rename, remove: os.Remove}, nil
}

// Root returns the store directory.
func (s *FS) Root() string { return s.root }

// Snapshot implements Store.
func (s *FS) Snapshot(ctx context.Context) (*Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "fs snapshot")
	defer timer.Stop()

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	files, err := s.readTracked()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Version: Digest(files), files: files}, nil
}

// Commit implements Store. It re-reads the tracked files under the lock and
// refuses with ErrStale when they no longer match base. Writes are staged to
// temp files first, then renamed over the targets; a failed rename restores
// every file already replaced.
func (s *FS) Commit(ctx context.Context, base *Snapshot, change Change) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "fs commit")
	defer timer.StopWithThreshold(time.Second)

	if base == nil {
		return "", ErrStale
	}
	if err := checkKeys(change); err != nil {
		return "", err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	current, err := s.readTracked()
	if err != nil {
		return "", err
	}
	if v := Digest(current); v != base.Version {
		logging.StoreDebug("commit refused: base %.12s, current %.12s", base.Version, v)
		return "", ErrStale
	}

	staged, err := s.stage(change)
	if err != nil {
		return "", err
	}
	defer func() {
		for _, st := range staged {
			_ = os.Remove(st.tmp)
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := s.swap(staged, current); err != nil {
		return "", err
	}

	next := Digest(change.apply(current))
	logging.StoreDebug("committed %d file(s), version %.12s: %s", len(staged), next, change.Message)
	return next, nil
}

type stagedFile struct {
	key    string
	target string
	tmp    string
}

// stage writes every change to a synced temp file next to its target.
func (s *FS) stage(change Change) ([]stagedFile, error) {
	var staged []stagedFile
	for _, key := range change.Keys() {
		target := filepath.Join(s.root, filepath.FromSlash(key))
		tmp, err := writeTemp(target, change.Writes[key])
		if err != nil {
			for _, st := range staged {
				_ = os.Remove(st.tmp)
			}
			return nil, fmt.Errorf("stage %s: %w", key, err)
		}
		staged = append(staged, stagedFile{key: key, target: target, tmp: tmp})
	}
	return staged, nil
}

// swap renames the staged files into place. On failure every replaced file
// is put back from the originals.
func (s *FS) swap(staged []stagedFile, originals map[string][]byte) error {
	for i, st := range staged {
		if err := s.rename(st.tmp, st.target); err != nil {
			logging.Get(logging.CategoryStore).Error("commit failed at %s, restoring %d file(s): %v", st.key, i, err)
			if rerr := s.restore(staged[:i], originals); rerr != nil {
				return fmt.Errorf("write %s: %w (restore failed: %v)", st.key, err, rerr)
			}
			return fmt.Errorf("write %s: %w", st.key, err)
		}
	}
	for _, dir := range uniqueDirs(staged) {
		if err := fsyncDir(dir); err != nil {
			logging.StoreDebug("fsync %s: %v", dir, err)
		}
	}
	return nil
}

func (s *FS) restore(done []stagedFile, originals map[string][]byte) error {
	var errs []error
	for _, st := range done {
		orig, existed := originals[st.key]
		if !existed {
			if err := s.remove(st.target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		tmp, err := writeTemp(st.target, orig)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(tmp, st.target); err != nil {
			_ = os.Remove(tmp)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FS) readTracked() (map[string][]byte, error) {
	files := make(map[string][]byte)
	prefixes := s.opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, prefix := range prefixes {
		dir := filepath.Join(s.root, filepath.FromSlash(prefix))
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			name := d.Name()
			if path != dir && strings.HasPrefix(name, ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() || strings.Contains(name, ".tmp.") {
				return nil
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read store: %w", err)
		}
	}
	return files, nil
}

// lock takes the lock file, polling until the timeout or ctx ends. A lock
// left by a process that is gone, or older than LockStaleAfter, is broken.
func (s *FS) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, LockFileName)
	deadline := time.Now().Add(s.opts.LockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), hostname())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		broken, err := s.breakStale(path)
		if err != nil {
			logging.StoreDebug("inspect lock %s: %v", path, err)
		}
		if broken {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

// breakStale removes the lock at path when its owner is gone. It reports
// true when the lock is no longer there and taking it should be retried.
func (s *FS) breakStale(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	reason := staleReason(data, time.Since(info.ModTime()), s.opts.LockStaleAfter)
	if reason == "" {
		return false, nil
	}

	// move it aside first so two breakers cannot both win
	aside := fmt.Sprintf("%s.stale.%d", path, os.Getpid())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	moved, err := os.ReadFile(aside)
	if err == nil && !bytes.Equal(moved, data) {
		// a new owner took the lock in between; give it back
		_ = os.Link(aside, path)
		_ = os.Remove(aside)
		return false, nil
	}
	_ = os.Remove(aside)
	logging.Get(logging.CategoryStore).Warn("broke stale lock %s: %s", path, reason)
	return true, nil
}

// staleReason explains why a lock with content data and age is stale, or
// returns "" for a lock that may still be held. The owner is only checked
// when the lock was taken on this host.
func staleReason(data []byte, age, staleAfter time.Duration) string {
	if age > staleAfter {
		return fmt.Sprintf("held for %s", age.Round(time.Second))
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 || fields[1] != hostname() {
		return ""
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid == os.Getpid() {
		return ""
	}
	if !processAlive(pid) {
		return fmt.Sprintf("owner process %d is gone", pid)
	}
	return ""
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "unknown"
	}
	return strings.Join(strings.Fields(h), "-")
}

func writeTemp(target string, data []byte) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp.*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(name)
		}
	}()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	ok = true
	return name, nil
}

func uniqueDirs(staged []stagedFile) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, st := range staged {
		d := filepath.Dir(st.target)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
