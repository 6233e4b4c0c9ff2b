package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage"

	"taskledger/internal/logging"
)

var (
	// ErrDirtyWorktree reports uncommitted changes on a path a commit would
	// have to rewrite in the worktree.
	ErrDirtyWorktree = errors.New("store: worktree has uncommitted changes")

	// ErrDiverged reports local commits that are not on the remote branch.
	ErrDiverged = errors.New("store: local branch has diverged from remote")

	// ErrDetachedHead reports a HEAD that does not name a branch.
	ErrDetachedHead = errors.New("store: HEAD is detached")
)

// GitOptions configures a Git store.
type GitOptions struct {
	// Prefixes limits tracking to keys under these directories.
	Prefixes []string

	AuthorName  string
	AuthorEmail string

	// Push sends every commit to Remote. Snapshots then read the remote
	// branch after a fetch, and a rejected push reports ErrStale.
	Push   bool
	Remote string
	Auth   transport.AuthMethod

	// Now stamps commits. Defaults to time.Now.
	Now func() time.Time
}

// Git is a Store over a go-git repository. The version is a commit hash;
// snapshots read the committed tree, never the worktree. Commits are built
// from objects directly, so whatever the user has staged or edited elsewhere
// stays out of them.
type Git struct {
	mu   sync.Mutex
	repo *git.Repository
	wt   *git.Worktree
	opts GitOptions
}

// OpenGit opens the repository at path.
func OpenGit(path string, opts GitOptions) (*Git, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", path, err)
	}
	return NewGit(repo, opts)
}

// NewGit wraps an already opened non-bare repository.
func NewGit(repo *git.Repository, opts GitOptions) (*Git, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git store needs a worktree: %w", err)
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "taskledger"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "taskledger@localhost"
	}
	if opts.Remote == "" {
		opts.Remote = git.DefaultRemoteName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Git{repo: repo, wt: wt, opts: opts}, nil
}

// branch returns the branch HEAD points at, born or not.
func (g *Git) branch() (plumbing.ReferenceName, error) {
	ref, err := g.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", ErrDetachedHead
	}
	return ref.Target(), nil
}

// head returns the HEAD commit, or nil on an unborn branch.
func (g *Git) head() (*object.Commit, error) {
	ref, err := g.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	return c, nil
}

// tip returns the commit new work builds on: HEAD, or with Push the remote
// branch after a fetch. nil means nothing has been committed yet.
func (g *Git) tip(ctx context.Context) (*object.Commit, error) {
	if !g.opts.Push {
		return g.head()
	}
	if err := g.fetch(ctx); err != nil {
		return nil, err
	}
	branch, err := g.branch()
	if err != nil {
		return nil, err
	}
	ref, err := g.repo.Reference(plumbing.NewRemoteReferenceName(g.opts.Remote, branch.Short()), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return g.head()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", g.opts.Remote, branch.Short(), err)
	}
	c, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load remote commit: %w", err)
	}
	return c, nil
}

func (g *Git) fetch(ctx context.Context) error {
	err := g.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: g.opts.Remote, Auth: g.opts.Auth})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate), errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	default:
		return fmt.Errorf("fetch %s: %w", g.opts.Remote, err)
	}
}

func commitVersion(c *object.Commit) string {
	if c == nil {
		return ""
	}
	return c.Hash.String()
}

func (g *Git) tracked(name string) bool {
	if len(g.opts.Prefixes) == 0 {
		return true
	}
	for _, p := range g.opts.Prefixes {
		p = strings.TrimSuffix(p, "/") + "/"
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Snapshot implements Store.
func (g *Git) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, err := g.tip(ctx)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte)
	if c == nil {
		return &Snapshot{files: files}, nil
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		if !g.tracked(f.Name) {
			return nil
		}
		r, err := f.Reader()
		if err != nil {
			return err
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		files[f.Name] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}
	return &Snapshot{Version: c.Hash.String(), files: files}, nil
}

// Commit implements Store. The new commit is base's tree with change
// applied. Without Push it is refused unless HEAD is still base; with Push
// the push is the compare-and-swap, and a rejection puts the branch back.
// The worktree is then brought up to date on the paths the branch moved,
// which must not carry uncommitted edits.
func (g *Git) Commit(ctx context.Context, base *Snapshot, change Change) (string, error) {
	if base == nil {
		return "", ErrStale
	}
	if err := checkKeys(change); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	branch, err := g.branch()
	if err != nil {
		return "", err
	}
	local, err := g.head()
	if err != nil {
		return "", err
	}
	parent, err := g.parentFor(base, local)
	if err != nil {
		return "", err
	}

	before, err := flatten(local)
	if err != nil {
		return "", err
	}
	after, err := flatten(parent)
	if err != nil {
		return "", err
	}
	for _, key := range change.Keys() {
		h, err := g.storeBlob(change.Writes[key])
		if err != nil {
			return "", fmt.Errorf("store %s: %w", key, err)
		}
		mode := filemode.Regular
		if old, ok := after[key]; ok && old.Mode == filemode.Executable {
			mode = old.Mode
		}
		after[key] = object.TreeEntry{Name: path.Base(key), Mode: mode, Hash: h}
	}

	moved := changedPaths(before, after)
	if err := g.checkClean(moved); err != nil {
		return "", err
	}

	treeHash, err := g.storeTree(after)
	if err != nil {
		return "", fmt.Errorf("build tree: %w", err)
	}
	msg := change.Message
	if msg == "" {
		msg = "taskledger: update " + strings.Join(change.Keys(), ", ")
	}
	sig := object.Signature{Name: g.opts.AuthorName, Email: g.opts.AuthorEmail, When: g.opts.Now()}
	commit := &object.Commit{Author: sig, Committer: sig, Message: msg, TreeHash: treeHash}
	if parent != nil {
		commit.ParentHashes = []plumbing.Hash{parent.Hash}
	}
	hash, err := g.storeObject(commit)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	var old *plumbing.Reference
	if local != nil {
		old = plumbing.NewHashReference(branch, local.Hash)
	}
	if err := g.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(branch, hash), old); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return "", ErrStale
		}
		return "", fmt.Errorf("update %s: %w", branch.Short(), err)
	}

	if g.opts.Push {
		refspec := gitconfig.RefSpec(branch.String() + ":" + branch.String())
		err := g.repo.PushContext(ctx, &git.PushOptions{
			RemoteName: g.opts.Remote,
			Auth:       g.opts.Auth,
			RefSpecs:   []gitconfig.RefSpec{refspec},
		})
		switch {
		case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		case pushRejected(err):
			logging.Get(logging.CategoryStore).Warn("push of %s rejected, remote moved on", hash)
			g.resetBranch(branch, local)
			return "", ErrStale
		default:
			g.resetBranch(branch, local)
			return "", fmt.Errorf("push: %w", err)
		}
	}

	if err := g.syncWorktree(after, moved, change); err != nil {
		logging.Get(logging.CategoryStore).Error("commit %s landed but the worktree was not updated: %v", hash, err)
	}
	logging.StoreDebug("git commit %s: %s", hash, msg)
	return hash.String(), nil
}

// parentFor resolves base to the commit the change is built on.
func (g *Git) parentFor(base *Snapshot, local *object.Commit) (*object.Commit, error) {
	if !g.opts.Push {
		if commitVersion(local) != base.Version {
			logging.StoreDebug("git commit refused: base %.12s, HEAD %.12s", base.Version, commitVersion(local))
			return nil, ErrStale
		}
		return local, nil
	}
	if base.Version == "" {
		if local != nil {
			return nil, fmt.Errorf("%w: the remote branch is empty", ErrDiverged)
		}
		return nil, nil
	}
	parent, err := g.repo.CommitObject(plumbing.NewHash(base.Version))
	if err != nil {
		return nil, fmt.Errorf("load base commit %.12s: %w", base.Version, err)
	}
	if local != nil {
		ok, err := local.IsAncestor(parent)
		if err != nil {
			return nil, fmt.Errorf("compare with %s: %w", g.opts.Remote, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: HEAD %.12s is not in %s", ErrDiverged, local.Hash, g.opts.Remote)
		}
	}
	return parent, nil
}

// pushRejected recognizes a lost push race. go-git reports its own
// fast-forward check as a plain error string.
func pushRejected(err error) bool {
	return errors.Is(err, git.ErrNonFastForwardUpdate) || strings.Contains(err.Error(), "non-fast-forward")
}

func (g *Git) resetBranch(branch plumbing.ReferenceName, c *object.Commit) {
	var err error
	if c == nil {
		err = g.repo.Storer.RemoveReference(branch)
	} else {
		err = g.repo.Storer.SetReference(plumbing.NewHashReference(branch, c.Hash))
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("reset %s failed: %v", branch.Short(), err)
	}
}

// checkClean refuses paths with staged, modified or untracked content.
func (g *Git) checkClean(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	status, err := g.wt.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	var dirty []string
	for _, p := range paths {
		if fs, ok := status[p]; ok && (fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified) {
			dirty = append(dirty, p)
		}
	}
	if len(dirty) > 0 {
		return fmt.Errorf("%w: %s", ErrDirtyWorktree, strings.Join(dirty, ", "))
	}
	return nil
}

// syncWorktree writes the committed content of paths into the worktree and
// index. Nothing else in the index is touched.
func (g *Git) syncWorktree(entries map[string]object.TreeEntry, paths []string, change Change) error {
	fs := g.wt.Filesystem
	for _, p := range paths {
		e, ok := entries[p]
		if !ok {
			if _, err := g.wt.Remove(p); err != nil {
				return fmt.Errorf("remove %s: %w", p, err)
			}
			continue
		}
		if e.Mode == filemode.Submodule {
			continue
		}
		data, ok := change.Writes[p]
		if !ok {
			var err error
			if data, err = g.readBlob(e.Hash); err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
		}
		switch e.Mode {
		case filemode.Symlink:
			_ = fs.Remove(p)
			if err := fs.Symlink(string(data), p); err != nil {
				return fmt.Errorf("link %s: %w", p, err)
			}
		default:
			perm := os.FileMode(0o644)
			if e.Mode == filemode.Executable {
				perm = 0o755
			}
			if err := util.WriteFile(fs, p, data, perm); err != nil {
				return fmt.Errorf("write %s: %w", p, err)
			}
		}
		if _, err := g.wt.Add(p); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}
	return nil
}

// flatten lists every non-directory entry of c's tree by full path.
func flatten(c *object.Commit) (map[string]object.TreeEntry, error) {
	out := make(map[string]object.TreeEntry)
	if c == nil {
		return out, nil
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	w := object.NewTreeWalker(tree, true, nil)
	defer w.Close()
	for {
		name, e, err := w.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk tree: %w", err)
		}
		if e.Mode == filemode.Dir {
			continue
		}
		out[name] = e
	}
}

func changedPaths(before, after map[string]object.TreeEntry) []string {
	var out []string
	for p, e := range after {
		if old, ok := before[p]; !ok || old.Hash != e.Hash || old.Mode != e.Mode {
			out = append(out, p)
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

type treeDir struct {
	files []object.TreeEntry
	dirs  map[string]*treeDir
}

func (g *Git) storeTree(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := &treeDir{dirs: make(map[string]*treeDir)}
	for p, e := range entries {
		parts := strings.Split(p, "/")
		d := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := d.dirs[part]
			if !ok {
				child = &treeDir{dirs: make(map[string]*treeDir)}
				d.dirs[part] = child
			}
			d = child
		}
		e.Name = parts[len(parts)-1]
		d.files = append(d.files, e)
	}
	return g.storeDir(root)
}

func (g *Git) storeDir(d *treeDir) (plumbing.Hash, error) {
	entries := append([]object.TreeEntry(nil), d.files...)
	for name, child := range d.dirs {
		h, err := g.storeDir(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	// git orders directories as if their name ended in a slash
	sortName := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool { return sortName(entries[i]) < sortName(entries[j]) })
	return g.storeObject(&object.Tree{Entries: entries})
}

type encodable interface {
	Encode(plumbing.EncodedObject) error
}

func (g *Git) storeObject(o encodable) (plumbing.Hash, error) {
	obj := g.repo.Storer.NewEncodedObject()
	if err := o.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return g.repo.Storer.SetEncodedObject(obj)
}

func (g *Git) storeBlob(data []byte) (plumbing.Hash, error) {
	obj := g.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return g.repo.Storer.SetEncodedObject(obj)
}

func (g *Git) readBlob(h plumbing.Hash) ([]byte, error) {
	b, err := g.repo.BlobObject(h)
	if err != nil {
		return nil, err
	}
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
