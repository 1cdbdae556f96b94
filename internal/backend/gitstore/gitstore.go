// Package gitstore implements the backend interface over a real Git
// repository using go-git.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/sirupsen/logrus"

	"restack/internal/backend"
	"restack/internal/cas"
)

// Store wraps a go-git repository.
type Store struct {
	repo   *git.Repository
	path   string
	gitDir string
	log    *logrus.Entry

	initBranch string
	watch      bool
	watcher    *fsnotify.Watcher
	dirty      atomic.Bool
	fpMu       sync.Mutex
	fpCache    string
	done       chan struct{}
}

var _ backend.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the ref watcher.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) {
		s.log = l.WithField("component", "gitstore")
	}
}

// WithRefWatcher enables an fsnotify watch on the ref files so Fingerprint
// only rescans refs after something touched them.
func WithRefWatcher() Option {
	return func(s *Store) {
		s.watch = true
	}
}

// WithInitialBranch names the branch HEAD points at in a repository created
// by Init.
func WithInitialBranch(name string) Option {
	return func(s *Store) {
		s.initBranch = name
	}
}

// Open opens an existing Git repository at or above repoPath.
func Open(repoPath string, opts ...Option) (*Store, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return newStore(repo, repoPath, opts...)
}

// Init creates a new non-bare repository at repoPath.
func Init(repoPath string, opts ...Option) (*Store, error) {
	probe := &Store{}
	for _, opt := range opts {
		opt(probe)
	}
	initOpts := &git.PlainInitOptions{}
	if probe.initBranch != "" {
		initOpts.InitOptions.DefaultBranch = plumbing.NewBranchReferenceName(probe.initBranch)
	}
	repo, err := git.PlainInitWithOptions(repoPath, initOpts)
	if err != nil {
		return nil, fmt.Errorf("initializing repository: %w", err)
	}
	return newStore(repo, repoPath, opts...)
}

func newStore(repo *git.Repository, repoPath string, opts ...Option) (*Store, error) {
	s := &Store{repo: repo, path: repoPath, log: logrus.NewEntry(logrus.New())}
	if fs, ok := repo.Storer.(*filesystem.Storage); ok {
		s.gitDir = fs.Filesystem().Root()
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.watch && s.gitDir != "" {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GitDir returns the repository's .git directory.
func (s *Store) GitDir() string {
	return s.gitDir
}

// Close stops the ref watcher.
func (s *Store) Close() error {
	if s.watcher != nil && s.done != nil {
		close(s.done)
		return s.watcher.Close()
	}
	return nil
}

func hashOf(id backend.ID) plumbing.Hash {
	return plumbing.NewHash(string(id))
}

func idOf(h plumbing.Hash) backend.ID {
	if h.IsZero() {
		return ""
	}
	return backend.ID(h.String())
}

func notFound(what string, id backend.ID, err error) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) || errors.Is(err, plumbing.ErrReferenceNotFound) {
		return &backend.NotFoundError{What: what, Name: string(id)}
	}
	return backend.WrapIO("read "+what, err)
}

// ReadCommit loads a commit object.
func (s *Store) ReadCommit(ctx context.Context, id backend.ID) (*backend.Commit, error) {
	if !plumbing.IsHash(string(id)) {
		return nil, &backend.NotFoundError{What: "commit", Name: string(id)}
	}
	c, err := s.repo.CommitObject(hashOf(id))
	if err != nil {
		return nil, notFound("commit", id, err)
	}
	out := &backend.Commit{
		ID:        id,
		Tree:      idOf(c.TreeHash),
		Author:    backend.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
		Committer: backend.Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When},
		Message:   c.Message,
	}
	for _, p := range c.ParentHashes {
		out.Parents = append(out.Parents, idOf(p))
	}
	return out, nil
}

// WriteCommit encodes c as a Git commit object.
func (s *Store) WriteCommit(ctx context.Context, c *backend.Commit) (backend.ID, error) {
	commit := &object.Commit{
		Author:    object.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
		Committer: object.Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When},
		Message:   c.Message,
		TreeHash:  hashOf(c.Tree),
	}
	for _, p := range c.Parents {
		commit.ParentHashes = append(commit.ParentHashes, hashOf(p))
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("encoding commit: %w", err)
	}
	h, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", backend.WrapIO("write commit", err)
	}
	return idOf(h), nil
}

// ReadTree flattens a Git tree into path -> entry.
func (s *Store) ReadTree(ctx context.Context, id backend.ID) (backend.Tree, error) {
	tree, err := s.repo.TreeObject(hashOf(id))
	if err != nil {
		return nil, notFound("tree", id, err)
	}
	out := backend.Tree{}
	err = tree.Files().ForEach(func(f *object.File) error {
		out[f.Name] = backend.TreeEntry{Blob: idOf(f.Hash), Mode: uint32(f.Mode)}
		return nil
	})
	if err != nil {
		return nil, backend.WrapIO("walk tree", err)
	}
	return out, nil
}

// WriteTree builds nested Git trees from a flattened tree, bottom-up.
func (s *Store) WriteTree(ctx context.Context, t backend.Tree) (backend.ID, error) {
	type dirNode struct {
		files map[string]backend.TreeEntry
		dirs  map[string]bool
	}
	dirs := map[string]*dirNode{"": {files: map[string]backend.TreeEntry{}, dirs: map[string]bool{}}}
	var ensure func(dir string) *dirNode
	ensure = func(dir string) *dirNode {
		if n, ok := dirs[dir]; ok {
			return n
		}
		n := &dirNode{files: map[string]backend.TreeEntry{}, dirs: map[string]bool{}}
		dirs[dir] = n
		parent := path.Dir(dir)
		if parent == "." {
			parent = ""
		}
		ensure(parent).dirs[path.Base(dir)] = true
		return n
	}
	for p, e := range t {
		dir := path.Dir(p)
		if dir == "." {
			dir = ""
		}
		ensure(dir).files[path.Base(p)] = e
	}

	// Deepest directories first so children hashes exist before parents.
	names := make([]string, 0, len(dirs))
	for d := range dirs {
		names = append(names, d)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := strings.Count(names[i], "/"), strings.Count(names[j], "/")
		if names[i] == "" {
			di = -1
		}
		if names[j] == "" {
			dj = -1
		}
		if di != dj {
			return di > dj
		}
		return names[i] < names[j]
	})

	hashes := map[string]plumbing.Hash{}
	for _, d := range names {
		n := dirs[d]
		var entries []object.TreeEntry
		for name, e := range n.files {
			mode := filemode.FileMode(e.Mode)
			if e.Mode == 0 {
				mode = filemode.Regular
			}
			entries = append(entries, object.TreeEntry{Name: name, Mode: mode, Hash: hashOf(e.Blob)})
		}
		for name := range n.dirs {
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hashes[path.Join(d, name)]})
		}
		sortGitEntries(entries)

		obj := s.repo.Storer.NewEncodedObject()
		if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
			return "", fmt.Errorf("encoding tree: %w", err)
		}
		h, err := s.repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return "", backend.WrapIO("write tree", err)
		}
		hashes[d] = h
	}
	return idOf(hashes[""]), nil
}

// sortGitEntries orders entries the way Git does: directories compare as if
// their name had a trailing slash.
func sortGitEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool { return key(entries[i]) < key(entries[j]) })
}

// ReadBlob returns file content.
func (s *Store) ReadBlob(ctx context.Context, id backend.ID) ([]byte, error) {
	blob, err := s.repo.BlobObject(hashOf(id))
	if err != nil {
		return nil, notFound("blob", id, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, backend.WrapIO("open blob", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, backend.WrapIO("read blob", err)
}

// WriteBlob stores file content as a blob object.
func (s *Store) WriteBlob(ctx context.Context, data []byte) (backend.ID, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return "", backend.WrapIO("write blob", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", backend.WrapIO("write blob", err)
	}
	if err := w.Close(); err != nil {
		return "", backend.WrapIO("write blob", err)
	}
	h, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", backend.WrapIO("write blob", err)
	}
	return idOf(h), nil
}

// MaterializeWorkingCopy writes the commit's files below dir.
func (s *Store) MaterializeWorkingCopy(ctx context.Context, id backend.ID, dir string) error {
	c, err := s.ReadCommit(ctx, id)
	if err != nil {
		return err
	}
	tree, err := s.ReadTree(ctx, c.Tree)
	if err != nil {
		return err
	}
	for _, p := range tree.Paths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := tree[p]
		data, err := s.ReadBlob(ctx, entry.Blob)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return backend.WrapIO("materialize", err)
		}
		switch entry.Mode {
		case backend.ModeSymlink:
			err = os.Symlink(string(data), dst)
		case backend.ModeExec:
			err = os.WriteFile(dst, data, 0o755)
		default:
			err = os.WriteFile(dst, data, 0o644)
		}
		if err != nil {
			return backend.WrapIO("materialize", err)
		}
	}
	return nil
}

// ReadRef resolves a ref (following symbolic refs such as HEAD).
func (s *Store) ReadRef(ctx context.Context, name string) (backend.ID, error) {
	ref, err := storer.ResolveReference(s.repo.Storer, plumbing.ReferenceName(name))
	if err != nil {
		return "", notFound("ref", backend.ID(name), err)
	}
	return idOf(ref.Hash()), nil
}

// WriteRef updates a ref with compare-and-swap. Writing a symbolic HEAD
// moves the branch it points at.
func (s *Store) WriteRef(ctx context.Context, name string, target backend.ID, expectedOld *backend.ID) error {
	refName := plumbing.ReferenceName(name)
	if raw, err := s.repo.Storer.Reference(refName); err == nil && raw.Type() == plumbing.SymbolicReference {
		refName = raw.Target()
	}

	current, err := s.repo.Storer.Reference(refName)
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return backend.WrapIO("read ref", err)
	}
	var currentID backend.ID
	if current != nil {
		currentID = idOf(current.Hash())
	}
	if currentID == target {
		return nil
	}
	if expectedOld != nil && *expectedOld != currentID {
		return &backend.RefMismatchError{Ref: name, Expected: *expectedOld, Actual: currentID}
	}

	if target.IsZero() {
		return backend.WrapIO("remove ref", s.repo.Storer.RemoveReference(refName))
	}
	next := plumbing.NewHashReference(refName, hashOf(target))
	err = s.repo.Storer.CheckAndSetReference(next, current)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		actual, _ := s.ReadRef(ctx, string(refName))
		return &backend.RefMismatchError{Ref: name, Expected: currentID, Actual: actual}
	}
	return backend.WrapIO("write ref", err)
}

// ListRefs returns every ref that resolves to a commit, plus HEAD.
func (s *Store) ListRefs(ctx context.Context) ([]backend.Ref, error) {
	iter, err := s.repo.References()
	if err != nil {
		return nil, backend.WrapIO("list refs", err)
	}
	var refs []backend.Ref
	err = iter.ForEach(func(r *plumbing.Reference) error {
		if r.Type() != plumbing.HashReference || r.Name() == plumbing.HEAD {
			return nil
		}
		refs = append(refs, backend.Ref{Name: r.Name().String(), Target: idOf(r.Hash())})
		return nil
	})
	if err != nil {
		return nil, backend.WrapIO("list refs", err)
	}
	if head, err := s.ReadRef(ctx, backend.HeadRef); err == nil {
		refs = append(refs, backend.Ref{Name: backend.HeadRef, Target: head})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Fingerprint hashes the sorted ref list. With the ref watcher enabled the
// previous value is reused until a ref file changes.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	if s.watcher != nil && s.fpCache != "" && !s.dirty.Load() {
		return s.fpCache, nil
	}
	s.dirty.Store(false)

	refs, err := s.ListRefs(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range refs {
		fmt.Fprintf(&b, "%s %s\n", r.Name, r.Target)
	}
	s.fpCache = "git:" + cas.SumHex([]byte(b.String()))
	return s.fpCache, nil
}
