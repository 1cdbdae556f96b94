// Package backend defines the narrow object-store interface the history
// engine runs on: commits, trees, blobs and compare-and-swap refs.
package backend

import (
	"context"
	"sort"
	"time"
)

// ID is a content-derived object identifier rendered as lowercase hex.
// Its length is fixed per backend (40 for Git, 64 for the SQLite store).
type ID string

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ""
}

// Short returns an abbreviated form for display.
func (id ID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

func (id ID) String() string {
	return string(id)
}

// Signature identifies who made a commit and when.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is a commit object. The history engine treats everything except
// ID, Parents and Message as opaque payload.
type Commit struct {
	ID        ID
	Parents   []ID
	Tree      ID
	Author    Signature
	Committer Signature
	Message   string
}

// Timestamp is the commit time used for deterministic ordering.
func (c *Commit) Timestamp() time.Time {
	return c.Committer.When
}

// FirstParent returns the first parent, or the zero ID for a root commit.
func (c *Commit) FirstParent() ID {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// Clone returns a copy that does not share the parent slice.
func (c *Commit) Clone() *Commit {
	cp := *c
	cp.Parents = append([]ID(nil), c.Parents...)
	return &cp
}

// File modes stored in tree entries.
const (
	ModeFile    uint32 = 0o100644
	ModeExec    uint32 = 0o100755
	ModeSymlink uint32 = 0o120000
)

// TreeEntry is a single file in a flattened tree.
type TreeEntry struct {
	Blob ID
	Mode uint32
}

// Tree is a flattened snapshot: slash-separated path to entry.
type Tree map[string]TreeEntry

// Paths returns the tree's paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a shallow copy of the tree.
func (t Tree) Clone() Tree {
	cp := make(Tree, len(t))
	for p, e := range t {
		cp[p] = e
	}
	return cp
}

// Ref is a named pointer to a commit.
type Ref struct {
	Name   string
	Target ID
}

// HeadRef is the name of the checked-out position.
const HeadRef = "HEAD"

// Backend is the object store consumed by the Graph Index, the Rewrite Engine
// and the fallback path.
type Backend interface {
	ReadCommit(ctx context.Context, id ID) (*Commit, error)
	// WriteCommit stores c and returns its content-derived id. c.ID is ignored.
	WriteCommit(ctx context.Context, c *Commit) (ID, error)

	ReadTree(ctx context.Context, id ID) (Tree, error)
	WriteTree(ctx context.Context, t Tree) (ID, error)
	ReadBlob(ctx context.Context, id ID) ([]byte, error)
	WriteBlob(ctx context.Context, data []byte) (ID, error)

	ReadRef(ctx context.Context, name string) (ID, error)
	// WriteRef points name at target. A zero target deletes the ref.
	// When expectedOld is non-nil the write only succeeds if the ref currently
	// points at *expectedOld (a zero *expectedOld means "must not exist").
	// Writing the value a ref already has always succeeds.
	WriteRef(ctx context.Context, name string, target ID, expectedOld *ID) error
	ListRefs(ctx context.Context) ([]Ref, error)

	// MaterializeWorkingCopy writes the commit's files into dir.
	MaterializeWorkingCopy(ctx context.Context, id ID, dir string) error

	// Fingerprint changes whenever refs change. The Graph Index compares it
	// against the value it recorded after its own writes to detect external
	// mutation.
	Fingerprint(ctx context.Context) (string, error)

	Close() error
}

// Expect returns a pointer suitable for WriteRef's expectedOld argument.
func Expect(id ID) *ID {
	return &id
}
