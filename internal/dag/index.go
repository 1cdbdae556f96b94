package dag

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"restack/internal/backend"
)

// Index owns the current Graph snapshot and the read-through node cache.
// Commits are immutable, so loaded nodes never go stale; only the snapshot
// (which commits are reachable) changes.
type Index struct {
	backend backend.Backend
	warm    NodeCache
	log     *logrus.Entry
	group   singleflight.Group

	nodesMu sync.RWMutex
	nodes   map[backend.ID]*Node

	mu          sync.RWMutex
	current     *Graph
	fingerprint string
}

// Option configures an Index.
type Option func(*Index)

// WithNodeCache adds a persistent second-level node cache.
func WithNodeCache(c NodeCache) Option {
	return func(ix *Index) {
		ix.warm = c
	}
}

// WithLogger sets the index logger.
func WithLogger(l *logrus.Logger) Option {
	return func(ix *Index) {
		ix.log = l.WithField("component", "dag")
	}
}

// New creates an Index over b with an empty snapshot.
func New(b backend.Backend, opts ...Option) *Index {
	ix := &Index{
		backend: b,
		nodes:   make(map[backend.ID]*Node),
		current: newGraph(map[backend.ID]*Node{}),
		log:     logrus.NewEntry(logrus.New()),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Snapshot returns the current point-in-time graph. Callers keep using the
// returned value even if the index moves on.
func (ix *Index) Snapshot() *Graph {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.current
}

// loadNode reads a commit through memory, the warm cache and the backend.
func (ix *Index) loadNode(ctx context.Context, id backend.ID) (*Node, error) {
	ix.nodesMu.RLock()
	n, ok := ix.nodes[id]
	ix.nodesMu.RUnlock()
	if ok {
		return n, nil
	}

	if ix.warm != nil {
		if n, ok := ix.warm.Get(id); ok {
			ix.remember(n)
			return n, nil
		}
	}

	c, err := ix.backend.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	n = &Node{ID: id, Parents: append([]backend.ID(nil), c.Parents...), Time: c.Timestamp()}
	ix.remember(n)
	if ix.warm != nil {
		if err := ix.warm.Put(n); err != nil {
			ix.log.WithError(err).WithField("commit", id.Short()).Debug("node cache write failed")
		}
	}
	return n, nil
}

func (ix *Index) remember(n *Node) {
	ix.nodesMu.Lock()
	ix.nodes[n.ID] = n
	ix.nodesMu.Unlock()
}

// collect walks parent links from start, adding every reachable commit not
// already in nodes. Unreadable parents mark their child as boundary.
func (ix *Index) collect(ctx context.Context, nodes map[backend.ID]*Node, start []backend.ID) (Set, error) {
	added := make(Set)
	queue := append([]backend.ID(nil), start...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]
		if _, ok := nodes[id]; ok {
			continue
		}
		n, err := ix.loadNode(ctx, id)
		if err != nil {
			return nil, err
		}
		node := *n
		nodes[id] = &node
		added.Add(id)
		for _, p := range n.Parents {
			if _, ok := nodes[p]; ok {
				continue
			}
			if _, err := ix.loadNode(ctx, p); err != nil {
				if backend.IsNotFound(err) {
					node.Boundary = true
					continue
				}
				return nil, err
			}
			queue = append(queue, p)
		}
	}
	return added, nil
}

// Build loads the graph reachable from roots and makes it current. Unknown
// roots fail with NotFound. Concurrent builds of the same root set share one
// walk.
func (ix *Index) Build(ctx context.Context, roots []backend.ID) (*Graph, error) {
	key := rootsKey(roots)
	v, err, _ := ix.group.Do(key, func() (any, error) {
		fp, err := ix.backend.Fingerprint(ctx)
		if err != nil {
			return nil, err
		}
		nodes := make(map[backend.ID]*Node)
		if _, err := ix.collect(ctx, nodes, roots); err != nil {
			return nil, err
		}
		g := newGraph(nodes)

		ix.mu.Lock()
		ix.current = g
		ix.fingerprint = fp
		ix.mu.Unlock()

		ix.log.WithFields(logrus.Fields{"roots": len(roots), "commits": len(nodes)}).Debug("built commit graph")
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Graph), nil
}

func rootsKey(roots []backend.ID) string {
	ids := make([]string, len(roots))
	for i, r := range roots {
		ids[i] = string(r)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Apply advances the snapshot after a committed transaction: commits in
// added (and any unseen ancestors) join the graph, commits in removed leave it
// unless something that stays still descends from them. Only memoized
// closures touching those commits are dropped.
func (ix *Index) Apply(ctx context.Context, added, removed []backend.ID) (*Graph, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	old := ix.current
	nodes := make(map[backend.ID]*Node, len(old.nodes)+len(added))
	for id, n := range old.nodes {
		nodes[id] = n
	}

	newIDs, err := ix.collect(ctx, nodes, added)
	if err != nil {
		return nil, err
	}

	// Boundary parents that just arrived are no longer missing.
	for id, n := range nodes {
		if !n.Boundary {
			continue
		}
		for _, p := range n.Parents {
			if newIDs.Has(p) {
				cp := *n
				cp.Boundary = false
				for _, q := range n.Parents {
					if _, ok := nodes[q]; !ok {
						cp.Boundary = true
					}
				}
				nodes[id] = &cp
				newIDs.Add(id)
				break
			}
		}
	}

	gone := ix.prune(nodes, NewSet(removed...))
	changed := newIDs.Union(gone)
	if len(changed) == 0 {
		return old, nil
	}

	next := old.derive(nodes, changed)
	ix.current = next
	ix.log.WithFields(logrus.Fields{"added": len(newIDs), "removed": len(gone)}).Debug("applied graph delta")
	return next, nil
}

// prune deletes requested commits that no remaining commit depends on,
// children first, and returns what was deleted.
func (ix *Index) prune(nodes map[backend.ID]*Node, removed Set) Set {
	gone := make(Set)
	for {
		progress := false
		for id := range removed {
			if gone.Has(id) {
				continue
			}
			if _, ok := nodes[id]; !ok {
				gone.Add(id)
				progress = true
				continue
			}
			needed := false
			for _, n := range nodes {
				for _, p := range n.Parents {
					if p == id {
						needed = true
						break
					}
				}
				if needed {
					break
				}
			}
			if !needed {
				delete(nodes, id)
				gone.Add(id)
				progress = true
			}
		}
		if !progress {
			return gone
		}
	}
}

// MarkSynced records the backend fingerprint after this process's own writes
// so they are not mistaken for external changes.
func (ix *Index) MarkSynced(ctx context.Context) error {
	fp, err := ix.backend.Fingerprint(ctx)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.fingerprint = fp
	ix.mu.Unlock()
	return nil
}

// ErrStale reports that the backend changed behind the index's back.
var ErrStale = errors.New("graph index is stale")

// Check compares the backend fingerprint with the last synced value.
func (ix *Index) Check(ctx context.Context) error {
	fp, err := ix.backend.Fingerprint(ctx)
	if err != nil {
		return err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if fp != ix.fingerprint {
		return ErrStale
	}
	return nil
}

// Refresh rebuilds from roots when an external change is detected and
// otherwise returns the current snapshot untouched.
func (ix *Index) Refresh(ctx context.Context, roots []backend.ID) (*Graph, bool, error) {
	err := ix.Check(ctx)
	if err == nil {
		return ix.Snapshot(), false, nil
	}
	if !errors.Is(err, ErrStale) {
		return nil, false, err
	}
	ix.log.Info("external change detected, rebuilding commit graph")
	g, err := ix.Build(ctx, roots)
	return g, true, err
}

// Node returns a commit node by id even when it is not part of the current
// snapshot, loading it from the backend if needed.
func (ix *Index) Node(ctx context.Context, id backend.ID) (*Node, error) {
	return ix.loadNode(ctx, id)
}
