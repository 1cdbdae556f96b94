// Package dag is the Graph Index: an arena of commit nodes keyed by id with
// memoized ancestry queries over immutable point-in-time snapshots.
package dag

import (
	"container/heap"
	"sync"
	"time"

	"restack/internal/backend"
)

// Node is the graph's view of a commit.
type Node struct {
	ID      backend.ID
	Parents []backend.ID
	Time    time.Time
	// Boundary is set when at least one parent could not be loaded. Such
	// parents stay in Parents but are absent from the graph.
	Boundary bool
}

// Graph is an immutable snapshot. Queries on it are safe for concurrent use;
// the memo tables are the only mutable state and are guarded by mu.
type Graph struct {
	nodes    map[backend.ID]*Node
	children map[backend.ID][]backend.ID

	mu          sync.Mutex
	ancestors   map[backend.ID]Set
	descendants map[backend.ID]Set
}

func newGraph(nodes map[backend.ID]*Node) *Graph {
	g := &Graph{
		nodes:       nodes,
		children:    make(map[backend.ID][]backend.ID, len(nodes)),
		ancestors:   make(map[backend.ID]Set),
		descendants: make(map[backend.ID]Set),
	}
	for _, id := range NewSetFromNodes(nodes).Sorted() {
		for _, p := range nodes[id].Parents {
			if _, ok := nodes[p]; ok {
				g.children[p] = append(g.children[p], id)
			}
		}
	}
	return g
}

// NewSetFromNodes returns the key set of a node map.
func NewSetFromNodes(nodes map[backend.ID]*Node) Set {
	s := make(Set, len(nodes))
	for id := range nodes {
		s[id] = struct{}{}
	}
	return s
}

func notFound(id backend.ID) error {
	return &backend.NotFoundError{What: "commit", Name: string(id)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id backend.ID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns the node for id.
func (g *Graph) Node(id backend.ID) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return n, nil
}

// All returns every commit in the graph.
func (g *Graph) All() Set {
	return NewSetFromNodes(g.nodes)
}

// Parents returns the in-graph parents of id in parent order.
func (g *Graph) Parents(id backend.ID) ([]backend.ID, error) {
	n, err := g.Node(id)
	if err != nil {
		return nil, err
	}
	var out []backend.ID
	for _, p := range n.Parents {
		if g.Has(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Children returns the in-graph children of id sorted by id.
func (g *Graph) Children(id backend.ID) ([]backend.ID, error) {
	if !g.Has(id) {
		return nil, notFound(id)
	}
	return append([]backend.ID(nil), g.children[id]...), nil
}

// Ancestors returns id and everything reachable through parent links.
// The set is shared with the memo table and must not be modified.
func (g *Graph) Ancestors(id backend.ID) (Set, error) {
	if !g.Has(id) {
		return nil, notFound(id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closureLocked(id, g.ancestors, func(n backend.ID) []backend.ID { return g.nodes[n].Parents }), nil
}

// Descendants returns id and everything reachable through child links.
// The set is shared with the memo table and must not be modified.
func (g *Graph) Descendants(id backend.ID) (Set, error) {
	if !g.Has(id) {
		return nil, notFound(id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closureLocked(id, g.descendants, func(n backend.ID) []backend.ID { return g.children[n] }), nil
}

// closureLocked runs a BFS from id, splicing in any memoized closure it meets
// instead of walking past it. The result is memoized and shared: callers
// must treat returned sets as read-only.
func (g *Graph) closureLocked(id backend.ID, memo map[backend.ID]Set, next func(backend.ID) []backend.ID) Set {
	if s, ok := memo[id]; ok {
		return s
	}
	out := NewSet(id)
	queue := []backend.ID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range next(cur) {
			if _, ok := g.nodes[n]; !ok || out.Has(n) {
				continue
			}
			if known, ok := memo[n]; ok {
				for k := range known {
					out[k] = struct{}{}
				}
				continue
			}
			out[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	memo[id] = out
	return out
}

// IsAncestor reports whether a is b or an ancestor of b.
func (g *Graph) IsAncestor(a, b backend.ID) (bool, error) {
	if !g.Has(a) {
		return false, notFound(a)
	}
	anc, err := g.Ancestors(b)
	if err != nil {
		return false, err
	}
	return anc.Has(a), nil
}

// MergeBase returns the best common ancestor of a and b. When several
// candidates qualify the newest wins, then the lowest id.
func (g *Graph) MergeBase(a, b backend.ID) (backend.ID, bool, error) {
	ancA, err := g.Ancestors(a)
	if err != nil {
		return "", false, err
	}
	ancB, err := g.Ancestors(b)
	if err != nil {
		return "", false, err
	}
	common := ancA.Intersect(ancB)

	var best *Node
	for _, id := range common.Sorted() {
		dominated := false
		for _, c := range g.children[id] {
			if common.Has(c) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		n := g.nodes[id]
		if best == nil || n.Time.After(best.Time) {
			best = n
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.ID, true, nil
}

// TopoOrder orders ids so every commit comes after all of its ancestors in
// the set. Ready commits are released oldest first, then by id.
func (g *Graph) TopoOrder(ids []backend.ID) ([]backend.ID, error) {
	set := NewSet(ids...)
	sorted := set.Sorted()
	indegree := make(map[backend.ID]int, len(set))
	dependents := make(map[backend.ID][]backend.ID, len(set))
	for _, id := range sorted {
		anc, err := g.Ancestors(id)
		if err != nil {
			return nil, err
		}
		for _, p := range sorted {
			if p != id && anc.Has(p) {
				indegree[id]++
				dependents[p] = append(dependents[p], id)
			}
		}
	}

	ready := &readyHeap{g: g}
	for id := range set {
		if indegree[id] == 0 {
			heap.Push(ready, id)
		}
	}
	out := make([]backend.ID, 0, len(set))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(backend.ID)
		out = append(out, id)
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return out, nil
}

type readyHeap struct {
	g   *Graph
	ids []backend.ID
}

func (h *readyHeap) Len() int { return len(h.ids) }

func (h *readyHeap) Less(i, j int) bool {
	a, b := h.g.nodes[h.ids[i]], h.g.nodes[h.ids[j]]
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.ID < b.ID
}

func (h *readyHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *readyHeap) Push(x any) { h.ids = append(h.ids, x.(backend.ID)) }

func (h *readyHeap) Pop() any {
	n := len(h.ids)
	id := h.ids[n-1]
	h.ids = h.ids[:n-1]
	return id
}

// Heads returns members of set with no descendant in set.
func (g *Graph) Heads(set Set) (Set, error) {
	out := make(Set)
	for id := range set {
		desc, err := g.Descendants(id)
		if err != nil {
			return nil, err
		}
		head := true
		for d := range desc {
			if d != id && set.Has(d) {
				head = false
				break
			}
		}
		if head {
			out.Add(id)
		}
	}
	return out, nil
}

// Roots returns members of set with no ancestor in set.
func (g *Graph) Roots(set Set) (Set, error) {
	out := make(Set)
	for id := range set {
		anc, err := g.Ancestors(id)
		if err != nil {
			return nil, err
		}
		root := true
		for a := range anc {
			if a != id && set.Has(a) {
				root = false
				break
			}
		}
		if root {
			out.Add(id)
		}
	}
	return out, nil
}

// derive builds the successor snapshot with nodes, carrying over memoized
// closures that the change cannot have touched.
func (g *Graph) derive(nodes map[backend.ID]*Node, changed Set) *Graph {
	next := newGraph(nodes)

	g.mu.Lock()
	defer g.mu.Unlock()

	// Every ancestor of a changed commit may have gained or lost
	// descendants. Ancestor closures only change for descendants of a
	// changed commit, which happens when a boundary parent gets loaded.
	stale := make(Set)
	ancStale := make(Set)
	for id := range changed {
		if _, ok := nodes[id]; ok {
			for d := range next.closureLocked(id, next.descendants, func(n backend.ID) []backend.ID { return next.children[n] }) {
				ancStale.Add(d)
			}
		}
	}
	for id := range changed {
		if _, ok := g.nodes[id]; ok {
			for a := range g.closureLocked(id, g.ancestors, func(n backend.ID) []backend.ID { return g.nodes[n].Parents }) {
				stale.Add(a)
			}
		}
		if _, ok := nodes[id]; ok {
			for a := range next.closureLocked(id, next.ancestors, func(n backend.ID) []backend.ID { return nodes[n].Parents }) {
				stale.Add(a)
			}
		}
	}

	for id, s := range g.ancestors {
		if _, ok := nodes[id]; ok && !changed.Has(id) && !ancStale.Has(id) {
			if _, done := next.ancestors[id]; !done {
				next.ancestors[id] = s
			}
		}
	}
	for id, s := range g.descendants {
		if _, ok := nodes[id]; ok && !stale.Has(id) {
			next.descendants[id] = s
		}
	}
	return next
}

// memoSizes reports memo table sizes, for tests.
func (g *Graph) memoSizes() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ancestors), len(g.descendants)
}
