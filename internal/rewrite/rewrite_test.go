package rewrite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"restack/internal/backend"
	"restack/internal/backend/sqlstore"
	"restack/internal/dag"
	"restack/internal/eventlog"
	"restack/internal/logging"
)

const mainRef = "refs/heads/main"

type harness struct {
	store *sqlstore.Store
	log   *eventlog.Log
	ix    *dag.Index
	eng   *Engine
	n     int
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := sqlstore.Open(filepath.Join(dir, "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	log, err := eventlog.Open(ctx, eventlog.Config{Path: filepath.Join(dir, "events.db"), Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	h := &harness{store: store, log: log, ix: dag.New(store, dag.WithLogger(logging.Discard()))}
	h.eng = New(Config{
		Backend:    store,
		Index:      h.ix,
		Log:        log,
		Logger:     logging.Discard(),
		MainRef:    mainRef,
		ScratchDir: filepath.Join(dir, "scratch"),
		Snapshot:   h.snapshot,
	})
	return h
}

func (h *harness) snapshot(ctx context.Context) (*dag.Graph, error) {
	refs, err := h.store.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	roots := make([]backend.ID, 0, len(refs))
	for _, r := range refs {
		roots = append(roots, r.Target)
	}
	g, _, err := h.ix.Refresh(ctx, roots)
	return g, err
}

// commit writes a commit whose tree is its first parent's tree plus files.
func (h *harness) commit(t testing.TB, msg string, files map[string]string, parents ...backend.ID) backend.ID {
	t.Helper()
	ctx := context.Background()
	tree := backend.Tree{}
	if len(parents) > 0 {
		tree = h.tree(t, parents[0]).Clone()
	}
	for path, content := range files {
		blob, err := h.store.WriteBlob(ctx, []byte(content))
		require.NoError(t, err)
		tree[path] = backend.TreeEntry{Blob: blob, Mode: backend.ModeFile}
	}
	treeID, err := h.store.WriteTree(ctx, tree)
	require.NoError(t, err)
	h.n++
	sig := backend.Signature{Name: "T", Email: "t@example.com", When: time.Unix(int64(1700000000+h.n), 0).UTC()}
	id, err := h.store.WriteCommit(ctx, &backend.Commit{Parents: parents, Tree: treeID, Author: sig, Committer: sig, Message: msg})
	require.NoError(t, err)
	return id
}

func (h *harness) tree(t testing.TB, id backend.ID) backend.Tree {
	t.Helper()
	ctx := context.Background()
	c, err := h.store.ReadCommit(ctx, id)
	require.NoError(t, err)
	tree, err := h.store.ReadTree(ctx, c.Tree)
	require.NoError(t, err)
	return tree
}

func (h *harness) file(t testing.TB, id backend.ID, path string) string {
	t.Helper()
	e, ok := h.tree(t, id)[path]
	require.True(t, ok, "%s missing from %s", path, id.Short())
	data, err := h.store.ReadBlob(context.Background(), e.Blob)
	require.NoError(t, err)
	return string(data)
}

func (h *harness) setRef(t testing.TB, name string, id backend.ID) {
	t.Helper()
	require.NoError(t, h.store.WriteRef(context.Background(), name, id, nil))
}

func (h *harness) ref(t testing.TB, name string) backend.ID {
	t.Helper()
	id, err := h.store.ReadRef(context.Background(), name)
	require.NoError(t, err)
	return id
}

func (h *harness) cursor(t testing.TB) uint64 {
	t.Helper()
	c, err := h.log.CurrentCursor(context.Background())
	require.NoError(t, err)
	return c
}

func kinds(t *testing.T, h *harness, tx int64) map[eventlog.Kind][]eventlog.Payload {
	t.Helper()
	evs, err := h.log.TransactionEvents(context.Background(), eventlog.TxID(tx))
	require.NoError(t, err)
	out := map[eventlog.Kind][]eventlog.Payload{}
	for _, ev := range evs {
		out[ev.Kind()] = append(out[ev.Kind()], ev.Payload)
	}
	return out
}

// A - B - C
func linear(t *testing.T) (*harness, backend.ID, backend.ID, backend.ID) {
	h := newHarness(t)
	a := h.commit(t, "A", map[string]string{"a.txt": "a\n"})
	b := h.commit(t, "B", map[string]string{"b.txt": "b\n"}, a)
	c := h.commit(t, "C", map[string]string{"c.txt": "c\n"}, b)
	h.setRef(t, mainRef, a)
	h.setRef(t, "refs/heads/feature", c)
	return h, a, b, c
}

func TestDropMiddleCommit(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()

	res, err := h.eng.Execute(ctx, Plan{Label: "drop", Ops: []Operation{Drop(b)}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)

	c2, ok := res.Rewritten[c]
	require.True(t, ok)
	commit, err := h.store.ReadCommit(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{a}, commit.Parents)
	assert.Equal(t, "C", commit.Message)
	tree := h.tree(t, c2)
	assert.Contains(t, tree, "a.txt")
	assert.Contains(t, tree, "c.txt")
	assert.NotContains(t, tree, "b.txt")

	byKind := kinds(t, h, res.TxID)
	require.Len(t, byKind[eventlog.KindCommitRewritten], 1)
	assert.Equal(t, eventlog.CommitRewritten{Old: c, New: c2}, byKind[eventlog.KindCommitRewritten][0])
	require.Len(t, byKind[eventlog.KindCommitHidden], 1)
	assert.Equal(t, eventlog.CommitHidden{Commit: b}, byKind[eventlog.KindCommitHidden][0])
	require.Len(t, byKind[eventlog.KindRefUpdate], 1)
	assert.Equal(t, eventlog.RefUpdate{Ref: "refs/heads/feature", Old: c, New: c2}, byKind[eventlog.KindRefUpdate][0])

	assert.Equal(t, c2, h.ref(t, "refs/heads/feature"))
	assert.Equal(t, a, h.ref(t, mainRef))

	g := h.ix.Snapshot()
	assert.True(t, g.Has(c2))
	assert.False(t, g.Has(b))
	require.NoError(t, h.ix.Check(ctx), "index synced with its own writes")
}

func TestDropMovesRefsToParent(t *testing.T) {
	h, a, b, c := linear(t)
	h.setRef(t, "refs/heads/mid", b)

	res, err := h.eng.Execute(context.Background(), Plan{Ops: []Operation{Drop(b)}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, a, h.ref(t, "refs/heads/mid"))
	assert.Equal(t, res.Rewritten[c], h.ref(t, "refs/heads/feature"))
	assert.Equal(t, map[backend.ID]backend.ID{b: ""}, res.Dropped)

	_, err = res.Inverse()
	assert.Error(t, err, "dropped commits have no operation-level inverse")
}

func TestCycleRejectedWithoutEvents(t *testing.T) {
	h, _, b, c := linear(t)

	_, err := h.eng.Execute(context.Background(), Plan{Ops: []Operation{Reparent(b, c)}}, Options{})
	require.ErrorIs(t, err, ErrInvalidPlan)
	var ip *InvalidPlanError
	require.ErrorAs(t, err, &ip)
	assert.Equal(t, 0, ip.Index)
	assert.Contains(t, ip.Error(), "own ancestor")

	assert.Zero(t, h.cursor(t))
	assert.Equal(t, c, h.ref(t, "refs/heads/feature"))
	info, err := h.log.Suspended(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestCycleThroughSecondReparent(t *testing.T) {
	h := newHarness(t)
	a := h.commit(t, "A", map[string]string{"a": "a"})
	x := h.commit(t, "X", map[string]string{"x": "x"}, a)
	y := h.commit(t, "Y", map[string]string{"y": "y"}, a)
	h.setRef(t, "refs/heads/x", x)
	h.setRef(t, "refs/heads/y", y)

	// Neither op alone closes a cycle; together they do.
	_, err := h.eng.Execute(context.Background(), Plan{Ops: []Operation{Reparent(x, y), Reparent(y, x)}}, Options{})
	require.ErrorIs(t, err, ErrInvalidPlan)
	assert.Zero(t, h.cursor(t))
}

func TestInvalidPlans(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()

	cases := map[string]Plan{
		"drop and reword":       {Ops: []Operation{Drop(c), Reword(c, "x")}},
		"fold into dropped":     {Ops: []Operation{Drop(b), Fold(c, b)}},
		"reparent onto dropped": {Ops: []Operation{Drop(b), Reparent(c, b)}},
		"fold into itself":      {Ops: []Operation{Fold(c, c)}},
		"two parents":           {Ops: []Operation{Reparent(c, a), Reparent(c, b)}},
		"own parent":            {Ops: []Operation{Reparent(c, c)}},
		"conflicting rewording": {Ops: []Operation{Reword(c, "x"), Reword(c, "y")}},
		"public target":         {Ops: []Operation{Reword(a, "x")}},
	}
	for name, plan := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.eng.Execute(ctx, plan, Options{})
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}

	_, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Drop(backend.ID(strings.Repeat("f", 64)))}}, Options{})
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = h.eng.Execute(ctx, Plan{}, Options{})
	assert.ErrorIs(t, err, ErrNothingToDo)
	assert.Zero(t, h.cursor(t))
}

func TestPublicCommitNeedsForce(t *testing.T) {
	h, a, _, _ := linear(t)
	ctx := context.Background()

	_, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Reword(a, "root")}}, Options{})
	require.ErrorIs(t, err, ErrInvalidPlan)

	res, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Reword(a, "root")}}, Options{Force: true})
	require.NoError(t, err)
	assert.Len(t, res.Rewritten, 3, "descendants follow")
	assert.Equal(t, res.Rewritten[a], h.ref(t, mainRef))
}

func TestRewordAndReparentMerge(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()

	res, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Reword(c, "C!"), Reparent(c, a)}}, Options{})
	require.NoError(t, err)
	c2 := res.Rewritten[c]
	commit, err := h.store.ReadCommit(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, "C!", commit.Message)
	assert.Equal(t, []backend.ID{a}, commit.Parents)
	assert.NotContains(t, h.tree(t, c2), "b.txt")
	assert.NotContains(t, res.Rewritten, b)

	inv, err := res.Inverse()
	require.NoError(t, err)
	res2, err := h.eng.Execute(ctx, inv, Options{})
	require.NoError(t, err)
	back, err := h.store.ReadCommit(ctx, res2.Rewritten[c2])
	require.NoError(t, err)
	assert.Equal(t, "C", back.Message)
	assert.Equal(t, []backend.ID{b}, back.Parents)
}

func TestTimestamps(t *testing.T) {
	h, _, _, c := linear(t)
	ctx := context.Background()
	now := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	res, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Reword(c, "later")}}, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	commit, err := h.store.ReadCommit(ctx, res.Rewritten[c])
	require.NoError(t, err)
	assert.Equal(t, now, commit.Committer.When)

	c2 := res.Rewritten[c]
	res, err = h.eng.Execute(ctx, Plan{Ops: []Operation{Reword(c2, "kept")}}, Options{PreserveTimestamps: true})
	require.NoError(t, err)
	commit, err = h.store.ReadCommit(ctx, res.Rewritten[c2])
	require.NoError(t, err)
	assert.Equal(t, now, commit.Committer.When)
}

func TestDryRunWritesNothing(t *testing.T) {
	h, _, b, c := linear(t)

	res, err := h.eng.Execute(context.Background(), Plan{Ops: []Operation{Drop(b)}}, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StateTerminal, res.State)
	assert.True(t, res.DryRun)
	assert.Contains(t, res.Rewritten, c)
	require.Len(t, res.RefUpdates, 1)

	assert.Equal(t, c, h.ref(t, "refs/heads/feature"))
	assert.Zero(t, h.cursor(t))
}

func TestCancelledBeforeExecution(t *testing.T) {
	h, _, b, c := linear(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Drop(b)}}, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, c, h.ref(t, "refs/heads/feature"))
	assert.Zero(t, h.cursor(t))

	// The lock and the transaction slot were released.
	_, err = h.eng.Execute(context.Background(), Plan{Ops: []Operation{Drop(b)}}, Options{})
	require.NoError(t, err)
}

// divergent builds A with a seven-line file, then B and C on separate
// branches each editing one line of it.
func divergent(t *testing.T, bLine, bText, cLine, cText int) (*harness, backend.ID, backend.ID) {
	h := newHarness(t)
	lines := []string{"1", "2", "3", "4", "5", "6", "7"}
	edit := func(n int, text string) string {
		cp := append([]string(nil), lines...)
		cp[n-1] = text
		return strings.Join(cp, "\n") + "\n"
	}
	a := h.commit(t, "A", map[string]string{"f.txt": strings.Join(lines, "\n") + "\n"})
	b := h.commit(t, "B", map[string]string{"f.txt": edit(bLine, fmt.Sprintf("b%d", bText))}, a)
	c := h.commit(t, "C", map[string]string{"f.txt": edit(cLine, fmt.Sprintf("c%d", cText))}, a)
	h.setRef(t, mainRef, a)
	h.setRef(t, "refs/heads/left", b)
	h.setRef(t, "refs/heads/right", c)
	return h, b, c
}

func TestDivergentFoldCleanMergeUsesFallback(t *testing.T) {
	h, b, c := divergent(t, 1, 1, 7, 7)
	ctx := context.Background()

	res, err := h.eng.Execute(ctx, Plan{Label: "fold", Ops: []Operation{Fold(b, c)}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.True(t, res.Fallback)

	c2 := res.Rewritten[c]
	require.NotEmpty(t, c2)
	assert.Equal(t, "b1\n2\n3\n4\n5\n6\nc7\n", h.file(t, c2, "f.txt"))
	commit, err := h.store.ReadCommit(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, "C", commit.Message, "destination message kept")
	assert.Equal(t, map[backend.ID]backend.ID{b: c2}, res.Dropped)

	byKind := kinds(t, h, res.TxID)
	assert.Contains(t, byKind[eventlog.KindCommitHidden], eventlog.Payload(eventlog.CommitHidden{Commit: b, Successor: c2}))
	assert.Contains(t, byKind[eventlog.KindCommitRewritten], eventlog.Payload(eventlog.CommitRewritten{Old: c, New: c2}))
	assert.Equal(t, c2, h.ref(t, "refs/heads/left"))
	assert.Equal(t, c2, h.ref(t, "refs/heads/right"))
}

func TestDivergentFoldOverlapSuspends(t *testing.T) {
	h, b, c := divergent(t, 4, 4, 4, 4)
	ctx := context.Background()

	res, err := h.eng.Execute(ctx, Plan{Label: "fold", Ops: []Operation{Fold(b, c)}}, Options{})
	require.ErrorIs(t, err, ErrConflict)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Suspended)
	require.NotNil(t, res)
	assert.Equal(t, StateConflicted, res.State)

	report := res.Conflict
	assert.Equal(t, c, report.Commit)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "f.txt", report.Files[0].Path)
	require.Len(t, report.Files[0].Hunks, 1)
	assert.Equal(t, "4", report.Files[0].Hunks[0].Ours.String())
	assert.Contains(t, report.String(), "f.txt")

	info, err := h.log.Suspended(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, res.TxID, int64(info.ID))
	assert.Zero(t, h.cursor(t))
	assert.Equal(t, c, h.ref(t, "refs/heads/right"))

	// Another rewrite cannot start while the conflict is open.
	_, err = h.eng.Execute(ctx, Plan{Ops: []Operation{Reword(c, "x")}}, Options{})
	assert.ErrorIs(t, err, eventlog.ErrSuspended)

	_, err = h.eng.Continue(ctx, nil)
	require.ErrorIs(t, err, ErrUnresolved)
	info, err = h.log.Suspended(ctx)
	require.NoError(t, err)
	require.NotNil(t, info, "still suspended after a failed continue")

	resolved := "1\n2\n3\nboth\n5\n6\n7\n"
	res, err = h.eng.Continue(ctx, map[string][]byte{"f.txt": []byte(resolved)})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	c2 := res.Rewritten[c]
	assert.Equal(t, resolved, h.file(t, c2, "f.txt"))
	assert.Equal(t, c2, h.ref(t, "refs/heads/left"))
	assert.NotZero(t, h.cursor(t))

	info, err = h.log.Suspended(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestAbortSuspendedRewrite(t *testing.T) {
	h, b, c := divergent(t, 4, 4, 4, 4)
	ctx := context.Background()

	_, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Fold(b, c)}}, Options{})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, h.eng.Abort(ctx))

	assert.Zero(t, h.cursor(t))
	assert.Equal(t, b, h.ref(t, "refs/heads/left"))
	assert.Equal(t, c, h.ref(t, "refs/heads/right"))
	assert.ErrorIs(t, h.eng.Abort(ctx), eventlog.ErrNoSuspended)
	_, err = h.eng.Continue(ctx, nil)
	assert.ErrorIs(t, err, eventlog.ErrNoSuspended)
}

func TestForceInMemoryReportsWithoutFallback(t *testing.T) {
	h, b, c := divergent(t, 1, 1, 7, 7)
	ctx := context.Background()

	res, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Fold(b, c)}}, Options{ForceInMemory: true})
	require.ErrorIs(t, err, ErrConflict)
	assert.False(t, res.Fallback)
	require.Len(t, res.Conflict.Files, 1)
	assert.Equal(t, "changed on both sides", res.Conflict.Files[0].Reason)
	require.NoError(t, h.eng.Abort(ctx))
}

func TestMergeHookResolvesConflict(t *testing.T) {
	h, b, c := divergent(t, 4, 4, 4, 4)
	ctx := context.Background()

	opts := Options{
		HookCommand: `for f in $RESTACK_CONFLICTS; do printf 'hooked\n' > "$f"; done`,
		HookTimeout: 10 * time.Second,
	}
	res, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Fold(b, c)}}, opts)
	require.NoError(t, err)
	assert.Equal(t, "hooked\n", h.file(t, res.Rewritten[c], "f.txt"))
}

func TestMergeHookFailureAborts(t *testing.T) {
	h, b, c := divergent(t, 4, 4, 4, 4)
	ctx := context.Background()

	_, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Fold(b, c)}}, Options{HookCommand: "exit 3"})
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Zero(t, h.cursor(t))
	info, err := h.log.Suspended(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestForceOnDiskMatchesInMemory(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()
	now := func() time.Time { return time.Unix(1800000000, 0) }

	mem, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Drop(b)}}, Options{DryRun: true, Now: now})
	require.NoError(t, err)
	disk, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Drop(b)}}, Options{ForceOnDisk: true, Now: now})
	require.NoError(t, err)
	assert.True(t, disk.Fallback)
	assert.Equal(t, mem.Rewritten[c], disk.Rewritten[c])
	assert.Equal(t, []backend.ID{a}, mustParents(t, h, disk.Rewritten[c]))
}

func mustParents(t *testing.T, h *harness, id backend.ID) []backend.ID {
	c, err := h.store.ReadCommit(context.Background(), id)
	require.NoError(t, err)
	return c.Parents
}

func TestFoldChildIntoParentSquashes(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()
	d := h.commit(t, "D", map[string]string{"d.txt": "d\n"}, c)
	h.setRef(t, "refs/heads/feature", d)

	res, err := h.eng.Execute(ctx, Plan{Ops: []Operation{Fold(c, b)}}, Options{})
	require.NoError(t, err)
	b2, d2 := res.Rewritten[b], res.Rewritten[d]
	assert.Contains(t, h.tree(t, b2), "c.txt")
	assert.Equal(t, []backend.ID{a}, mustParents(t, h, b2))
	assert.Equal(t, []backend.ID{b2}, mustParents(t, h, d2))
	assert.Equal(t, d2, h.ref(t, "refs/heads/feature"))
}

func TestPlanAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.commit(t, "A", map[string]string{"a": "a"})
	head := h.commit(t, "H", map[string]string{"h": "h"}, a)
	sib := h.commit(t, "S", map[string]string{"s": "s"}, a)
	h.setRef(t, "refs/heads/head", head)
	h.setRef(t, "refs/heads/sib", sib)

	g, err := h.snapshot(ctx)
	require.NoError(t, err)
	plan, err := PlanAdvance(g, head, dag.NewSet())
	require.NoError(t, err)
	assert.Equal(t, []Operation{Reparent(sib, head)}, plan.Ops)

	_, err = PlanAdvance(g, head, dag.NewSet(sib))
	assert.ErrorIs(t, err, ErrNothingToDo)
	assert.EqualError(t, err, "no child commits to advance")
}

func TestAdvanceMergeSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.commit(t, "A", map[string]string{"a": "a"})
	x := h.commit(t, "X", map[string]string{"x": "x"})
	head := h.commit(t, "H", map[string]string{"h": "h"}, a)
	// m hangs off head's parent through its second parent only.
	m := h.commit(t, "M", map[string]string{"m": "m"}, x, a)
	h.setRef(t, "refs/heads/head", head)
	h.setRef(t, "refs/heads/m", m)

	g, err := h.snapshot(ctx)
	require.NoError(t, err)
	plan, err := PlanAdvance(g, head, dag.NewSet())
	require.NoError(t, err)
	require.Equal(t, []Operation{{Target: m, Action: ActionReparent, Parent: head, From: a}}, plan.Ops)
	assert.Equal(t, "reparent "+m.Short()+" from "+a.Short()+" onto "+head.Short(), plan.Ops[0].String())

	res, err := h.eng.Execute(ctx, plan, Options{})
	require.NoError(t, err)
	m2 := res.Rewritten[m]
	commit, err := h.store.ReadCommit(ctx, m2)
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{x, head}, commit.Parents)
	assert.Equal(t, m2, h.ref(t, "refs/heads/m"))

	inv, err := res.Inverse()
	require.NoError(t, err)
	res2, err := h.eng.Execute(ctx, inv, Options{})
	require.NoError(t, err)
	back, err := h.store.ReadCommit(ctx, res2.Rewritten[m2])
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{x, a}, back.Parents)
}

func TestAdvanceOntoMergeCollapsesSharedParents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.commit(t, "A", map[string]string{"a": "a"})
	x := h.commit(t, "X", map[string]string{"x": "x"})
	head := h.commit(t, "H", map[string]string{"h": "h"}, a, x)
	sib := h.commit(t, "S", map[string]string{"s": "s"}, a, x)
	h.setRef(t, "refs/heads/head", head)
	h.setRef(t, "refs/heads/sib", sib)

	g, err := h.snapshot(ctx)
	require.NoError(t, err)
	plan, err := PlanAdvance(g, head, dag.NewSet())
	require.NoError(t, err)
	require.Len(t, plan.Ops, 2)

	res, err := h.eng.Execute(ctx, plan, Options{})
	require.NoError(t, err)
	commit, err := h.store.ReadCommit(ctx, res.Rewritten[sib])
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{head}, commit.Parents)
	assert.Equal(t, "s", h.file(t, res.Rewritten[sib], "s"))

	_, err = res.Inverse()
	assert.ErrorContains(t, err, "merged parents")

	_, err = h.eng.Execute(ctx, Plan{Ops: []Operation{{Target: sib, Action: ActionReparent, Parent: head, From: head}}}, Options{})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestPlanRestackAfterExternalAmend(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()

	// Simulate an amend of B done outside the engine.
	b2 := h.commit(t, "B amended", map[string]string{"b.txt": "b2\n"}, a)
	_, err := h.eng.ApplyEvents(ctx, "amend", []eventlog.Payload{
		eventlog.CommitRewritten{Old: b, New: b2},
		eventlog.RefUpdate{Ref: "refs/heads/amended", New: b2},
	})
	require.NoError(t, err)
	assert.Equal(t, b2, h.ref(t, "refs/heads/amended"))

	st, err := h.log.Replay(ctx, 0)
	require.NoError(t, err)
	g, err := h.snapshot(ctx)
	require.NoError(t, err)
	plan, err := PlanRestack(g, st)
	require.NoError(t, err)
	assert.Equal(t, []Operation{Reparent(c, b2)}, plan.Ops)

	res, err := h.eng.Execute(ctx, plan, Options{})
	require.NoError(t, err)
	c2 := res.Rewritten[c]
	assert.Equal(t, []backend.ID{b2}, mustParents(t, h, c2))
	assert.Equal(t, "b2\n", h.file(t, c2, "b.txt"))
}

func TestApplyEventsChecksCommitsFirst(t *testing.T) {
	h, _, _, c := linear(t)
	ctx := context.Background()
	ghost := backend.ID(strings.Repeat("e", 64))

	_, err := h.eng.ApplyEvents(ctx, "undo", []eventlog.Payload{
		eventlog.RefUpdate{Ref: "refs/heads/feature", Old: c, New: ghost},
	})
	require.ErrorIs(t, err, backend.ErrNotFound)
	assert.Equal(t, c, h.ref(t, "refs/heads/feature"))
	assert.Zero(t, h.cursor(t))
}

// readCountingStore records the commits read through it.
type readCountingStore struct {
	*sqlstore.Store
	reads []backend.ID
}

func (s *readCountingStore) ReadCommit(ctx context.Context, id backend.ID) (*backend.Commit, error) {
	s.reads = append(s.reads, id)
	return s.Store.ReadCommit(ctx, id)
}

func TestApplyEventsReadsOnlyUnknownCommits(t *testing.T) {
	h, _, b, c := linear(t)
	ctx := context.Background()
	store := &readCountingStore{Store: h.store}
	eng := New(Config{
		Backend:  store,
		Index:    h.ix,
		Log:      h.log,
		Logger:   logging.Discard(),
		MainRef:  mainRef,
		Snapshot: h.snapshot,
	})

	_, err := eng.ApplyEvents(ctx, "undo", []eventlog.Payload{
		eventlog.RefUpdate{Ref: "refs/heads/feature", Old: c, New: b},
	})
	require.NoError(t, err)
	assert.Empty(t, store.reads, "b is already in the graph")

	d := h.commit(t, "D", map[string]string{"d.txt": "d\n"}, b)
	_, err = eng.ApplyEvents(ctx, "commit", []eventlog.Payload{
		eventlog.CommitCreated{Commit: d},
		eventlog.RefUpdate{Ref: "refs/heads/feature", Old: b, New: d},
	})
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{d}, store.reads)
	assert.Equal(t, d, h.ref(t, "refs/heads/feature"))
}

func TestApplyEventsRollsBackOnMismatch(t *testing.T) {
	h, a, b, c := linear(t)
	ctx := context.Background()

	_, err := h.eng.ApplyEvents(ctx, "undo", []eventlog.Payload{
		eventlog.RefUpdate{Ref: "refs/heads/feature", Old: c, New: b},
		eventlog.RefUpdate{Ref: mainRef, Old: b, New: c},
	})
	require.ErrorIs(t, err, backend.ErrRefMismatch)
	assert.Equal(t, c, h.ref(t, "refs/heads/feature"), "first move rolled back")
	assert.Equal(t, a, h.ref(t, mainRef))
	assert.Zero(t, h.cursor(t))
}

// crashingStore panics on the nth ref write.
type crashingStore struct {
	*sqlstore.Store
	n, calls int
}

func (s *crashingStore) WriteRef(ctx context.Context, name string, target backend.ID, expectedOld *backend.ID) error {
	s.calls++
	if s.calls == s.n {
		panic("store went away")
	}
	return s.Store.WriteRef(ctx, name, target, expectedOld)
}

func TestPanicWhileMovingRefsRollsBack(t *testing.T) {
	h, _, _, c := linear(t)
	ctx := context.Background()
	h.setRef(t, "refs/heads/other", c)

	crashing := New(Config{
		Backend:  &crashingStore{Store: h.store, n: 2},
		Index:    h.ix,
		Log:      h.log,
		Logger:   logging.Discard(),
		MainRef:  mainRef,
		Snapshot: h.snapshot,
	})
	plan := Plan{Label: "reword", Ops: []Operation{Reword(c, "C again")}}
	assert.Panics(t, func() { crashing.Execute(ctx, plan, Options{}) })

	assert.Equal(t, c, h.ref(t, "refs/heads/feature"))
	assert.Equal(t, c, h.ref(t, "refs/heads/other"))
	assert.Zero(t, h.cursor(t))

	res, err := h.eng.Execute(ctx, plan, Options{})
	require.NoError(t, err)
	assert.Equal(t, res.Rewritten[c], h.ref(t, "refs/heads/feature"))
	assert.Equal(t, res.Rewritten[c], h.ref(t, "refs/heads/other"))
}

// shape maps each ref to its commit's message and the messages of its
// ancestors in first-parent order.
func shape(t testing.TB, h *harness) map[string]string {
	ctx := context.Background()
	refs, err := h.store.ListRefs(ctx)
	require.NoError(t, err)
	out := map[string]string{}
	for _, r := range refs {
		var chain []string
		for id := r.Target; !id.IsZero(); {
			c, err := h.store.ReadCommit(ctx, id)
			require.NoError(t, err)
			chain = append(chain, c.Message)
			id = c.FirstParent()
		}
		out[r.Name] = strings.Join(chain, "<")
	}
	return out
}

// Executing a validated reparenting plan and then its inverse restores the
// same ancestry.
func TestInversePlanRestoresShape(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t)
		ctx := context.Background()
		n := rapid.IntRange(2, 7).Draw(rt, "n")
		ids := make([]backend.ID, n)
		parentOf := make([]int, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("n%d", i)
			if i == 0 {
				ids[i] = h.commit(t, name, map[string]string{name: name})
				continue
			}
			parentOf[i] = rapid.IntRange(0, i-1).Draw(rt, "parent"+name)
			ids[i] = h.commit(t, name, map[string]string{name: name}, ids[parentOf[i]])
		}
		for i, id := range ids {
			h.setRef(t, fmt.Sprintf("refs/heads/r%d", i), id)
		}
		before := shape(t, h)

		target := rapid.IntRange(1, n-1).Draw(rt, "target")
		g, err := h.snapshot(ctx)
		require.NoError(rt, err)
		desc, err := g.Descendants(ids[target])
		require.NoError(rt, err)
		var candidates []int
		for i, id := range ids {
			if !desc.Has(id) {
				candidates = append(candidates, i)
			}
		}
		dest := rapid.SampledFrom(candidates).Draw(rt, "dest")

		res, err := h.eng.Execute(ctx, PlanMove(ids[target], ids[dest]), Options{})
		require.NoError(rt, err)
		inv, err := res.Inverse()
		require.NoError(rt, err)
		if len(inv.Ops) == 0 {
			assert.Equal(rt, before, shape(t, h))
			return
		}
		_, err = h.eng.Execute(ctx, inv, Options{})
		require.NoError(rt, err)
		if after := shape(t, h); !assert.Equal(rt, before, after) {
			rt.Fatalf("inverse did not restore ancestry")
		}
	})
}
