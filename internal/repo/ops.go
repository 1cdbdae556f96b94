package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"restack/internal/backend"
	"restack/internal/dag"
	"restack/internal/eventlog"
	"restack/internal/rewrite"
)

// Label names for transactions started here.
const (
	LabelCommit = "commit"
	LabelHide   = "hide"
	LabelUnhide = "unhide"
)

// CommitRequest describes a new commit on top of HEAD.
type CommitRequest struct {
	Message string
	// Files maps paths to new content. A nil value deletes the path.
	Files map[string][]byte
	// Exec marks paths written with the executable bit.
	Exec map[string]bool
	// Branch is moved to the new commit. Empty means the single branch at
	// HEAD, or the main branch for the first commit.
	Branch string
	Author backend.Signature
	// Now overrides the clock.
	Now func() time.Time
}

// CommitResult is the outcome of Commit.
type CommitResult struct {
	ID backend.ID
	// Advanced is the rewrite that moved the other children of the old HEAD
	// onto the new commit, when rewrite.advanceAuto is set and there were any.
	Advanced *rewrite.Result
}

// Commit records a new commit whose parent is HEAD and moves HEAD and the
// branch to it, as one transaction. With rewrite.advanceAuto set it then
// advances the new commit's siblings onto it; if that fails the commit
// stands and the result carries its ID along with the error.
func (r *Repo) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("commit message must not be empty")
	}
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}

	tree := backend.Tree{}
	var parents []backend.ID
	if !head.IsZero() {
		c, err := r.Backend.ReadCommit(ctx, head)
		if err != nil {
			return nil, err
		}
		t, err := r.Backend.ReadTree(ctx, c.Tree)
		if err != nil {
			return nil, err
		}
		tree = t.Clone()
		parents = []backend.ID{head}
	}
	for path, data := range req.Files {
		if data == nil {
			delete(tree, path)
			continue
		}
		blob, err := r.Backend.WriteBlob(ctx, data)
		if err != nil {
			return nil, err
		}
		mode := backend.ModeFile
		if req.Exec[path] {
			mode = backend.ModeExec
		}
		tree[path] = backend.TreeEntry{Blob: blob, Mode: mode}
	}
	treeID, err := r.Backend.WriteTree(ctx, tree)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if req.Now != nil {
		now = req.Now
	}
	sig := req.Author
	if sig.Name == "" {
		sig = backend.Signature{Name: "restack", Email: "restack@localhost"}
	}
	sig.When = now().UTC().Truncate(time.Second)
	id, err := r.Backend.WriteCommit(ctx, &backend.Commit{
		Parents:   parents,
		Tree:      treeID,
		Author:    sig,
		Committer: sig,
		Message:   req.Message,
	})
	if err != nil {
		return nil, err
	}

	branch, err := r.branchFor(ctx, head, req.Branch)
	if err != nil {
		return nil, err
	}
	var oldBranch backend.ID
	if branch != "" {
		if oldBranch, err = r.Backend.ReadRef(ctx, branch); err != nil && !backend.IsNotFound(err) {
			return nil, err
		}
	}
	payloads := []eventlog.Payload{eventlog.CommitCreated{Commit: id}}
	if branch != "" {
		payloads = append(payloads, eventlog.RefUpdate{Ref: branch, Old: oldBranch, New: id})
	}
	payloads = append(payloads, eventlog.RefUpdate{Ref: backend.HeadRef, Old: head, New: id})
	if _, err := r.Engine.ApplyEvents(ctx, LabelCommit, payloads); err != nil {
		return nil, err
	}
	res := &CommitResult{ID: id}
	res.Advanced, err = r.AutoAdvance(ctx, id)
	if err != nil {
		return res, fmt.Errorf("advancing onto %s: %w", id.Short(), err)
	}
	return res, nil
}

// Advance moves the other children of head's parents, with their
// descendants, onto head. Public and hidden commits stay put.
func (r *Repo) Advance(ctx context.Context, head backend.ID, opts rewrite.Options) (*rewrite.Result, error) {
	g, err := r.Graph(ctx)
	if err != nil {
		return nil, err
	}
	exclude, err := r.Public(ctx, g)
	if err != nil {
		return nil, err
	}
	st, err := r.Log.Replay(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, id := range g.All().Sorted() {
		if st.IsHidden(id) {
			exclude.Add(id)
		}
	}
	plan, err := rewrite.PlanAdvance(g, head, exclude)
	if err != nil {
		return nil, err
	}
	return r.Engine.Execute(ctx, plan, opts)
}

// AutoAdvance runs Advance onto a new commit when rewrite.advanceAuto is
// set. It returns nil when disabled or when there is nothing to move.
func (r *Repo) AutoAdvance(ctx context.Context, id backend.ID) (*rewrite.Result, error) {
	if !r.Config.Rewrite.AdvanceAuto {
		return nil, nil
	}
	res, err := r.Advance(ctx, id, r.RewriteOptions())
	if errors.Is(err, rewrite.ErrNothingToDo) {
		return nil, nil
	}
	return res, err
}

func (r *Repo) branchFor(ctx context.Context, head backend.ID, explicit string) (string, error) {
	if explicit != "" {
		if strings.HasPrefix(explicit, "refs/") {
			return explicit, nil
		}
		return "refs/heads/" + explicit, nil
	}
	if head.IsZero() {
		return r.Config.MainRef(), nil
	}
	refs, err := r.Backend.ListRefs(ctx)
	if err != nil {
		return "", err
	}
	var at []string
	for _, ref := range refs {
		if ref.Target == head && strings.HasPrefix(ref.Name, "refs/heads/") {
			at = append(at, ref.Name)
		}
	}
	switch len(at) {
	case 0:
		return "", nil
	case 1:
		return at[0], nil
	}
	return "", fmt.Errorf("HEAD is at several branches (%s); pass --branch", strings.Join(at, ", "))
}

// Hide marks commits hidden without touching refs.
func (r *Repo) Hide(ctx context.Context, ids dag.Set) (eventlog.TxID, error) {
	st, err := r.Log.Replay(ctx, 0)
	if err != nil {
		return 0, err
	}
	var payloads []eventlog.Payload
	for _, id := range ids.Sorted() {
		if !st.IsHidden(id) {
			payloads = append(payloads, eventlog.CommitHidden{Commit: id})
		}
	}
	if len(payloads) == 0 {
		return 0, fmt.Errorf("all selected commits are already hidden")
	}
	return r.Engine.ApplyEvents(ctx, LabelHide, payloads)
}

// Unhide makes hidden commits visible again.
func (r *Repo) Unhide(ctx context.Context, ids dag.Set) (eventlog.TxID, error) {
	st, err := r.Log.Replay(ctx, 0)
	if err != nil {
		return 0, err
	}
	var payloads []eventlog.Payload
	for _, id := range ids.Sorted() {
		if st.IsHidden(id) {
			payloads = append(payloads, eventlog.CommitUnhidden{Commit: id})
		}
	}
	if len(payloads) == 0 {
		return 0, fmt.Errorf("none of the selected commits are hidden")
	}
	return r.Engine.ApplyEvents(ctx, LabelUnhide, payloads)
}

// LogEntry is one line of the smartlog.
type LogEntry struct {
	Commit *backend.Commit
	Refs   []string
	Hidden bool
	Public bool
	Head   bool
}

// Smartlog lists the draft commits (visible and not on the main branch),
// the main branch tip and HEAD, parents before children.
func (r *Repo) Smartlog(ctx context.Context) ([]LogEntry, error) {
	g, err := r.Graph(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := r.Backend.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	st, err := r.Log.Replay(ctx, 0)
	if err != nil {
		return nil, err
	}
	public, err := r.Public(ctx, g)
	if err != nil {
		return nil, err
	}
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	at := RefsAt(r.trackedRefs(refs))

	show := dag.NewSet()
	for _, id := range g.All().Sorted() {
		if public.Has(id) {
			continue
		}
		if !st.IsHidden(id) || len(at[id]) > 0 {
			show.Add(id)
		}
	}
	if main, err := g.Heads(public); err == nil {
		show = show.Union(main)
	}
	if g.Has(head) {
		show.Add(head)
	}

	order, err := g.TopoOrder(show.Sorted())
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(order))
	for _, id := range order {
		c, err := r.Backend.ReadCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, LogEntry{
			Commit: c,
			Refs:   at[id],
			Hidden: st.IsHidden(id),
			Public: public.Has(id),
			Head:   id == head,
		})
	}
	return out, nil
}
