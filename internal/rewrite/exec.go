package rewrite

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"restack/internal/backend"
	"restack/internal/dag"
	"restack/internal/telemetry"
)

// executor recomputes the affected commits of a compiled plan, each once, in
// order. It only writes content-addressed objects; refs and events are left
// to the engine.
type executor struct {
	b    backend.Backend
	g    *dag.Graph
	c    *compiled
	opts Options
	wc   *workingCopy
	log  *logrus.Entry

	// progress is the resumable part of the run.
	progress
}

// progress is what a suspended rewrite needs to pick up where it stopped.
type progress struct {
	Next      int                       `json:"next"`
	Stage     int                       `json:"stage"`
	Rewritten map[backend.ID]backend.ID `json:"rewritten"`
	Dropped   map[backend.ID]bool       `json:"dropped"`
	Inverse   []Operation               `json:"inverse,omitempty"`
	Fallback  bool                      `json:"fallback,omitempty"`
	// Merged is set when a reparent folded several parents into one.
	Merged bool `json:"merged,omitempty"`
	// Partial is the tree of the conflicted commit with ours-side content at
	// the conflicting paths.
	Partial   backend.ID      `json:"partial,omitempty"`
	Conflicts []pathConflict  `json:"conflicts,omitempty"`
	Report    *ConflictReport `json:"report,omitempty"`
}

func newProgress() progress {
	return progress{
		Rewritten: make(map[backend.ID]backend.ID),
		Dropped:   make(map[backend.ID]bool),
	}
}

// stageRebase replays a commit onto its new first parent; stage k > 0 applies
// the k-th commit folded into it.
const stageRebase = 0

// run processes commits from Next on. It returns a report and stops when a
// commit cannot be resolved.
func (x *executor) run(ctx context.Context, resume backend.Tree) (*ConflictReport, error) {
	for ; x.Next < len(x.c.order); x.Next++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := x.c.order[x.Next]
		if s, ok := x.c.specs[id]; ok && s.removed() {
			x.Dropped[id] = true
			x.log.WithField("commit", id.Short()).Debug("removed")
			continue
		}
		report, err := x.rewrite(ctx, id, resume)
		resume = nil
		if err != nil || report != nil {
			return report, err
		}
		x.Stage = stageRebase
	}
	return nil, nil
}

// rewrite recomputes one commit. When resume is set it replaces the stage
// that conflicted and execution continues after it.
func (x *executor) rewrite(ctx context.Context, id backend.ID, resume backend.Tree) (*ConflictReport, error) {
	orig, err := x.b.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	s := x.c.specs[id]
	if s == nil {
		s = &spec{}
	}

	parents := x.newParents(id)
	var newFirst backend.ID
	if len(parents) > 0 {
		newFirst = parents[0]
	}

	var tree backend.Tree
	stage := x.Stage
	if resume != nil {
		tree = resume
		stage++
	} else {
		if tree, err = x.b.ReadTree(ctx, orig.Tree); err != nil {
			return nil, err
		}
		if newFirst != orig.FirstParent() || x.opts.ForceOnDisk {
			base, err := x.commitTree(ctx, orig.FirstParent())
			if err != nil {
				return nil, err
			}
			ours, err := x.commitTree(ctx, newFirst)
			if err != nil {
				return nil, err
			}
			merged, conflicts := mergeTrees(base, ours, tree)
			report, err := x.settle(ctx, id, newFirst, s.describe(), stageRebase, merged, conflicts, &tree)
			if err != nil || report != nil {
				return report, err
			}
		}
		stage = stageRebase + 1
	}

	folds := x.c.folds[id]
	for ; stage <= len(folds); stage++ {
		src := folds[stage-1]
		srcCommit, err := x.b.ReadCommit(ctx, src)
		if err != nil {
			return nil, err
		}
		base, err := x.commitTree(ctx, srcCommit.FirstParent())
		if err != nil {
			return nil, err
		}
		theirs, err := x.b.ReadTree(ctx, srcCommit.Tree)
		if err != nil {
			return nil, err
		}
		merged, conflicts := mergeTrees(base, tree, theirs)
		report, err := x.settle(ctx, id, newFirst, "fold "+src.Short()+" into "+id.Short(), stage, merged, conflicts, &tree)
		if err != nil || report != nil {
			return report, err
		}
	}

	treeID, err := x.b.WriteTree(ctx, tree)
	if err != nil {
		return nil, err
	}
	msg := orig.Message
	if s.reword {
		msg = s.message
	}
	if treeID == orig.Tree && msg == orig.Message && sameIDs(parents, orig.Parents) {
		x.log.WithField("commit", id.Short()).Debug("unchanged")
		return nil, nil
	}

	next := orig.Clone()
	next.Parents = parents
	next.Tree = treeID
	next.Message = msg
	if !x.opts.PreserveTimestamps {
		next.Committer.When = x.opts.now().UTC().Truncate(time.Second)
	}
	newID, err := x.b.WriteCommit(ctx, next)
	if err != nil {
		return nil, err
	}
	if newID == id {
		return nil, nil
	}
	x.Rewritten[id] = newID
	if s.reparent {
		switch {
		case len(s.from) > 1:
			x.Merged = true
		case len(s.from) == 1 && s.from[0] != orig.FirstParent():
			x.Inverse = append(x.Inverse, Operation{Target: id, Action: ActionReparent, Parent: s.from[0], From: s.parent})
		default:
			x.Inverse = append(x.Inverse, Reparent(id, orig.FirstParent()))
		}
	}
	if s.reword {
		x.Inverse = append(x.Inverse, Reword(id, orig.Message))
	}
	x.log.WithFields(logrus.Fields{"commit": id.Short(), "new": newID.Short()}).Debug("rewritten")
	return nil, nil
}

// settle resolves a tree merge, through the working copy when paths
// conflict or on-disk execution is forced. On success *tree holds the result.
func (x *executor) settle(ctx context.Context, id, newFirst backend.ID, operation string, stage int, merged backend.Tree, conflicts []pathConflict, tree *backend.Tree) (*ConflictReport, error) {
	if len(conflicts) == 0 && !x.opts.ForceOnDisk {
		*tree = merged
		return nil, nil
	}
	if x.opts.ForceInMemory {
		files, err := x.describeConflicts(ctx, conflicts)
		if err != nil {
			return nil, err
		}
		return x.suspend(ctx, id, operation, stage, merged, conflicts, files)
	}

	x.Fallback = true
	reason := "content conflict"
	if len(conflicts) == 0 {
		reason = "forced"
	}
	telemetry.RecordFallback(ctx, reason)
	x.log.WithFields(logrus.Fields{"commit": id.Short(), "paths": len(conflicts)}).Debug("resolving in working copy")
	resolved, unresolved, err := x.wc.resolve(ctx, id, newFirst, merged, conflicts)
	if err != nil {
		return nil, err
	}
	if len(unresolved) > 0 {
		keep := make([]pathConflict, 0, len(unresolved))
		for _, fc := range unresolved {
			for _, pc := range conflicts {
				if pc.Path == fc.Path {
					keep = append(keep, pc)
				}
			}
		}
		return x.suspend(ctx, id, operation, stage, resolved, keep, unresolved)
	}
	*tree = resolved
	return nil, nil
}

func (x *executor) suspend(ctx context.Context, id backend.ID, operation string, stage int, partial backend.Tree, conflicts []pathConflict, files []FileConflict) (*ConflictReport, error) {
	treeID, err := x.b.WriteTree(ctx, partial)
	if err != nil {
		return nil, err
	}
	x.Stage = stage
	x.Partial = treeID
	x.Conflicts = conflicts
	x.Report = &ConflictReport{Commit: id, Operation: operation, Files: files}
	return x.Report, nil
}

// describeConflicts reports line ranges without touching the disk.
func (x *executor) describeConflicts(ctx context.Context, conflicts []pathConflict) ([]FileConflict, error) {
	files := make([]FileConflict, 0, len(conflicts))
	for _, pc := range conflicts {
		cm, err := mergeContent(ctx, x.b, pc, nil)
		if err != nil {
			return nil, err
		}
		if cm.Conflict != nil {
			files = append(files, *cm.Conflict)
		} else {
			files = append(files, FileConflict{Path: pc.Path, Reason: "changed on both sides"})
		}
	}
	return files, nil
}

// applyResolutions builds the tree a conflicted stage resolves to. A nil
// resolution deletes the path.
func (x *executor) applyResolutions(ctx context.Context, resolutions map[string][]byte) (backend.Tree, error) {
	var missing []string
	for _, pc := range x.Conflicts {
		if _, ok := resolutions[pc.Path]; !ok {
			missing = append(missing, pc.Path)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolved, missing)
	}
	tree, err := x.b.ReadTree(ctx, x.Partial)
	if err != nil {
		return nil, err
	}
	tree = tree.Clone()
	for _, pc := range x.Conflicts {
		data := resolutions[pc.Path]
		if data == nil {
			delete(tree, pc.Path)
			continue
		}
		if hasMarkers(data) {
			return nil, fmt.Errorf("%w: %s still has conflict markers", ErrUnresolved, pc.Path)
		}
		blob, err := x.b.WriteBlob(ctx, data)
		if err != nil {
			return nil, err
		}
		mode := backend.ModeFile
		switch {
		case pc.Theirs != nil:
			mode = pc.Theirs.Mode
		case pc.Ours != nil:
			mode = pc.Ours.Mode
		}
		tree[pc.Path] = backend.TreeEntry{Blob: blob, Mode: mode}
	}
	x.Partial = ""
	x.Conflicts = nil
	x.Report = nil
	return tree, nil
}

// newParents maps id's effective parents through the rewrite so far: removed
// parents give way to their first surviving ancestor, rewritten ones to their
// replacement.
func (x *executor) newParents(id backend.ID) []backend.ID {
	var out []backend.ID
	for _, p := range x.c.effectiveParents(x.g, id) {
		p = x.c.resolveDropped(x.g, p)
		if n, ok := x.Rewritten[p]; ok {
			p = n
		}
		out = append(out, p)
	}
	return dedupe(out)
}

// latest maps an original commit to where it ended up, following removed
// commits to their survivor.
func (x *executor) latest(id backend.ID) backend.ID {
	if s, ok := x.c.specs[id]; ok && !s.into.IsZero() {
		id = s.into
	} else {
		id = x.c.resolveDropped(x.g, id)
	}
	if n, ok := x.Rewritten[id]; ok {
		return n
	}
	return id
}

func (x *executor) commitTree(ctx context.Context, id backend.ID) (backend.Tree, error) {
	if id.IsZero() {
		return backend.Tree{}, nil
	}
	c, err := x.b.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	return x.b.ReadTree(ctx, c.Tree)
}

func sameIDs(a, b []backend.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
