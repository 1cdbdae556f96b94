package rewrite

import (
	"restack/internal/backend"
	"restack/internal/dag"
	"restack/internal/eventlog"
)

// PlanMove moves source and its descendants onto dest.
func PlanMove(source, dest backend.ID) Plan {
	return Plan{Label: "move", Ops: []Operation{Reparent(source, dest)}}
}

// PlanAdvance moves every sibling of head (another child of one of its
// parents) onto head. Commits in exclude, typically public or hidden ones,
// stay where they are.
func PlanAdvance(g *dag.Graph, head backend.ID, exclude dag.Set) (Plan, error) {
	ancestors, err := g.Ancestors(head)
	if err != nil {
		return Plan{}, err
	}
	parents, err := g.Parents(head)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Label: "advance"}
	shared := dag.NewSet(parents...)
	seen := dag.NewSet()
	for _, p := range parents {
		children, err := g.Children(p)
		if err != nil {
			return Plan{}, err
		}
		for _, c := range children {
			if ancestors.Has(c) || seen.Has(c) || exclude.Has(c) {
				continue
			}
			desc, err := g.Descendants(c)
			if err != nil {
				return Plan{}, err
			}
			if desc.Has(head) {
				continue
			}
			seen.Add(c)
			cp, err := g.Parents(c)
			if err != nil {
				return Plan{}, err
			}
			// Every parent c shares with head moves onto head.
			for i, q := range cp {
				if !shared.Has(q) {
					continue
				}
				op := Reparent(c, head)
				if i > 0 {
					op.From = q
				}
				plan.Ops = append(plan.Ops, op)
			}
		}
	}
	if len(plan.Ops) == 0 {
		return Plan{}, &noopError{"no child commits to advance"}
	}
	return plan, nil
}

// PlanRestack moves visible commits whose first parent was rewritten away
// onto that parent's latest successor.
func PlanRestack(g *dag.Graph, st *eventlog.State) (Plan, error) {
	plan := Plan{Label: "restack"}
	for _, id := range g.All().Sorted() {
		if st.IsHidden(id) {
			continue
		}
		n, err := g.Node(id)
		if err != nil {
			return Plan{}, err
		}
		if len(n.Parents) == 0 || !st.IsHidden(n.Parents[0]) {
			continue
		}
		succ := st.Latest(n.Parents[0])
		if succ == n.Parents[0] || !g.Has(succ) || st.IsHidden(succ) {
			continue
		}
		desc, err := g.Descendants(id)
		if err != nil {
			return Plan{}, err
		}
		if desc.Has(succ) {
			continue
		}
		plan.Ops = append(plan.Ops, Reparent(id, succ))
	}
	if len(plan.Ops) == 0 {
		return Plan{}, &noopError{"no abandoned commits to restack"}
	}
	return plan, nil
}

// noopError explains an ErrNothingToDo.
type noopError struct {
	msg string
}

func (e *noopError) Error() string        { return e.msg }
func (e *noopError) Is(target error) bool { return target == ErrNothingToDo }
