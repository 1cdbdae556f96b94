package rewrite

import (
	"slices"
	"sort"
	"strconv"

	"restack/internal/backend"
	"restack/internal/dag"
)

// spec is everything the plan asks of one target.
type spec struct {
	op       int
	reparent bool
	parent   backend.ID
	// from lists the original parents replaced by parent.
	from    []backend.ID
	reword  bool
	message string
	drop    bool
	into    backend.ID
}

func (s *spec) removed() bool {
	return s.drop || !s.into.IsZero()
}

func (s *spec) describe() string {
	switch {
	case s.drop:
		return "drop"
	case !s.into.IsZero():
		return "fold into " + s.into.Short()
	case s.reparent && s.reword:
		return "reparent onto " + s.parent.Short() + " and reword"
	case s.reparent:
		return "reparent onto " + s.parent.Short()
	case s.reword:
		return "reword"
	}
	return "rebase"
}

// compiled is a validated plan.
type compiled struct {
	plan  Plan
	specs map[backend.ID]*spec
	// folds lists, per destination, the commits folded into it in plan order.
	folds map[backend.ID][]backend.ID
	// order holds every affected commit, parents before children under the
	// rewritten parent relation.
	order []backend.ID
}

// compile validates plan against g. refs is the ref snapshot the plan will
// update; mainTarget is the main branch tip, or zero when there is none.
func compile(g *dag.Graph, plan Plan, refs []backend.Ref, mainTarget backend.ID, force bool) (*compiled, error) {
	c := &compiled{
		plan:  plan,
		specs: make(map[backend.ID]*spec),
		folds: make(map[backend.ID][]backend.ID),
	}
	invalid := func(i int, reason string) error {
		return &InvalidPlanError{Index: i, Op: plan.Ops[i], Reason: reason}
	}
	missing := func(i int, id backend.ID) error {
		_, err := g.Node(id)
		return &InvalidPlanError{Index: i, Op: plan.Ops[i], Reason: "commit " + id.Short() + " is not in the graph", Err: err}
	}

	if len(plan.Ops) == 0 {
		return nil, ErrNothingToDo
	}

	for i, op := range plan.Ops {
		if !g.Has(op.Target) {
			return nil, missing(i, op.Target)
		}
		s, seen := c.specs[op.Target]
		if !seen {
			s = &spec{op: i}
		}
		if seen && s.removed() {
			return nil, invalid(i, "commit is already removed by operation "+strconv.Itoa(s.op+1))
		}
		switch op.Action {
		case ActionReparent:
			if !g.Has(op.Parent) {
				return nil, missing(i, op.Parent)
			}
			if op.Parent == op.Target {
				return nil, invalid(i, "a commit cannot be its own parent")
			}
			if s.reparent && s.parent != op.Parent {
				return nil, invalid(i, "commit is already reparented onto "+s.parent.Short())
			}
			n, _ := g.Node(op.Target)
			from := op.From
			if from.IsZero() && len(n.Parents) > 0 {
				from = n.Parents[0]
			}
			if !from.IsZero() && !slices.Contains(n.Parents, from) {
				return nil, invalid(i, from.Short()+" is not a parent of "+op.Target.Short())
			}
			s.reparent, s.parent = true, op.Parent
			if !from.IsZero() && !slices.Contains(s.from, from) {
				s.from = append(s.from, from)
			}
		case ActionReword:
			if s.reword && s.message != op.Message {
				return nil, invalid(i, "commit is already reworded")
			}
			s.reword, s.message = true, op.Message
		case ActionDrop:
			if seen {
				return nil, invalid(i, "drop cannot be combined with other operations on the same commit")
			}
			s.drop = true
		case ActionFold:
			if seen {
				return nil, invalid(i, "fold cannot be combined with other operations on the same commit")
			}
			if !g.Has(op.Into) {
				return nil, missing(i, op.Into)
			}
			if op.Into == op.Target {
				return nil, invalid(i, "cannot fold a commit into itself")
			}
			if _, ok, err := g.MergeBase(op.Target, op.Into); err != nil {
				return nil, err
			} else if !ok {
				return nil, invalid(i, "commits share no history")
			}
			s.into = op.Into
			c.folds[op.Into] = append(c.folds[op.Into], op.Target)
		default:
			return nil, invalid(i, "unknown action")
		}
		c.specs[op.Target] = s
	}

	for _, op := range plan.Ops {
		s := c.specs[op.Target]
		if s.reparent {
			if d, ok := c.specs[s.parent]; ok && d.removed() {
				return nil, invalid(s.op, "new parent "+s.parent.Short()+" is removed by operation "+strconv.Itoa(d.op+1))
			}
		}
		if !s.into.IsZero() {
			if d, ok := c.specs[s.into]; ok && d.removed() {
				return nil, invalid(s.op, "destination "+s.into.Short()+" is removed by operation "+strconv.Itoa(d.op+1))
			}
		}
	}

	if !force && !mainTarget.IsZero() && g.Has(mainTarget) {
		public, err := g.Ancestors(mainTarget)
		if err != nil {
			return nil, err
		}
		for i, op := range plan.Ops {
			if public.Has(op.Target) {
				return nil, invalid(i, "commit "+op.Target.Short()+" is public; use force to rewrite it")
			}
			if op.Action == ActionFold && public.Has(op.Into) {
				return nil, invalid(i, "destination "+op.Into.Short()+" is public; use force to rewrite it")
			}
		}
	}

	affected := dag.NewSet()
	for target, s := range c.specs {
		for _, id := range []backend.ID{target, s.into} {
			if id.IsZero() {
				continue
			}
			desc, err := g.Descendants(id)
			if err != nil {
				return nil, err
			}
			affected = affected.Union(desc)
		}
	}

	order, err := c.sort(g, affected)
	if err != nil {
		return nil, err
	}
	c.order = order

	for _, ref := range refs {
		s, ok := c.specs[ref.Target]
		if !ok || !s.drop {
			continue
		}
		if c.resolveDropped(g, ref.Target).IsZero() {
			return nil, invalid(s.op, "ref "+ref.Name+" points at a dropped root commit")
		}
	}
	return c, nil
}

// effectiveParents returns id's parents after the plan's reparenting.
func (c *compiled) effectiveParents(g *dag.Graph, id backend.ID) []backend.ID {
	n, _ := g.Node(id)
	parents := append([]backend.ID(nil), n.Parents...)
	if s, ok := c.specs[id]; ok && s.reparent {
		if len(parents) == 0 {
			parents = []backend.ID{s.parent}
		}
		for i, p := range parents {
			if slices.Contains(s.from, p) {
				parents[i] = s.parent
			}
		}
	}
	return dedupe(parents)
}

// sort orders the affected commits so every commit follows its effective
// parents, and rejects plans whose reparenting closes a cycle.
func (c *compiled) sort(g *dag.Graph, affected dag.Set) ([]backend.ID, error) {
	const (
		white = iota
		gray
		black
	)
	seeds := affected.Sorted()
	sort.SliceStable(seeds, func(i, j int) bool {
		a, _ := g.Node(seeds[i])
		b, _ := g.Node(seeds[j])
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return seeds[i] < seeds[j]
	})

	color := make(map[backend.ID]int, len(affected))
	order := make([]backend.ID, 0, len(affected))
	var stack []backend.ID
	var visit func(id backend.ID) error
	visit = func(id backend.ID) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return c.cycleError(stack, id)
		}
		color[id] = gray
		stack = append(stack, id)
		for _, p := range c.effectiveParents(g, id) {
			if !affected.Has(p) {
				continue
			}
			if err := visit(p); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		order = append(order, id)
		return nil
	}
	for _, id := range seeds {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (c *compiled) cycleError(stack []backend.ID, at backend.ID) error {
	var onCycle []backend.ID
	for i := len(stack) - 1; i >= 0; i-- {
		onCycle = append(onCycle, stack[i])
		if stack[i] == at {
			break
		}
	}
	best := -1
	for _, id := range onCycle {
		if s, ok := c.specs[id]; ok && s.reparent && (best < 0 || s.op < best) {
			best = s.op
		}
	}
	if best < 0 {
		best = 0
	}
	return &InvalidPlanError{Index: best, Op: c.plan.Ops[best], Reason: "reparenting would make " + at.Short() + " its own ancestor"}
}

// resolveDropped follows first parents past dropped or folded commits and
// returns the first survivor, or zero when the chain ends at a root.
func (c *compiled) resolveDropped(g *dag.Graph, id backend.ID) backend.ID {
	for {
		s, ok := c.specs[id]
		if !ok || !s.removed() {
			return id
		}
		n, err := g.Node(id)
		if err != nil || len(n.Parents) == 0 {
			return ""
		}
		id = n.Parents[0]
	}
}

func dedupe(ids []backend.ID) []backend.ID {
	seen := dag.NewSet()
	out := ids[:0]
	for _, id := range ids {
		if id.IsZero() || seen.Has(id) {
			continue
		}
		seen.Add(id)
		out = append(out, id)
	}
	return out
}
