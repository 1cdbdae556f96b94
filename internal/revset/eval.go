package revset

import (
	"fmt"

	"restack/internal/backend"
	"restack/internal/dag"
)

// Evaluate computes the commit set selected by e against g. Every atom is
// resolved before any set operation runs, so the result reflects one
// snapshot of refs no matter what happens to them afterwards. An empty result
// is not an error.
func Evaluate(e Expr, g *dag.Graph, r *Resolver) (dag.Set, error) {
	atoms := make(map[string]backend.ID)
	for _, tok := range Atoms(e) {
		id, err := r.Resolve(tok)
		if err != nil {
			return nil, err
		}
		if !g.Has(id) {
			return nil, &backend.NotFoundError{What: "commit", Name: string(id)}
		}
		atoms[tok] = id
	}
	ev := &evaluator{g: g, atoms: atoms}
	return ev.eval(e)
}

// EvaluateString parses and evaluates input.
func EvaluateString(input string, g *dag.Graph, r *Resolver) (dag.Set, error) {
	e, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return Evaluate(e, g, r)
}

// ResolveOne evaluates input and requires exactly one commit.
func ResolveOne(input string, g *dag.Graph, r *Resolver) (backend.ID, error) {
	set, err := EvaluateString(input, g, r)
	if err != nil {
		return "", err
	}
	switch len(set) {
	case 0:
		return "", &ReferenceError{Token: input}
	case 1:
		return set.Sorted()[0], nil
	}
	return "", &ReferenceError{Token: input, Candidates: set.Sorted()}
}

type evaluator struct {
	g     *dag.Graph
	atoms map[string]backend.ID
}

func (ev *evaluator) eval(e Expr) (dag.Set, error) {
	switch v := e.(type) {
	case Atom:
		return dag.NewSet(ev.atoms[v.Token]), nil
	case All:
		return ev.g.All(), nil
	case Union:
		return ev.binary(v.L, v.R, dag.Set.Union)
	case Intersect:
		return ev.binary(v.L, v.R, dag.Set.Intersect)
	case Difference:
		return ev.binary(v.L, v.R, dag.Set.Difference)
	case Complement:
		x, err := ev.eval(v.X)
		if err != nil {
			return nil, err
		}
		return ev.g.All().Difference(x), nil
	case Range:
		from, err := ev.closure(v.From, ev.g.Ancestors)
		if err != nil {
			return nil, err
		}
		to, err := ev.closure(v.To, ev.g.Ancestors)
		if err != nil {
			return nil, err
		}
		return to.Difference(from), nil
	case DagRange:
		from, err := ev.closure(v.From, ev.g.Descendants)
		if err != nil {
			return nil, err
		}
		to, err := ev.closure(v.To, ev.g.Ancestors)
		if err != nil {
			return nil, err
		}
		return from.Intersect(to), nil
	case Call:
		return ev.call(v)
	}
	return nil, fmt.Errorf("unsupported expression %T", e)
}

func (ev *evaluator) binary(l, r Expr, op func(dag.Set, dag.Set) dag.Set) (dag.Set, error) {
	ls, err := ev.eval(l)
	if err != nil {
		return nil, err
	}
	rs, err := ev.eval(r)
	if err != nil {
		return nil, err
	}
	return op(ls, rs), nil
}

// closure unions f(id) over every member of e's set.
func (ev *evaluator) closure(e Expr, f func(backend.ID) (dag.Set, error)) (dag.Set, error) {
	set, err := ev.eval(e)
	if err != nil {
		return nil, err
	}
	out := dag.NewSet()
	for id := range set {
		c, err := f(id)
		if err != nil {
			return nil, err
		}
		for m := range c {
			out.Add(m)
		}
	}
	return out, nil
}

func (ev *evaluator) call(c Call) (dag.Set, error) {
	switch c.Name {
	case "ancestors":
		return ev.closure(c.Arg, ev.g.Ancestors)
	case "descendants":
		return ev.closure(c.Arg, ev.g.Descendants)
	case "parents":
		return ev.closure(c.Arg, ev.neighbors(ev.g.Parents))
	case "children":
		return ev.closure(c.Arg, ev.neighbors(ev.g.Children))
	}
	set, err := ev.eval(c.Arg)
	if err != nil {
		return nil, err
	}
	switch c.Name {
	case "heads":
		return ev.g.Heads(set)
	case "roots":
		return ev.g.Roots(set)
	}
	return nil, fmt.Errorf("unknown function %q", c.Name)
}

func (ev *evaluator) neighbors(f func(backend.ID) ([]backend.ID, error)) func(backend.ID) (dag.Set, error) {
	return func(id backend.ID) (dag.Set, error) {
		ids, err := f(id)
		if err != nil {
			return nil, err
		}
		return dag.NewSet(ids...), nil
	}
}
