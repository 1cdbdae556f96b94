// Package revset evaluates commit selection expressions against a Graph
// Index snapshot.
package revset

import (
	"fmt"
	"strings"
)

// Expr is a node of a selection expression.
type Expr interface {
	String() string
	isExpr()
}

// Atom is a commit id, unique id prefix, or ref name.
type Atom struct {
	Token string
}

// All selects every commit in the graph.
type All struct{}

// Union selects commits in either side.
type Union struct{ L, R Expr }

// Intersect selects commits in both sides.
type Intersect struct{ L, R Expr }

// Difference selects commits in L but not R.
type Difference struct{ L, R Expr }

// Complement selects graph commits not in X.
type Complement struct{ X Expr }

// Range selects ancestors of To that are not ancestors of From.
type Range struct{ From, To Expr }

// DagRange selects descendants of From that are ancestors of To.
type DagRange struct{ From, To Expr }

// Call is a built-in function applied to one argument: ancestors,
// descendants, heads, roots, parents or children.
type Call struct {
	Name string
	Arg  Expr
}

var functions = map[string]bool{
	"ancestors":   true,
	"descendants": true,
	"heads":       true,
	"roots":       true,
	"parents":     true,
	"children":    true,
}

func (Atom) isExpr()       {}
func (All) isExpr()        {}
func (Union) isExpr()      {}
func (Intersect) isExpr()  {}
func (Difference) isExpr() {}
func (Complement) isExpr() {}
func (Range) isExpr()      {}
func (DagRange) isExpr()   {}
func (Call) isExpr()       {}

func (a Atom) String() string {
	if strings.ContainsAny(a.Token, " |&~():\"") {
		return fmt.Sprintf("%q", a.Token)
	}
	return a.Token
}
func (All) String() string          { return "all()" }
func (e Union) String() string      { return fmt.Sprintf("(%s | %s)", e.L, e.R) }
func (e Intersect) String() string  { return fmt.Sprintf("(%s & %s)", e.L, e.R) }
func (e Difference) String() string { return fmt.Sprintf("(%s - %s)", e.L, e.R) }
func (e Complement) String() string { return fmt.Sprintf("~%s", e.X) }
func (e Range) String() string      { return fmt.Sprintf("(%s..%s)", e.From, e.To) }
func (e DagRange) String() string   { return fmt.Sprintf("(%s::%s)", e.From, e.To) }
func (e Call) String() string       { return fmt.Sprintf("%s(%s)", e.Name, e.Arg) }

// Atoms returns the distinct atom tokens of e in first-seen order.
func Atoms(e Expr) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case Atom:
			if !seen[v.Token] {
				seen[v.Token] = true
				out = append(out, v.Token)
			}
		case Union:
			walk(v.L)
			walk(v.R)
		case Intersect:
			walk(v.L)
			walk(v.R)
		case Difference:
			walk(v.L)
			walk(v.R)
		case Complement:
			walk(v.X)
		case Range:
			walk(v.From)
			walk(v.To)
		case DagRange:
			walk(v.From)
			walk(v.To)
		case Call:
			walk(v.Arg)
		}
	}
	walk(e)
	return out
}
