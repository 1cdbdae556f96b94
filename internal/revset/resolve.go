package revset

import (
	"errors"
	"fmt"
	"strings"

	"restack/internal/backend"
	"restack/internal/dag"
)

// ErrReference matches any ReferenceError.
var ErrReference = errors.New("ambiguous or missing reference")

// MinPrefix is the shortest hex prefix accepted as an abbreviated id.
const MinPrefix = 4

// ReferenceError reports a token that resolved to no commit, or to more
// than one.
type ReferenceError struct {
	Token      string
	Candidates []backend.ID
}

func (e *ReferenceError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("no commit or ref matches %q", e.Token)
	}
	short := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		short[i] = c.Short()
	}
	return fmt.Sprintf("%q is ambiguous: %s", e.Token, strings.Join(short, ", "))
}

func (e *ReferenceError) Is(target error) bool {
	return target == ErrReference
}

// Ambiguous reports whether the token matched several commits.
func (e *ReferenceError) Ambiguous() bool {
	return len(e.Candidates) > 1
}

// Resolver maps tokens to commit ids using a fixed snapshot of refs taken
// when it is created.
type Resolver struct {
	refs  map[string]backend.ID
	graph *dag.Graph
}

// NewResolver captures refs for the lifetime of the resolver.
func NewResolver(refs []backend.Ref, g *dag.Graph) *Resolver {
	m := make(map[string]backend.ID, len(refs))
	for _, r := range refs {
		m[r.Name] = r.Target
	}
	return &Resolver{refs: m, graph: g}
}

// Resolve maps one token. Lookup order: exact ref name, refs/heads/<t>,
// refs/tags/<t>, full commit id, then unique id prefix within the graph.
func (r *Resolver) Resolve(token string) (backend.ID, error) {
	for _, name := range []string{token, "refs/heads/" + token, "refs/tags/" + token} {
		if id, ok := r.refs[name]; ok {
			return id, nil
		}
	}

	lower := strings.ToLower(token)
	if !isHex(lower) || len(lower) < MinPrefix {
		return "", &ReferenceError{Token: token}
	}
	if r.graph.Has(backend.ID(lower)) {
		return backend.ID(lower), nil
	}
	var candidates []backend.ID
	for _, id := range r.graph.All().Sorted() {
		if strings.HasPrefix(string(id), lower) {
			candidates = append(candidates, id)
		}
	}
	switch len(candidates) {
	case 0:
		return "", &ReferenceError{Token: token}
	case 1:
		return candidates[0], nil
	}
	return "", &ReferenceError{Token: token, Candidates: candidates}
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return s != ""
}
