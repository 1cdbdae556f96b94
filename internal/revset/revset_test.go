package revset

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"restack/internal/backend"
	"restack/internal/backend/sqlstore"
	"restack/internal/dag"
)

type fixture struct {
	store *sqlstore.Store
	n     int
}

func newFixture(t testing.TB, dir string) *fixture {
	s, err := sqlstore.Open(filepath.Join(dir, "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s}
}

func (f *fixture) commit(t testing.TB, msg string, parents ...backend.ID) backend.ID {
	ctx := context.Background()
	f.n++
	blob, err := f.store.WriteBlob(ctx, []byte(msg))
	require.NoError(t, err)
	tree, err := f.store.WriteTree(ctx, backend.Tree{msg + ".txt": {Blob: blob, Mode: backend.ModeFile}})
	require.NoError(t, err)
	sig := backend.Signature{Name: "T", Email: "t@example.com", When: time.Unix(int64(1700000000+f.n), 0).UTC()}
	id, err := f.store.WriteCommit(ctx, &backend.Commit{Parents: parents, Tree: tree, Author: sig, Committer: sig, Message: msg})
	require.NoError(t, err)
	return id
}

func (f *fixture) ref(t testing.TB, name string, id backend.ID) {
	require.NoError(t, f.store.WriteRef(context.Background(), name, id, nil))
}

func (f *fixture) graph(t testing.TB, roots ...backend.ID) (*dag.Graph, *Resolver) {
	ctx := context.Background()
	g, err := dag.New(f.store).Build(ctx, roots)
	require.NoError(t, err)
	refs, err := f.store.ListRefs(ctx)
	require.NoError(t, err)
	return g, NewResolver(refs, g)
}

// branchy builds:
//
//	A - B - C      (main)
//	     \
//	      D - E    (feature-x)
func branchy(t *testing.T) (*fixture, map[string]backend.ID) {
	f := newFixture(t, t.TempDir())
	ids := map[string]backend.ID{}
	ids["A"] = f.commit(t, "A")
	ids["B"] = f.commit(t, "B", ids["A"])
	ids["C"] = f.commit(t, "C", ids["B"])
	ids["D"] = f.commit(t, "D", ids["B"])
	ids["E"] = f.commit(t, "E", ids["D"])
	f.ref(t, "refs/heads/main", ids["C"])
	f.ref(t, "refs/heads/feature-x", ids["E"])
	return f, ids
}

func set(ids map[string]backend.ID, names ...string) dag.Set {
	out := dag.NewSet()
	for _, n := range names {
		out.Add(ids[n])
	}
	return out
}

func TestEvaluate(t *testing.T) {
	f, ids := branchy(t)
	g, r := f.graph(t, ids["C"], ids["E"])

	cases := []struct {
		expr string
		want []string
	}{
		{"main", []string{"C"}},
		{"ancestors(main)", []string{"A", "B", "C"}},
		{"descendants(" + string(ids["B"]) + ")", []string{"B", "C", "D", "E"}},
		{"main..feature-x", []string{"D", "E"}},
		{"ancestors(feature-x) - ancestors(main)", []string{"D", "E"}},
		{"main::feature-x", nil},
		{string(ids["B"][:10]) + "::feature-x", []string{"B", "D", "E"}},
		{"heads(all())", []string{"C", "E"}},
		{"roots(descendants(main) | descendants(feature-x))", []string{"C", "E"}},
		{"children(" + string(ids["B"]) + ")", []string{"C", "D"}},
		{"parents(main | feature-x)", []string{"B", "D"}},
		{"~ancestors(main)", []string{"D", "E"}},
		{"ancestors(main) & ancestors(feature-x)", []string{"A", "B"}},
		{`"refs/heads/main" | feature-x`, []string{"C", "E"}},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := EvaluateString(tc.expr, g, r)
			require.NoError(t, err)
			assert.True(t, set(ids, tc.want...).Equal(got), "got %v", got.Sorted())
		})
	}
}

func TestMissingReference(t *testing.T) {
	f, ids := branchy(t)
	g, r := f.graph(t, ids["C"], ids["E"])

	_, err := EvaluateString("main | nope", g, r)
	require.ErrorIs(t, err, ErrReference)
	var re *ReferenceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "nope", re.Token)
	assert.False(t, re.Ambiguous())
}

func TestAmbiguousPrefix(t *testing.T) {
	f := newFixture(t, t.TempDir())
	// Generate commits until two share a 4-char prefix.
	byPrefix := map[string]backend.ID{}
	var roots []backend.ID
	var prefix string
	for i := 0; prefix == ""; i++ {
		id := f.commit(t, fmt.Sprintf("c%d", i))
		roots = append(roots, id)
		p := string(id[:MinPrefix])
		if _, dup := byPrefix[p]; dup {
			prefix = p
		}
		byPrefix[p] = id
	}
	g, r := f.graph(t, roots...)

	_, err := r.Resolve(prefix)
	var re *ReferenceError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Ambiguous())
	assert.Len(t, re.Candidates, 2)

	_, err = ResolveOne(prefix[:3], g, r)
	assert.ErrorIs(t, err, ErrReference, "prefixes shorter than MinPrefix never match")
}

func TestRefsSnapshotAtResolverCreation(t *testing.T) {
	f, ids := branchy(t)
	g, r := f.graph(t, ids["C"], ids["E"])

	require.NoError(t, f.store.WriteRef(context.Background(), "refs/heads/main", ids["A"], backend.Expect(ids["C"])))
	got, err := ResolveOne("main", g, r)
	require.NoError(t, err)
	assert.Equal(t, ids["C"], got)
}

func TestEmptyResultIsValid(t *testing.T) {
	f, ids := branchy(t)
	g, r := f.graph(t, ids["C"], ids["E"])
	got, err := EvaluateString("main - main", g, r)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ResolveOne("main - main", g, r)
	assert.ErrorIs(t, err, ErrReference)
}

func TestParse(t *testing.T) {
	cases := map[string]string{
		"a | b & c":          "(a | (b & c))",
		"a - b - c":          "((a - b) - c)",
		"feature-x":          "feature-x",
		"~a..b":              "(~a..b)",
		"ancestors(a::b)":    "ancestors((a::b))",
		"v1.2..v1.3":         "(v1.2..v1.3)",
		`"odd name" & all()`: `("odd name" & all())`,
	}
	for in, want := range cases {
		e, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, e.String(), in)
	}

	for _, bad := range []string{"", "a |", "frob(a)", "(a", `"open`, "all(a)", "a b"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrSyntax, bad)
	}
}

// For any commit x, ancestors(x) | descendants(x) holds only commits related
// to x, and evaluation is repeatable.
func TestClosureRelatedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, t.TempDir())
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		var ids []backend.ID
		for i := 0; i < n; i++ {
			var parents []backend.ID
			if i > 0 {
				k := rapid.IntRange(0, min(2, i)).Draw(rt, fmt.Sprintf("k%d", i))
				for j := 0; j < k; j++ {
					p := ids[rapid.IntRange(0, i-1).Draw(rt, fmt.Sprintf("p%d_%d", i, j))]
					if !dag.NewSet(parents...).Has(p) {
						parents = append(parents, p)
					}
				}
			}
			ids = append(ids, f.commit(t, fmt.Sprintf("n%d", i), parents...))
		}
		g, r := f.graph(t, ids...)
		x := ids[rapid.IntRange(0, n-1).Draw(rt, "x")]

		expr := fmt.Sprintf("ancestors(%s) | descendants(%s)", x, x)
		got, err := EvaluateString(expr, g, r)
		require.NoError(rt, err)
		for id := range got {
			up, err := g.IsAncestor(id, x)
			require.NoError(rt, err)
			down, err := g.IsAncestor(x, id)
			require.NoError(rt, err)
			if !up && !down {
				rt.Fatalf("%s is unrelated to %s", id.Short(), x.Short())
			}
		}
		again, err := EvaluateString(expr, g, r)
		require.NoError(rt, err)
		if !again.Equal(got) {
			rt.Fatalf("evaluation not repeatable")
		}
	})
}
