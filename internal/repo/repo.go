// Package repo opens every component of a restack repository and wires
// them together: backend, lock, event log, graph index, rewrite engine,
// history and hook ingestion.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"restack/internal/backend"
	"restack/internal/backend/gitstore"
	"restack/internal/backend/sqlstore"
	"restack/internal/config"
	"restack/internal/dag"
	"restack/internal/eventlog"
	"restack/internal/history"
	"restack/internal/hook"
	"restack/internal/lock"
	"restack/internal/logging"
	"restack/internal/revset"
	"restack/internal/rewrite"
	"restack/internal/telemetry"
)

const (
	// StateDir is the state directory of a native repository.
	StateDir = ".restack"
	// GitStateDir is the state directory inside .git for a Git repository.
	GitStateDir = "restack"

	storeFile  = "store.db"
	eventsFile = "events.db"
	scratchDir = "scratch"
)

// ErrNotInitialized is returned when no repository is found.
var ErrNotInitialized = errors.New("not a restack repository (run 'restack init')")

// Repo is an open repository.
type Repo struct {
	// Dir is the working directory root.
	Dir string
	// State is the directory holding restack's own files.
	State string

	Config  *config.Config
	Logger  *logrus.Logger
	Backend backend.Backend
	Log     *eventlog.Log
	Index   *dag.Index
	Engine  *rewrite.Engine
	History *history.Manager
	Hooks   *hook.Ingester

	cache dag.NodeCache
}

// Options tweak Open. The zero value reads everything from config.
type Options struct {
	// Logger overrides the logger built from config.
	Logger *logrus.Logger
}

// Init creates a repository in dir. With git set the objects live in a Git
// repository at dir (created if missing); otherwise in a SQLite store.
func Init(ctx context.Context, dir string, git bool, opts Options) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if found, _ := stateDir(abs); found != "" {
		return nil, fmt.Errorf("%s is already a restack repository", abs)
	}

	cfg := config.Default()
	state := filepath.Join(abs, StateDir)
	if git {
		cfg.Backend = config.BackendGit
		open := gitstore.Open
		if _, err := os.Stat(filepath.Join(abs, ".git")); os.IsNotExist(err) {
			open = gitstore.Init
		}
		s, err := open(abs, gitstore.WithInitialBranch(cfg.MainBranch))
		if err != nil {
			return nil, err
		}
		state = filepath.Join(s.GitDir(), GitStateDir)
		s.Close()
	}
	if err := config.Save(state, cfg); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	return Open(ctx, abs, opts)
}

// Find walks up from start to the nearest repository root.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if s, _ := stateDir(dir); s != "" {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

func stateDir(dir string) (string, error) {
	for _, p := range []string{
		filepath.Join(dir, StateDir),
		filepath.Join(dir, ".git", GitStateDir),
	} {
		info, err := os.Stat(filepath.Join(p, config.FileName))
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", ErrNotInitialized
}

// Open opens the repository rooted at dir.
func Open(ctx context.Context, dir string, opts Options) (r *Repo, err error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	state, err := stateDir(abs)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(state)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Log.Level, cfg.Log.Format); err != nil {
			return nil, err
		}
	}

	r = &Repo{Dir: abs, State: state, Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	switch cfg.Backend {
	case config.BackendGit:
		r.Backend, err = gitstore.Open(abs, gitstore.WithLogger(logger), gitstore.WithRefWatcher())
	default:
		r.Backend, err = sqlstore.Open(filepath.Join(state, storeFile))
	}
	if err != nil {
		return nil, err
	}

	locks, err := lock.NewManager(lock.Config{Dir: state, Wait: cfg.Lock.Wait, Logger: logger})
	if err != nil {
		return nil, err
	}
	r.Log, err = eventlog.Open(ctx, eventlog.Config{
		Path:   filepath.Join(state, eventsFile),
		Lock:   locks,
		Refs:   r.Backend,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	ixOpts := []dag.Option{dag.WithLogger(logger)}
	if cfg.Cache.NodeCache != "" {
		path := cfg.Cache.NodeCache
		if !filepath.IsAbs(path) {
			path = filepath.Join(state, path)
		}
		bc := dag.DefaultBadgerConfig(path)
		bc.Logger = logger
		cache, err := dag.OpenBadgerCache(bc)
		if err != nil {
			return nil, err
		}
		r.cache = cache
		ixOpts = append(ixOpts, dag.WithNodeCache(cache))
	}
	r.Index = dag.New(r.Backend, ixOpts...)

	r.Engine = rewrite.New(rewrite.Config{
		Backend:    r.Backend,
		Index:      r.Index,
		Log:        r.Log,
		Logger:     logger,
		Tracer:     telemetry.NewTracer(cfg.Tracing),
		MainRef:    cfg.MainRef(),
		ScratchDir: filepath.Join(state, scratchDir),
		Snapshot:   r.Graph,
	})
	r.History = history.New(r.Log, r.Engine, logger)
	hookOpts := []hook.Option{
		hook.WithStateDir(state),
		hook.WithCommitHook(func(ctx context.Context, id backend.ID) error {
			_, err := r.AutoAdvance(ctx, id)
			return err
		}),
	}
	if cfg.Backend == config.BackendGit {
		hookOpts = append(hookOpts, hook.WithGitDir(filepath.Dir(state)))
	}
	r.Hooks = hook.New(r.Log, cfg, logger, hookOpts...)
	return r, nil
}

// Close releases everything Open acquired.
func (r *Repo) Close() error {
	var errs []error
	if r.Log != nil {
		errs = append(errs, r.Log.Close())
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
	}
	if r.Backend != nil {
		errs = append(errs, r.Backend.Close())
	}
	return errors.Join(errs...)
}

// Roots are the graph's entry points: targets of refs not matched by
// ignoreBranches plus every visible tracked commit that still exists.
func (r *Repo) Roots(ctx context.Context) ([]backend.ID, error) {
	refs, err := r.Backend.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	roots := dag.NewSet()
	for _, ref := range r.trackedRefs(refs) {
		roots.Add(ref.Target)
	}
	st, err := r.Log.Replay(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, id := range st.Visible().Sorted() {
		if roots.Has(id) {
			continue
		}
		if _, err := r.Index.Node(ctx, id); err != nil {
			if backend.IsNotFound(err) {
				r.Logger.WithField("commit", id.Short()).Debug("tracked commit no longer exists")
				continue
			}
			return nil, err
		}
		roots.Add(id)
	}
	return roots.Sorted(), nil
}

// Graph returns a current snapshot, rebuilding it when refs changed.
func (r *Repo) Graph(ctx context.Context) (*dag.Graph, error) {
	roots, err := r.Roots(ctx)
	if err != nil {
		return nil, err
	}
	g, _, err := r.Index.Refresh(ctx, roots)
	return g, err
}

// Selection is a selector evaluated against one snapshot.
type Selection struct {
	Graph *dag.Graph
	Refs  []backend.Ref
	IDs   dag.Set
}

// Select evaluates a selector expression.
func (r *Repo) Select(ctx context.Context, expr string) (*Selection, error) {
	g, err := r.Graph(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := r.Backend.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	set, err := revset.EvaluateString(expr, g, revset.NewResolver(refs, g))
	if err != nil {
		return nil, err
	}
	return &Selection{Graph: g, Refs: refs, IDs: set}, nil
}

// ResolveOne evaluates expr and requires exactly one commit.
func (r *Repo) ResolveOne(ctx context.Context, expr string) (backend.ID, error) {
	g, err := r.Graph(ctx)
	if err != nil {
		return "", err
	}
	refs, err := r.Backend.ListRefs(ctx)
	if err != nil {
		return "", err
	}
	return revset.ResolveOne(expr, g, revset.NewResolver(refs, g))
}

// RewriteOptions returns engine options from config.
func (r *Repo) RewriteOptions() rewrite.Options {
	rc := r.Config.Rewrite
	return rewrite.Options{
		ForceInMemory:      rc.ForceInMemory,
		ForceOnDisk:        rc.ForceOnDisk,
		PreserveTimestamps: rc.PreserveTimestamps,
		HookCommand:        rc.HookCommand,
		HookTimeout:        rc.HookTimeout,
	}
}

// Public returns the commits protected from rewriting: the main branch
// and its ancestors.
func (r *Repo) Public(ctx context.Context, g *dag.Graph) (dag.Set, error) {
	id, err := r.Backend.ReadRef(ctx, r.Config.MainRef())
	if backend.IsNotFound(err) {
		return dag.NewSet(), nil
	}
	if err != nil {
		return nil, err
	}
	if !g.Has(id) {
		return dag.NewSet(), nil
	}
	return g.Ancestors(id)
}

// Head returns the commit HEAD points at, or the zero ID before the first
// commit.
func (r *Repo) Head(ctx context.Context) (backend.ID, error) {
	id, err := r.Backend.ReadRef(ctx, backend.HeadRef)
	if backend.IsNotFound(err) {
		return "", nil
	}
	return id, err
}

// trackedRefs drops refs matched by ignoreBranches. HEAD is always kept.
func (r *Repo) trackedRefs(refs []backend.Ref) []backend.Ref {
	out := make([]backend.Ref, 0, len(refs))
	for _, ref := range refs {
		if ref.Name != backend.HeadRef && r.Config.Ignored(ref.Name) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// RefsAt returns the names of refs pointing at each commit, sorted.
func RefsAt(refs []backend.Ref) map[backend.ID][]string {
	out := map[backend.ID][]string{}
	for _, ref := range refs {
		out[ref.Target] = append(out[ref.Target], ref.Name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}
