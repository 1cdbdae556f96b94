package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"restack/internal/backend"
	"restack/internal/dag"
	"restack/internal/eventlog"
	"restack/internal/telemetry"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Backend backend.Backend
	Index   *dag.Index
	Log     *eventlog.Log
	Logger  *logrus.Logger
	Tracer  *telemetry.Tracer
	// MainRef names the main branch. Commits it reaches are public.
	MainRef string
	// ScratchDir holds fallback working copies. Defaults to os.TempDir().
	ScratchDir string
	// Snapshot returns the graph plans are validated against. Defaults to
	// the index's current snapshot.
	Snapshot func(ctx context.Context) (*dag.Graph, error)
}

// Engine runs rewrite plans. It is safe for use by one goroutine at a time;
// the event log lock keeps other processes out.
type Engine struct {
	cfg    Config
	log    *logrus.Entry
	tracer *telemetry.Tracer
}

// New returns an engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Engine{
		cfg:    cfg,
		log:    logger.WithField("component", "rewrite"),
		tracer: cfg.Tracer,
	}
}

// savedState is persisted with a suspended transaction.
type savedState struct {
	Plan       Plan          `json:"plan"`
	Options    Options       `json:"options"`
	Refs       []backend.Ref `json:"refs"`
	MainTarget backend.ID    `json:"main_target,omitempty"`
	Order      []backend.ID  `json:"order"`
	Progress   progress      `json:"progress"`
}

// run is one plan in flight.
type run struct {
	plan       Plan
	opts       Options
	refs       []backend.Ref
	mainTarget backend.ID
	start      time.Time
	x          *executor
}

func (e *Engine) snapshot(ctx context.Context) (*dag.Graph, error) {
	if e.cfg.Snapshot != nil {
		return e.cfg.Snapshot(ctx)
	}
	return e.cfg.Index.Snapshot(), nil
}

func (e *Engine) newExecutor(g *dag.Graph, c *compiled, opts Options, p progress) *executor {
	return &executor{
		b:    e.cfg.Backend,
		g:    g,
		c:    c,
		opts: opts,
		wc: &workingCopy{
			b:       e.cfg.Backend,
			scratch: e.cfg.ScratchDir,
			opts:    opts,
			log:     e.log,
		},
		log:      e.log,
		progress: p,
	}
}

func labelOf(p Plan) string {
	if p.Label == "" {
		return "rewrite"
	}
	return p.Label
}

// Execute validates and runs plan as one event log transaction.
//
// Validation failures leave no trace. A conflict the working copy cannot
// resolve returns a Result in StateConflicted together with a *ConflictError;
// the transaction stays suspended until Continue or Abort.
func (e *Engine) Execute(ctx context.Context, plan Plan, opts Options) (*Result, error) {
	start := time.Now()
	label := labelOf(plan)
	if opts.ForceInMemory && opts.ForceOnDisk {
		return nil, fmt.Errorf("force in-memory and force on-disk are mutually exclusive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := e.cfg.Log.Begin(ctx, label)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	vctx, span := e.tracer.Start(ctx, "validate",
		attribute.String("label", label),
		attribute.Int("ops", len(plan.Ops)),
	)
	r, err := e.prepare(vctx, plan, opts)
	telemetry.End(span, err)
	if err != nil {
		e.abort(ctx, tx, label, start)
		return nil, err
	}
	r.start = start
	return e.drive(ctx, tx, r, nil)
}

// prepare snapshots the graph and refs and compiles the plan.
func (e *Engine) prepare(ctx context.Context, plan Plan, opts Options) (*run, error) {
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := e.cfg.Backend.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	var mainTarget backend.ID
	for _, ref := range refs {
		if ref.Name == e.cfg.MainRef {
			mainTarget = ref.Target
		}
	}
	c, err := compile(g, plan, refs, mainTarget, opts.Force)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"label": labelOf(plan), "ops": len(plan.Ops), "affected": len(c.order)}).Debug("plan validated")
	return &run{
		plan:       plan,
		opts:       opts,
		refs:       refs,
		mainTarget: mainTarget,
		x:          e.newExecutor(g, c, opts, newProgress()),
	}, nil
}

// drive executes r from its current progress and finishes tx.
func (e *Engine) drive(ctx context.Context, tx *eventlog.Transaction, r *run, resume backend.Tree) (*Result, error) {
	label := labelOf(r.plan)
	ectx, span := e.tracer.Start(ctx, "execute", attribute.Int("commits", len(r.x.c.order)))
	report, err := r.x.run(ectx, resume)
	telemetry.End(span, err)
	if err != nil {
		e.abort(ctx, tx, label, r.start)
		return nil, err
	}

	res := e.result(r)
	res.TxID = int64(tx.ID())
	if report != nil {
		res.State = StateConflicted
		res.Conflict = report
		if r.opts.DryRun {
			res.DryRun = true
			e.abort(ctx, tx, label, r.start)
			return res, &ConflictError{Report: report}
		}
		if err := e.suspend(ctx, tx, r); err != nil {
			return nil, err
		}
		telemetry.RecordTransaction(ctx, label, telemetry.OutcomeConflicted, len(r.x.Rewritten), time.Since(r.start))
		e.log.WithFields(logrus.Fields{"tx": tx.ID(), "commit": report.Commit.Short(), "files": len(report.Files)}).Info("rewrite suspended on conflict")
		return res, &ConflictError{Report: report, Suspended: true}
	}

	if r.opts.DryRun {
		res.State = StateTerminal
		res.DryRun = true
		if err := tx.Abort(ctx); err != nil {
			return nil, err
		}
		telemetry.RecordTransaction(ctx, label, telemetry.OutcomeDryRun, len(res.Rewritten), time.Since(r.start))
		return res, nil
	}

	cctx, span := e.tracer.Start(ctx, "commit", attribute.Int("refs", len(res.RefUpdates)))
	err = e.publish(cctx, tx, e.events(r, res), res.RefUpdates)
	telemetry.End(span, err)
	if err != nil {
		e.abort(ctx, tx, label, r.start)
		return nil, err
	}
	res.State = StateCommitted
	telemetry.RecordTransaction(ctx, label, telemetry.OutcomeCommitted, len(res.Rewritten), time.Since(r.start))
	e.log.WithFields(logrus.Fields{
		"tx":        tx.ID(),
		"label":     label,
		"rewritten": len(res.Rewritten),
		"removed":   len(res.Dropped),
		"fallback":  res.Fallback,
	}).Info("rewrite committed")
	return res, nil
}

func (e *Engine) abort(ctx context.Context, tx *eventlog.Transaction, label string, start time.Time) {
	if err := tx.Abort(ctx); err != nil {
		e.log.WithError(err).WithField("tx", tx.ID()).Warn("aborting transaction")
	}
	telemetry.RecordTransaction(ctx, label, telemetry.OutcomeAborted, 0, time.Since(start))
}

func (e *Engine) suspend(ctx context.Context, tx *eventlog.Transaction, r *run) error {
	data, err := json.Marshal(savedState{
		Plan:       r.plan,
		Options:    r.opts,
		Refs:       r.refs,
		MainTarget: r.mainTarget,
		Order:      r.x.c.order,
		Progress:   r.x.progress,
	})
	if err != nil {
		return fmt.Errorf("encoding rewrite state: %w", err)
	}
	return tx.Suspend(ctx, data)
}

// result collects what the executor produced and the ref moves it implies.
func (e *Engine) result(r *run) *Result {
	x := r.x
	res := &Result{
		Rewritten: make(map[backend.ID]backend.ID, len(x.Rewritten)),
		Dropped:   make(map[backend.ID]backend.ID, len(x.Dropped)),
		Fallback:  x.Fallback,
		inverse:   append([]Operation(nil), x.Inverse...),
		merged:    x.Merged,
	}
	for o, n := range x.Rewritten {
		res.Rewritten[o] = n
	}
	for id := range x.Dropped {
		var succ backend.ID
		if s := x.c.specs[id]; !s.into.IsZero() {
			succ = x.latest(id)
		}
		res.Dropped[id] = succ
	}
	for _, ref := range r.refs {
		_, moved := x.Rewritten[ref.Target]
		if !moved && !x.Dropped[ref.Target] {
			continue
		}
		if n := x.latest(ref.Target); n != ref.Target && !n.IsZero() {
			res.RefUpdates = append(res.RefUpdates, RefUpdate{Ref: ref.Name, Old: ref.Target, New: n})
		}
	}
	sortRefUpdates(res.RefUpdates)
	return res
}

// sortRefUpdates orders by name with HEAD last, so a symbolic HEAD sees its
// branch already moved.
func sortRefUpdates(us []RefUpdate) {
	sort.Slice(us, func(i, j int) bool {
		hi, hj := us[i].Ref == backend.HeadRef, us[j].Ref == backend.HeadRef
		if hi != hj {
			return hj
		}
		return us[i].Ref < us[j].Ref
	})
}

// events lists the payloads of a finished rewrite in processing order.
func (e *Engine) events(r *run, res *Result) []eventlog.Payload {
	var out []eventlog.Payload
	for _, id := range r.x.c.order {
		if n, ok := res.Rewritten[id]; ok {
			out = append(out, eventlog.CommitRewritten{Old: id, New: n})
		}
		if succ, ok := res.Dropped[id]; ok {
			out = append(out, eventlog.CommitHidden{Commit: id, Successor: succ})
		}
	}
	for _, u := range res.RefUpdates {
		out = append(out, eventlog.RefUpdate{Ref: u.Ref, Old: u.Old, New: u.New})
	}
	return out
}

// publish stages events, moves refs with compare-and-swap and commits. Once
// the first ref moves the work runs to completion or rollback regardless of
// ctx.
func (e *Engine) publish(ctx context.Context, tx *eventlog.Transaction, events []eventlog.Payload, updates []RefUpdate) error {
	for _, p := range events {
		if err := tx.Append(ctx, p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wctx := context.WithoutCancel(ctx)
	var done []RefUpdate
	committed := false
	defer func() {
		if p := recover(); p != nil {
			if !committed {
				e.rollback(wctx, done)
			}
			panic(p)
		}
	}()
	for _, u := range updates {
		if err := e.cfg.Backend.WriteRef(wctx, u.Ref, u.New, backend.Expect(u.Old)); err != nil {
			e.rollback(wctx, done)
			return fmt.Errorf("moving %s: %w", u.Ref, err)
		}
		done = append(done, u)
	}
	if _, err := tx.Commit(wctx); err != nil {
		e.rollback(wctx, done)
		return err
	}
	committed = true

	added, removed := delta(events)
	if e.cfg.Index != nil {
		if _, err := e.cfg.Index.Apply(wctx, added, removed); err != nil {
			e.log.WithError(err).Warn("updating commit graph; it will be rebuilt on next use")
			return nil
		}
		if err := e.cfg.Index.MarkSynced(wctx); err != nil {
			e.log.WithError(err).Warn("recording backend fingerprint")
		}
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, done []RefUpdate) {
	for i := len(done) - 1; i >= 0; i-- {
		u := done[i]
		if err := e.cfg.Backend.WriteRef(ctx, u.Ref, u.Old, backend.Expect(u.New)); err != nil {
			e.log.WithError(err).WithField("ref", u.Ref).Error("rolling back ref")
		}
	}
}

// delta derives the graph change a batch of events implies.
func delta(events []eventlog.Payload) (added, removed []backend.ID) {
	for _, p := range events {
		switch v := p.(type) {
		case eventlog.CommitCreated:
			added = append(added, v.Commit)
		case eventlog.CommitUnhidden:
			added = append(added, v.Commit)
		case eventlog.CommitRewritten:
			added = append(added, v.New)
			removed = append(removed, v.Old)
		case eventlog.CommitHidden:
			removed = append(removed, v.Commit)
		case eventlog.RefUpdate:
			if !v.New.IsZero() {
				added = append(added, v.New)
			}
		}
	}
	return added, removed
}

// Continue resumes the suspended rewrite. resolutions maps every conflicted
// path to its resolved content; a nil value deletes the path.
func (e *Engine) Continue(ctx context.Context, resolutions map[string][]byte) (*Result, error) {
	start := time.Now()
	tx, blob, err := e.cfg.Log.Resume(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Close()

	keep := func(err error) (*Result, error) {
		if serr := tx.Suspend(context.WithoutCancel(ctx), blob); serr != nil {
			return nil, errors.Join(err, serr)
		}
		return nil, err
	}

	var st savedState
	if err := json.Unmarshal(blob, &st); err != nil {
		return keep(&eventlog.CorruptError{TxID: tx.ID(), Reason: "unreadable rewrite state: " + err.Error()})
	}
	g, err := e.snapshot(ctx)
	if err != nil {
		return keep(err)
	}
	c, err := compile(g, st.Plan, st.Refs, st.MainTarget, st.Options.Force)
	if err != nil {
		return keep(err)
	}
	if !sameIDs(c.order, st.Order) {
		return keep(fmt.Errorf("history changed while the rewrite was suspended; abort it and start over"))
	}

	r := &run{
		plan:       st.Plan,
		opts:       st.Options,
		refs:       st.Refs,
		mainTarget: st.MainTarget,
		start:      start,
		x:          e.newExecutor(g, c, st.Options, st.Progress),
	}
	tree, err := r.x.applyResolutions(ctx, resolutions)
	if err != nil {
		return keep(err)
	}
	e.log.WithFields(logrus.Fields{"tx": tx.ID(), "paths": len(resolutions)}).Info("continuing rewrite")
	return e.drive(ctx, tx, r, tree)
}

// Abort discards the suspended rewrite. Nothing it computed was published.
func (e *Engine) Abort(ctx context.Context) error {
	tx, _, err := e.cfg.Log.Resume(ctx)
	if err != nil {
		return err
	}
	label := tx.Label()
	if err := tx.Abort(ctx); err != nil {
		return err
	}
	telemetry.RecordTransaction(ctx, label, telemetry.OutcomeAborted, 0, 0)
	e.log.WithField("tx", tx.ID()).Info("suspended rewrite aborted")
	return nil
}

// ApplyEvents publishes a prepared batch as one transaction labelled label.
// RefUpdate payloads are performed with compare-and-swap from Old to New.
// Every commit the batch makes visible must exist, or nothing is written.
func (e *Engine) ApplyEvents(ctx context.Context, label string, payloads []eventlog.Payload) (eventlog.TxID, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx, err := e.cfg.Log.Begin(ctx, label)
	if err != nil {
		return 0, err
	}
	defer tx.Close()

	vctx, span := e.tracer.Start(ctx, "validate", attribute.String("label", label), attribute.Int("events", len(payloads)))
	g, err := e.snapshot(vctx)
	if err == nil {
		err = e.checkCommits(vctx, g, payloads)
	}
	telemetry.End(span, err)
	if err != nil {
		e.abort(ctx, tx, label, start)
		return 0, err
	}

	updates := collapse(payloads)

	cctx, span := e.tracer.Start(ctx, "commit", attribute.Int("refs", len(updates)))
	err = e.publish(cctx, tx, payloads, updates)
	telemetry.End(span, err)
	if err != nil {
		e.abort(ctx, tx, label, start)
		return 0, err
	}
	telemetry.RecordTransaction(ctx, label, telemetry.OutcomeCommitted, 0, time.Since(start))
	e.log.WithFields(logrus.Fields{"tx": tx.ID(), "label": label, "events": len(payloads)}).Info("events applied")
	return tx.ID(), nil
}

// collapse folds successive moves of one ref into a single move from its
// first Old to its last New, dropping moves that end where they started.
func collapse(payloads []eventlog.Payload) []RefUpdate {
	idx := map[string]int{}
	var all []RefUpdate
	for _, p := range payloads {
		u, ok := p.(eventlog.RefUpdate)
		if !ok {
			continue
		}
		if i, seen := idx[u.Ref]; seen {
			all[i].New = u.New
			continue
		}
		idx[u.Ref] = len(all)
		all = append(all, RefUpdate{Ref: u.Ref, Old: u.Old, New: u.New})
	}
	out := all[:0]
	for _, u := range all {
		if u.Old != u.New {
			out = append(out, u)
		}
	}
	sortRefUpdates(out)
	return out
}

// checkCommits makes sure every commit the payloads point at exists. Commits
// already in g are known; the rest are read from the backend.
func (e *Engine) checkCommits(ctx context.Context, g *dag.Graph, payloads []eventlog.Payload) error {
	seen := dag.NewSet()
	check := func(id backend.ID) error {
		if id.IsZero() || seen.Has(id) || g.Has(id) {
			return nil
		}
		seen.Add(id)
		_, err := e.cfg.Backend.ReadCommit(ctx, id)
		return err
	}
	for _, p := range payloads {
		var err error
		switch v := p.(type) {
		case eventlog.RefUpdate:
			err = check(v.New)
		case eventlog.CommitUnhidden:
			err = check(v.Commit)
		case eventlog.CommitCreated:
			err = check(v.Commit)
		case eventlog.CommitRewritten:
			err = check(v.New)
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}
