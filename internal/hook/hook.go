// Package hook records history changes made by plain git commands. Git
// invokes the restack binary from its reference-transaction, post-rewrite
// and post-commit hooks; each invocation becomes one event log transaction.
package hook

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"restack/internal/backend"
	"restack/internal/config"
	"restack/internal/eventlog"
)

// Transaction labels.
const (
	LabelReferenceTransaction = "hook:reference-transaction"
	LabelPostRewrite          = "hook:post-rewrite"
	LabelPostCommit           = "hook:post-commit"
)

// Ingester turns hook input into events.
type Ingester struct {
	log      *eventlog.Log
	cfg      *config.Config
	l        *logrus.Entry
	gitDir   string
	stateDir string
	onCommit func(ctx context.Context, id backend.ID) error
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithGitDir points the ingester at the repository's git directory. It is
// used to see through packed refs and to notice a rebase in progress.
func WithGitDir(dir string) Option {
	return func(i *Ingester) {
		i.gitDir = dir
	}
}

// WithStateDir sets where input arriving during a rebase is held. It
// defaults to the git directory.
func WithStateDir(dir string) Option {
	return func(i *Ingester) {
		i.stateDir = dir
	}
}

// WithCommitHook registers fn to run after PostCommit records a commit.
func WithCommitHook(fn func(ctx context.Context, id backend.ID) error) Option {
	return func(i *Ingester) {
		i.onCommit = fn
	}
}

// New returns an Ingester. cfg supplies the ignored ref patterns.
func New(log *eventlog.Log, cfg *config.Config, logger *logrus.Logger, opts ...Option) *Ingester {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	i := &Ingester{log: log, cfg: cfg, l: logger.WithField("component", "hook")}
	for _, opt := range opts {
		opt(i)
	}
	if i.stateDir == "" {
		i.stateDir = i.gitDir
	}
	return i
}

// LineError reports malformed hook input.
type LineError struct {
	Line   int
	Text   string
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("hook input line %d %q: %s", e.Line, e.Text, e.Reason)
}

// ReferenceTransaction records the ref updates git reports on stdin as
// "<old> <new> <ref>" lines. Only the "committed" state is recorded; git
// also calls the hook for "prepared" and "aborted". It returns the number
// of events written.
//
// git pack-refs reports moving a ref between loose and packed storage as a
// deletion or creation. An all-zero side is replaced by the packed value,
// so such updates collapse to no-ops and are skipped.
func (i *Ingester) ReferenceTransaction(ctx context.Context, state string, r io.Reader) (int, error) {
	if state != "committed" {
		return 0, nil
	}
	packed, err := i.packedRefs()
	if err != nil {
		return 0, err
	}
	var payloads []eventlog.Payload
	err = scan(r, 3, func(fields []string) error {
		ref := fields[2]
		if i.cfg.Ignored(ref) {
			return nil
		}
		old, err := parseID(fields[0])
		if err != nil {
			return err
		}
		next, err := parseID(fields[1])
		if err != nil {
			return err
		}
		if p, ok := packed[ref]; ok {
			if old.IsZero() {
				old = p
			}
			if next.IsZero() {
				next = p
			}
		}
		if old == next {
			return nil
		}
		payloads = append(payloads, eventlog.RefUpdate{Ref: ref, Old: old, New: next})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return i.deliver(ctx, LabelReferenceTransaction, payloads)
}

// PostRewrite records "<old> <new> [extra]" lines from git's post-rewrite
// hook as CommitRewritten events, together with any input held while the
// rebase ran.
func (i *Ingester) PostRewrite(ctx context.Context, r io.Reader) (int, error) {
	var payloads []eventlog.Payload
	err := scan(r, 2, func(fields []string) error {
		old, err := parseID(fields[0])
		if err != nil {
			return err
		}
		next, err := parseID(fields[1])
		if err != nil {
			return err
		}
		if old.IsZero() || next.IsZero() {
			return fmt.Errorf("zero object id")
		}
		if old != next {
			payloads = append(payloads, eventlog.CommitRewritten{Old: old, New: next})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	held, err := i.takeHeld()
	if err != nil {
		return 0, err
	}
	return i.record(ctx, LabelPostRewrite, append(held, payloads...))
}

// PostCommit records a newly created commit, then runs the commit hook.
func (i *Ingester) PostCommit(ctx context.Context, id backend.ID) (int, error) {
	if id.IsZero() {
		return 0, nil
	}
	n, err := i.deliver(ctx, LabelPostCommit, []eventlog.Payload{eventlog.CommitCreated{Commit: id}})
	if err != nil || n == 0 || i.onCommit == nil {
		return n, err
	}
	return n, i.onCommit(ctx, id)
}

// deliver records payloads, or holds them while a rebase is in progress.
// Input held by a rebase that ended without a post-rewrite (an aborted
// rebase) is dropped.
func (i *Ingester) deliver(ctx context.Context, label string, payloads []eventlog.Payload) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	if i.rebaseUnderway() {
		return 0, i.hold(label, payloads)
	}
	if err := i.dropHeld(); err != nil {
		return 0, err
	}
	return i.record(ctx, label, payloads)
}

// record writes payloads as one transaction. Input that arrives while a
// rewrite is suspended is dropped: the suspended transaction owns history
// until it is continued or aborted.
func (i *Ingester) record(ctx context.Context, label string, payloads []eventlog.Payload) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	tx, err := i.log.Begin(ctx, label)
	if errors.Is(err, eventlog.ErrSuspended) {
		i.l.WithField("label", label).Warn("suspended rewrite pending; hook input not recorded")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer tx.Close()
	for _, p := range payloads {
		if err := tx.Append(ctx, p); err != nil {
			return 0, err
		}
	}
	id, err := tx.Commit(ctx)
	if err != nil {
		return 0, err
	}
	i.l.WithFields(logrus.Fields{"label": label, "events": len(payloads), "cursor": id}).Debug("hook input recorded")
	return len(payloads), nil
}

func scan(r io.Reader, minFields int, fn func(fields []string) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := sc.Text()
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < minFields {
			return &LineError{Line: n, Text: text, Reason: fmt.Sprintf("want at least %d fields", minFields)}
		}
		if err := fn(fields); err != nil {
			return &LineError{Line: n, Text: text, Reason: err.Error()}
		}
	}
	return sc.Err()
}

// parseID accepts a full lowercase hex object id. Git writes the all-zero
// id for a ref that does not exist; that maps to the zero ID.
func parseID(s string) (backend.ID, error) {
	if len(s) != 40 && len(s) != 64 {
		return "", fmt.Errorf("object id %q has length %d", s, len(s))
	}
	zero := true
	for _, r := range s {
		switch {
		case r == '0':
		case r >= '1' && r <= '9', r >= 'a' && r <= 'f':
			zero = false
		default:
			return "", fmt.Errorf("object id %q is not lowercase hex", s)
		}
	}
	if zero {
		return "", nil
	}
	return backend.ID(s), nil
}
