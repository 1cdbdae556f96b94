package eventlog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restack/internal/backend"
	"restack/internal/lock"
)

func id(c byte) backend.ID {
	return backend.ID(strings.Repeat(string(c), 40))
}

func openTestLog(t *testing.T, path string, opts ...func(*Config)) *Log {
	t.Helper()
	cfg := Config{Path: path}
	for _, o := range opts {
		o(&cfg)
	}
	l, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func collect(t *testing.T, l *Log, after uint64) []Event {
	t.Helper()
	var out []Event
	for ev, err := range l.EventsSince(context.Background(), after) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestCommitPublishesAtomically(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	tx, err := l.Begin(ctx, "move")
	require.NoError(t, err)
	require.NoError(t, tx.Append(ctx, CommitRewritten{Old: id('a'), New: id('b')}))
	require.NoError(t, tx.Append(ctx, RefUpdate{Ref: "refs/heads/main", Old: id('a'), New: id('b')}))

	// Staged events are invisible to readers.
	cur, err := l.CurrentCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cur)
	assert.Empty(t, collect(t, l, 0))

	pending, err := tx.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	last, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	events := collect(t, l, 0)
	require.Len(t, events, 2)
	assert.Equal(t, CommitRewritten{Old: id('a'), New: id('b')}, events[0].Payload)
	assert.Equal(t, tx.ID(), events[1].TxID)

	txs, err := l.Transactions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "move", txs[0].Label)

	assert.ErrorIs(t, tx.Append(ctx, CommitCreated{Commit: id('c')}), ErrClosed)
}

func TestAbortLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	tx, err := l.Begin(ctx, "drop")
	require.NoError(t, err)
	require.NoError(t, tx.Append(ctx, CommitHidden{Commit: id('a')}))
	require.NoError(t, tx.Abort(ctx))
	assert.NoError(t, tx.Close())

	assert.Empty(t, collect(t, l, 0))
	txs, err := l.Transactions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestOneActiveTransaction(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	tx, err := l.Begin(ctx, "first")
	require.NoError(t, err)
	_, err = l.Begin(ctx, "second")
	assert.ErrorIs(t, err, ErrTransactionActive)
	require.NoError(t, tx.Close())

	again, err := l.Begin(ctx, "second")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestCrashedTransactionDiscardedOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	// A committed transaction, then one interrupted mid-flight by a
	// process that never comes back.
	crashed, err := Open(ctx, Config{Path: path, PID: 99999})
	require.NoError(t, err)
	done, err := crashed.Begin(ctx, "commit")
	require.NoError(t, err)
	require.NoError(t, done.Append(ctx, CommitCreated{Commit: id('a')}))
	_, err = done.Commit(ctx)
	require.NoError(t, err)

	tx, err := crashed.Begin(ctx, "move")
	require.NoError(t, err)
	require.NoError(t, tx.Append(ctx, CommitRewritten{Old: id('a'), New: id('b')}))
	require.NoError(t, crashed.conn.Close())

	l := openTestLog(t, path, func(c *Config) {
		c.ProcessAlive = func(pid int) bool { return pid != 99999 }
	})
	events := collect(t, l, 0)
	require.Len(t, events, 1)
	assert.Equal(t, CommitCreated{Commit: id('a')}, events[0].Payload)

	var staged int
	require.NoError(t, l.conn.QueryRow(`SELECT COUNT(*) FROM pending_events`).Scan(&staged))
	assert.Zero(t, staged)
}

type memRefs map[string]backend.ID

func (m memRefs) ReadRef(_ context.Context, name string) (backend.ID, error) {
	id, ok := m[name]
	if !ok {
		return "", &backend.NotFoundError{What: "ref", Name: name}
	}
	return id, nil
}

func (m memRefs) WriteRef(_ context.Context, name string, target backend.ID, expectedOld *backend.ID) error {
	if expectedOld != nil && m[name] != *expectedOld {
		return backend.ErrRefMismatch
	}
	if target.IsZero() {
		delete(m, name)
		return nil
	}
	m[name] = target
	return nil
}

func TestCrashedTransactionRefsMovedBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	// The process staged its events, moved two of three refs and died.
	refs := memRefs{
		"refs/heads/feature": id('b'),
		"refs/heads/other":   id('c'),
		"refs/heads/new":     id('b'),
		"refs/heads/moved":   id('f'),
	}
	crashed, err := Open(ctx, Config{Path: path, PID: 99999})
	require.NoError(t, err)
	tx, err := crashed.Begin(ctx, "reword")
	require.NoError(t, err)
	for _, p := range []Payload{
		CommitRewritten{Old: id('a'), New: id('b')},
		RefUpdate{Ref: "refs/heads/feature", Old: id('a'), New: id('b')},
		RefUpdate{Ref: "refs/heads/new", New: id('b')},
		RefUpdate{Ref: "refs/heads/other", Old: id('c'), New: id('d')},
		RefUpdate{Ref: "refs/heads/moved", Old: id('a'), New: id('b')},
	} {
		require.NoError(t, tx.Append(ctx, p))
	}
	require.NoError(t, crashed.conn.Close())

	l := openTestLog(t, path, func(c *Config) {
		c.Refs = refs
		c.ProcessAlive = func(pid int) bool { return pid != 99999 }
	})
	assert.Equal(t, memRefs{
		"refs/heads/feature": id('a'),
		"refs/heads/other":   id('c'),
		"refs/heads/moved":   id('f'),
	}, refs, "moved refs restored, untouched and foreign refs left alone")
	assert.Empty(t, collect(t, l, 0))
}

func TestCorruptRowSurfaces(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	_, err := l.conn.Exec(`INSERT INTO transactions (label, state, pid, created_at) VALUES ('x', 'committed', 1, 0)`)
	require.NoError(t, err)
	_, err = l.conn.Exec(`INSERT INTO events (tx_id, kind, ref, old, new, target_tx, time) VALUES (1, 99, '', '', '', 0, 0)`)
	require.NoError(t, err)

	var got error
	for _, err := range l.EventsSince(ctx, 0) {
		if err != nil {
			got = err
			break
		}
	}
	require.ErrorIs(t, got, ErrCorrupt)
	var ce *CorruptError
	require.ErrorAs(t, got, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestEventsSinceIsRestartable(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	for i := 0; i < pageSize+10; i++ {
		tx, err := l.Begin(ctx, "commit")
		require.NoError(t, err)
		require.NoError(t, tx.Append(ctx, CommitCreated{Commit: id("0123456789abcdef"[i%16])}))
		_, err = tx.Commit(ctx)
		require.NoError(t, err)
	}

	all := collect(t, l, 0)
	require.Len(t, all, pageSize+10)
	tail := collect(t, l, all[pageSize].Seq)
	assert.Equal(t, all[pageSize+1:], tail)
	assert.Equal(t, all, collect(t, l, 0))
}

func TestEmptyCommitLeavesNoTransaction(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	tx, err := l.Begin(ctx, "noop")
	require.NoError(t, err)
	last, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	txs, err := l.Transactions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	locks, err := lock.NewManager(lock.Config{Dir: dir})
	require.NoError(t, err)
	l := openTestLog(t, filepath.Join(dir, "events.db"), func(c *Config) { c.Lock = locks })

	tx, err := l.Begin(ctx, "fold")
	require.NoError(t, err)
	require.NoError(t, tx.Append(ctx, CommitRewritten{Old: id('a'), New: id('b')}))
	require.NoError(t, tx.Suspend(ctx, []byte(`{"step":3}`)))

	info, err := l.Suspended(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, tx.ID(), info.ID)

	// The reservation blocks unrelated writers.
	_, err = l.Begin(ctx, "drop")
	require.ErrorIs(t, err, lock.ErrLocked)

	resumed, state, err := l.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"step":3}`, string(state))
	require.NoError(t, resumed.Append(ctx, RefUpdate{Ref: "refs/heads/main", Old: id('a'), New: id('b')}))
	pending, err := resumed.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	_, err = resumed.Commit(ctx)
	require.NoError(t, err)

	info, err = l.Suspended(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
	_, _, err = l.Resume(ctx)
	assert.ErrorIs(t, err, ErrNoSuspended)

	next, err := l.Begin(ctx, "drop")
	require.NoError(t, err)
	require.NoError(t, next.Close())
}

func TestSuspendedSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	first, err := Open(ctx, Config{Path: path, PID: 99999})
	require.NoError(t, err)
	tx, err := first.Begin(ctx, "move")
	require.NoError(t, err)
	require.NoError(t, tx.Append(ctx, CommitCreated{Commit: id('c')}))
	require.NoError(t, tx.Suspend(ctx, []byte("state")))
	require.NoError(t, first.Close())

	l := openTestLog(t, path, func(c *Config) {
		c.ProcessAlive = func(int) bool { return false }
	})
	_, err = l.Begin(ctx, "other")
	require.ErrorIs(t, err, ErrSuspended)

	resumed, state, err := l.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "state", string(state))
	require.NoError(t, resumed.Abort(ctx))
	assert.Empty(t, collect(t, l, 0))
}

func TestReplayVisibility(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "events.db"))

	commit := func(ps ...Payload) uint64 {
		tx, err := l.Begin(ctx, "op")
		require.NoError(t, err)
		for _, p := range ps {
			require.NoError(t, tx.Append(ctx, p))
		}
		seq, err := tx.Commit(ctx)
		require.NoError(t, err)
		return seq
	}

	commit(CommitCreated{Commit: id('a')}, CommitCreated{Commit: id('b')})
	afterCreate := commit(CommitRewritten{Old: id('b'), New: id('c')})
	commit(CommitHidden{Commit: id('a'), Successor: id('c')})

	s, err := l.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{id('c')}, s.Visible().Sorted())
	assert.True(t, s.IsHidden(id('b')))
	assert.Equal(t, id('c'), s.Latest(id('b')))
	next, ok := s.Successor(id('a'))
	require.True(t, ok)
	assert.Equal(t, id('c'), next)

	commit(CommitUnhidden{Commit: id('a')})
	s, err = l.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{id('a'), id('c')}, s.Visible().Sorted())
	_, ok = s.Successor(id('a'))
	assert.False(t, ok)

	old, err := l.Replay(ctx, afterCreate)
	require.NoError(t, err)
	assert.Equal(t, []backend.ID{id('a'), id('c')}, old.Visible().Sorted())
	assert.Equal(t, afterCreate, old.Cursor)
}
