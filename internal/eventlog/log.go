// Package eventlog is the append-only, transactional journal of history
// mutations backing undo and redo.
//
// Appended events are staged per transaction and only become visible to
// readers when the transaction commits, which moves them into the events
// table and assigns sequence numbers in one SQLite transaction.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"restack/internal/backend"
	"restack/internal/lock"
)

//go:embed schema.sql
var schemaSQL string

const (
	stateOpen      = "open"
	stateSuspended = "suspended"
	stateCommitted = "committed"
)

// Config configures Open.
type Config struct {
	Path string
	// Lock enforces the single-writer rule across processes. Nil disables
	// cross-process locking (tests, read-only tools).
	Lock   *lock.Manager
	Logger *logrus.Logger
	// Refs is where the refs of a transaction interrupted while publishing
	// are moved back on recovery. Nil skips ref recovery.
	Refs RefStore
	// PID and ProcessAlive default to this process and lock.ProcessAlive.
	PID          int
	ProcessAlive func(pid int) bool
}

// RefStore is the part of the object store recovery needs.
type RefStore interface {
	ReadRef(ctx context.Context, name string) (backend.ID, error)
	WriteRef(ctx context.Context, name string, target backend.ID, expectedOld *backend.ID) error
}

// Log is an open event log. Reads need no lock and may run concurrently
// with a writer.
type Log struct {
	conn  *sql.DB
	lock  *lock.Manager
	refs  RefStore
	log   *logrus.Entry
	pid   int
	alive func(int) bool

	mu     sync.Mutex
	active *Transaction
}

// Open opens or creates the log and discards transactions left unfinished
// by dead processes.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	conn, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping event log: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying event log schema: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	l := &Log{
		conn:  conn,
		lock:  cfg.Lock,
		refs:  cfg.Refs,
		log:   logger.WithField("component", "eventlog"),
		pid:   cfg.PID,
		alive: cfg.ProcessAlive,
	}
	if l.pid == 0 {
		l.pid = os.Getpid()
	}
	if l.alive == nil {
		l.alive = lock.ProcessAlive
	}

	if err := l.recover(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database. An active transaction is aborted first.
func (l *Log) Close() error {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if active != nil {
		active.Abort(context.Background())
	}
	return l.conn.Close()
}

// recover moves back the refs of open transactions whose process died and
// deletes their staged events. Suspended transactions are kept for
// continue/abort.
func (l *Log) recover(ctx context.Context) error {
	rows, err := l.conn.QueryContext(ctx, `SELECT id, pid, label FROM transactions WHERE state = ?`, stateOpen)
	if err != nil {
		return fmt.Errorf("scanning unfinished transactions: %w", err)
	}
	type orphan struct {
		id    TxID
		pid   int
		label string
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.pid, &o.label); err != nil {
			rows.Close()
			return fmt.Errorf("scanning unfinished transactions: %w", err)
		}
		if !l.alive(o.pid) {
			orphans = append(orphans, o)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range orphans {
		if err := l.restoreRefs(ctx, o.id); err != nil {
			return err
		}
		if err := l.discard(ctx, o.id); err != nil {
			return err
		}
		l.log.WithFields(logrus.Fields{"tx": o.id, "label": o.label, "pid": o.pid}).Warn("discarded unfinished transaction")
	}
	return nil
}

// restoreRefs undoes the ref moves staged by transaction id. Refs still at
// their old target were never moved; refs at neither target were changed by
// someone else since and are left alone.
func (l *Log) restoreRefs(ctx context.Context, id TxID) error {
	if l.refs == nil {
		return nil
	}
	staged, err := l.pending(ctx, id)
	if err != nil {
		return err
	}
	moves := collapseRefUpdates(staged)
	for i := len(moves) - 1; i >= 0; i-- {
		u := moves[i]
		cur, err := l.refs.ReadRef(ctx, u.Ref)
		if err != nil && !backend.IsNotFound(err) {
			return fmt.Errorf("recovering transaction %d: %w", id, err)
		}
		fields := logrus.Fields{"tx": id, "ref": u.Ref}
		switch cur {
		case u.Old:
			continue
		case u.New:
			if err := l.refs.WriteRef(ctx, u.Ref, u.Old, backend.Expect(u.New)); err != nil {
				return fmt.Errorf("recovering transaction %d: moving %s back: %w", id, u.Ref, err)
			}
			l.log.WithFields(fields).Warn("moved ref back after interrupted transaction")
		default:
			l.log.WithFields(fields).Warn("ref changed since interrupted transaction; leaving it")
		}
	}
	return nil
}

// collapseRefUpdates folds successive moves of a ref into one move from its
// first Old to its last New, in first-seen order, dropping no-op moves.
func collapseRefUpdates(payloads []Payload) []RefUpdate {
	idx := map[string]int{}
	var all []RefUpdate
	for _, p := range payloads {
		u, ok := p.(RefUpdate)
		if !ok {
			continue
		}
		if i, seen := idx[u.Ref]; seen {
			all[i].New = u.New
			continue
		}
		idx[u.Ref] = len(all)
		all = append(all, u)
	}
	out := all[:0]
	for _, u := range all {
		if u.Old != u.New {
			out = append(out, u)
		}
	}
	return out
}

// discard removes every trace of an uncommitted transaction.
func (l *Log) discard(ctx context.Context, id TxID) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("discarding transaction %d: %w", id, err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM pending_events WHERE tx_id = ?`,
		`DELETE FROM rewrite_state WHERE tx_id = ?`,
		`DELETE FROM transactions WHERE id = ? AND state != 'committed'`,
	} {
		if _, err := tx.ExecContext(ctx, q, int64(id)); err != nil {
			return fmt.Errorf("discarding transaction %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// CurrentCursor returns the sequence number of the newest committed event,
// or 0 for an empty log.
func (l *Log) CurrentCursor(ctx context.Context) (uint64, error) {
	var seq int64
	if err := l.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	return uint64(seq), nil
}

// Range returns up to limit committed events with seq > after, in order.
// A limit <= 0 means no limit.
func (l *Log) Range(ctx context.Context, after uint64, limit int) ([]Event, error) {
	query := `SELECT seq, tx_id, kind, ref, old, new, target_tx, time FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []any{int64(after)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			seq, txID, targetTx, ts int64
			kind                    int
			r                       record
		)
		if err := rows.Scan(&seq, &txID, &kind, &r.ref, &r.old, &r.new, &targetTx, &ts); err != nil {
			return nil, &CorruptError{Seq: uint64(seq), Reason: err.Error()}
		}
		r.kind = Kind(kind)
		r.targetTx = targetTx
		p, err := decode(r)
		if err != nil {
			return nil, &CorruptError{Seq: uint64(seq), TxID: TxID(txID), Reason: err.Error()}
		}
		events = append(events, Event{Seq: uint64(seq), TxID: TxID(txID), Time: time.UnixMilli(ts).UTC(), Payload: p})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return events, nil
}

const pageSize = 256

// EventsSince lazily yields committed events with seq > after. The upper
// bound is fixed when iteration starts, so the sequence is finite and
// re-running it over the same range yields the same events.
func (l *Log) EventsSince(ctx context.Context, after uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		end, err := l.CurrentCursor(ctx)
		if err != nil {
			yield(Event{}, err)
			return
		}
		cursor := after
		for cursor < end {
			page, err := l.Range(ctx, cursor, pageSize)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, ev := range page {
				if ev.Seq > end {
					return
				}
				if !yield(ev, nil) {
					return
				}
				cursor = ev.Seq
			}
		}
	}
}

// TxInfo summarizes a committed transaction.
type TxInfo struct {
	ID          TxID
	Label       string
	CommittedAt time.Time
	Events      []Event
}

// Transactions returns committed transactions whose events fall in
// (after, upTo], oldest first, each with its events. upTo 0 means the
// current cursor.
func (l *Log) Transactions(ctx context.Context, after, upTo uint64) ([]TxInfo, error) {
	if upTo == 0 {
		cur, err := l.CurrentCursor(ctx)
		if err != nil {
			return nil, err
		}
		upTo = cur
	}
	events, err := l.Range(ctx, after, 0)
	if err != nil {
		return nil, err
	}

	byID := map[TxID]*TxInfo{}
	var order []TxID
	for _, ev := range events {
		if ev.Seq > upTo {
			break
		}
		info, ok := byID[ev.TxID]
		if !ok {
			info = &TxInfo{ID: ev.TxID}
			byID[ev.TxID] = info
			order = append(order, ev.TxID)
		}
		info.Events = append(info.Events, ev)
	}

	out := make([]TxInfo, 0, len(order))
	for _, id := range order {
		info := byID[id]
		var committedAt sql.NullInt64
		err := l.conn.QueryRowContext(ctx,
			`SELECT label, committed_at FROM transactions WHERE id = ?`, int64(id),
		).Scan(&info.Label, &committedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &CorruptError{TxID: id, Reason: "events reference a missing transaction"}
		}
		if err != nil {
			return nil, fmt.Errorf("reading transaction %d: %w", id, err)
		}
		info.CommittedAt = time.UnixMilli(committedAt.Int64).UTC()
		out = append(out, *info)
	}
	return out, nil
}

// TransactionEvents returns the committed events of one transaction.
func (l *Log) TransactionEvents(ctx context.Context, id TxID) ([]Event, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT seq, tx_id, kind, ref, old, new, target_tx, time FROM events WHERE tx_id = ? ORDER BY seq ASC`,
		int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("querying transaction %d: %w", id, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}
