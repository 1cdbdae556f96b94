package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"restack/internal/cas"
	"restack/internal/lock"
)

// ErrTransactionActive is returned by Begin while this process already has a
// transaction in flight.
var ErrTransactionActive = errors.New("a transaction is already active")

// Transaction is a handle on an uncommitted batch of events. Exactly one of
// Commit, Abort or Suspend finishes it; Close aborts it if none did, so
// `defer tx.Close()` guarantees release on every exit path.
type Transaction struct {
	l     *Log
	id    TxID
	label string
	lease *lock.Lease
	next  int
	done  bool
}

// ID returns the transaction id.
func (t *Transaction) ID() TxID {
	return t.id
}

// Label returns the user-facing operation name.
func (t *Transaction) Label() string {
	return t.label
}

// Begin acquires the repository lock and opens a transaction.
func (l *Log) Begin(ctx context.Context, label string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		return nil, ErrTransactionActive
	}

	var lease *lock.Lease
	if l.lock != nil {
		var err error
		if lease, err = l.lock.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	var parked int
	err := l.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE state = ?`, stateSuspended).Scan(&parked)
	if err == nil && parked > 0 {
		err = ErrSuspended
	}
	if err != nil {
		if lease != nil {
			lease.Release()
		}
		if errors.Is(err, ErrSuspended) {
			return nil, err
		}
		return nil, fmt.Errorf("checking for suspended transactions: %w", err)
	}

	res, err := l.conn.ExecContext(ctx,
		`INSERT INTO transactions (label, state, pid, created_at) VALUES (?, ?, ?, ?)`,
		label, stateOpen, l.pid, cas.NowMs(),
	)
	if err == nil {
		var id int64
		if id, err = res.LastInsertId(); err == nil {
			t := &Transaction{l: l, id: TxID(id), label: label, lease: lease}
			l.active = t
			l.log.WithFields(logrus.Fields{"tx": id, "label": label}).Debug("transaction started")
			return t, nil
		}
	}
	if lease != nil {
		lease.Release()
	}
	return nil, fmt.Errorf("starting transaction: %w", err)
}

// Append stages an event. It is invisible to readers until Commit.
func (t *Transaction) Append(ctx context.Context, p Payload) error {
	if t.done {
		return ErrClosed
	}
	r, err := encode(p)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", p, err)
	}
	_, err = t.l.conn.ExecContext(ctx,
		`INSERT INTO pending_events (tx_id, ord, kind, ref, old, new, target_tx, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(t.id), t.next, int(r.kind), r.ref, r.old, r.new, r.targetTx, cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	t.next++
	return nil
}

// Pending returns the staged payloads in append order.
func (t *Transaction) Pending(ctx context.Context) ([]Payload, error) {
	return t.l.pending(ctx, t.id)
}

func (l *Log) pending(ctx context.Context, id TxID) ([]Payload, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT kind, ref, old, new, target_tx FROM pending_events WHERE tx_id = ? ORDER BY ord`,
		int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("reading staged events: %w", err)
	}
	defer rows.Close()
	var out []Payload
	for rows.Next() {
		var r record
		var kind int
		if err := rows.Scan(&kind, &r.ref, &r.old, &r.new, &r.targetTx); err != nil {
			return nil, err
		}
		r.kind = Kind(kind)
		p, err := decode(r)
		if err != nil {
			return nil, &CorruptError{TxID: id, Reason: err.Error()}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Commit publishes the staged events atomically and returns the sequence
// number of the last one (the current cursor if the batch was empty).
func (t *Transaction) Commit(ctx context.Context) (uint64, error) {
	if t.done {
		return 0, ErrClosed
	}

	tx, err := t.l.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("committing transaction %d: %w", t.id, err)
	}
	defer tx.Rollback()

	var staged int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_events WHERE tx_id = ?`, int64(t.id)).Scan(&staged); err != nil {
		return 0, fmt.Errorf("committing transaction %d: %w", t.id, err)
	}

	var stmts []string
	if staged == 0 {
		// Nothing happened; leave no trace.
		stmts = []string{`DELETE FROM transactions WHERE id = ?`}
	} else {
		stmts = []string{
			`INSERT INTO events (tx_id, kind, ref, old, new, target_tx, time)
			 SELECT tx_id, kind, ref, old, new, target_tx, time FROM pending_events WHERE tx_id = ? ORDER BY ord`,
			`DELETE FROM pending_events WHERE tx_id = ?`,
			`DELETE FROM rewrite_state WHERE tx_id = ?`,
		}
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, int64(t.id)); err != nil {
			return 0, fmt.Errorf("committing transaction %d: %w", t.id, err)
		}
	}
	if staged > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET state = ?, committed_at = ? WHERE id = ?`,
			stateCommitted, cas.NowMs(), int64(t.id),
		); err != nil {
			return 0, fmt.Errorf("committing transaction %d: %w", t.id, err)
		}
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("committing transaction %d: %w", t.id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction %d: %w", t.id, err)
	}

	t.finish(func(l *lock.Lease) error { return l.Release() })
	t.l.log.WithFields(logrus.Fields{"tx": t.id, "label": t.label, "events": staged}).Info("transaction committed")
	return uint64(last), nil
}

// Abort discards the staged events. It ignores cancellation of ctx so a
// cancelled operation still cleans up.
func (t *Transaction) Abort(ctx context.Context) error {
	if t.done {
		return ErrClosed
	}
	err := t.l.discard(context.WithoutCancel(ctx), t.id)
	t.finish(func(l *lock.Lease) error { return l.Release() })
	t.l.log.WithFields(logrus.Fields{"tx": t.id, "label": t.label}).Info("transaction aborted")
	return err
}

// Close aborts the transaction unless it already finished.
func (t *Transaction) Close() error {
	if t.done {
		return nil
	}
	return t.Abort(context.Background())
}

// Suspend parks the transaction with its staged events and an opaque state
// blob, releasing the process but keeping the repository reserved.
func (t *Transaction) Suspend(ctx context.Context, state []byte) error {
	if t.done {
		return ErrClosed
	}
	blob, err := compress(state)
	if err != nil {
		return err
	}
	tx, err := t.l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("suspending transaction %d: %w", t.id, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rewrite_state (tx_id, blob) VALUES (?, ?)
		 ON CONFLICT(tx_id) DO UPDATE SET blob = excluded.blob`,
		int64(t.id), blob,
	); err != nil {
		return fmt.Errorf("saving rewrite state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transactions SET state = ? WHERE id = ?`, stateSuspended, int64(t.id)); err != nil {
		return fmt.Errorf("suspending transaction %d: %w", t.id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("suspending transaction %d: %w", t.id, err)
	}

	t.finish(func(l *lock.Lease) error { return l.Suspend(int64(t.id)) })
	t.l.log.WithFields(logrus.Fields{"tx": t.id, "label": t.label}).Info("transaction suspended")
	return nil
}

func (t *Transaction) finish(release func(*lock.Lease) error) {
	t.done = true
	if t.lease != nil {
		if err := release(t.lease); err != nil {
			t.l.log.WithError(err).Warn("releasing repository lock")
		}
	}
	t.l.mu.Lock()
	if t.l.active == t {
		t.l.active = nil
	}
	t.l.mu.Unlock()
}

// SuspendedInfo describes a parked transaction.
type SuspendedInfo struct {
	ID    TxID
	Label string
}

// Suspended returns the parked transaction, or nil if there is none.
func (l *Log) Suspended(ctx context.Context) (*SuspendedInfo, error) {
	var info SuspendedInfo
	err := l.conn.QueryRowContext(ctx,
		`SELECT id, label FROM transactions WHERE state = ? ORDER BY id DESC LIMIT 1`, stateSuspended,
	).Scan(&info.ID, &info.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up suspended transaction: %w", err)
	}
	return &info, nil
}

// Resume reopens the parked transaction and returns its state blob.
func (l *Log) Resume(ctx context.Context) (*Transaction, []byte, error) {
	info, err := l.Suspended(ctx)
	if err != nil {
		return nil, nil, err
	}
	if info == nil {
		return nil, nil, ErrNoSuspended
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		return nil, nil, ErrTransactionActive
	}

	var lease *lock.Lease
	if l.lock != nil {
		if lease, err = l.lock.AcquireSuspended(ctx, int64(info.ID)); err != nil {
			return nil, nil, err
		}
	}
	release := func() {
		if lease != nil {
			lease.Suspend(int64(info.ID))
		}
	}

	var blob []byte
	var next int
	err = l.conn.QueryRowContext(ctx, `SELECT blob FROM rewrite_state WHERE tx_id = ?`, int64(info.ID)).Scan(&blob)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		release()
		return nil, nil, fmt.Errorf("loading rewrite state: %w", err)
	}
	state, err := decompress(blob)
	if err != nil {
		release()
		return nil, nil, &CorruptError{TxID: info.ID, Reason: "rewrite state: " + err.Error()}
	}
	if err := l.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ord) + 1, 0) FROM pending_events WHERE tx_id = ?`, int64(info.ID),
	).Scan(&next); err != nil {
		release()
		return nil, nil, fmt.Errorf("loading staged events: %w", err)
	}
	if _, err := l.conn.ExecContext(ctx,
		`UPDATE transactions SET state = ?, pid = ? WHERE id = ?`, stateOpen, l.pid, int64(info.ID),
	); err != nil {
		release()
		return nil, nil, fmt.Errorf("resuming transaction %d: %w", info.ID, err)
	}

	t := &Transaction{l: l, id: info.ID, label: info.Label, lease: lease, next: next}
	l.active = t
	l.log.WithField("tx", info.ID).Info("transaction resumed")
	return t, state, nil
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	return zstdDecoder.DecodeAll(blob, nil)
}
