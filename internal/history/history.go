// Package history implements undo, redo and the transaction listing on top
// of the event log. Undo never deletes anything: it publishes a new
// transaction carrying the inverse events and a TransactionUndone marker.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"restack/internal/eventlog"
)

// Labels of the bookkeeping transactions.
const (
	LabelUndo = "undo"
	LabelRedo = "redo"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Applier publishes a batch of events, moving refs with compare-and-swap.
// *rewrite.Engine implements it.
type Applier interface {
	ApplyEvents(ctx context.Context, label string, payloads []eventlog.Payload) (eventlog.TxID, error)
}

// Manager runs undo and redo.
type Manager struct {
	log   *eventlog.Log
	apply Applier
	l     *logrus.Entry
}

// New returns a Manager.
func New(log *eventlog.Log, apply Applier, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{log: log, apply: apply, l: logger.WithField("component", "history")}
}

// Entry is one committed transaction in the history listing.
type Entry struct {
	eventlog.TxInfo
	// Undone is set while the transaction's effect is reverted.
	Undone bool
	// Redone is set when it was undone and later redone.
	Redone bool
	// Bookkeeping marks undo and redo transactions themselves.
	Bookkeeping bool
}

// ledger is the undo state derived from the whole log.
type ledger struct {
	txs    []eventlog.TxInfo
	byID   map[eventlog.TxID]int
	undone map[eventlog.TxID]bool
	redone map[eventlog.TxID]bool
	// redo is the stack of undone transactions, most recently undone last.
	// Any newer user transaction clears it.
	redo []eventlog.TxID
}

func isBookkeeping(tx eventlog.TxInfo) bool {
	for _, ev := range tx.Events {
		switch ev.Kind() {
		case eventlog.KindTransactionUndone, eventlog.KindTransactionRedone:
			return true
		}
	}
	return tx.Label == LabelUndo || tx.Label == LabelRedo
}

func (m *Manager) load(ctx context.Context) (*ledger, error) {
	txs, err := m.log.Transactions(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	l := &ledger{
		txs:    txs,
		byID:   make(map[eventlog.TxID]int, len(txs)),
		undone: make(map[eventlog.TxID]bool),
		redone: make(map[eventlog.TxID]bool),
	}
	for i, tx := range txs {
		l.byID[tx.ID] = i
		if !isBookkeeping(tx) {
			l.redo = nil
			continue
		}
		for _, ev := range tx.Events {
			switch p := ev.Payload.(type) {
			case eventlog.TransactionUndone:
				l.undone[p.Target] = true
				l.redone[p.Target] = false
				l.redo = append(l.redo, p.Target)
			case eventlog.TransactionRedone:
				l.undone[p.Target] = false
				l.redone[p.Target] = true
				l.redo = remove(l.redo, p.Target)
			}
		}
	}
	return l, nil
}

func remove(ids []eventlog.TxID, id eventlog.TxID) []eventlog.TxID {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// Undo reverts the last n user transactions that are not already undone,
// newest first, as one transaction. It returns the undone transaction ids.
func (m *Manager) Undo(ctx context.Context, n int) ([]eventlog.TxID, error) {
	if n <= 0 {
		return nil, fmt.Errorf("undo count must be positive, got %d", n)
	}
	l, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var targets []eventlog.TxInfo
	for i := len(l.txs) - 1; i >= 0 && len(targets) < n; i-- {
		tx := l.txs[i]
		if isBookkeeping(tx) || l.undone[tx.ID] {
			continue
		}
		targets = append(targets, tx)
	}
	if len(targets) == 0 {
		return nil, ErrNothingToUndo
	}

	var payloads []eventlog.Payload
	ids := make([]eventlog.TxID, len(targets))
	for i, tx := range targets {
		payloads = append(payloads, invert(tx.Events)...)
		payloads = append(payloads, eventlog.TransactionUndone{Target: tx.ID})
		ids[i] = tx.ID
	}
	txID, err := m.apply.ApplyEvents(ctx, LabelUndo, payloads)
	if err != nil {
		return nil, fmt.Errorf("undoing %d transaction(s): %w", len(targets), err)
	}
	m.l.WithFields(logrus.Fields{"tx": txID, "undone": ids}).Info("undo committed")
	return ids, nil
}

// Redo re-applies the n most recently undone transactions. The redo stack
// is empty once a newer user transaction has committed.
func (m *Manager) Redo(ctx context.Context, n int) ([]eventlog.TxID, error) {
	if n <= 0 {
		return nil, fmt.Errorf("redo count must be positive, got %d", n)
	}
	l, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(l.redo) == 0 {
		return nil, ErrNothingToRedo
	}
	if n > len(l.redo) {
		n = len(l.redo)
	}

	var payloads []eventlog.Payload
	ids := make([]eventlog.TxID, 0, n)
	for i := len(l.redo) - 1; i >= len(l.redo)-n; i-- {
		id := l.redo[i]
		idx, ok := l.byID[id]
		if !ok {
			return nil, &eventlog.CorruptError{TxID: id, Reason: "undo marker names an unknown transaction"}
		}
		payloads = append(payloads, replay(l.txs[idx].Events)...)
		payloads = append(payloads, eventlog.TransactionRedone{Target: id})
		ids = append(ids, id)
	}
	txID, err := m.apply.ApplyEvents(ctx, LabelRedo, payloads)
	if err != nil {
		return nil, fmt.Errorf("redoing %d transaction(s): %w", len(ids), err)
	}
	m.l.WithFields(logrus.Fields{"tx": txID, "redone": ids}).Info("redo committed")
	return ids, nil
}

// invert returns the events that cancel evs, in reverse order.
func invert(evs []eventlog.Event) []eventlog.Payload {
	out := make([]eventlog.Payload, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		switch p := evs[i].Payload.(type) {
		case eventlog.RefUpdate:
			out = append(out, eventlog.RefUpdate{Ref: p.Ref, Old: p.New, New: p.Old})
		case eventlog.CommitRewritten:
			out = append(out, eventlog.CommitUnhidden{Commit: p.Old}, eventlog.CommitHidden{Commit: p.New})
		case eventlog.CommitCreated:
			out = append(out, eventlog.CommitHidden{Commit: p.Commit})
		case eventlog.CommitHidden:
			out = append(out, eventlog.CommitUnhidden{Commit: p.Commit})
		case eventlog.CommitUnhidden:
			out = append(out, eventlog.CommitHidden{Commit: p.Commit})
		}
	}
	return out
}

// replay returns the forward effects of evs again.
func replay(evs []eventlog.Event) []eventlog.Payload {
	out := make([]eventlog.Payload, 0, len(evs))
	for _, ev := range evs {
		switch ev.Kind() {
		case eventlog.KindTransactionUndone, eventlog.KindTransactionRedone:
			continue
		}
		out = append(out, ev.Payload)
	}
	return out
}

// List returns committed transactions whose events fall in (after, upTo],
// newest first. upTo 0 means everything.
func (m *Manager) List(ctx context.Context, after, upTo uint64) ([]Entry, error) {
	l, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := len(l.txs) - 1; i >= 0; i-- {
		tx := l.txs[i]
		if len(tx.Events) == 0 {
			continue
		}
		first, last := tx.Events[0].Seq, tx.Events[len(tx.Events)-1].Seq
		if last <= after || (upTo != 0 && first > upTo) {
			continue
		}
		out = append(out, Entry{
			TxInfo:      tx,
			Undone:      l.undone[tx.ID],
			Redone:      l.redone[tx.ID],
			Bookkeeping: isBookkeeping(tx),
		})
	}
	return out, nil
}
