package eventlog

import (
	"fmt"
	"time"

	"restack/internal/backend"
)

// TxID identifies a transaction.
type TxID int64

// Kind tags an event's payload shape.
type Kind int

const (
	KindRefUpdate Kind = iota + 1
	KindCommitCreated
	KindCommitRewritten
	KindCommitHidden
	KindCommitUnhidden
	KindTransactionUndone
	KindTransactionRedone
)

func (k Kind) String() string {
	switch k {
	case KindRefUpdate:
		return "ref-update"
	case KindCommitCreated:
		return "commit-created"
	case KindCommitRewritten:
		return "commit-rewritten"
	case KindCommitHidden:
		return "commit-hidden"
	case KindCommitUnhidden:
		return "commit-unhidden"
	case KindTransactionUndone:
		return "transaction-undone"
	case KindTransactionRedone:
		return "transaction-redone"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Payload is one of the event structs below.
type Payload interface {
	Kind() Kind
	isPayload()
}

// RefUpdate records a ref moving from Old to New. Either side may be zero for
// creation or deletion.
type RefUpdate struct {
	Ref string
	Old backend.ID
	New backend.ID
}

// CommitCreated records a commit that did not exist before.
type CommitCreated struct {
	Commit backend.ID
}

// CommitRewritten records Old being replaced by New.
type CommitRewritten struct {
	Old backend.ID
	New backend.ID
}

// CommitHidden records a commit leaving the visible graph. Successor is set
// when its changes live on in another commit (fold).
type CommitHidden struct {
	Commit    backend.ID
	Successor backend.ID
}

// CommitUnhidden reverses CommitHidden.
type CommitUnhidden struct {
	Commit backend.ID
}

// TransactionUndone marks Target as undone by the transaction carrying it.
type TransactionUndone struct {
	Target TxID
}

// TransactionRedone marks Target's undo as reverted.
type TransactionRedone struct {
	Target TxID
}

func (RefUpdate) Kind() Kind         { return KindRefUpdate }
func (CommitCreated) Kind() Kind     { return KindCommitCreated }
func (CommitRewritten) Kind() Kind   { return KindCommitRewritten }
func (CommitHidden) Kind() Kind      { return KindCommitHidden }
func (CommitUnhidden) Kind() Kind    { return KindCommitUnhidden }
func (TransactionUndone) Kind() Kind { return KindTransactionUndone }
func (TransactionRedone) Kind() Kind { return KindTransactionRedone }

func (RefUpdate) isPayload()         {}
func (CommitCreated) isPayload()     {}
func (CommitRewritten) isPayload()   {}
func (CommitHidden) isPayload()      {}
func (CommitUnhidden) isPayload()    {}
func (TransactionUndone) isPayload() {}
func (TransactionRedone) isPayload() {}

// Event is one committed log entry.
type Event struct {
	Seq     uint64
	TxID    TxID
	Time    time.Time
	Payload Payload
}

// Kind returns the payload's kind.
func (e Event) Kind() Kind {
	return e.Payload.Kind()
}

// record is the fixed row shape shared by pending_events and events.
type record struct {
	kind     Kind
	ref      string
	old      string
	new      string
	targetTx int64
}

func encode(p Payload) (record, error) {
	switch v := p.(type) {
	case RefUpdate:
		if v.Ref == "" {
			return record{}, fmt.Errorf("ref update without ref name")
		}
		return record{kind: KindRefUpdate, ref: v.Ref, old: string(v.Old), new: string(v.New)}, nil
	case CommitCreated:
		return record{kind: KindCommitCreated, new: string(v.Commit)}, requireID(v.Commit)
	case CommitRewritten:
		if v.Old.IsZero() || v.New.IsZero() {
			return record{}, fmt.Errorf("commit rewrite needs both ids")
		}
		return record{kind: KindCommitRewritten, old: string(v.Old), new: string(v.New)}, nil
	case CommitHidden:
		return record{kind: KindCommitHidden, old: string(v.Commit), new: string(v.Successor)}, requireID(v.Commit)
	case CommitUnhidden:
		return record{kind: KindCommitUnhidden, new: string(v.Commit)}, requireID(v.Commit)
	case TransactionUndone:
		return record{kind: KindTransactionUndone, targetTx: int64(v.Target)}, requireTx(v.Target)
	case TransactionRedone:
		return record{kind: KindTransactionRedone, targetTx: int64(v.Target)}, requireTx(v.Target)
	}
	return record{}, fmt.Errorf("unsupported payload %T", p)
}

func requireID(id backend.ID) error {
	if id.IsZero() {
		return fmt.Errorf("missing commit id")
	}
	return nil
}

func requireTx(id TxID) error {
	if id <= 0 {
		return fmt.Errorf("missing target transaction")
	}
	return nil
}

// decode rebuilds a payload, rejecting any row whose shape does not match its
// kind.
func decode(r record) (Payload, error) {
	switch r.kind {
	case KindRefUpdate:
		if r.ref == "" || r.targetTx != 0 {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return RefUpdate{Ref: r.ref, Old: backend.ID(r.old), New: backend.ID(r.new)}, nil
	case KindCommitCreated:
		if r.new == "" || r.old != "" || r.ref != "" {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return CommitCreated{Commit: backend.ID(r.new)}, nil
	case KindCommitRewritten:
		if r.old == "" || r.new == "" || r.ref != "" {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return CommitRewritten{Old: backend.ID(r.old), New: backend.ID(r.new)}, nil
	case KindCommitHidden:
		if r.old == "" || r.ref != "" {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return CommitHidden{Commit: backend.ID(r.old), Successor: backend.ID(r.new)}, nil
	case KindCommitUnhidden:
		if r.new == "" || r.old != "" || r.ref != "" {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return CommitUnhidden{Commit: backend.ID(r.new)}, nil
	case KindTransactionUndone:
		if r.targetTx <= 0 {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return TransactionUndone{Target: TxID(r.targetTx)}, nil
	case KindTransactionRedone:
		if r.targetTx <= 0 {
			return nil, fmt.Errorf("malformed %s record", r.kind)
		}
		return TransactionRedone{Target: TxID(r.targetTx)}, nil
	}
	return nil, fmt.Errorf("unknown event kind %d", int(r.kind))
}
