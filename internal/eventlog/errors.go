package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt matches any CorruptError.
	ErrCorrupt = errors.New("corrupt event log")
	// ErrClosed is returned when using a finished transaction.
	ErrClosed = errors.New("transaction already finished")
	// ErrNoSuspended is returned when there is nothing to resume.
	ErrNoSuspended = errors.New("no suspended transaction")
	// ErrSuspended is returned by Begin while a suspended transaction waits
	// to be continued or aborted.
	ErrSuspended = errors.New("a suspended rewrite is pending; continue or abort it")
)

// CorruptError names the record that failed to decode.
type CorruptError struct {
	Seq    uint64
	TxID   TxID
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("corrupt event log: transaction %d: %s", e.TxID, e.Reason)
	}
	return fmt.Sprintf("corrupt event log at seq %d: %s", e.Seq, e.Reason)
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}
