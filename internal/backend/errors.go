package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrRefMismatch is returned when a compare-and-swap ref write observes an
	// unexpected current target.
	ErrRefMismatch = errors.New("ref target mismatch")
	// ErrIO matches any IOError.
	ErrIO = errors.New("backend i/o error")
)

// NotFoundError names the missing object or ref.
type NotFoundError struct {
	What string // "commit", "tree", "blob", "ref"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// RefMismatchError carries both sides of a failed compare-and-swap.
type RefMismatchError struct {
	Ref      string
	Expected ID
	Actual   ID
}

func (e *RefMismatchError) Error() string {
	exp, act := string(e.Expected), string(e.Actual)
	if exp == "" {
		exp = "(none)"
	}
	if act == "" {
		act = "(none)"
	}
	return fmt.Sprintf("ref %s changed concurrently: expected %s, found %s", e.Ref, exp, act)
}

func (e *RefMismatchError) Is(target error) bool {
	return target == ErrRefMismatch
}

// IOError wraps a failure of the underlying store.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// WrapIO classifies err as an IOError unless it is already one of the
// backend's typed errors. A nil err stays nil.
func WrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRefMismatch) || errors.Is(err, ErrIO) {
		return err
	}
	return &IOError{Op: op, Err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
