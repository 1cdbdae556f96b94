//go:build !unix

package lock

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("lock held by another process")

type fileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// noopLocker relies on the holder record alone where flock is unavailable.
type noopLocker struct{}

func newFileLocker() fileLocker { return noopLocker{} }

func (noopLocker) Lock(*os.File) error   { return nil }
func (noopLocker) Unlock(*os.File) error { return nil }

// ProcessAlive cannot probe processes here and assumes they are alive.
func ProcessAlive(pid int) bool {
	return pid > 0
}
