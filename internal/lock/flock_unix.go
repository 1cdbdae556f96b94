//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("lock held by another process")

type fileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// flocker uses advisory flock(2) locks, released on close or process exit.
type flocker struct{}

func newFileLocker() fileLocker {
	return flocker{}
}

func (flocker) Lock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errWouldBlock
	}
	return err
}

func (flocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// ProcessAlive reports whether pid exists, using kill(pid, 0). EPERM means the
// process exists but belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
