// Package lock provides the repository's single-writer advisory lock.
//
// The lock is an flock(2) on <dir>/lock plus a JSON holder record in
// <dir>/lock.json. The flock dies with its process; the holder record is what
// stale-lock recovery inspects. A holder record marked suspended reserves the
// repository for a rewrite waiting on conflict resolution even though no
// process holds the flock.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLocked matches any ContentionError.
	ErrLocked = errors.New("repository is locked")
	// ErrNotHeld is returned when releasing a lease twice.
	ErrNotHeld = errors.New("lock not held")
)

// Holder describes who holds or reserved the lock.
type Holder struct {
	PID        int       `json:"pid"`
	Session    string    `json:"session"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	Suspended  bool      `json:"suspended,omitempty"`
	TxID       int64     `json:"tx_id,omitempty"`
}

// ContentionError reports that another transaction holds the lock.
type ContentionError struct {
	Path   string
	Holder *Holder
}

func (e *ContentionError) Error() string {
	switch {
	case e.Holder == nil:
		return fmt.Sprintf("repository locked (%s)", e.Path)
	case e.Holder.Suspended:
		return fmt.Sprintf("transaction %d is waiting for conflict resolution; continue or abort it first", e.Holder.TxID)
	default:
		return fmt.Sprintf("repository locked by pid %d since %s", e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
	}
}

func (e *ContentionError) Is(target error) bool {
	return target == ErrLocked
}

// Config configures a Manager.
type Config struct {
	// Dir holds the lock files.
	Dir string
	// Wait is how long Acquire keeps retrying while another live process
	// holds the lock. Zero fails immediately.
	Wait time.Duration
	// Poll is the retry interval while waiting.
	Poll   time.Duration
	Logger *logrus.Logger
}

// Manager hands out leases on one repository lock.
type Manager struct {
	lockPath string
	infoPath string
	wait     time.Duration
	poll     time.Duration
	session  string
	log      *logrus.Entry
	locker   fileLocker
}

// NewManager creates the lock directory if needed.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", cfg.Dir, err)
	}
	if cfg.Poll == 0 {
		cfg.Poll = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		lockPath: filepath.Join(cfg.Dir, "lock"),
		infoPath: filepath.Join(cfg.Dir, "lock.json"),
		wait:     cfg.Wait,
		poll:     cfg.Poll,
		session:  uuid.New().String(),
		log:      logger.WithField("component", "lock"),
		locker:   newFileLocker(),
	}, nil
}

// Lease is a held lock. Release or Suspend must be called exactly once.
type Lease struct {
	m        *Manager
	f        *os.File
	holder   Holder
	released bool
}

// Holder returns the record written for this lease.
func (l *Lease) Holder() Holder {
	return l.holder
}

// Acquire takes the lock for a new transaction. It fails with a
// ContentionError if a live process holds it past the configured wait, or if
// a suspended transaction has reserved the repository.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	return m.acquire(ctx, 0)
}

// AcquireSuspended takes the lock to continue or abort suspended transaction
// txID, consuming its reservation.
func (m *Manager) AcquireSuspended(ctx context.Context, txID int64) (*Lease, error) {
	return m.acquire(ctx, txID)
}

func (m *Manager) acquire(ctx context.Context, resumeTx int64) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	deadline := time.Now().Add(m.wait)
	for {
		err = m.locker.Lock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("acquiring lock: %w", err)
		}
		if time.Now().After(deadline) {
			holder, _ := m.Inspect()
			f.Close()
			return nil, &ContentionError{Path: m.lockPath, Holder: holder}
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}

	// We hold the flock. Anything left in the holder record is either a
	// reservation or debris from a process that died while holding the lock.
	prev, err := m.Inspect()
	if err != nil {
		m.log.WithError(err).Warn("unreadable lock holder record, discarding")
		prev = nil
	}
	if prev != nil {
		switch {
		case prev.Suspended && prev.TxID != resumeTx:
			m.locker.Unlock(f)
			f.Close()
			return nil, &ContentionError{Path: m.lockPath, Holder: prev}
		case prev.Suspended:
			m.log.WithField("tx", prev.TxID).Debug("resuming suspended transaction")
		case !ProcessAlive(prev.PID):
			m.log.WithFields(logrus.Fields{"pid": prev.PID, "since": prev.AcquiredAt}).Warn("recovering stale lock from dead process")
		case prev.PID != os.Getpid():
			m.log.WithField("pid", prev.PID).Warn("recovering stale lock; recorded holder no longer holds it")
		}
	}

	hostname, _ := os.Hostname()
	lease := &Lease{
		m: m,
		f: f,
		holder: Holder{
			PID:        os.Getpid(),
			Session:    m.session,
			Hostname:   hostname,
			AcquiredAt: time.Now().UTC(),
		},
	}
	if err := m.writeHolder(&lease.holder); err != nil {
		m.locker.Unlock(f)
		f.Close()
		return nil, err
	}
	return lease, nil
}

// Release drops the lock and clears the holder record.
func (l *Lease) Release() error {
	if l.released {
		return ErrNotHeld
	}
	l.released = true
	if err := os.Remove(l.m.infoPath); err != nil && !os.IsNotExist(err) {
		l.m.log.WithError(err).Warn("failed to remove lock holder record")
	}
	return l.unlock()
}

// Suspend drops the flock but leaves a reservation for txID so no other
// transaction can start until it is continued or aborted.
func (l *Lease) Suspend(txID int64) error {
	if l.released {
		return ErrNotHeld
	}
	l.released = true
	l.holder.Suspended = true
	l.holder.TxID = txID
	if err := l.m.writeHolder(&l.holder); err != nil {
		l.unlock()
		return err
	}
	return l.unlock()
}

func (l *Lease) unlock() error {
	err := l.m.locker.Unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Inspect reads the holder record without taking the lock. It returns nil
// when nobody holds or reserved the lock.
func (m *Manager) Inspect() (*Holder, error) {
	data, err := os.ReadFile(m.infoPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock holder: %w", err)
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decoding lock holder: %w", err)
	}
	return &h, nil
}

func (m *Manager) writeHolder(h *Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	tmp := m.infoPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing lock holder: %w", err)
	}
	if err := os.Rename(tmp, m.infoPath); err != nil {
		return fmt.Errorf("writing lock holder: %w", err)
	}
	return nil
}
