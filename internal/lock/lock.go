// Package lock implements the per-system session lock. A session holds an
// exclusive open file description lock on locks/<system>.lock from mount
// until unmount; a second session fails fast instead of queueing. Holder
// only queries the lock, so status checks never collide with a session.
// The lock file also carries a small record describing the holder.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/zoro11031/winebasin/internal/common"
)

// Record describes the session currently holding a lock
type Record struct {
	Session    string    `json:"session"`
	System     string    `json:"system"`
	PID        int       `json:"pid"`
	UID        int       `json:"uid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker hands out session locks for systems
type Locker struct {
	dir string
}

// NewLocker returns a Locker keeping its lock files in dir
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir}
}

func (l *Locker) path(system string) string {
	return filepath.Join(l.dir, system+".lock")
}

// Session is a held lock. Release it exactly once; extra calls are no-ops.
type Session struct {
	Record

	file *os.File
	once sync.Once
	err  error
}

// Acquire takes the session lock for system without blocking. It fails with
// common.ErrSystemBusy when another session holds it.
func (l *Locker) Acquire(system string) (*Session, error) {
	if err := common.ValidateName(system); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path(system), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := setLock(file, unix.F_WRLCK); err != nil {
		file.Close()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return nil, busyError(system, l.readRecord(system))
		}
		return nil, fmt.Errorf("failed to lock system %s: %w", system, err)
	}

	s := &Session{
		Record: Record{
			Session:    uuid.NewString(),
			System:     system,
			PID:        os.Getpid(),
			UID:        os.Getuid(),
			AcquiredAt: time.Now().UTC(),
		},
		file: file,
	}

	if err := s.writeRecord(); err != nil {
		s.Release()
		return nil, err
	}

	log.Debug().Str("system", system).Str("session", s.Session).Msg("session lock acquired")
	return s, nil
}

// Holder returns the record of the session holding the lock for system, or
// nil when the lock is free. It never takes the lock itself.
func (l *Locker) Holder(system string) (*Record, error) {
	file, err := os.Open(l.path(system))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer file.Close()

	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart}
	if err := unix.FcntlFlock(file.Fd(), unix.F_OFD_GETLK, &lk); err != nil {
		return nil, fmt.Errorf("failed to query lock for %s: %w", system, err)
	}
	if lk.Type == unix.F_UNLCK {
		return nil, nil
	}
	rec := l.readRecord(system)
	if rec == nil {
		rec = &Record{System: system}
	}
	return rec, nil
}

// Remove deletes the lock file of a system that is being destroyed. It fails
// with common.ErrSystemBusy if a session is active.
func (l *Locker) Remove(system string) error {
	s, err := l.Acquire(system)
	if err != nil {
		return err
	}
	defer s.Release()

	if err := os.Remove(l.path(system)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *Locker) readRecord(system string) *Record {
	data, err := os.ReadFile(l.path(system))
	if err != nil || len(data) == 0 {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

func (s *Session) writeRecord() error {
	data, err := json.Marshal(s.Record)
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := s.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return nil
}

// Release clears the lock record, drops the lock and closes the file
func (s *Session) Release() error {
	s.once.Do(func() {
		// The record is advisory; a failed truncate must not keep the lock held
		_ = s.file.Truncate(0)
		if err := setLock(s.file, unix.F_UNLCK); err != nil {
			s.err = fmt.Errorf("failed to unlock system %s: %w", s.System, err)
		}
		if err := s.file.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("failed to close lock file: %w", err)
		}
		log.Debug().Str("system", s.System).Str("session", s.Session).Msg("session lock released")
	})
	return s.err
}

// setLock sets or clears a whole-file lock owned by the open file
// description, so separate opens conflict even inside one process
func setLock(file *os.File, typ int16) error {
	lk := unix.Flock_t{Type: typ, Whence: io.SeekStart}
	return unix.FcntlFlock(file.Fd(), unix.F_OFD_SETLK, &lk)
}

func busyError(system string, holder *Record) error {
	if holder == nil || holder.PID == 0 {
		return fmt.Errorf("system %s has an active session: %w", system, common.ErrSystemBusy)
	}
	return fmt.Errorf("system %s has an active session (pid %d since %s): %w",
		system, holder.PID, holder.AcquiredAt.Local().Format(time.RFC3339), common.ErrSystemBusy)
}
