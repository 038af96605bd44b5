// Package store is the State Store: the single source of truth for which
// bases and systems exist. Every record is a JSON file replaced atomically
// (write temp, fsync, rename), so readers never observe a partial record.
// Writers hold an exclusive flock on <state>/.lock, so a check such as
// "no system uses this basis" still holds when its write lands, across
// winebasin processes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/zoro11031/winebasin/internal/common"
)

const (
	basisKind  = "basis"
	systemKind = "system"
	recordExt  = ".json"
	lockFile   = ".lock"
)

// Store persists basis and system records below a state directory
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open prepares the state directory and returns a Store handle
func Open(dir string) (*Store, error) {
	for _, kind := range []string{basisKind, systemKind} {
		if err := os.MkdirAll(filepath.Join(dir, kind), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(kind, name string) string {
	return filepath.Join(s.dir, kind, name+recordExt)
}

// CreateBasis stores a new basis record, failing if the name is taken
func (s *Store) CreateBasis(b *Basis) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := common.ValidateName(b.Name); err != nil {
		return err
	}
	b.Version = recordVersion
	return s.create(basisKind, b.Name, b)
}

// PutBasis inserts or replaces a basis record
func (s *Store) PutBasis(b *Basis) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := common.ValidateName(b.Name); err != nil {
		return err
	}
	b.Version = recordVersion
	return s.put(basisKind, b.Name, b)
}

// GetBasis loads a basis record
func (s *Store) GetBasis(name string) (*Basis, error) {
	var b Basis
	if err := s.get(basisKind, name, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBases returns all basis records sorted by name
func (s *Store) ListBases() ([]*Basis, error) {
	names, err := s.list(basisKind)
	if err != nil {
		return nil, err
	}

	bases := make([]*Basis, 0, len(names))
	for _, name := range names {
		b, err := s.GetBasis(name)
		if errors.Is(err, common.ErrNotFound) {
			continue // removed concurrently
		}
		if err != nil {
			return nil, err
		}
		bases = append(bases, b)
	}
	return bases, nil
}

// DeleteBasis removes a basis record. It fails with
// ErrReferencedByActiveSystem while any system still points at the basis.
func (s *Store) DeleteBasis(name string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.GetBasis(name); err != nil {
		return err
	}

	users, err := s.systemsUsing(name)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return fmt.Errorf("basis %s is used by %s: %w", name, strings.Join(users, ", "), common.ErrReferencedByActiveSystem)
	}

	return s.remove(basisKind, name)
}

// CreateSystem stores a new system record. The referenced basis must exist.
func (s *Store) CreateSystem(sys *System) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := common.ValidateName(sys.Name); err != nil {
		return err
	}
	if _, err := s.GetBasis(sys.Basis); err != nil {
		return err
	}
	sys.Version = recordVersion
	return s.create(systemKind, sys.Name, sys)
}

// PutSystem inserts or replaces a system record
func (s *Store) PutSystem(sys *System) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := common.ValidateName(sys.Name); err != nil {
		return err
	}
	sys.Version = recordVersion
	sys.UpdatedAt = time.Now().UTC()
	return s.put(systemKind, sys.Name, sys)
}

// GetSystem loads a system record
func (s *Store) GetSystem(name string) (*System, error) {
	var sys System
	if err := s.get(systemKind, name, &sys); err != nil {
		return nil, err
	}
	return &sys, nil
}

// ListSystems returns all system records sorted by name
func (s *Store) ListSystems() ([]*System, error) {
	names, err := s.list(systemKind)
	if err != nil {
		return nil, err
	}

	systems := make([]*System, 0, len(names))
	for _, name := range names {
		sys, err := s.GetSystem(name)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		systems = append(systems, sys)
	}
	return systems, nil
}

// UpdateSystemState records a lifecycle transition and returns the new record
func (s *Store) UpdateSystemState(name string, state State) (*System, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	sys, err := s.GetSystem(name)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("system", name).Str("from", string(sys.State)).Str("to", string(state)).Msg("system state transition")
	sys.State = state
	sys.UpdatedAt = time.Now().UTC()
	if err := s.put(systemKind, name, sys); err != nil {
		return nil, err
	}
	return sys, nil
}

// DeleteSystem removes a system record
func (s *Store) DeleteSystem(name string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.GetSystem(name); err != nil {
		return err
	}
	return s.remove(systemKind, name)
}

// lock serialises a read-check-write sequence against other goroutines and
// other processes sharing the state directory
func (s *Store) lock() (func(), error) {
	s.mu.Lock()
	file, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to open state lock: %w", err)
	}
	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		file.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to lock state directory: %w", err)
	}
	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		s.mu.Unlock()
	}, nil
}

func (s *Store) systemsUsing(basis string) ([]string, error) {
	systems, err := s.ListSystems()
	if err != nil {
		return nil, err
	}

	var users []string
	for _, sys := range systems {
		if sys.Basis == basis {
			users = append(users, sys.Name)
		}
	}
	return users, nil
}

func (s *Store) get(kind, name string, v any) error {
	if err := common.ValidateName(name); err != nil {
		return fmt.Errorf("%s %q: %w", kind, name, common.ErrNotFound)
	}

	data, err := os.ReadFile(s.recordPath(kind, name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s %s: %w", kind, name, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s record %s: %w", kind, name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s record %s: %w", kind, name, err)
	}
	return nil
}

func (s *Store) put(kind, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s record %s: %w", kind, name, err)
	}

	if err := atomicwriter.WriteFile(s.recordPath(kind, name), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s record %s: %w", kind, name, err)
	}
	return nil
}

// create writes the record to a temp file and hard-links it into place, so
// two creators racing for one name cannot both succeed.
func (s *Store) create(kind, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s record %s: %w", kind, name, err)
	}

	dir := filepath.Join(s.dir, kind)
	tmpFile, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(append(data, '\n')); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on temp file: %w", err)
	}

	if err := os.Link(tmpPath, s.recordPath(kind, name)); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s %s: %w", kind, name, common.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store %s record %s: %w", kind, name, err)
	}
	return nil
}

func (s *Store) remove(kind, name string) error {
	err := os.Remove(s.recordPath(kind, name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s %s: %w", kind, name, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s record %s: %w", kind, name, err)
	}
	return nil
}

func (s *Store) list(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, kind))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s records: %w", kind, err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(names)
	return names, nil
}
