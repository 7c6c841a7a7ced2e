// Package lockstore provides durable mutual exclusion for resource keys.
//
// A lock exists while some run owns the resource, whether the run is
// executing or waiting out a retry backoff. The lock table is persisted to
// a JSON file after every mutation and reloaded when the store is opened,
// so a crash mid-run cannot let a second process claim the same resource.
// A flock(2) guard protects the state file against concurrent processes
// sharing the same state directory.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const stateFileName = "locks.json"

// Sentinel errors returned by lock operations.
var (
	// ErrAlreadyLocked indicates the resource is held by a different run.
	ErrAlreadyLocked = errors.New("resource already locked")
)

// Lock records ownership of one resource key.
type Lock struct {
	ResourceKey string    `json:"resource_key"`
	HolderRunID string    `json:"holder_run_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// Store is a durable resource-lock map. All methods are safe for
// concurrent use via an internal mutex.
//
// Every mutation rewrites the whole persisted table, so a state
// directory must be owned by at most one live Store at a time. The
// flock serializes individual writes and protects crash recovery; it
// does not make read-modify-write cycles atomic across processes.
type Store struct {
	mu    sync.Mutex
	dir   string
	locks map[string]Lock
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for AcquiredAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or reopens the lock store rooted at dir. Any lock table
// persisted by a previous process is reloaded, preserving claims held by
// runs that were in flight when that process died.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		dir:   dir,
		locks: make(map[string]Lock),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Acquire atomically claims the resource for the given run. If the key is
// free the claim is recorded and persisted. Re-acquiring a key already held
// by the same run is an idempotent no-op. If another run holds the key,
// Acquire returns its run ID and ErrAlreadyLocked.
func (s *Store) Acquire(resourceKey, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[resourceKey]; ok {
		if existing.HolderRunID == runID {
			return runID, nil // idempotent
		}
		return existing.HolderRunID, fmt.Errorf("%w: %s holds %s", ErrAlreadyLocked, existing.HolderRunID, resourceKey)
	}

	s.locks[resourceKey] = Lock{
		ResourceKey: resourceKey,
		HolderRunID: runID,
		AcquiredAt:  s.now(),
	}
	if err := s.saveLocked(); err != nil {
		delete(s.locks, resourceKey)
		return "", err
	}
	return runID, nil
}

// Release removes the lock on the resource. Releasing an unlocked key is a
// no-op so that release paths need not track whether acquisition happened.
func (s *Store) Release(resourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locks[resourceKey]; !ok {
		return nil
	}
	delete(s.locks, resourceKey)
	return s.saveLocked()
}

// Holder returns the run ID currently holding the resource, if any.
func (s *Store) Holder(resourceKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[resourceKey]
	if !ok {
		return "", false
	}
	return lock.HolderRunID, true
}

// Keys returns all locked resource keys, sorted for deterministic output.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.locks))
	for k := range s.locks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Locks returns a copy of the full lock table, sorted by resource key.
func (s *Store) Locks() []Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out
}

// load reads the persisted lock table if one exists.
func (s *Store) load() error {
	fl := newFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock state: %w", err)
	}

	var locks map[string]Lock
	if err := json.Unmarshal(data, &locks); err != nil {
		return fmt.Errorf("unmarshal lock state: %w", err)
	}
	if locks != nil {
		s.locks = locks
	}
	return nil
}

// saveLocked persists the lock table. Caller must hold s.mu. The write is
// atomic: data goes to a temporary file first, then renames into place.
func (s *Store) saveLocked() error {
	fl := newFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.MarshalIndent(s.locks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock state: %w", err)
	}

	target := filepath.Join(s.dir, stateFileName)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
