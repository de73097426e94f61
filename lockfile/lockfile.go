// Package lockfile provides a thread and process-safe lock backed by a
// lock file.
package lockfile

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/gofrs/flock"
)

// ErrAlreadyLocked is returned when the lock we're trying to lock is already
// locked.
var ErrAlreadyLocked = errors.New("this lock is already held within this process")

// ErrNotLocked is returned when the lock we're trying to unlock is not locked.
var ErrNotLocked = errors.New("unlock called on unlocked lock")

// ErrNotOurLock is returned when the lock we're trying to unlock is locked by
// another thread.
var ErrNotOurLock = errors.New("this lock is being held within the process")

// lockRegistry guards within the process against concurrent lock acquisition.
type lockRegistry struct {
	*sync.Mutex

	// Set of paths for locks that are being held within this process.
	paths map[string]int64
}

func newRegistry() *lockRegistry {
	return &lockRegistry{
		Mutex: &sync.Mutex{},
		paths: make(map[string]int64),
	}
}

// registry coordinates file locking within the process.
var registry = newRegistry()

// LockFile is a thread and process-safe file lock. It combines an OS-level
// file lock (flock(2), via gofrs/flock) with an in-process mutex to provide
// a lock that functions safely across and within processes.
type LockFile struct {
	id       int64
	fileLock *flock.Flock
	path     string
}

// New creates a new LockFile backed by the file at path. The file is
// created if it does not already exist.
func New(path string) (*LockFile, error) {
	return &LockFile{
		id:       rand.Int63(),
		fileLock: flock.New(path),
		path:     path,
	}, nil
}

// TryLock attempts to acquire the lock without blocking.
func (l *LockFile) TryLock() error {
	// NOTE: to prevent deadlocks, always lock the registry (thread) lock
	// before the file (process) lock. Releasing must always be ordered
	// file (process) then registry (thread).
	registry.Lock()
	defer registry.Unlock()

	if _, ok := registry.paths[l.path]; ok {
		return ErrAlreadyLocked
	}

	ok, err := l.fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("could not acquire file lock on %s: %w", l.path, err)
	}
	if !ok {
		return ErrAlreadyLocked
	}

	registry.paths[l.path] = l.id
	return nil
}

// Unlock attempts to relinquish the lock.
func (l *LockFile) Unlock() error {
	registry.Lock()
	defer registry.Unlock()

	id, ok := registry.paths[l.path]
	if !ok {
		return ErrNotLocked
	}
	if id != l.id {
		return ErrNotOurLock
	}

	if err := l.fileLock.Unlock(); err != nil {
		return fmt.Errorf("failed to relinquish file lock on %s: %w", l.path, err)
	}

	delete(registry.paths, l.path)
	return nil
}
