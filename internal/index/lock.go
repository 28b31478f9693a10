package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
)

// LockFileName is created inside the index data directory.
const LockFileName = ".lock"

// Lock is a cross-process writer lock on a local index directory. Only one
// ingest may write to a local index at a time; readers do not take it.
type Lock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewLock creates a lock for dataDir. The lock file is <dataDir>/.lock.
func NewLock(dataDir string) *Lock {
	path := filepath.Join(dataDir, LockFileName)
	return &Lock{
		path:  path,
		flock: flock.New(path),
	}
}

// TryLock acquires the lock without blocking. It returns
// ERR_207_INDEX_LOCKED when another process holds it.
func (l *Lock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return perrors.New(perrors.ErrCodeIndexLocked,
			"index is being written by another process", nil).
			WithDetail("lock", l.path).
			WithSuggestion("Wait for the other ingest to finish")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *Lock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// IsLocked reports whether this Lock holds the file.
func (l *Lock) IsLocked() bool {
	return l.locked
}
