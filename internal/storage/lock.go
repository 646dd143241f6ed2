package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when a non-blocking lock is held by another
// process.
var ErrLocked = errors.New("lock is held by another process")

// FileLock is an advisory lock on a file. It coordinates processes only;
// goroutines within one process serialize on their own mutexes.
type FileLock struct {
	path string
	file *os.File
}

// LockFile opens path, creating it if needed, and locks it. A shared lock
// admits other shared holders. With wait unset the call fails with
// ErrLocked instead of blocking.
func LockFile(path string, exclusive, wait bool) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockFile(f, exclusive, wait); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &FileLock{path: path, file: f}, nil
}

// Unlock releases the lock. The lock file itself is left in place so a
// waiter never locks an unlinked inode.
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	uerr := unlockFile(l.file)
	cerr := l.file.Close()
	l.file = nil
	if uerr != nil {
		return fmt.Errorf("releasing lock %s: %w", l.path, uerr)
	}
	return cerr
}
