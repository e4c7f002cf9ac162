// Package filelock provides an exclusive advisory lock on a sentinel file, shared
// between the OS processes that write to the same on-disk store.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Lock guards a sentinel file. Acquisition blocks until the OS grants the lock;
// there is no timeout.
//
// flock(2) locks belong to the open file description, so goroutines of one
// process are serialized by mu before reaching the kernel.
type Lock struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// InDir returns a lock on the conventional ".lock" sentinel of a data directory.
func InDir(dir string) *Lock {
	return New(filepath.Join(dir, ".lock"))
}

func (l *Lock) Path() string {
	return l.path
}

// With runs fn while holding the lock.
func (l *Lock) With(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	if err := flock(f, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.path, err)
	}
	defer func() { _ = flock(f, unix.LOCK_UN) }()

	return fn()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
