package lockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "locks.lock"

// fileLock provides cross-process mutual exclusion using flock(2).
// It protects the lock state file when multiple runward processes share
// a state directory.
type fileLock struct {
	path string
	file *os.File
}

// newFileLock creates a fileLock for the given directory. The lock file is
// created inside dir as "locks.lock".
func newFileLock(dir string) *fileLock {
	return &fileLock{
		path: filepath.Join(dir, lockFileName),
	}
}

// Lock acquires an exclusive file lock, blocking until available.
func (fl *fileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	fl.file = f

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		fl.file = nil
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

// Unlock releases the file lock and closes the lock file.
func (fl *fileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	return err
}
