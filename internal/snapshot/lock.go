package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// LockFileName is the single-instance lock inside the state directory.
const LockFileName = "phasepilot.lock"

// ErrLocked is wrapped when another process holds the lock.
var ErrLocked = errors.New("another phasepilot instance holds the lock")

// FileLock is an exclusive flock(2) on a file that records the holder's PID.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns an unacquired lock at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// NewFileLockInDir returns an unacquired lock at <dir>/phasepilot.lock.
func NewFileLockInDir(dir string) *FileLock {
	return NewFileLock(filepath.Join(dir, LockFileName))
}

// Path returns the lock file path.
func (fl *FileLock) Path() string { return fl.path }

// TryLock acquires the lock without blocking and writes the current PID.
func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return &PersistenceError{Op: "lock", Path: fl.path, Err: err}
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &PersistenceError{Op: "lock", Path: fl.path, Err: err}
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			err = fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return &PersistenceError{Op: "lock", Path: fl.path, Err: err}
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return &PersistenceError{Op: "lock", Path: fl.path, Err: err}
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	return f.Sync()
}

// Unlock releases the lock and clears the recorded PID. The file itself is
// kept: removing it would let a concurrent starter lock a stale inode.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	_ = f.Truncate(0)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	return f.Close()
}

// ReadPID returns the PID recorded in the lock file at path, or 0 when the
// file is missing or empty.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse PID in %s: %w", path, err)
	}
	return pid, nil
}
