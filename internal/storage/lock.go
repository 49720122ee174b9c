package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

const lockFileName = "sync.lock"

// unreadableLockGrace is how long a lock file without a valid PID counts as
// held before it may be taken over.
const unreadableLockGrace = 10 * time.Second

// SyncLock keeps two processes from syncing the same data directory. The
// lock file holds the owner's PID; a file left behind by a dead process is
// treated as stale and taken over.
type SyncLock struct {
	path string
}

// NewSyncLock creates a lock for the given data directory.
func NewSyncLock(dataDir string) *SyncLock {
	return &SyncLock{path: filepath.Join(dataDir, lockFileName)}
}

// Path returns the full path to the lock file.
func (l *SyncLock) Path() string {
	return l.path
}

// Acquire creates the lock file. It returns an error wrapping
// invoice.ErrSyncInProgress if a live process holds it.
//
// The PID is written to a private file first and hard-linked into place,
// so the lock file never exists without its owner's PID.
func (l *SyncLock) Acquire() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, lockFileName+".*")
	if err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := tmp.Close(); werr != nil || cerr != nil {
		return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Link(tmp.Name(), l.path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}
		if pid, held := l.Holder(); held {
			return fmt.Errorf("%w (pid=%d)", invoice.ErrSyncInProgress, pid)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return invoice.ErrSyncInProgress
}

// Release removes the lock file.
func (l *SyncLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Holder reports whether a live process holds the lock, and its PID. A lock
// file without a valid PID counts as held, with PID 0, until it is older
// than unreadableLockGrace. Holder never modifies the lock file.
func (l *SyncLock) Holder() (int, bool) {
	info, err := os.Stat(l.path)
	if err != nil {
		return 0, false
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, time.Since(info.ModTime()) < unreadableLockGrace
	}
	if !processExists(pid) {
		return 0, false
	}
	return pid, true
}

// processExists checks if a process with the given PID is alive.
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks existence.
	return proc.Signal(syscall.Signal(0)) == nil
}
