// SPDX-License-Identifier: MIT

//go:build linux

// Package lock provides the flock(2)-based single-instance lock taken by the
// Tower daemon before it starts the pipeline. Two daemons fighting over one
// encoder subprocess and one ingest port would be worse than refusing to
// start, so the lock is mandatory.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultStaleThreshold is the age past which a lock file that holds no
	// parsable PID is reclaimed.
	DefaultStaleThreshold = 300 * time.Second

	// retryInterval paces lock acquisition attempts.
	retryInterval = 100 * time.Millisecond
)

// FileLock is an exclusive flock(2) lock with PID tracking and stale-lock
// reclamation.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// New creates a file lock at path, creating the parent directory if needed.
func New(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil { //nolint:gosec // lock dir needs group access for monitoring
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path: path,
		pid:  os.Getpid(),
	}, nil
}

// Acquire takes the exclusive lock, waiting up to timeout and honoring ctx
// cancellation. A stale lock (recorded holder dead, or no parsable PID and
// the file older than the stale threshold) is removed before the first attempt. On success the holder's
// PID is recorded in the file.
func (fl *FileLock) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if stale, _ := isStale(fl.path, DefaultStaleThreshold); stale {
		_ = os.Remove(fl.path)
	}

	// #nosec G302 - lock file needs 0644 for cross-process PID inspection
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
			}
		}
	}

	if err := recordPID(file, fl.pid); err != nil {
		_ = file.Close()
		return err
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// Release drops the lock and removes the lock file.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	_ = os.Remove(fl.path)
	return err
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// recordPID truncates the lock file and writes the holder's PID.
func recordPID(file *os.File, pid int) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// isStale reports whether the lock file records a dead holder or, when it
// holds no parsable PID, has passed the age threshold.
func isStale(path string, threshold time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err // absent file is simply not stale
	}

	// #nosec G304 - lock path is from daemon configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	pidStr := strings.TrimSpace(string(data))
	if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
		// Signal 0 probes for existence without delivering anything.
		if proc, err := os.FindProcess(pid); err == nil {
			if sigErr := proc.Signal(syscall.Signal(0)); sigErr == nil {
				return false, nil // holder alive
			}
		}
		return true, nil // recorded holder is gone
	}

	// Unparsable PID: fall back to age.
	return time.Since(info.ModTime()) > threshold, nil
}
