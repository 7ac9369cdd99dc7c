// SPDX-License-Identifier: MIT

//go:build linux

package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.lock")

	fl, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fl.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The lock file records our PID.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if want := fmt.Sprintf("%d\n", os.Getpid()); string(data) != want {
		t.Errorf("lock file = %q, want %q", data, want)
	}

	if err := fl.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present after Release")
	}
}

func TestSecondAcquireBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.lock")

	first, _ := New(path)
	if err := first.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	second, _ := New(path)
	if err := second.Acquire(context.Background(), 150*time.Millisecond); err == nil {
		t.Error("second Acquire succeeded while lock held")
		_ = second.Release()
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.lock")

	first, _ := New(path)
	if err := first.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, _ := New(path)
	if err := second.Acquire(context.Background(), time.Second); err != nil {
		t.Errorf("Acquire after Release: %v", err)
	}
	_ = second.Release()
}

func TestStaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.lock")

	// A lock file from a process that no longer exists.
	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fl, _ := New(path)
	if err := fl.Acquire(context.Background(), time.Second); err != nil {
		t.Errorf("Acquire over stale lock: %v", err)
	}
	_ = fl.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.lock")

	first, _ := New(path)
	if err := first.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	second, _ := New(path)
	if err := second.Acquire(ctx, time.Minute); err != context.Canceled {
		t.Errorf("Acquire = %v, want context.Canceled", err)
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	fl, _ := New(filepath.Join(t.TempDir(), "tower.lock"))
	if err := fl.Release(); err == nil {
		t.Error("Release without Acquire succeeded, want error")
	}
}
