package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := PathFor(filepath.Join(t.TempDir(), "tasklease.db"), 2)
	if filepath.Base(lockPath) != "partition-2.lock" {
		t.Fatalf("PathFor() = %s", lockPath)
	}

	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, ok := Holder(lockPath)
	if !ok {
		t.Fatal("expected PID in lock file")
	}
	if pid != os.Getpid() {
		t.Fatalf("Holder() = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "data", "partition-1.lock")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// flock is per open file description, so a second open in the same
	// process conflicts as well.
	if _, err := Acquire(lockPath); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
}
