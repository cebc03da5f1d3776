package runstore

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireOutputLock_BlocksConcurrentAcquire(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "downloads")

	lock, err := AcquireOutputLock(outDir, "run")
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	_, err = AcquireOutputLock(outDir, "download")
	if err == nil {
		t.Fatalf("expected second acquire to fail")
	}
	if !strings.Contains(err.Error(), "command=run") {
		t.Fatalf("expected lock owner in error, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	lock2, err := AcquireOutputLock(outDir, "run")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("release second lock: %v", err)
	}
}

func TestAcquireOutputLock_RequiresDir(t *testing.T) {
	if _, err := AcquireOutputLock("  ", "run"); err == nil {
		t.Fatalf("expected error for empty output dir")
	}
	if err := (OutputLock{}).Release(); err != nil {
		t.Fatalf("zero lock release: %v", err)
	}
}
