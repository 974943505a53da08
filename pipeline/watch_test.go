package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchFileFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weekly.sql")
	if err := os.WriteFile(path, []byte("SELECT 1"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, 20*time.Millisecond, nil, func() { fired.Add(1) })
	}()

	// Unrelated files in the same directory are ignored.
	os.WriteFile(filepath.Join(dir, "other.sql"), []byte("SELECT 2"), 0o600)

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("change not observed")
		}
		os.WriteFile(path, []byte("SELECT 3"), 0o600)
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchFileMissingDir(t *testing.T) {
	err := WatchFile(context.Background(), filepath.Join(t.TempDir(), "nope", "q.sql"), time.Millisecond, nil, func() {})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
