package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRepoWatcher_ReportsSettledChanges(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan []string, 1)
	rw, err := NewRepoWatcher(dir, func(paths []string) {
		select {
		case changed <- paths:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	rw.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rw.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer rw.Stop()

	path := filepath.Join(dir, "concepts.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case paths := <-changed:
		if len(paths) != 1 || paths[0] != path {
			t.Errorf("Changed = %v", paths)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watcher never reported the change")
	}
}

func TestWatchedFile(t *testing.T) {
	cases := map[string]bool{
		"/repo/concepts.json":     true,
		"/repo/inferences.json":   true,
		"/repo/inputs.json":       true,
		"/repo/prompts/add.txt":   true,
		"/repo/scripts/double.py": true,
		"/repo/notes.txt":         false,
		"/repo/run.db":            false,
	}
	for path, want := range cases {
		if got := watchedFile(path); got != want {
			t.Errorf("watchedFile(%q) = %v", path, got)
		}
	}
}
