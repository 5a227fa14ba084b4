package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"normflow/internal/logging"
)

// RepoWatcher watches the repository files (concepts.json, inferences.json,
// prompt and script files) and invokes a verification callback once a burst
// of edits settles. The verify_files config key enables it.
type RepoWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	baseDir     string
	verify      func(changed []string)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// watchedFile reports whether a path is part of the repo surface.
func watchedFile(name string) bool {
	switch filepath.Base(name) {
	case "concepts.json", "inferences.json", "inputs.json":
		return true
	}
	switch filepath.Ext(name) {
	case ".txt", ".md", ".py":
		return strings.Contains(name, "prompt") || strings.Contains(name, "script")
	}
	return false
}

// NewRepoWatcher builds a watcher over the repository base directory.
// verify receives the settled set of changed paths.
func NewRepoWatcher(baseDir string, verify func(changed []string)) (*RepoWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RepoWatcher{
		watcher:     w,
		baseDir:     baseDir,
		verify:      verify,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching; non-blocking.
func (rw *RepoWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	if err := rw.watcher.Add(rw.baseDir); err != nil {
		logging.OrchWarn("RepoWatcher: watching %s: %v", rw.baseDir, err)
	} else {
		logging.Orch("RepoWatcher: watching %s", rw.baseDir)
	}
	// Prompt/script files may live in subdirectories next to the repo files.
	entries, err := os.ReadDir(rw.baseDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				_ = rw.watcher.Add(filepath.Join(rw.baseDir, e.Name()))
			}
		}
	}

	go rw.run(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine.
func (rw *RepoWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.stopCh)
	<-rw.doneCh
	if err := rw.watcher.Close(); err != nil {
		logging.OrchWarn("RepoWatcher: closing: %v", err)
	}
}

func (rw *RepoWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !watchedFile(event.Name) {
				continue
			}
			logging.OrchDebug("RepoWatcher: %s %s", event.Op, event.Name)
			rw.mu.Lock()
			rw.debounceMap[event.Name] = time.Now()
			rw.mu.Unlock()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.OrchWarn("RepoWatcher: %v", err)
		case <-ticker.C:
			rw.flushSettled()
		}
	}
}

// flushSettled invokes the callback with paths whose last event is older
// than the debounce window.
func (rw *RepoWatcher) flushSettled() {
	rw.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range rw.debounceMap {
		if now.Sub(at) >= rw.debounceDur {
			settled = append(settled, path)
			delete(rw.debounceMap, path)
		}
	}
	rw.mu.Unlock()
	if len(settled) > 0 && rw.verify != nil {
		logging.Orch("RepoWatcher: %d files changed, verifying", len(settled))
		rw.verify(settled)
	}
}
