package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const (
	watcherValidYAML   = "server:\n  log_level: info\ntranscript:\n  grace_window: 150ms\n"
	watcherUpdatedYAML = "server:\n  log_level: debug\ntranscript:\n  grace_window: 300ms\n"
	watcherInvalidYAML = "server:\n  log_level: bananas\n"
)

// startWatcher runs w until the test ends.
func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// replaceFile swaps in new content atomically so a poll never sees a
// half-written file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	bumpMtime(t, tmp)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

// bumpMtime makes sure the next write is seen as a modification even on
// filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	changed := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changed <- config.Diff(old, new)
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	replaceFile(t, path, watcherUpdatedYAML)

	select {
	case d := <-changed:
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
			t.Errorf("log level diff = %+v", d)
		}
		if !d.GraceWindowChanged || d.NewGraceWindow != 300*time.Millisecond {
			t.Errorf("grace window diff = %+v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change not detected")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current().log_level = %q, want debug", got)
	}
}

func TestWatcher_KeepsConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var (
		mu      sync.Mutex
		changes int
	)
	errs := make(chan error, 4)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		changes++
		mu.Unlock()
	},
		config.WithInterval(20*time.Millisecond),
		config.WithReloadErrorHandler(func(err error) { errs <- err }),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	replaceFile(t, path, watcherInvalidYAML)

	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("invalid edit not reported")
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want previous value info", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if changes != 0 {
		t.Errorf("onChange called %d times for an invalid edit", changes)
	}
}

func TestWatcher_TouchWithoutEditIsIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	changed := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) { changed <- struct{}{} },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	bumpMtime(t, path)
	select {
	case <-changed:
		t.Fatal("onChange called for identical content")
	case <-time.After(200 * time.Millisecond):
	}
}
