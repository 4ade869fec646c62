package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeBundleFile(t *testing.T, path, revision string) {
	t.Helper()
	manifest := fmt.Sprintf(`{"revision": %q, "wasm": [{"entrypoint": "example/allow", "module": "/policy.wasm"}]}`, revision)
	raw := buildArchive(t, []archiveEntry{
		{name: "/.manifest", body: manifest},
		{name: "/policy.wasm", body: "module " + revision},
	})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
}

func startWatcher(t *testing.T, path string) (*Watcher, <-chan *Bundle) {
	t.Helper()
	w, err := NewWatcher(path, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})

	reloads := make(chan *Bundle, 8)
	go func() {
		w.Watch(ctx, func(bn *Bundle) { reloads <- bn })
	}()
	// Give the directory watch a moment to register before any writes.
	time.Sleep(50 * time.Millisecond)
	return w, reloads
}

func awaitReload(t *testing.T, reloads <-chan *Bundle, revision string) {
	t.Helper()
	select {
	case bn := <-reloads:
		if bn.Manifest == nil || bn.Manifest.Revision != revision {
			t.Fatalf("reloaded revision %+v, want %q", bn.Manifest, revision)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload within timeout, want revision %q", revision)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeBundleFile(t, path, "r1")

	_, reloads := startWatcher(t, path)

	writeBundleFile(t, path, "r2")
	awaitReload(t, reloads, "r2")

	writeBundleFile(t, path, "r3")
	awaitReload(t, reloads, "r3")
}

// A rewrite that fails to parse is skipped; the watcher keeps delivering
// once the file is valid again.
func TestWatcherSkipsBrokenBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeBundleFile(t, path, "r1")

	_, reloads := startWatcher(t, path)

	if err := os.WriteFile(path, []byte("corrupt"), 0o644); err != nil {
		t.Fatalf("write corrupt bundle: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	select {
	case bn := <-reloads:
		t.Fatalf("broken bundle delivered: %+v", bn.Manifest)
	default:
	}

	writeBundleFile(t, path, "r2")
	awaitReload(t, reloads, "r2")
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeBundleFile(t, path, "r1")

	_, reloads := startWatcher(t, path)

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("noise"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	select {
	case bn := <-reloads:
		t.Fatalf("sibling write triggered a reload: %+v", bn.Manifest)
	default:
	}
}

func TestWatcherStopWithoutWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.tar.gz")
	w, err := NewWatcher(path, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop again is a no-op on an already-released watcher.
	w.Stop()
}

func TestWatcherStopTerminatesWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeBundleFile(t, path, "r1")

	w, err := NewWatcher(path, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(context.Background(), func(*Bundle) {})
	}()
	time.Sleep(50 * time.Millisecond)

	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after stop")
	}
}

func TestWatcherContextCancelTerminatesWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeBundleFile(t, path, "r1")

	w, err := NewWatcher(path, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(*Bundle) {})
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
