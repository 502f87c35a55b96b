package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string) (*Watcher, chan Event) {
	t.Helper()
	w := New(dir, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	events := w.Subscribe()
	t.Cleanup(func() { w.Unsubscribe(events) })
	return w, events
}

func nextEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestWatcher_CreateModifyDelete(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initial.js"), []byte("a"), 0o644))
	w, events := startWatcher(t, dir)
	assert.Equal(t, []string{"initial.js"}, w.Files())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "App.js"), []byte("x"), 0o644))
	ev := nextEvent(t, events)
	assert.Equal(t, EventCreate, ev.Type)
	assert.Equal(t, "src/App.js", ev.Path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "App.js"), []byte("longer"), 0o644))
	ev = nextEvent(t, events)
	assert.Equal(t, EventModify, ev.Type)
	assert.Equal(t, "src/App.js", ev.Path)

	require.NoError(t, os.Remove(filepath.Join(dir, "initial.js")))
	ev = nextEvent(t, events)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, "initial.js", ev.Path)
}

func TestWatcher_SkipsHiddenAndVendorDirs(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{".git", "node_modules", "src"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, sub, "f.js"), []byte("x"), 0o644))
	}

	w, _ := startWatcher(t, dir)
	files := w.Files()
	sort.Strings(files)
	assert.Equal(t, []string{"src/f.js"}, files)
}

func TestWatcher_MissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), 0, nil)
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_UnsubscribeTwice(t *testing.T) {
	w := New(t.TempDir(), 0, nil)
	ch := w.Subscribe()
	w.Unsubscribe(ch)
	w.Unsubscribe(ch)
	w.Stop()
	w.Stop()
}
