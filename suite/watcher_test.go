package suite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replaceFile writes content next to path and renames it into place so the
// watcher sees a single complete write.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w, err := NewWatcher([]string{filepath.Join(dir, "**", "*.json")}, 50*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	// Give watcher time to set up
	time.Sleep(100 * time.Millisecond)
	return w
}

func waitEvent(t *testing.T, w *Watcher) WatchEvent {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watch event")
		return WatchEvent{}
	}
}

func expectNoEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Errorf("unexpected event %s %s", ev.Operation, ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(nil, 0, nil)
	assert.Error(t, err)

	_, err = NewWatcher([]string{"suites/[.json"}, 0, nil)
	assert.Error(t, err)

	w, err := NewWatcher([]string{"suites/*.json"}, 0, nil)
	require.NoError(t, err)
	defer w.Stop()
	assert.Equal(t, DefaultDebounce, w.debounce)
	assert.True(t, filepath.IsAbs(w.patterns[0]))
}

func TestWatcher_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.json")
	writeFile(t, existing, `{"tests": [{}]}`)

	w := startWatcher(t, dir)

	_, ok := w.GetHash(existing)
	assert.True(t, ok, "existing files are hashed on start")

	created := filepath.Join(dir, "new.json")
	replaceFile(t, created, `{"tests": [{}]}`)
	ev := waitEvent(t, w)
	assert.Equal(t, WatchEvent{Path: created, Operation: WatchOpCreate}, ev)

	// identical content is deduplicated by hash
	replaceFile(t, existing, `{"tests": [{}]}`)
	expectNoEvent(t, w)

	replaceFile(t, existing, `{"tests": [{}, {}]}`)
	ev = waitEvent(t, w)
	assert.Equal(t, WatchEvent{Path: existing, Operation: WatchOpModify}, ev)

	require.NoError(t, os.Remove(created))
	ev = waitEvent(t, w)
	assert.Equal(t, WatchEvent{Path: created, Operation: WatchOpDelete}, ev)
}

func TestWatcher_NestedDirectoriesAndFiltering(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	// non-matching files never produce events
	replaceFile(t, filepath.Join(dir, "notes.txt"), "hello")
	expectNoEvent(t, w)

	nested := filepath.Join(dir, "team", "billing")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(nested, "refunds.json")
	replaceFile(t, path, `{"tests": [{}]}`)
	ev := waitEvent(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, WatchOpCreate, ev.Operation)
}

func TestWatcher_SetGetHash(t *testing.T) {
	w, err := NewWatcher([]string{"*.json"}, 0, nil)
	require.NoError(t, err)
	defer w.Stop()

	_, ok := w.GetHash("a.json")
	assert.False(t, ok)
	w.SetHash("a.json", "abc")
	h, ok := w.GetHash("a.json")
	assert.True(t, ok)
	assert.Equal(t, "abc", h)
}

func TestWatcher_DroppedEvents(t *testing.T) {
	w, err := NewWatcher([]string{"*.json"}, 0, nil)
	require.NoError(t, err)
	defer w.Stop()

	for i := 0; i < eventChannelBuffer+3; i++ {
		w.sendEvent(WatchEvent{Path: "x.json", Operation: WatchOpModify})
	}
	assert.Equal(t, int64(3), w.DroppedEvents())
}
