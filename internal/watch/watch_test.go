package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, w *Watcher) <-chan []string {
	t.Helper()
	calls := make(chan []string, 8)
	w.Log = zerolog.Nop()
	w.OnChange = func(_ context.Context, changed []string) { calls <- changed }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)
	return calls
}

func waitCall(t *testing.T, calls <-chan []string) []string {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no rebuild triggered")
		return nil
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	calls := startWatcher(t, &Watcher{Dirs: []string{dir}, Debounce: 150 * time.Millisecond})

	a := filepath.Join(dir, "a.ts")
	b := filepath.Join(dir, "b.ts")
	require.NoError(t, os.WriteFile(a, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("2"), 0o644))

	changed := waitCall(t, calls)
	assert.Contains(t, changed, a)
	assert.Contains(t, changed, b)

	select {
	case extra := <-calls:
		t.Fatalf("unexpected second rebuild: %v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	calls := startWatcher(t, &Watcher{Dirs: []string{dir}, Debounce: 50 * time.Millisecond})

	sub := filepath.Join(dir, "pages")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitCall(t, calls)

	f := filepath.Join(sub, "home.tsx")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	assert.Contains(t, waitCall(t, calls), f)
}

func TestWatcher_IgnoresOutputDir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dist")
	require.NoError(t, os.Mkdir(out, 0o755))
	calls := startWatcher(t, &Watcher{Dirs: []string{dir}, Ignore: []string{out}, Debounce: 50 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(out, "app.js"), []byte("x"), 0o644))
	select {
	case c := <-calls:
		t.Fatalf("output write triggered a rebuild: %v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	w := &Watcher{Dirs: []string{filepath.Join(t.TempDir(), "absent")}, Log: zerolog.Nop()}
	assert.Error(t, w.Run(context.Background()))
}
