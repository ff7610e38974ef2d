package reload

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcherDetectsModification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "pump:\n  interval: 50ms\n")

	watcher, err := NewWatcher(path)
	require.NoError(t, err)

	changed, err := watcher.Changed()
	require.NoError(t, err)
	require.False(t, changed)

	// a different size makes the change visible regardless of the
	// filesystem's mtime resolution
	writeFile(t, path, "pump:\n  interval: 100ms\n")
	changed, err = watcher.Changed()
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = watcher.Changed()
	require.NoError(t, err)
	require.False(t, changed)
}

func TestWatcherRejectsMissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWatcherReportsDeletedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "x: 1\n")

	watcher, err := NewWatcher(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	_, err = watcher.Changed()
	require.Error(t, err)
}

func TestRunInvokesCallbackOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "x: 1\n")

	watcher, err := NewWatcher(path)
	require.NoError(t, err)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx, 10*time.Millisecond, func() { calls.Add(1) })
	}()

	writeFile(t, path, "x: 12\n")
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
