// Package reload detects configuration file changes by polling file
// metadata, so the daemon can resync its connections without a restart.
package reload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks one configuration file and reports modifications.
type Watcher struct {
	path string

	mu    sync.Mutex
	state fileState
}

// NewWatcher snapshots the current state of the file at path.
func NewWatcher(path string) (*Watcher, error) {
	state, err := stat(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, state: state}, nil
}

// Changed reports whether the file was modified since the last call and
// advances the snapshot when it was.
func (w *Watcher) Changed() (bool, error) {
	current, err := stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if current == w.state {
		return false, nil
	}
	w.state = current
	return true, nil
}

// Run polls the file at the given interval and invokes fn on every change
// until ctx is cancelled. Stat errors are transient and skipped.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := w.Changed()
			if err != nil {
				continue
			}
			if changed && fn != nil {
				fn()
			}
		}
	}
}

func stat(path string) (fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fileState{}, fmt.Errorf("%s is a directory", path)
	}
	return fileState{modTime: info.ModTime(), size: info.Size()}, nil
}
