package control

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// HaltFileName is the file an operator creates in the state directory to
// stop all tasks.
const HaltFileName = "HALT"

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize halt file watcher")

// HaltWatcher flips Controls when the halt file appears or disappears.
type HaltWatcher struct {
	path     string
	controls *Controls
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// WatchHaltFile watches path. Creating the file halts, its first line is
// used as the reason. Removing it resumes. The directory must exist.
func WatchHaltFile(ctx context.Context, path string, c *Controls, logger *zap.Logger) (*HaltWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	// Watch the directory so creation of a missing file is seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	hw := &HaltWatcher{
		path:     filepath.Clean(path),
		controls: c,
		watcher:  w,
		logger:   logger,
		done:     make(chan struct{}),
	}
	hw.sync()
	go hw.loop(ctx)
	return hw, nil
}

// Close stops watching.
func (h *HaltWatcher) Close() error {
	err := h.watcher.Close()
	<-h.done
	return err
}

func (h *HaltWatcher) loop(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == h.path {
				h.sync()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("halt file watcher error", zap.Error(err))
		}
	}
}

func (h *HaltWatcher) sync() {
	data, err := os.ReadFile(h.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if halted, _ := h.controls.Halted(); halted {
			h.logger.Info("halt file removed, resuming", zap.String("path", h.path))
			h.controls.Resume()
		}
	case err != nil:
		h.logger.Warn("reading halt file", zap.String("path", h.path), zap.Error(err))
	default:
		reason := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		if reason == "" {
			reason = "halt file present"
		}
		if halted, current := h.controls.Halted(); !halted || current != reason {
			h.logger.Warn("halt requested", zap.String("path", h.path), zap.String("reason", reason))
			h.controls.Halt(reason)
		}
	}
}
