package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

// KindsWatcher hot-reloads the kind definitions when the kinds file changes.
// A reload that fails to parse or validate is logged and the registry keeps
// serving the previous definitions.
type KindsWatcher struct {
	path     string
	registry *resource.Registry
	logger   *telemetry.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// WatchKinds starts watching the kinds file and applying changes to the
// registry. The parent directory is watched, not the file itself, so editors
// and config tooling that replace the file atomically still trigger a reload.
func WatchKinds(path string, registry *resource.Registry, logger *telemetry.Logger) (*KindsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &KindsWatcher{
		path:     path,
		registry: registry,
		logger:   logger.NewComponentLogger("kinds-watcher"),
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *KindsWatcher) run() {
	defer close(w.done)
	base := filepath.Base(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *KindsWatcher) reload() {
	kinds, err := resource.LoadKindsFile(w.path)
	if err != nil {
		w.logger.WithError(err).Errorf("failed to reload kinds from %s, keeping previous definitions", w.path)
		return
	}
	if err := w.registry.Replace(kinds); err != nil {
		w.logger.WithError(err).Error("rejected kind definitions, keeping previous definitions")
		return
	}
	w.logger.Infof("reloaded %d kind definitions from %s", len(kinds), w.path)
}

// Close stops the watcher and waits for its loop to exit.
func (w *KindsWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
