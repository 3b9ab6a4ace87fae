// Package source watches the configured video source file so the
// player can rebuild its intermediate and restart playback when the
// file is swapped out underneath a running appliance.
package source

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors the directory containing one video source file and
// signals on its Changes channel whenever that file is replaced.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	changes chan struct{}
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for the given source file. The parent
// directory is watched so renames over the file (the usual atomic
// replace) are seen.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		logger:  logger,
		watcher: fw,
		changes: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}, nil
}

// Changes delivers one signal per source replacement. Signals coalesce:
// a burst of writes produces at most one pending signal.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start runs the watch loop. It blocks until Stop is called or the
// underlying watcher shuts down.
func (w *Watcher) Start() error {
	w.logger.Info("watching video source", zap.String("path", w.path))

	for {
		select {
		case <-w.stopCh:
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.isSourceEvent(event) {
				continue
			}
			w.logger.Info("video source changed",
				zap.String("op", event.Op.String()),
				zap.String("path", event.Name))
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("source watch error", zap.Error(err))
		}
	}
}

// Stop halts the watch loop and releases fsnotify resources.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

// isSourceEvent filters for events that replace the watched file's
// contents.
func (w *Watcher) isSourceEvent(e fsnotify.Event) bool {
	if filepath.Clean(e.Name) != w.path {
		return false
	}
	return e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0
}
