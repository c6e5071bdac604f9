package server

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/render"
)

// Watcher reloads the render pool when the built application changes on
// disk. Build tools replace package.json atomically, so both writes and
// renames count as a change.
type Watcher struct {
	fs     *fsnotify.Watcher
	coord  *render.Coordinator
	logger *logging.Logger
	done   chan struct{}
}

// NewWatcher watches distPath for manifest changes.
func NewWatcher(distPath string, coord *render.Coordinator, logger *logging.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(distPath); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		fs:     fs,
		coord:  coord,
		logger: logger.Named("watch"),
		done:   make(chan struct{}),
	}
	go w.run()

	w.logger.Info("Watching for application changes", zap.String("dist", distPath))
	return w, nil
}

func (w *Watcher) run() {
	// Coalesce bursts of events from a single rebuild.
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "package.json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case <-pending:
			pending = nil
			w.logger.Info("Application changed, reloading")
			if err := w.coord.Reload(render.ReloadOptions{}); err != nil {
				w.logger.Error("Reload failed", zap.Error(err))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
