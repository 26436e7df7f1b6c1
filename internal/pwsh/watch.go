package pwsh

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the resolver's memoized scan when the module roots
// change, so a module installed while the service runs is picked up by the
// next interpreter (already-running interpreters keep their plan, per the
// plan-per-interpreter-lifetime rule).
type Watcher struct {
	fs       *fsnotify.Watcher
	resolver *Resolver
	logger   *slog.Logger
	done     chan struct{}
}

func NewWatcher(resolver *Resolver, roots []string, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if _, statErr := os.Stat(root); statErr != nil {
			continue // missing roots are normal; the scan skips them too
		}
		if err := fs.Add(root); err != nil {
			logger.Warn("cannot watch module root",
				slog.String("root", root), slog.String("error", err.Error()))
		}
	}

	w := &Watcher{fs: fs, resolver: resolver, logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.logger.Debug("module root changed, invalidating plan cache",
				slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			w.resolver.Invalidate()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("module watcher error", slog.String("error", err.Error()))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
