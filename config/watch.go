package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RoutingSource hands out the current routing snapshot. Callers read it once per
// request so a run never observes two different configurations.
type RoutingSource interface {
	Current() *Routing
}

type staticSource struct{ r *Routing }

// Static wraps a fixed routing snapshot.
func Static(r *Routing) RoutingSource {
	return staticSource{r: r}
}

func (s staticSource) Current() *Routing { return s.r }

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the routing file when it changes on disk. A file that fails to
// parse or validate is logged and the previous snapshot stays active.
type Watcher struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Routing]
	fsw     *fsnotify.Watcher
	stop    chan struct{}
	reloads chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// WatchRouting loads path and starts watching its directory for changes.
func WatchRouting(path string, logger *zap.Logger) (*Watcher, error) {
	r, err := LoadRouting(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start routing watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory rather than the file.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			logger.Error("failed to close routing watcher", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		fsw:     fsw,
		stop:    make(chan struct{}),
		reloads: make(chan struct{}, 1),
	}
	w.current.Store(r)
	go w.loop()
	return w, nil
}

func (w *Watcher) Current() *Routing {
	return w.current.Load()
}

// Reloaded receives a value after each successful reload. Intended for tests and
// diagnostics; missed notifications are coalesced.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloads
}

func (w *Watcher) loop() {
	name := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(reloadDebounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("routing watcher error", zap.Error(err))

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	r, err := LoadRouting(w.path)
	if err != nil {
		w.logger.Error("routing reload rejected, keeping previous config", zap.Error(err))
		return
	}
	w.current.Store(r)
	w.logger.Info("routing config reloaded",
		zap.Int("models", len(r.Models)),
		zap.String("default_provider", r.DefaultProvider),
	)
	select {
	case w.reloads <- struct{}{}:
	default:
	}
}

// Close stops watching. The last loaded snapshot remains readable.
func (w *Watcher) Close() error {
	close(w.stop)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
