// oreon/defense · watchthelight <wtl>

package logsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change reported for a monitored path.
type Op int

const (
	OpWrite Op = iota + 1
	OpCreate
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Change is a filesystem notification for a monitored path.
type Change struct {
	Path string
	Op   Op
}

// Watcher watches the parent directories of monitored logs, so rotation
// and re-creation are seen as well as appends. Notifications for other
// files in those directories are dropped.
type Watcher struct {
	logger *slog.Logger
	notify func(Change)

	mu    sync.Mutex
	paths map[string]bool
}

// NewWatcher creates a Watcher that reports changes through notify.
// notify runs on the watcher goroutine and must not block for long.
func NewWatcher(notify func(Change), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger.With("component", "watcher"),
		notify: notify,
		paths:  make(map[string]bool),
	}
}

// Add registers a path. Paths added after Serve started are picked up on
// the next restart of the service.
func (w *Watcher) Add(path string) {
	w.mu.Lock()
	w.paths[filepath.Clean(path)] = true
	w.mu.Unlock()
}

func (w *Watcher) dirs() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make(map[string]bool, len(w.paths))
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	return dirs
}

func (w *Watcher) watched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[filepath.Clean(path)]
}

// Translate maps an fsnotify event to a Change. Chmod-only events and
// unmonitored paths are dropped.
func (w *Watcher) Translate(ev fsnotify.Event) (Change, bool) {
	if !w.watched(ev.Name) {
		return Change{}, false
	}
	c := Change{Path: filepath.Clean(ev.Name)}
	switch {
	case ev.Has(fsnotify.Create):
		c.Op = OpCreate
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		c.Op = OpRemove
	case ev.Has(fsnotify.Write):
		c.Op = OpWrite
	default:
		return Change{}, false
	}
	return c, true
}

// Serve implements suture.Service.
func (w *Watcher) Serve(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	for dir := range w.dirs() {
		if err := fw.Add(dir); err != nil {
			// The directory may appear later; polling still covers the file.
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		w.logger.Debug("watching directory", "dir", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if c, ok := w.Translate(ev); ok {
				w.notify(c)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (w *Watcher) String() string {
	return "log-watcher"
}
