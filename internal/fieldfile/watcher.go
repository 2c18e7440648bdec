package fieldfile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mesh-intelligence/metafield/internal/log"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-imports a field file whenever it changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	saver     Saver
	debounce  time.Duration
	reloaded  chan int
}

// NewWatcher creates a watcher for path. A debounce of zero uses
// DefaultDebounce.
func NewWatcher(path string, saver Saver, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		fsWatcher: fsw,
		path:      abs,
		saver:     saver,
		debounce:  debounce,
		reloaded:  make(chan int, 1),
	}, nil
}

// Reloaded receives the definition count after each successful reload.
// Sends are dropped when nobody is reading.
func (w *Watcher) Reloaded() <-chan int {
	return w.reloaded
}

// Run watches the file's directory until ctx is done. Editors replace files
// by rename, so watching the file itself would lose it after one save.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsWatcher.Close()
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	log.Info(log.CatWatcher, "Watching field file", "path", w.path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			n, err := Import(ctx, w.saver, w.path)
			if err != nil {
				log.ErrorErr(log.CatWatcher, "Reloading field file failed", err, "path", w.path)
				continue
			}
			select {
			case w.reloaded <- n:
			default:
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Warn(log.CatWatcher, "Watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(ev.Name) == w.path
}
