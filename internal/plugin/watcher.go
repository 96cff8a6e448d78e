package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce batches the burst of filesystem events a plugin update
// produces (editors write several times, archives unpack file by file)
// into a single rescan.
const DefaultDebounce = 500 * time.Millisecond

// Watcher rescans the registry when the plugin root changes on disk. It
// watches the root and every plugin directory under it, debounces the
// event stream, and calls ReloadAll once per quiet period.
type Watcher struct {
	log      zerolog.Logger
	reg      *Registry
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool
	closed  bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts watching the registry's plugin root. The root must
// exist; Scan creates it.
func NewWatcher(reg *Registry, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:      log.With().Str("component", "watcher").Logger(),
		reg:      reg,
		debounce: debounce,
		fsw:      fsw,
		watched:  make(map[string]bool),
		closeCh:  make(chan struct{}),
	}
	if err := w.syncWatches(); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// syncWatches aligns the fsnotify watch set with the root and its current
// plugin directories. Watches on removed directories drop out on their
// own when the directory goes away.
func (w *Watcher) syncWatches() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	root := w.reg.Root()
	if !w.watched[root] {
		if err := w.fsw.Add(root); err != nil {
			return err
		}
		w.watched[root] = true
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") {
			continue
		}
		path := filepath.Join(root, d.Name())
		if w.watched[path] {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn().Err(err).Str("dir", path).Msg("cannot watch plugin dir")
			continue
		}
		w.watched[path] = true
	}

	for path := range w.watched {
		if path == root {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			delete(w.watched, path)
		}
	}
	return nil
}

// run processes filesystem events until Close.
func (w *Watcher) run() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("plugin root changed")
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")

		case <-timer.C:
			w.rescan()
		}
	}
}

// relevant filters out chmod-only noise and hidden paths.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false
	}
	return true
}

// rescan reloads the registry and refreshes the watch set afterwards so
// newly created plugin directories are covered.
func (w *Watcher) rescan() {
	w.log.Info().Msg("plugin root changed, rescanning")
	if err := w.reg.ReloadAll(context.Background()); err != nil {
		w.log.Error().Err(err).Msg("rescan failed")
	}
	if err := w.syncWatches(); err != nil {
		w.log.Warn().Err(err).Msg("refreshing watches failed")
	}
}

// Close stops the watcher. Pending debounced rescans are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
