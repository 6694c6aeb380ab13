package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file for changes and, on each debounced
// change, reloads it and calls back with the new Snapshot. Adapted from the
// teacher's internal/config.Watcher, unchanged in shape: same fsnotify
// usage, same 500ms debounce.
type Watcher struct {
	path     string
	callback func(*Snapshot)
	onReload func(applied bool)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path, invoking callback with a freshly built
// Snapshot after each debounced change. onReload, if non-nil, is called
// with whether the reload was applied or rejected (spec.md §7, "Config
// errors at reload: reject the new snapshot, keep the old one").
func NewWatcher(path string, callback func(*Snapshot), onReload func(applied bool)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		onReload: onReload,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed, keeping previous snapshot", "path", cw.path, "error", err)
		if cw.onReload != nil {
			cw.onReload(false)
		}
		return
	}

	slog.Info("config reloaded", "path", cw.path)
	cw.callback(NewSnapshot(cfg))
	if cw.onReload != nil {
		cw.onReload(true)
	}
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
