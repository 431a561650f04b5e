package config

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and invokes onReload with the
// freshly parsed Config. Editors that write via rename-and-replace (most
// editors, including the common config.json5 workflow) still trigger a
// reload: fsnotify.Remove/Rename on the watched path re-arms the watch on
// the new inode after a short settle delay.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	done     chan struct{}
}

// NewWatcher starts watching path for changes. onReload is called with the
// newly loaded config after each debounced change; parse errors are logged
// and the previous config is left in place.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, onReload: onReload, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	reload := func() {
		if err := w.watcher.Add(w.path); err != nil {
			slog.Warn("config watcher re-arm failed", "path", w.path, "error", err)
			return
		}
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
			return
		}
		w.onReload(cfg)
		slog.Info("config reloaded", "path", w.path)
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
