package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher invokes a callback when files under a directory change, debounced
// so editor save patterns (truncate, write, rename) fire once. Used for
// live reload of the DM policy files.
type Watcher struct {
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// Watch starts watching dir and calls onChange(path) after changes settle.
func Watch(dir string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fsw, stopCh: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop(onChange func(path string)) {
	var debounce *time.Timer
	var pending string
	timerC := func() <-chan time.Time {
		if debounce != nil {
			return debounce.C
		}
		return nil
	}

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Permission changes don't affect content.
			if event.Op == fsnotify.Chmod {
				continue
			}
			pending = filepath.Clean(event.Name)
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
		case <-timerC():
			debounce = nil
			if pending != "" {
				onChange(pending)
				pending = ""
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("config watcher error", "error", err)
		}
	}
}
