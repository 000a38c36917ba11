package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write bursts editors produce on save.
const debounceWindow = 250 * time.Millisecond

// Watcher re-loads the config file on change and delivers validated
// configs on Updates. Invalid intermediate states are skipped, never
// delivered: the last good config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	updates chan *Config
}

// NewWatcher creates a watcher for the given config file. The parent
// directory is watched, not the file itself, so atomic rename-replace
// saves still trigger.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "dispatchd", "config.yaml")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:    path,
		watcher: fsw,
		updates: make(chan *Config, 1),
	}, nil
}

// Updates delivers each successfully re-loaded config.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Start processes filesystem events until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cfg, err := LoadWithFile(w.path)
			if err != nil {
				// Keep the last good config. The error surfaces when
				// the operator checks logs, not by crashing the engine.
				continue
			}
			select {
			case w.updates <- cfg:
			default:
				// Drop stale pending update in favor of the newest.
				select {
				case <-w.updates:
				default:
				}
				w.updates <- cfg
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
