package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file at path, layering it over Defaults() so
// unset fields keep their baseline value.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.HotReloadPath = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watcher watches a config file's directory and invokes onChange with a
// freshly loaded, validated Config whenever the file is written. An invalid
// reload is dropped and its error is passed to Run's onError callback; no
// Config is delivered for it.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	closed  bool
}

// NewWatcher starts watching path's containing directory (watching the
// directory rather than the file survives editors that replace the file
// via rename-on-save).
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Run blocks, delivering reloaded configs on changes to the watched file
// until ctx is done or Close is called. onChange and onError may be nil.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config), onError func(error)) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
