package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relaystatus/internal/usage"
	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher holds the current config and swaps it whenever the file changes
// and the new content validates. An invalid edit keeps the previous value.
type Watcher struct {
	path    string
	logger  Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

func NewWatcher(path string, logger Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Limits returns the plan limits in force right now. Quota calls take this
// value per call so a reload applies to the next check.
func (w *Watcher) Limits() usage.Limits {
	return w.Current().Usage.Limits
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(cfg)
	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Run watches the file's directory, so editors that replace the file by
// rename are still picked up, until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Printf("config: reload of %s rejected: %v", w.path, err)
				continue
			}
			w.logger.Printf("config: reloaded %s", w.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("config: watch error: %v", err)
		}
	}
}
