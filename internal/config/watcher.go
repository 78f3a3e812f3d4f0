package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the YAML overlay file on change and swaps the whole
// snapshot atomically. It never mutates a *Config a caller already holds a
// reference to — each reload stores a fresh pointer, and old callers'
// pointers remain valid and unchanged, preserving the "immutable snapshot"
// contract for anyone who stashed a reference.
type Watcher struct {
	current *atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching cfg.YAMLPath for changes, if set. If cfg was
// loaded with no YAML file, NewWatcher still returns a usable Watcher whose
// Current never changes.
func NewWatcher(cfg *Config) (*Watcher, error) {
	ptr := &atomic.Pointer[Config]{}
	ptr.Store(cfg)

	w := &Watcher{current: ptr, done: make(chan struct{})}
	if cfg.YAMLPath == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(cfg.YAMLPath); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			prev := w.current.Load()
			next, err := Load(prev.YAMLPath)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
				continue
			}
			w.current.Store(next)
			log.Info().Msg("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Current returns the most recently loaded snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop releases the underlying filesystem watch. Idempotent.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
}
