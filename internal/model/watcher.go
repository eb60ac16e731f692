// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultDebounce = 250 * time.Millisecond

// =============================================================================
// MODELS FILE WATCHER
// =============================================================================

// Watcher reloads a models file into a Registry whenever it changes on disk.
// The parent directory is watched so editors that replace the file by
// rename are handled.
type Watcher struct {
	path     string
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      logrus.FieldLogger

	mu      sync.Mutex
	pending time.Time // last change time, zero when nothing is pending

	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewWatcher creates a watcher for path. Call Watch to start it.
func NewWatcher(path string, registry *Registry, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     filepath.Clean(path),
		registry: registry,
		watcher:  fsw,
		debounce: debounce,
		log:      logrus.WithField("component", "models_watcher"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// WithLogger sets the logger.
func (w *Watcher) WithLogger(l logrus.FieldLogger) *Watcher {
	w.log = l
	return w
}

// Watch starts watching the file's directory.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.done.Add(2)
	go w.processEvents()
	go w.processPending()

	w.log.WithField("path", w.path).Info("MODELS_WATCH_START")
	return nil
}

// processEvents records changes to the watched file.
func (w *Watcher) processEvents() {
	defer w.done.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("MODELS_WATCH_ERROR")
		}
	}
}

// processPending reloads once the file has been quiet for the debounce period.
func (w *Watcher) processPending() {
	defer w.done.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if ready {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if ready {
				w.reload()
			}
		}
	}
}

// reload loads the file and swaps the registry table. A bad file is logged
// and the previous table stays in place.
func (w *Watcher) reload() {
	models, err := LoadFile(w.path)
	if err == nil {
		err = w.registry.Replace(models)
	}
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Error("MODELS_RELOAD_FAILED")
		return
	}
	w.log.WithFields(logrus.Fields{
		"path":   w.path,
		"models": len(models),
	}).Info("MODELS_RELOADED")
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.done.Wait()
	return err
}
