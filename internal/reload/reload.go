/*
 *  Copyright 2025 Gravitational, Inc
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

// Package reload is the shared mtime-guarded hot-reload primitive used by
// the rules and policy loaders: a single owner goroutine watches one file
// with fsnotify and swaps a pointer under a mutex whenever the file parses
// successfully. An invalid document never replaces the current value.
package reload

import (
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher[T] holds the current parsed value of a file and keeps it fresh.
type Watcher[T any] struct {
	path  string
	parse func([]byte) (T, error)
	log   *slog.Logger

	mu      sync.RWMutex
	current T

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads path once via parse and returns a Watcher holding the result.
// The caller must call Close when done to stop the background watch.
func New[T any](path string, parse func([]byte) (T, error), log *slog.Logger) (*Watcher[T], error) {
	w := &Watcher[T]{path: path, parse: parse, log: log, done: make(chan struct{})}

	if err := w.load(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.watch()
	return w, nil
}

// Get returns the most recently successfully parsed value.
func (w *Watcher[T]) Get() T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the background watch goroutine.
func (w *Watcher[T]) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher[T]) load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	parsed, err := w.parse(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = parsed
	w.mu.Unlock()
	return nil
}

func (w *Watcher[T]) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.load(); err != nil {
				w.log.Warn("reload failed, keeping previous value", "path", w.path, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", "path", w.path, "error", err)
		}
	}
}
