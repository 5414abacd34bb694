// Copyright 2026 The initd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watcher keeps the job registry in sync with the definition
// directory: edits become replacement definitions, removals mark jobs
// deleted.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/initware/initd/internal/config"
	"github.com/initware/initd/internal/engine"
	ilog "github.com/initware/initd/internal/log"
)

// debounceDelay coalesces the burst of write events an editor produces
// for a single save.
const debounceDelay = 250 * time.Millisecond

// Watcher watches the job definition directory.
type Watcher struct {
	dir    string
	eng    *engine.Engine
	logger *slog.Logger

	fw *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]*time.Timer
	shutdown bool
}

// New creates a watcher over dir feeding eng.
func New(dir string, eng *engine.Engine, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		eng:     eng,
		logger:  ilog.WithComponent(logger, "watcher"),
		fw:      fw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !config.IsJobFile(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
				w.scheduleReload(ev.Name)
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				w.cancelReload(ev.Name)
				w.remove(ev.Name)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", ilog.Error(err))
		}
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	w.shutdown = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.fw.Close()
}

// scheduleReload defers the reload past the write burst.
func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdown {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		done := w.shutdown
		w.mu.Unlock()
		if !done {
			w.reload(path)
		}
	})
}

func (w *Watcher) cancelReload(path string) {
	w.mu.Lock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) reload(path string) {
	def, err := config.LoadJobFile(path)
	if err != nil {
		// A bad definition file never disturbs the running job.
		w.logger.Warn("ignoring unparseable job file",
			slog.String("path", path),
			ilog.Error(err))
		return
	}
	if err := w.eng.ApplyDefinition(def); err != nil {
		w.logger.Warn("cannot apply job definition",
			slog.String(ilog.JobKey, def.Name),
			ilog.Error(err))
		return
	}
	w.logger.Info("job definition reloaded", slog.String(ilog.JobKey, def.Name))
}

func (w *Watcher) remove(path string) {
	name := config.JobName(path)
	if err := w.eng.RemoveDefinition(name); err != nil {
		w.logger.Debug("removal of unknown job ignored",
			slog.String(ilog.JobKey, name),
			ilog.Error(err))
		return
	}
	w.logger.Info("job definition removed", slog.String(ilog.JobKey, name))
}
