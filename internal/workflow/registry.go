// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/model"
)

// Registry holds the active workflow definitions with atomic reloading.
// It provides thread-safe access and supports hot reloading when files in
// the workflow directory change.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	dir     string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewRegistry loads all definitions from dir. Loading is all-or-nothing: one
// broken file fails startup instead of silently running a partial set.
func NewRegistry(dir string) (*Registry, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return &Registry{
		defs:   defs,
		dir:    dir,
		logger: log.WithComponent("workflow"),
	}, nil
}

// Get returns the definition with the given workflow name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match returns the definitions whose triggers accept the event, sorted by
// name for deterministic run creation order.
func (r *Registry) Match(t model.Trigger) []*Definition {
	matched := make([]*Definition, 0, 1)
	for _, def := range r.List() {
		if def.Matches(t) {
			matched = append(matched, def)
		}
	}
	return matched
}

// Reload re-reads the workflow directory and atomically swaps the definition
// set. Files are loaded independently: an invalid file is skipped with a
// logged error and, if an earlier load of the same file succeeded, that last
// good version stays active. A broken file never blocks valid edits to its
// siblings. Only an unreadable directory fails the reload.
func (r *Registry) Reload(_ context.Context) error {
	r.logger.Info().Str("event", "workflow.reload_start").Msg("reloading workflow definitions")

	files, err := listWorkflowFiles(r.dir)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("event", "workflow.reload_failed").
			Msg("failed to read workflow directory")
		return fmt.Errorf("load workflows: %w", err)
	}

	r.mu.RLock()
	lastGood := make(map[string]*Definition, len(r.defs))
	for _, def := range r.defs {
		lastGood[def.Source] = def
	}
	r.mu.RUnlock()

	defs := make(map[string]*Definition, len(files))
	invalid := 0
	for _, name := range files {
		def, err := Load(filepath.Join(r.dir, name))
		if err != nil {
			invalid++
			if prev, ok := lastGood[name]; ok {
				r.logger.Error().
					Err(err).
					Str("event", "workflow.reload_skip").
					Str("file", name).
					Msg("invalid workflow file, keeping last good version")
				def = prev
			} else {
				r.logger.Error().
					Err(err).
					Str("event", "workflow.reload_skip").
					Str("file", name).
					Msg("invalid workflow file skipped")
				continue
			}
		}
		if prev, exists := defs[def.Name]; exists {
			r.logger.Error().
				Str("event", "workflow.reload_conflict").
				Str("file", name).
				Str("workflow", def.Name).
				Str("declared_in", prev.Source).
				Msg("duplicate workflow name, file skipped")
			continue
		}
		defs[def.Name] = def
	}

	r.mu.Lock()
	old := r.defs
	r.defs = defs
	r.mu.Unlock()

	r.logChanges(old, defs)

	r.logger.Info().
		Int("workflows", len(defs)).
		Int("invalid_files", invalid).
		Str("event", "workflow.reload_success").
		Msg("workflow definitions reloaded")

	return nil
}

// StartWatcher watches the workflow directory and reloads on changes.
func (r *Registry) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	r.watcher = watcher

	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close() // Ignore close error in error path
		return fmt.Errorf("watch workflow dir: %w", err)
	}

	r.logger.Info().
		Str("event", "workflow.watcher_started").
		Str("path", r.dir).
		Msg("watching workflow directory for changes")

	go r.watchLoop(ctx)

	return nil
}

// watchLoop is the main file watcher loop.
func (r *Registry) watchLoop(ctx context.Context) {
	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("event", "workflow.watcher_stopped").Msg("workflow watcher stopped")
			if r.watcher != nil {
				_ = r.watcher.Close()
			}
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}

			// Write, Create, Remove and Rename all change the active set
			// (editors often rename over the watched file).
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				r.logger.Debug().
					Str("event", "workflow.file_changed").
					Str("op", event.Op.String()).
					Str("path", event.Name).
					Msg("workflow file changed")

				// Debounce: reset timer on each event
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := r.Reload(ctx); err != nil {
						r.logger.Error().
							Err(err).
							Str("event", "workflow.auto_reload_failed").
							Msg("automatic workflow reload failed")
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().
				Err(err).
				Str("event", "workflow.watcher_error").
				Msg("workflow watcher error")
		}
	}
}

// Stop stops the directory watcher (if running).
func (r *Registry) Stop() {
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}

// logChanges logs which workflows appeared, disappeared or changed triggers.
func (r *Registry) logChanges(old, current map[string]*Definition) {
	for name := range current {
		if _, existed := old[name]; !existed {
			r.logger.Info().Str("workflow", name).Msg("workflow added")
		}
	}
	for name := range old {
		if _, still := current[name]; !still {
			r.logger.Warn().Str("workflow", name).Msg("workflow removed")
		}
	}
}
