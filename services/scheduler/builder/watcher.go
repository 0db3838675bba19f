// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from editors.
const DefaultDebounce = 200 * time.Millisecond

// ApplyFunc receives each successfully rebuilt plan.
type ApplyFunc func(ctx context.Context, plan *Plan) error

// Watcher rebuilds a manifest whenever its file changes.
//
// # Description
//
// The parent directory is watched so rename-on-save editors are seen.
// Events for other files are ignored. Build or apply errors are logged and
// watching continues.
//
// # Thread Safety
//
// Run must be called once.
type Watcher struct {
	path     string
	builder  *Builder
	apply    ApplyFunc
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the manifest at path.
func NewWatcher(path string, b *Builder, apply ApplyFunc, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		builder:  b,
		apply:    apply,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "manifest_watcher"), slog.String("path", path)),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching manifest")

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	m, err := LoadManifest(w.path)
	if err != nil {
		w.logger.Warn("manifest reload skipped", slog.String("error", err.Error()))
		return
	}
	plan, err := w.builder.Build(m)
	if err != nil {
		w.logger.Warn("manifest rebuild failed", slog.String("error", err.Error()))
		return
	}
	if err := w.apply(ctx, plan); err != nil {
		w.logger.Error("manifest apply failed", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("manifest reloaded", slog.Int("nodes", len(plan.Nodes)))
}
