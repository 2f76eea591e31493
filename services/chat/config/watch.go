// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded configuration whenever the file at
// path is written or replaced.
//
// # Description
//
// The parent directory is watched rather than the file so that editors and
// config-map updates that replace the file by rename are seen. A file that
// fails to load is logged and skipped; the previous configuration stays in
// effect. Only settings that are safe to change at runtime should be
// applied by onChange.
//
// # Thread Safety
//
// onChange runs on the watcher goroutine, one call at a time.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created. Watch otherwise
//     runs until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*ChatConfig)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isReload(event, abs) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					slog.Warn("Ignoring invalid config change", "path", abs, "error", err)
					continue
				}
				slog.Info("Config reloaded", "path", abs)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func isReload(event fsnotify.Event, path string) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
