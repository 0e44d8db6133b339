// Copyright 2025 Tom Barlow
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

package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/bifrosthq/bifrost/internal/log"
)

// Watch rescans the workspace when definition files change. Events
// debounce into a single rescan; directories created later are picked
// up as they appear. The loop runs until ctx is done.
func (w *Workspace) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create workspace watcher: %w", err)
	}
	if err := watchTree(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}

	go w.watchLoop(ctx, fsw)
	w.logger.Info("workspace watcher started", slog.String("root", w.root))
	return nil
}

// watchTree registers root and every directory below it. fsnotify
// watches are not recursive.
func watchTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Workspace) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			w.logger.Info("workspace watcher stopped")
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("workspace watcher error", log.Error(err))
		}
	}
}

func (w *Workspace) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fsw.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", event.Name), log.Error(err))
			}
			// The directory may have arrived populated.
			w.scheduleRescan()
			return
		}
	}

	// Chmod and other unmapped operations are ignored.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !w.matches(event.Name) {
		return
	}

	w.logger.Debug("workspace definition changed",
		slog.String("path", event.Name), slog.String("op", event.Op.String()))
	w.scheduleRescan()
}

// matches reports whether path is a definition file under the workspace
// pattern.
func (w *Workspace) matches(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	ok, err := doublestar.Match(w.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// scheduleRescan resets the debounce window. Only the last event of a
// burst triggers a rescan.
func (w *Workspace) scheduleRescan() {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.rescan)
}

func (w *Workspace) cancelPending() {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

// rescan reloads the workspace after the debounce window.
func (w *Workspace) rescan() {
	defs, err := w.Scan(context.Background())
	if err != nil {
		w.logger.Error("workspace rescan failed", log.Error(err))
		return
	}
	w.logger.Info("workspace rescanned", slog.Int("definitions", len(defs)))
	if w.onReload != nil {
		w.onReload(defs)
	}
}
