/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dsl

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rulego/deltaflow/api/types"
)

// DefaultDebounce delays a reload until a burst of file events settled.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the definitions of a directory tree when its files change.
type Watcher struct {
	dir      string
	loader   *Loader
	logger   types.Logger
	watcher  *fsnotify.Watcher
	Debounce time.Duration
	// OnReload is called after every reload with its result.
	OnReload func(err error)
}

// NewWatcher watches dir and every directory below it.
func NewWatcher(config types.Config, dir string, loader *Loader) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:      dir,
		loader:   loader,
		logger:   types.NewLogger(config.Logger),
		watcher:  watcher,
		Debounce: DefaultDebounce,
	}
	if err := w.addTree(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("could not watch %s: %w", path, err)
		}
		return nil
	})
}

// Run reloads on changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	var timerC <-chan time.Time
	for {
		select {
		case <-timerC:
			timerC = nil
			err := w.loader.LoadDir(ctx, w.dir)
			if err != nil {
				w.logger.Error("reloading definitions", "dir", w.dir, "error", err)
			} else {
				w.logger.Info("definitions reloaded", "dir", w.dir)
			}
			if w.OnReload != nil {
				w.OnReload(err)
			}
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.logger.Debug("definition change", "event", event.String())
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watching new directory", "dir", event.Name, "error", err)
					}
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if timerC == nil {
					timerC = time.After(w.Debounce)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}
