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

// Package discovery loads workflow definitions from a workspace tree.
// Definition files carry YAML front matter fenced by "---" lines and an
// expression body; every load re-reads from disk so saves take effect
// immediately, without a reload step. The package also provides the
// validation pipeline editors call on save.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bifrosthq/bifrost/internal/jq"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/worker"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

const (
	// DefaultPattern matches workspace definition files, relative to the
	// workspace root.
	DefaultPattern = "**/*.flow"

	// DefaultDebounce is how long the watcher waits after the last file
	// event before rescanning. Editor saves arrive in bursts.
	DefaultDebounce = 500 * time.Millisecond
)

// Config assembles a workspace. Root is required.
type Config struct {
	// Root is the directory scanned for definitions.
	Root string

	// Pattern is the definition glob relative to Root. Defaults to
	// DefaultPattern.
	Pattern string

	// Debounce delays watcher rescans after a file event. Defaults to
	// DefaultDebounce.
	Debounce time.Duration

	// JQ evaluates the jq builtin in definition bodies. Defaults to a
	// runner with standard limits.
	JQ *jq.Runner

	Logger *slog.Logger

	// OnReload is called with the current definitions after each watcher
	// rescan. Optional.
	OnReload func([]*workflow.Definition)
}

// Workspace scans, resolves and watches a definition tree. It satisfies
// the worker's resolver contract, so the engine falls back to it when
// the compiled registry misses.
type Workspace struct {
	root     string
	pattern  string
	debounce time.Duration
	jq       *jq.Runner
	logger   *slog.Logger
	onReload func([]*workflow.Definition)

	// paths maps workflow names to the file that last defined them. It
	// is a resolve hint, not a cache: definitions always reload from
	// disk.
	mu    sync.RWMutex
	paths map[string]string

	watchMu sync.Mutex
	pending *time.Timer
}

// New creates a workspace over an existing directory.
func New(cfg Config) (*Workspace, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	jqr := cfg.JQ
	if jqr == nil {
		jqr = jq.NewRunner(0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Workspace{
		root:     root,
		pattern:  pattern,
		debounce: debounce,
		jq:       jqr,
		logger:   log.WithComponent(logger, "discovery"),
		onReload: cfg.OnReload,
		paths:    make(map[string]string),
	}, nil
}

// Scan walks the workspace and loads every definition fresh from disk,
// sorted by name. Files that fail validation are logged and skipped;
// when two files claim the same name the lexically first path wins. The
// scan itself only fails when the workspace cannot be read.
func (w *Workspace) Scan(ctx context.Context) ([]*workflow.Definition, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(w.root, w.pattern))
	if err != nil {
		return nil, fmt.Errorf("scan workspace %s: %w", w.root, err)
	}

	defs := make([]*workflow.Definition, 0, len(matches))
	paths := make(map[string]string, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, err := w.load(path)
		if err != nil {
			w.logger.Warn("skipping workspace definition",
				slog.String("path", path), log.Error(err))
			continue
		}
		name := def.Metadata.Name
		if prior, dup := paths[name]; dup {
			w.logger.Warn("duplicate workflow name in workspace",
				slog.String(log.WorkflowKey, name),
				slog.String("path", path),
				slog.String("defined_in", prior))
			continue
		}
		paths[name] = path
		defs = append(defs, def)
	}

	w.mu.Lock()
	w.paths = paths
	w.mu.Unlock()

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Metadata.Name < defs[j].Metadata.Name
	})
	return defs, nil
}

// Resolve loads the named definition fresh from disk. The previous
// scan's path is tried first; a miss or a renamed definition falls back
// to a full rescan, so the answer never trails what is on disk.
func (w *Workspace) Resolve(ctx context.Context, name string) (*workflow.Definition, error) {
	w.mu.RLock()
	hint := w.paths[name]
	w.mu.RUnlock()

	if hint != "" {
		if def, err := w.load(hint); err == nil && def.Metadata.Name == name {
			return def, nil
		}
	}

	defs, err := w.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Metadata.Name == name {
			return def, nil
		}
	}
	return nil, &bifrosterrors.WorkflowNotFoundError{Name: name}
}

// load reads one definition file and builds its runnable form.
func (w *Workspace) load(path string) (*workflow.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &bifrosterrors.WorkflowLoadError{Path: path, Reason: "read failed", Cause: err}
	}
	report := w.ValidateSource(raw)
	if !report.Valid {
		return nil, &bifrosterrors.WorkflowLoadError{Path: path, Reason: firstError(report)}
	}

	// A valid report implies the source splits.
	src, _ := splitSource(raw)
	meta := *report.Metadata
	if len(meta.Tags) == 0 {
		meta.Tags = []string{workflow.TagWorkflow}
	}
	return &workflow.Definition{
		Metadata: meta,
		Handler:  worker.ScriptHandler(meta.Name, src.body, w.jq),
	}, nil
}

func firstError(report *Report) string {
	for _, issue := range report.Issues {
		if issue.Severity == SeverityError {
			return fmt.Sprintf("line %d: %s", issue.Line, issue.Message)
		}
	}
	return "invalid definition"
}

var _ worker.Resolver = (*Workspace)(nil)
