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

// Package worker executes workflows. The engine resolves a request to
// a compiled handler or an inline script, runs it under log capture and
// variable tracing, and produces the result envelope the rest of the
// system consumes. The same engine runs inside spawned worker processes
// (via Runner) and in-process for sync dispatch.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/cache"
	"github.com/bifrosthq/bifrost/internal/jq"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// DefaultCacheTTLSeconds applies to data providers that declare no
// cache lifetime of their own.
const DefaultCacheTTLSeconds = 300

// Resolver resolves workflow definitions beyond the compiled registry,
// typically script-backed definitions from the workspace. A missing
// name returns a WorkflowNotFoundError.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*workflow.Definition, error)
}

// Config assembles an engine.
type Config struct {
	// Registry resolves compiled workflow names. Defaults to the
	// process-wide default registry.
	Registry *workflow.Registry

	// Resolver is the workspace fallback consulted after the registry
	// misses. Optional.
	Resolver Resolver

	// Logs receives captured entries synchronously. Nil disables
	// persistence entirely.
	Logs *logstream.Store

	// Cache backs data-provider short-circuiting. Nil disables caching.
	Cache *cache.Cache

	// Notifier broadcasts per-entry execution updates. Optional.
	Notifier *broadcast.Notifier

	// JQ evaluates the script env's jq builtin.
	JQ *jq.Runner

	// Logger is the plain infrastructure logger, also the sink's
	// reentry-safe error channel.
	Logger *slog.Logger
}

// Engine runs execution requests to completion.
type Engine struct {
	registry *workflow.Registry
	resolver Resolver
	logs     *logstream.Store
	cache    *cache.Cache
	notifier *broadcast.Notifier
	jq       *jq.Runner
	logger   *slog.Logger
}

// NewEngine creates an engine from the config, applying defaults.
func NewEngine(cfg Config) *Engine {
	registry := cfg.Registry
	if registry == nil {
		registry = workflow.Default()
	}
	jqr := cfg.JQ
	if jqr == nil {
		jqr = jq.NewRunner(0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		resolver: cfg.Resolver,
		logs:     cfg.Logs,
		cache:    cfg.Cache,
		notifier: cfg.Notifier,
		jq:       jqr,
		logger:   log.WithComponent(logger, "engine"),
	}
}

// outcome carries what a run produced before envelope assembly.
type outcome struct {
	value       any
	captured    map[string]any
	declared    map[string]bool
	calls       int
	cached      bool
	cacheExpiry *time.Time
	err         error
	stack       string
}

// Execute runs one request and always returns a result envelope;
// failures of any kind become FAILED envelopes, never errors. The
// context bounds the execution: deadline expiry surfaces as a timeout,
// cancellation as an internal cancellation of user code.
func (e *Engine) Execute(ctx context.Context, req *Request) *Result {
	start := time.Now()
	tracker := newMetricsTracker()

	persist := e.logs
	notifier := e.notifier
	if req.Transient {
		persist = nil
		notifier = nil
	}
	sink := NewSink(req.ExecutionID, persist, notifier, e.logger)
	defer sink.Close()

	base := slog.New(sink)
	sysLogger := base.With(slog.String(log.SourceKey, logstream.SourceSystem))

	out := e.run(ctx, req, base, sysLogger)

	res := &Result{
		Status:           store.StatusSuccess,
		IntegrationCalls: out.calls,
		Cached:           out.cached,
		CacheExpiresAt:   out.cacheExpiry,
	}

	if out.err != nil {
		res.Status = store.StatusFailed
		res.ErrorMessage = out.err.Error()
		res.ErrorType = bifrosterrors.Classify(out.err)

		sysLogger.Error(bifrosterrors.UserFacing(out.err, false))
		var userErr *bifrosterrors.UserError
		if !errors.As(out.err, &userErr) {
			trace := out.stack
			if trace == "" {
				trace = out.err.Error() + "\n\n" + string(debug.Stack())
			}
			log.Traceback(sysLogger, trace)
			res.Traceback = trace
		}
	} else {
		if m, ok := out.value.(map[string]any); ok {
			if success, ok := m["success"].(bool); ok && !success {
				res.Status = store.StatusCompletedWithErrors
			}
		}
		res.Result = Sanitize(out.value)
	}

	if vars := buildVariables(out); len(vars) > 0 {
		res.Variables = vars
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Metrics = tracker.Snapshot()
	res.Logs = sink.Entries()
	return res
}

// run executes the request body and reports the raw outcome.
func (e *Engine) run(ctx context.Context, req *Request, base, sysLogger *slog.Logger) *outcome {
	out := &outcome{
		captured: make(map[string]any),
		declared: make(map[string]bool),
	}
	if err := req.Validate(); err != nil {
		out.err = err
		return out
	}

	if req.Code != "" {
		scriptLogger := base.With(slog.String(log.SourceKey, logstream.SourceScript))
		value, captured, err := runScript(ctx, scriptName(req), req.Code, req.Parameters, e.jq, scriptLogger)
		out.value, out.err = value, err
		for k, v := range captured {
			out.captured[k] = v
		}
		for k := range req.Parameters {
			out.declared[k] = true
		}
		return out
	}

	def, err := e.resolve(ctx, req.Name)
	if err != nil {
		out.err = err
		return out
	}
	meta := &def.Metadata
	for _, p := range meta.Parameters {
		out.declared[p.Name] = true
	}

	params, extras, err := CoerceParameters(meta, req.Parameters, sysLogger)
	if err != nil {
		out.err = err
		return out
	}

	provider := meta.IsDataProvider()
	var key string
	if provider && e.cache != nil {
		key = cache.Key(req.EffectiveScope(), meta.Name, params)
		if !req.NoCache {
			if data, expiresAt, ok := e.cache.Get(key); ok {
				sysLogger.Debug("serving cached data provider result")
				out.value = data
				out.cached = true
				exp := expiresAt
				out.cacheExpiry = &exp
				return out
			}
		}
	}

	wfLogger := base.With(slog.String(log.SourceKey, logstream.SourceWorkflow))
	wfctx := workflow.NewContext(ctx, params, extras, wfLogger)

	value, err := callHandler(def.Handler, wfctx)
	out.value = value
	var pErr *panicError
	if errors.As(err, &pErr) {
		out.err = pErr
		out.stack = pErr.trace()
	} else {
		out.err = err
	}

	for k, v := range extras {
		out.captured[k] = v
	}
	for k, v := range wfctx.Captured() {
		out.captured[k] = v
	}

	if out.err == nil && provider {
		out.calls = 1
		if e.cache != nil {
			ttl := cacheTTL(req, meta)
			if ttl > 0 {
				e.cache.Set(key, value, ttl)
				exp := time.Now().Add(ttl)
				out.cacheExpiry = &exp
			}
		}
	}
	return out
}

// resolve looks the name up in the compiled registry first and falls
// back to the workspace resolver on a clean miss.
func (e *Engine) resolve(ctx context.Context, name string) (*workflow.Definition, error) {
	def, err := e.registry.Lookup(name)
	if err == nil {
		return def, nil
	}
	var notFound *bifrosterrors.WorkflowNotFoundError
	if errors.As(err, &notFound) && e.resolver != nil {
		return e.resolver.Resolve(ctx, name)
	}
	return nil, err
}

// cacheTTL picks the provider cache lifetime: request override, then
// metadata, then the engine default.
func cacheTTL(req *Request, meta *workflow.Metadata) time.Duration {
	switch {
	case req.CacheTTLSeconds > 0:
		return time.Duration(req.CacheTTLSeconds) * time.Second
	case meta.CacheTTLSeconds > 0:
		return time.Duration(meta.CacheTTLSeconds) * time.Second
	}
	return DefaultCacheTTLSeconds * time.Second
}

// scriptName labels an inline script in compile errors and logs.
func scriptName(req *Request) string {
	if len(req.ExecutionID) > 8 {
		return req.ExecutionID[:8]
	}
	return req.ExecutionID
}

// panicError carries a recovered handler panic with its stack.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return "workflow handler panicked: " + panicMessage(p.value)
}

func (p *panicError) trace() string {
	return p.Error() + "\n\n" + string(p.stack)
}

func panicMessage(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return reflect.TypeOf(v).String()
}

// callHandler invokes a compiled handler, converting panics to errors
// so a misbehaving workflow cannot take the process down.
func callHandler(h workflow.Handler, wfctx *workflow.Context) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(wfctx)
}

// buildVariables assembles the captured-variables map: top-level fields
// of a map result first, then explicit captures and extras on top.
// Names starting with "_", declared parameter names, "context" and
// callables are excluded; the survivors are sanitized.
func buildVariables(out *outcome) map[string]any {
	vars := make(map[string]any)
	if out.err == nil {
		if m, ok := out.value.(map[string]any); ok {
			for k, v := range m {
				vars[k] = v
			}
		}
	}
	for k, v := range out.captured {
		vars[k] = v
	}

	for k, v := range vars {
		if strings.HasPrefix(k, "_") || k == "context" || out.declared[k] {
			delete(vars, k)
			continue
		}
		if v != nil && reflect.ValueOf(v).Kind() == reflect.Func {
			delete(vars, k)
		}
	}
	if len(vars) == 0 {
		return nil
	}

	sanitized, _ := Sanitize(vars).(map[string]any)
	return sanitized
}
