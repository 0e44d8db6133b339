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

// Package dispatch routes incoming execution requests onto the sync or
// async path, owns the initial record write, and shapes what the caller
// gets back.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/bifrosthq/bifrost/internal/store"
	"github.com/bifrosthq/bifrost/internal/tracing"
	"github.com/bifrosthq/bifrost/internal/worker"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/observability"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

const (
	// ScriptWorkflowName is the synthetic workflow name inline scripts
	// run under in records and queue messages.
	ScriptWorkflowName = "script"

	// maskedErrorMessage replaces non-user error detail for callers
	// without the platform admin flag.
	maskedErrorMessage = "An error occurred during execution"

	// commitTimeout bounds the sync path's terminal record write.
	commitTimeout = 10 * time.Second
)

// Request is one execution request as the API surface hands it over.
// Exactly one of WorkflowName and Code must be set.
type Request struct {
	WorkflowName string
	// Code is base64-encoded inline script source.
	Code string

	Scope      string
	Caller     store.Caller
	Parameters map[string]any
	FormID     string

	NoCache         bool
	IsPlatformAdmin bool
}

// Response is the dispatch outcome. Async dispatches carry only the
// identity and PENDING status; sync dispatches carry the full shaped
// execution envelope.
type Response struct {
	StatusCode  int          `json:"-"`
	ExecutionID string       `json:"execution_id"`
	Status      store.Status `json:"status"`

	Result     any                `json:"result,omitempty"`
	DurationMs int64              `json:"duration_ms,omitempty"`
	Logs       []*logstream.Entry `json:"logs,omitempty"`
	Variables  map[string]any     `json:"variables,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	// Traceback is populated for platform admins only.
	Traceback string `json:"traceback,omitempty"`

	Cached         bool       `json:"cached,omitempty"`
	CacheExpiresAt *time.Time `json:"cache_expires_at,omitempty"`
}

// DispatchError is a request rejected before any record was created.
// StatusCode is the HTTP status the API surface should answer with.
type DispatchError struct {
	StatusCode int
	Field      string
	Message    string
}

func (e *DispatchError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("dispatch rejected (%s): %s", e.Field, e.Message)
	}
	return "dispatch rejected: " + e.Message
}

// ConfigSource materializes the per-scope configuration handed to the
// in-process engine on the sync path.
type ConfigSource interface {
	Materialize(ctx context.Context, scope string) (map[string]any, error)
}

// Config assembles a dispatcher. Records, Queue, Engine and Registry
// are required; the rest is optional.
type Config struct {
	Records  *store.Manager
	Queue    queue.Queue
	Engine   *worker.Engine
	Registry *workflow.Registry
	Resolver worker.Resolver
	Configs  ConfigSource
	Notifier *broadcast.Notifier
	Tracer   observability.Tracer
	Metrics  *tracing.MetricsCollector
	Logger   *slog.Logger
}

// Dispatcher decides sync versus async per request, creates the
// execution record, and either enqueues or runs in-process.
type Dispatcher struct {
	records  *store.Manager
	queue    queue.Queue
	engine   *worker.Engine
	registry *workflow.Registry
	resolver worker.Resolver
	configs  ConfigSource
	notifier *broadcast.Notifier
	tracer   observability.Tracer
	metrics  *tracing.MetricsCollector
	logger   *slog.Logger
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Dispatcher{
		records:  cfg.Records,
		queue:    cfg.Queue,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		configs:  cfg.Configs,
		notifier: cfg.Notifier,
		tracer:   tracer,
		metrics:  cfg.Metrics,
		logger:   log.WithComponent(logger, "dispatch"),
	}
}

// Dispatch routes one request. Scripts always go async; named workflows
// follow their metadata's execution mode. A *DispatchError return means
// the request was rejected without side effects; any other error is an
// infrastructure failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = store.ScopeGlobal
	}
	name := req.WorkflowName
	if name == "" {
		name = ScriptWorkflowName
	}

	ctx, span := d.tracer.Start(ctx, "dispatch",
		observability.WithSpanKind(observability.SpanKindServer),
		observability.WithAttributes(map[string]any{
			"workflow": name,
			"scope":    scope,
		}),
	)
	defer span.End()

	resp, err := d.route(ctx, req, scope)
	if err != nil {
		var reject *DispatchError
		if errors.As(err, &reject) {
			span.SetStatus(observability.StatusCodeError, reject.Message)
		} else {
			span.RecordError(err)
		}
		return nil, err
	}

	span.SetAttributes(map[string]any{
		"execution.id": resp.ExecutionID,
		"status":       string(resp.Status),
	})
	span.SetStatus(observability.StatusCodeOK, "")
	return resp, nil
}

func (d *Dispatcher) route(ctx context.Context, req *Request, scope string) (*Response, error) {
	if req.Code != "" {
		code, err := base64.StdEncoding.DecodeString(req.Code)
		if err != nil {
			return nil, &DispatchError{
				StatusCode: http.StatusBadRequest,
				Field:      "code",
				Message:    "code must be base64-encoded",
			}
		}
		return d.dispatchAsync(ctx, req, scope, ScriptWorkflowName, code)
	}

	meta, err := d.resolveMetadata(ctx, req.WorkflowName)
	if err != nil {
		return nil, err
	}
	if err := d.checkParameters(meta, req.Parameters); err != nil {
		return nil, err
	}

	if meta.Mode() == workflow.ModeAsync {
		return d.dispatchAsync(ctx, req, scope, meta.Name, nil)
	}
	return d.dispatchSync(ctx, req, scope, meta)
}

func validate(req *Request) error {
	if (req.WorkflowName == "") == (req.Code == "") {
		return &DispatchError{
			StatusCode: http.StatusBadRequest,
			Field:      "workflow_name",
			Message:    "exactly one of workflow_name and code must be set",
		}
	}
	if req.Caller.UserID == "" {
		return &DispatchError{
			StatusCode: http.StatusBadRequest,
			Field:      "caller",
			Message:    "caller user_id is required",
		}
	}
	return nil
}

func (d *Dispatcher) resolveMetadata(ctx context.Context, name string) (*workflow.Metadata, error) {
	def, err := d.registry.Lookup(name)
	if err == nil {
		return &def.Metadata, nil
	}
	var notFound *bifrosterrors.WorkflowNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	if d.resolver != nil {
		rdef, rerr := d.resolver.Resolve(ctx, name)
		switch {
		case rerr == nil && rdef != nil:
			return &rdef.Metadata, nil
		case rerr != nil && !errors.As(rerr, &notFound):
			return nil, rerr
		}
	}
	return nil, &DispatchError{
		StatusCode: http.StatusNotFound,
		Field:      "workflow_name",
		Message:    "workflow not found: " + name,
	}
}

// checkParameters runs coercion and declared validation expressions
// before any record exists. The worker repeats the coercion from the
// raw parameters, so nothing coerced here needs to travel.
func (d *Dispatcher) checkParameters(meta *workflow.Metadata, params map[string]any) error {
	coerced, _, err := worker.CoerceParameters(meta, params, d.logger)
	if err != nil {
		return badRequest(err)
	}
	if err := worker.ValidateParameters(meta, coerced); err != nil {
		return badRequest(err)
	}
	return nil
}

func badRequest(err error) *DispatchError {
	reject := &DispatchError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	var validation *bifrosterrors.ValidationError
	if errors.As(err, &validation) {
		reject.Field = validation.Field
		reject.Message = validation.Message
	}
	return reject
}

// dispatchAsync creates the record, flips it to PENDING, and enqueues.
// The RUNNING-intent create followed by the PENDING update exercises
// the same index transition path every later status change uses.
func (d *Dispatcher) dispatchAsync(ctx context.Context, req *Request, scope, name string, code []byte) (*Response, error) {
	id := uuid.NewString()
	e := &store.Execution{
		ExecutionID:  id,
		Scope:        scope,
		WorkflowName: name,
		InlineCode:   code,
		Caller:       req.Caller,
		Parameters:   req.Parameters,
		FormID:       req.FormID,
		Status:       store.StatusRunning,
	}
	if _, err := d.records.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}
	pending, err := d.records.Update(ctx, id, scope, func(e *store.Execution) error {
		e.Status = store.StatusPending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark execution pending: %w", err)
	}

	msg := &queue.Message{
		ExecutionID:  id,
		WorkflowName: name,
		Scope:        scope,
		UserID:       req.Caller.UserID,
		UserName:     req.Caller.DisplayName,
		UserEmail:    req.Caller.Email,
		Parameters:   req.Parameters,
		FormID:       req.FormID,
		Code:         req.Code,
	}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		d.failUndelivered(ctx, id, scope, err)
		return nil, fmt.Errorf("enqueue execution: %w", err)
	}
	d.metrics.IncrementQueueDepth()

	d.broadcastHistory(ctx, pending)
	d.logger.Info("execution queued",
		slog.String(log.ExecutionIDKey, id),
		slog.String(log.WorkflowKey, name),
		slog.String("scope", scope),
	)
	return &Response{StatusCode: http.StatusAccepted, ExecutionID: id, Status: store.StatusPending}, nil
}

// failUndelivered marks a record whose message never reached the queue.
// Best effort: if the write fails too, the stuck sweep finds it.
func (d *Dispatcher) failUndelivered(ctx context.Context, id, scope string, cause error) {
	_, err := d.records.Update(ctx, id, scope, func(e *store.Execution) error {
		e.Status = store.StatusFailed
		e.ErrorMessage = fmt.Sprintf("failed to enqueue execution: %s", cause)
		e.ErrorType = bifrosterrors.TypeInternalError
		return nil
	})
	if err != nil {
		d.logger.Error("failed to mark undelivered execution",
			slog.String(log.ExecutionIDKey, id), log.Error(err))
	}
}

// dispatchSync runs the workflow in-process and settles the record
// before answering. Transient workflows skip the record entirely and
// exist only in the response.
func (d *Dispatcher) dispatchSync(ctx context.Context, req *Request, scope string, meta *workflow.Metadata) (*Response, error) {
	var scopeConfig map[string]any
	if d.configs != nil {
		var err error
		scopeConfig, err = d.configs.Materialize(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("materialize scope configuration: %w", err)
		}
	}

	id := uuid.NewString()
	transient := meta.TransientExecutions
	if !transient {
		e := &store.Execution{
			ExecutionID:  id,
			Scope:        scope,
			WorkflowName: meta.Name,
			Caller:       req.Caller,
			Parameters:   req.Parameters,
			FormID:       req.FormID,
			Status:       store.StatusRunning,
		}
		if _, err := d.records.Create(ctx, e); err != nil {
			return nil, fmt.Errorf("create execution record: %w", err)
		}
		d.broadcastHistory(ctx, e)
	}

	wreq := &worker.Request{
		ExecutionID:     id,
		Caller:          req.Caller,
		Scope:           scope,
		Config:          scopeConfig,
		Name:            meta.Name,
		Tags:            meta.Tags,
		Parameters:      req.Parameters,
		TimeoutSeconds:  meta.Timeout(),
		CacheTTLSeconds: meta.CacheTTLSeconds,
		Transient:       transient,
		NoCache:         req.NoCache,
		IsPlatformAdmin: req.IsPlatformAdmin,
	}

	runCtx, cancel := context.WithTimeout(ctx, wreq.Timeout())
	defer cancel()
	d.metrics.RecordExecutionStart(ctx, id, meta.Name)
	res := d.engine.Execute(runCtx, wreq)

	status := res.Status
	if status == store.StatusFailed && res.ErrorType == bifrosterrors.TypeTimeoutError {
		status = store.StatusTimeout
	}
	d.metrics.RecordExecutionComplete(ctx, id, meta.Name, string(status), tracing.TriggerSync,
		time.Duration(res.DurationMs)*time.Millisecond)
	if res.Cached {
		d.metrics.RecordCacheHit(ctx, meta.Name)
	}

	if !transient {
		d.commit(ctx, id, scope, status, res)
	}
	return shapeResponse(id, status, res, req.IsPlatformAdmin), nil
}

func (d *Dispatcher) commit(ctx context.Context, id, scope string, status store.Status, res *worker.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	updated, err := d.records.Update(ctx, id, scope, func(e *store.Execution) error {
		e.Status = status
		e.Result = res.Result
		e.ErrorMessage = res.ErrorMessage
		e.ErrorType = res.ErrorType
		if res.Metrics != nil {
			e.ResourceMetrics = &store.ResourceMetrics{
				PeakRSSBytes:     res.Metrics.PeakMemoryBytes,
				CPUUserSeconds:   res.Metrics.CPUUserSeconds,
				CPUSystemSeconds: res.Metrics.CPUSystemSeconds,
			}
		}
		return nil
	})
	if err != nil {
		d.logger.Error("failed to commit terminal status",
			slog.String(log.ExecutionIDKey, id), log.Error(err))
		return
	}

	var artifacts store.Artifacts
	if len(res.Logs) > 0 {
		artifacts.Logs = res.Logs
	}
	if len(res.Variables) > 0 {
		artifacts.Variables = res.Variables
	}
	if status != store.StatusSuccess {
		artifacts.Snapshot = map[string]any{
			"execution_id":      updated.ExecutionID,
			"workflow_name":     updated.WorkflowName,
			"status":            string(updated.Status),
			"error_message":     updated.ErrorMessage,
			"error_type":        updated.ErrorType,
			"parameters":        updated.Parameters,
			"variables":         res.Variables,
			"integration_calls": res.IntegrationCalls,
		}
	}
	if artifacts.Logs != nil || artifacts.Variables != nil || artifacts.Snapshot != nil {
		if err := d.records.SaveArtifacts(ctx, id, artifacts); err != nil {
			d.logger.Warn("failed to store execution artifacts",
				slog.String(log.ExecutionIDKey, id), log.Error(err))
		}
	}

	if d.notifier != nil {
		d.notifier.ExecutionUpdated(ctx, &broadcast.ExecutionUpdate{
			ExecutionID: id,
			Status:      updated.Status,
			IsComplete:  true,
			LatestLogs:  res.Logs,
		})
	}
	d.broadcastHistory(ctx, updated)
}

func (d *Dispatcher) broadcastHistory(ctx context.Context, e *store.Execution) {
	if d.notifier == nil {
		return
	}
	d.notifier.HistoryUpdated(ctx, e.Scope, &broadcast.HistoryUpdate{
		ExecutionID:    e.ExecutionID,
		WorkflowName:   e.WorkflowName,
		Status:         e.Status,
		ExecutedBy:     e.Caller.UserID,
		ExecutedByName: e.Caller.DisplayName,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
		DurationMs:     e.DurationMs,
	})
}

func shapeResponse(id string, status store.Status, res *worker.Result, admin bool) *Response {
	resp := &Response{
		StatusCode:     http.StatusOK,
		ExecutionID:    id,
		Status:         status,
		Result:         res.Result,
		DurationMs:     res.DurationMs,
		Variables:      res.Variables,
		Logs:           VisibleLogs(res.Logs, admin),
		ErrorType:      res.ErrorType,
		Cached:         res.Cached,
		CacheExpiresAt: res.CacheExpiresAt,
	}
	if res.ErrorMessage != "" {
		resp.ErrorMessage = visibleError(res.ErrorMessage, res.ErrorType, admin)
	}
	if admin {
		resp.Traceback = res.Traceback
	}
	return resp
}

func visibleError(message, errorType string, admin bool) string {
	if admin || errorType == bifrosterrors.TypeUserError {
		return message
	}
	return maskedErrorMessage
}

// VisibleLogs filters a log slice for the caller: non-admins do not see
// DEBUG or TRACEBACK entries.
func VisibleLogs(entries []*logstream.Entry, admin bool) []*logstream.Entry {
	if admin || len(entries) == 0 {
		return entries
	}
	visible := make([]*logstream.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Level == logstream.LevelDebug || e.Level == logstream.LevelTraceback {
			continue
		}
		visible = append(visible, e)
	}
	return visible
}
