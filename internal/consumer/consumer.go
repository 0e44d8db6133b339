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

// Package consumer drains the execution queue and drives each queued
// run through the process pool, owning the record's PENDING to terminal
// lifecycle along the way.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

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
	// DefaultConsumers is the number of concurrent message processors.
	DefaultConsumers = 4

	// DefaultPoisonInterval is the period of the timer-driven poison
	// sweep. A sweep also runs after every processed message, so the
	// timer only matters on idle queues.
	DefaultPoisonInterval = 5 * time.Minute

	// dequeueRetryDelay spaces retries after a broker read error.
	dequeueRetryDelay = time.Second

	// commitTimeout bounds the terminal record write. The write runs on
	// a detached context so an outcome still lands during shutdown.
	commitTimeout = 10 * time.Second
)

// Sentinels returned by claim mutations to pick the idempotent skip
// paths without a store write.
var (
	errAlreadyProcessed = errors.New("execution already claimed")
	errCancelledEarly   = errors.New("execution cancelled before start")
)

// ConfigSource materializes the scope configuration handed to workers.
// The consumer reconstructs configuration per message rather than
// trusting anything baked into the queue payload, so credential
// rotations apply to runs that were queued before the rotation.
type ConfigSource interface {
	Materialize(ctx context.Context, scope string) (map[string]any, error)
}

// ConfigSourceFunc adapts a function to the ConfigSource interface.
type ConfigSourceFunc func(ctx context.Context, scope string) (map[string]any, error)

func (f ConfigSourceFunc) Materialize(ctx context.Context, scope string) (map[string]any, error) {
	return f(ctx, scope)
}

// Executor runs one execution to completion. Satisfied by *pool.Pool.
type Executor interface {
	Execute(ctx context.Context, req *worker.Request, timeout time.Duration, onCancelCheck func(context.Context) bool) (*worker.Result, error)
}

// Config assembles a consumer.
type Config struct {
	Queue   queue.Queue
	Records *store.Manager
	Pool    Executor

	// Registry supplies workflow metadata for timeout and cache
	// budgets. Resolver is the optional fallback for workflows not
	// registered in-process.
	Registry *workflow.Registry
	Resolver worker.Resolver

	// Configs is optional; without it workers run with empty scope
	// configuration.
	Configs ConfigSource

	// Notifier is optional.
	Notifier *broadcast.Notifier

	// Tracer and Metrics are optional observability hooks.
	Tracer  observability.Tracer
	Metrics *tracing.MetricsCollector

	Logger *slog.Logger

	// Consumers overrides DefaultConsumers when positive.
	Consumers int

	// PoisonInterval overrides DefaultPoisonInterval when positive.
	PoisonInterval time.Duration

	// PoisonBatch caps one poison sweep. Defaults to
	// queue.DefaultPoisonBatch.
	PoisonBatch int
}

// Consumer pulls execution messages off the queue and runs them. Each
// message is processed at-least-once: redeliveries of already-settled
// executions are detected through the record status and acked without
// rerunning anything.
type Consumer struct {
	queue    queue.Queue
	records  *store.Manager
	pool     Executor
	registry *workflow.Registry
	resolver worker.Resolver
	configs  ConfigSource
	notifier *broadcast.Notifier
	tracer   observability.Tracer
	metrics  *tracing.MetricsCollector
	logger   *slog.Logger

	consumers      int
	poisonInterval time.Duration
	poisonBatch    int

	active   atomic.Int64
	draining atomic.Bool
	wg       sync.WaitGroup
}

// New builds a consumer from cfg. Queue, Records and Pool are required.
func New(cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	c := &Consumer{
		queue:          cfg.Queue,
		records:        cfg.Records,
		pool:           cfg.Pool,
		registry:       cfg.Registry,
		resolver:       cfg.Resolver,
		configs:        cfg.Configs,
		notifier:       cfg.Notifier,
		tracer:         tracer,
		metrics:        cfg.Metrics,
		logger:         log.WithComponent(logger, "consumer"),
		consumers:      cfg.Consumers,
		poisonInterval: cfg.PoisonInterval,
		poisonBatch:    cfg.PoisonBatch,
	}
	if c.consumers <= 0 {
		c.consumers = DefaultConsumers
	}
	if c.poisonInterval <= 0 {
		c.poisonInterval = DefaultPoisonInterval
	}
	if c.poisonBatch <= 0 {
		c.poisonBatch = queue.DefaultPoisonBatch
	}
	return c
}

// Start launches the consumer goroutines and the poison sweep timer.
// They run until ctx is cancelled or the queue closes; Wait blocks
// until all of them have returned.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.consumers; i++ {
		c.wg.Add(1)
		go func(n int) {
			defer c.wg.Done()
			c.consume(ctx, n)
		}(i)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poisonLoop(ctx)
	}()
}

// Wait blocks until every goroutine started by Start has exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// StartDraining stops the consumers from picking up new messages.
// In-flight executions keep running.
func (c *Consumer) StartDraining() {
	c.draining.Store(true)
	c.logger.Info("consumer draining, no new messages will be accepted")
}

// IsDraining reports whether the consumer is refusing new messages.
func (c *Consumer) IsDraining() bool {
	return c.draining.Load()
}

// ActiveCount returns the number of messages being processed right now.
func (c *Consumer) ActiveCount() int {
	return int(c.active.Load())
}

// WaitForDrain blocks until in-flight executions finish or the timeout
// elapses.
func (c *Consumer) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := c.ActiveCount(); remaining > 0 {
				return fmt.Errorf("drain timeout: %d execution(s) still running", remaining)
			}
			return nil
		case <-ticker.C:
			if c.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

func (c *Consumer) consume(ctx context.Context, n int) {
	logger := c.logger.With(slog.Int("consumer", n))
	for {
		if c.draining.Load() || ctx.Err() != nil {
			return
		}

		delivery, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}

		c.active.Add(1)
		c.handle(ctx, delivery, logger)
		c.active.Add(-1)

		// Opportunistic sweep keeps dead letters from waiting out the
		// timer on a busy queue.
		c.processPoison(ctx)
	}
}

// handle settles one delivery. A process error means the message was
// not durably handled and should be redelivered; everything else acks,
// including deterministic failures whose retry would fail identically.
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	logger = logger.With(
		slog.String(log.ExecutionIDKey, d.Message.ExecutionID),
		slog.String(log.WorkflowKey, d.Message.WorkflowName),
	)

	c.metrics.DecrementQueueDepth()
	ctx, span := c.tracer.Start(ctx, "consume",
		observability.WithSpanKind(observability.SpanKindConsumer),
		observability.WithAttributes(map[string]any{
			"workflow":     d.Message.WorkflowName,
			"execution.id": d.Message.ExecutionID,
			"attempts":     d.Attempts,
		}),
	)
	defer span.End()

	if err := c.process(ctx, d.Message, logger); err != nil {
		span.RecordError(err)
		logger.Warn("leaving message for redelivery", log.Error(err))
		if nackErr := c.queue.Nack(ctx, d); nackErr != nil {
			logger.Warn("failed to release message", log.Error(nackErr))
			return
		}
		c.metrics.IncrementQueueDepth()
		return
	}
	span.SetStatus(observability.StatusCodeOK, "")
	if err := c.queue.Ack(ctx, d); err != nil {
		logger.Warn("failed to ack message", log.Error(err))
	}
}

func (c *Consumer) process(ctx context.Context, msg *queue.Message, logger *slog.Logger) error {
	// Fast paths first: a redelivered message for a settled execution
	// needs no store write, and a cancel that raced the queue must not
	// start a worker at all.
	status, err := c.records.GetStatus(ctx, msg.ExecutionID, msg.Scope)
	if err != nil {
		if isNotFound(err) {
			logger.Warn("dropping message for unknown execution")
			return nil
		}
		return fmt.Errorf("read execution status: %w", err)
	}
	switch {
	case status == store.StatusCancelling:
		c.commit(ctx, msg, cancelledBeforeStart(), logger)
		return nil
	case status != store.StatusPending:
		logger.Debug("skipping redelivered message", slog.String("status", string(status)))
		return nil
	}

	running, err := c.records.Update(ctx, msg.ExecutionID, msg.Scope, func(e *store.Execution) error {
		switch e.Status {
		case store.StatusPending:
			e.Status = store.StatusRunning
			return nil
		case store.StatusCancelling:
			return errCancelledEarly
		default:
			return errAlreadyProcessed
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, errCancelledEarly):
		c.commit(ctx, msg, cancelledBeforeStart(), logger)
		return nil
	case errors.Is(err, errAlreadyProcessed), isConflict(err):
		logger.Debug("skipping message claimed elsewhere")
		return nil
	default:
		return fmt.Errorf("claim execution: %w", err)
	}
	c.broadcast(ctx, running, nil)

	req, err := c.buildRequest(ctx, msg)
	if err != nil {
		// The record is RUNNING already, so the failure has to land on
		// the record rather than back on the queue.
		logger.Error("failed to prepare execution", log.Error(err))
		c.commit(ctx, msg, worker.Failed(err), logger)
		return nil
	}

	check := func(ctx context.Context) bool {
		s, err := c.records.GetStatus(ctx, msg.ExecutionID, msg.Scope)
		return err == nil && s == store.StatusCancelling
	}

	c.metrics.RecordExecutionStart(ctx, msg.ExecutionID, msg.WorkflowName)
	res, err := c.pool.Execute(ctx, req, req.Timeout(), check)
	switch {
	case err == nil:
	case errors.Is(err, bifrosterrors.ErrCancelled):
		res = &worker.Result{Status: store.StatusCancelled, ErrorMessage: "Execution cancelled by user"}
	default:
		var timeout *bifrosterrors.TimeoutError
		if errors.As(err, &timeout) {
			res = &worker.Result{
				Status:       store.StatusTimeout,
				ErrorMessage: timeout.Error(),
				ErrorType:    bifrosterrors.TypeTimeoutError,
			}
		} else {
			res = worker.Failed(err)
		}
	}
	c.metrics.RecordExecutionComplete(ctx, msg.ExecutionID, msg.WorkflowName, string(res.Status),
		tracing.TriggerQueue, time.Duration(res.DurationMs)*time.Millisecond)
	if res.Cached {
		c.metrics.RecordCacheHit(ctx, msg.WorkflowName)
	}

	c.commit(ctx, msg, res, logger)
	return nil
}

// buildRequest assembles the worker request from the queue message and
// the workflow's metadata. A workflow missing from both the registry
// and the resolver is not an error here: the worker performs its own
// lookup and reports the failure through the normal result path.
func (c *Consumer) buildRequest(ctx context.Context, msg *queue.Message) (*worker.Request, error) {
	var scopeConfig map[string]any
	if c.configs != nil {
		var err error
		scopeConfig, err = c.configs.Materialize(ctx, msg.Scope)
		if err != nil {
			return nil, fmt.Errorf("materialize scope configuration: %w", err)
		}
	}

	req := &worker.Request{
		ExecutionID: msg.ExecutionID,
		Caller: store.Caller{
			UserID:      msg.UserID,
			Email:       msg.UserEmail,
			DisplayName: msg.UserName,
		},
		Scope:      msg.Scope,
		Config:     scopeConfig,
		Parameters: msg.Parameters,
	}
	if msg.Code != "" {
		req.Code = msg.Code
	} else {
		req.Name = msg.WorkflowName
		if meta := c.lookupMetadata(ctx, msg.WorkflowName); meta != nil {
			req.Tags = meta.Tags
			req.TimeoutSeconds = meta.Timeout()
			req.CacheTTLSeconds = meta.CacheTTLSeconds
		}
	}
	return req, nil
}

func (c *Consumer) lookupMetadata(ctx context.Context, name string) *workflow.Metadata {
	if c.registry != nil {
		if def, err := c.registry.Lookup(name); err == nil {
			return &def.Metadata
		}
	}
	if c.resolver != nil {
		if def, err := c.resolver.Resolve(ctx, name); err == nil && def != nil {
			return &def.Metadata
		}
	}
	return nil
}

// commit writes the terminal outcome onto the record, stores the
// artifacts and broadcasts completion. Commit failures are logged and
// absorbed; the record is left for stuck-execution recovery rather than
// the message being redelivered for a rerun.
func (c *Consumer) commit(ctx context.Context, msg *queue.Message, res *worker.Result, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	updated, err := c.records.Update(ctx, msg.ExecutionID, msg.Scope, func(e *store.Execution) error {
		e.Status = res.Status
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
		if isConflict(err) {
			logger.Warn("terminal commit lost a concurrent update", log.Error(err))
		} else {
			logger.Error("failed to commit terminal status", log.Error(err))
		}
		return
	}

	logger.Info("execution settled",
		slog.String("status", string(updated.Status)),
		slog.Int64("duration_ms", updated.DurationMs),
	)

	c.saveArtifacts(ctx, updated, res, logger)
	c.broadcast(ctx, updated, res.Logs)
}

func (c *Consumer) saveArtifacts(ctx context.Context, e *store.Execution, res *worker.Result, logger *slog.Logger) {
	var artifacts store.Artifacts
	if len(res.Logs) > 0 {
		artifacts.Logs = res.Logs
	}
	if len(res.Variables) > 0 {
		artifacts.Variables = res.Variables
	}
	if e.Status != store.StatusSuccess {
		artifacts.Snapshot = map[string]any{
			"execution_id":      e.ExecutionID,
			"workflow_name":     e.WorkflowName,
			"status":            string(e.Status),
			"error_message":     e.ErrorMessage,
			"error_type":        e.ErrorType,
			"parameters":        e.Parameters,
			"variables":         res.Variables,
			"integration_calls": res.IntegrationCalls,
		}
	}
	if artifacts.Logs == nil && artifacts.Variables == nil && artifacts.Snapshot == nil {
		return
	}
	if err := c.records.SaveArtifacts(ctx, e.ExecutionID, artifacts); err != nil {
		logger.Warn("failed to store execution artifacts", log.Error(err))
	}
}

func (c *Consumer) broadcast(ctx context.Context, e *store.Execution, logs []*logstream.Entry) {
	if c.notifier == nil {
		return
	}
	c.notifier.ExecutionUpdated(ctx, &broadcast.ExecutionUpdate{
		ExecutionID: e.ExecutionID,
		Status:      e.Status,
		IsComplete:  e.Status.IsTerminal(),
		LatestLogs:  logs,
	})
	c.notifier.HistoryUpdated(ctx, e.Scope, &broadcast.HistoryUpdate{
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

func (c *Consumer) poisonLoop(ctx context.Context) {
	ticker := time.NewTicker(c.poisonInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.processPoison(ctx)
		}
	}
}

// processPoison fails the executions behind dead-lettered messages so
// they do not sit PENDING forever. Messages whose record write fails
// stay in the poison set for the next sweep.
func (c *Consumer) processPoison(ctx context.Context) {
	deliveries, err := c.queue.Poisoned(ctx, c.poisonBatch)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
			c.logger.Warn("poison sweep failed", log.Error(err))
		}
		return
	}

	for _, d := range deliveries {
		c.deadLetter(ctx, d)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	logger := c.logger.With(
		slog.String(log.ExecutionIDKey, msg.ExecutionID),
		slog.Int64("attempts", d.Attempts),
	)
	poisonErr := &bifrosterrors.PoisonQueueError{DequeueCount: d.Attempts}

	updated, err := c.records.Update(ctx, msg.ExecutionID, msg.Scope, func(e *store.Execution) error {
		if e.Status.IsTerminal() {
			return errAlreadyProcessed
		}
		e.Status = store.StatusFailed
		e.ErrorMessage = poisonErr.Error()
		e.ErrorType = poisonErr.ErrorType()
		return nil
	})
	switch {
	case err == nil:
		logger.Warn("execution moved to poison queue")
		c.metrics.RecordPoisoned(ctx, 1)
		c.broadcast(ctx, updated, nil)
	case errors.Is(err, errAlreadyProcessed), isNotFound(err):
	default:
		// Keep the message poisoned so the next sweep retries the
		// record write.
		logger.Warn("failed to fail poisoned execution", log.Error(err))
		return
	}

	if err := c.queue.Ack(ctx, d); err != nil {
		logger.Warn("failed to ack poisoned message", log.Error(err))
		return
	}
	c.metrics.DecrementQueueDepth()
}

func cancelledBeforeStart() *worker.Result {
	return &worker.Result{
		Status:       store.StatusCancelled,
		ErrorMessage: "cancelled before start",
	}
}

func isConflict(err error) bool {
	var conflict *bifrosterrors.ConcurrencyError
	return errors.As(err, &conflict)
}

func isNotFound(err error) bool {
	var notFound *bifrosterrors.NotFoundError
	return errors.As(err, &notFound)
}
