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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/bifrosthq/bifrost/internal/kv"
	"github.com/bifrosthq/bifrost/internal/log"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
)

// resultWriteTimeout bounds the final result write so a dying Redis
// cannot hold the worker process open.
const resultWriteTimeout = 5 * time.Second

// Runner is the worker-process entrypoint. It claims the execution
// context from the handshake store, runs the engine, and writes the
// result back for the pool to collect.
type Runner struct {
	kv     *kv.Store
	engine *Engine
	logger *slog.Logger
}

// NewRunner creates a runner over the handshake store and engine.
func NewRunner(kvStore *kv.Store, engine *Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		kv:     kvStore,
		engine: engine,
		logger: log.WithComponent(logger, "worker"),
	}
}

// Run executes one request end to end. Errors are returned only when
// no result could be produced at all, in which case the process exits
// non-zero and the pool synthesizes a failure. Everything else,
// including malformed contexts, is reported through the result entry.
func (r *Runner) Run(ctx context.Context, executionID string) error {
	// SIGTERM from the pool cancels the engine context so user code can
	// finish cleanly before the kill escalation lands.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	payload, err := r.kv.TakeContext(ctx, executionID)
	if err != nil {
		return fmt.Errorf("take execution context for %s: %w", executionID, err)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		r.logger.Error("malformed execution context", slog.String("execution_id", executionID), slog.Any("error", err))
		return r.writeResult(ctx, executionID, Failed(&bifrosterrors.ValidationError{
			Field:   "context",
			Message: "malformed execution context: " + err.Error(),
		}))
	}
	req.ExecutionID = executionID

	runCtx, cancel := context.WithTimeout(sigCtx, req.Timeout())
	defer cancel()

	res := r.engine.Execute(runCtx, &req)
	r.logger.Info("execution finished",
		slog.String("execution_id", executionID),
		slog.String("status", string(res.Status)),
		slog.Int64("duration_ms", res.DurationMs))
	return r.writeResult(ctx, executionID, res)
}

// writeResult persists the result envelope on a detached context so a
// cancelled run still reports back.
func (r *Runner) writeResult(ctx context.Context, executionID string, res *Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		// A result that cannot serialize still has to reach the pool.
		fallback := Failed(fmt.Errorf("serialize result: %w", err))
		fallback.DurationMs = res.DurationMs
		if payload, err = json.Marshal(fallback); err != nil {
			return fmt.Errorf("serialize fallback result for %s: %w", executionID, err)
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()
	if err := r.kv.WriteResult(writeCtx, executionID, payload); err != nil {
		return fmt.Errorf("write result for %s: %w", executionID, err)
	}
	return nil
}
