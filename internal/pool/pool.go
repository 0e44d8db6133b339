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

// Package pool spawns and supervises worker processes, one per
// execution. The pool hands each worker its context through the
// handshake store, polls for cancellation while the worker runs, and
// enforces the wall-clock budget with a SIGTERM then SIGKILL
// escalation against the worker's process group.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bifrosthq/bifrost/internal/kv"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/worker"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
)

const (
	// DefaultCancelCheckInterval is how often the monitor loop polls
	// for cancellation and checks the timeout.
	DefaultCancelCheckInterval = 250 * time.Millisecond

	// DefaultGracefulTimeout is how long a worker gets between SIGTERM
	// and SIGKILL.
	DefaultGracefulTimeout = 3 * time.Second

	// cleanupTimeout bounds the handshake-key cleanup after a worker
	// exits. Cleanup runs on a detached context so it survives caller
	// cancellation.
	cleanupTimeout = 5 * time.Second
)

// ErrShutdown is returned by Execute after the pool has been shut down.
var ErrShutdown = errors.New("pool: shut down")

// Config holds worker pool settings.
type Config struct {
	// WorkerBinary is the executable spawned for each execution.
	// Defaults to the current binary, which re-enters through its
	// worker subcommand.
	WorkerBinary string

	// CancelCheckInterval overrides the monitor poll interval.
	CancelCheckInterval time.Duration

	// GracefulTimeout overrides the SIGTERM grace window.
	GracefulTimeout time.Duration

	Logger *slog.Logger
}

// handle tracks one live worker process. done is closed once the
// process has been waited on.
type handle struct {
	pid  int
	done chan struct{}
}

// Pool runs executions in dedicated worker processes.
type Pool struct {
	kv       *kv.Store
	binary   string
	interval time.Duration
	graceful time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*handle
	closed  bool
}

// New creates a worker pool backed by the given handshake store.
func New(kvStore *kv.Store, cfg Config) (*Pool, error) {
	binary := cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("pool: resolve worker binary: %w", err)
		}
		binary = self
	}
	interval := cfg.CancelCheckInterval
	if interval <= 0 {
		interval = DefaultCancelCheckInterval
	}
	graceful := cfg.GracefulTimeout
	if graceful <= 0 {
		graceful = DefaultGracefulTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		kv:       kvStore,
		binary:   binary,
		interval: interval,
		graceful: graceful,
		logger:   log.WithComponent(logger, "pool"),
		workers:  make(map[string]*handle),
	}, nil
}

// Execute runs one execution in a fresh worker process and blocks until
// it finishes. The request is written to the handshake store before the
// process starts; the result is read back after it exits. When the
// worker dies without writing a result, Execute synthesizes a failed
// envelope instead of returning an error.
//
// Cancellation is polled every cancel-check interval from both the
// onCancelCheck callback (may be nil) and the handshake cancel flag.
// A cancelled execution returns ErrCancelled; one that outlives timeout
// returns a TimeoutError. Either way the worker group receives SIGTERM,
// then SIGKILL after the grace window.
func (p *Pool) Execute(ctx context.Context, req *worker.Request, timeout time.Duration, onCancelCheck func(context.Context) bool) (*worker.Result, error) {
	id := req.ExecutionID
	if timeout <= 0 {
		timeout = req.Timeout()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("pool: encode context for %s: %w", id, err)
	}
	if err := p.kv.WriteContext(ctx, id, payload); err != nil {
		return nil, err
	}

	cmd := exec.Command(p.binary, "worker", "--execution-id", id)
	// Rewrite argv[0] so ps shows which execution a worker belongs to.
	cmd.Args[0] = processTitle(id)
	// Workers get their own process group so the kill escalation
	// reaches anything they spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	h, err := p.start(cmd, id)
	if err != nil {
		clearCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		p.clear(clearCtx, id)
		return nil, err
	}

	logger := p.logger.With(log.ExecutionIDKey, id)
	logger.Debug("worker started", "pid", h.pid, "timeout", timeout.String())

	defer func() {
		p.reap(h)
		clearCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		p.clear(clearCtx, id)
		p.remove(id)
	}()

	start := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			exitCode := cmd.ProcessState.ExitCode()
			logger.Debug("worker exited", "pid", h.pid, "exit_code", exitCode,
				log.DurationKey, time.Since(start).Milliseconds())
			return p.collect(ctx, id, exitCode)

		case <-ctx.Done():
			p.terminate(h)
			return nil, ctx.Err()

		case <-ticker.C:
			cancelled := onCancelCheck != nil && onCancelCheck(ctx)
			if !cancelled {
				flagged, err := p.kv.CancelRequested(ctx, id)
				if err != nil {
					logger.Warn("cancel flag check failed", log.Error(err))
				}
				cancelled = flagged
			}
			if cancelled {
				logger.Info("cancelling worker", "pid", h.pid)
				if err := p.kv.RequestCancel(ctx, id); err != nil {
					logger.Warn("failed to set cancel flag", log.Error(err))
				}
				p.terminate(h)
				return nil, bifrosterrors.ErrCancelled
			}
			if time.Since(start) >= timeout {
				logger.Warn("execution exceeded timeout", "pid", h.pid, "timeout", timeout.String())
				if err := p.kv.RequestCancel(ctx, id); err != nil {
					logger.Warn("failed to set cancel flag", log.Error(err))
				}
				p.terminate(h)
				return nil, &bifrosterrors.TimeoutError{Operation: "workflow execution", Duration: timeout}
			}
		}
	}
}

// Cancel requests cancellation of a running execution. The flag travels
// through the handshake store, so it reaches the owning monitor loop
// wherever the worker runs.
func (p *Pool) Cancel(ctx context.Context, executionID string) error {
	return p.kv.RequestCancel(ctx, executionID)
}

// Count returns the number of live worker processes.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown terminates all live workers with the graceful escalation and
// refuses further Execute calls. Callers must stop submitting work
// before shutting the pool down.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	handles := make([]*handle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}
	p.logger.Info("terminating live workers", "count", len(handles))

	for _, h := range handles {
		_ = unix.Kill(-h.pid, unix.SIGTERM)
	}
	deadline := time.After(p.graceful)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			_ = unix.Kill(-h.pid, unix.SIGKILL)
			<-h.done
		case <-ctx.Done():
			_ = unix.Kill(-h.pid, unix.SIGKILL)
			<-h.done
		}
	}
	return nil
}

// start launches the worker process and registers its handle.
func (p *Pool) start(cmd *exec.Cmd, executionID string) (*handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	p.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start worker for %s: %w", executionID, err)
	}
	h := &handle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()

	p.mu.Lock()
	p.workers[executionID] = h
	p.mu.Unlock()
	return h, nil
}

// collect reads the worker's result envelope, or synthesizes a failure
// when the worker exited without writing one.
func (p *Pool) collect(ctx context.Context, executionID string, exitCode int) (*worker.Result, error) {
	payload, err := p.kv.TakeResult(ctx, executionID)
	switch {
	case err == nil:
		var res worker.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("pool: decode result for %s: %w", executionID, err)
		}
		return &res, nil

	case errors.Is(err, kv.ErrNotFound):
		// A worker that saw the cancel flag exits without writing a
		// result. That is a cancellation, not a crash.
		if flagged, ferr := p.kv.CancelRequested(ctx, executionID); ferr == nil && flagged {
			return nil, bifrosterrors.ErrCancelled
		}
		if exitCode != 0 {
			return worker.Failed(&bifrosterrors.WorkerCrashError{ExitCode: exitCode}), nil
		}
		return worker.Failed(&bifrosterrors.NoResultError{ExecutionID: executionID}), nil

	default:
		return nil, fmt.Errorf("pool: fetch result for %s: %w", executionID, err)
	}
}

// terminate asks the worker group to exit and escalates to SIGKILL
// after the grace window.
func (p *Pool) terminate(h *handle) {
	select {
	case <-h.done:
		return
	default:
	}
	_ = unix.Kill(-h.pid, unix.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(p.graceful):
		_ = unix.Kill(-h.pid, unix.SIGKILL)
		<-h.done
	}
}

// reap makes sure the process is dead and waited on. Called on every
// exit path before handshake cleanup.
func (p *Pool) reap(h *handle) {
	select {
	case <-h.done:
		return
	default:
	}
	_ = unix.Kill(-h.pid, unix.SIGKILL)
	<-h.done
}

// clear deletes the execution's handshake keys, logging rather than
// failing: a leftover key expires on its own TTL.
func (p *Pool) clear(ctx context.Context, executionID string) {
	if err := p.kv.Clear(ctx, executionID); err != nil {
		p.logger.Warn("failed to clear handshake keys",
			log.ExecutionIDKey, executionID, log.Error(err))
	}
}

// remove drops the worker handle from the registry.
func (p *Pool) remove(executionID string) {
	p.mu.Lock()
	delete(p.workers, executionID)
	p.mu.Unlock()
}

// processTitle builds the argv[0] shown in process listings.
func processTitle(executionID string) string {
	short := executionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "bifrost-worker-" + short
}
