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

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/cache"
	"github.com/bifrosthq/bifrost/internal/jq"
	"github.com/bifrosthq/bifrost/internal/kv"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/worker"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// newWorkerCommand creates the worker subcommand, the process-pool
// child entry. The pool spawns it with a fresh OS process per
// execution; it claims the execution context from the handshake store,
// runs the engine, writes the result back and exits.
func newWorkerCommand() *cobra.Command {
	var executionID string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one execution as a pool worker (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, executionID)
		},
	}

	cmd.Flags().StringVar(&executionID, "execution-id", "", "Execution to run")
	_ = cmd.MarkFlagRequired("execution-id")

	return cmd
}

func runWorker(cmd *cobra.Command, executionID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Worker stderr is inherited by the daemon, so infrastructure logs
	// land in the daemon's stream. User-code logs go through the
	// engine's capture sink instead.
	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	kvStore := kv.New(rdb, kv.Config{TTL: cfg.Pool.HandshakeTTL})

	// Real-time log persistence needs a store shared with the daemon.
	// The memory backend is process-local, so entries would land in a
	// table nobody reads; they still reach the consumer inside the
	// result envelope.
	var logs *logstream.Store
	if cfg.Store.Backend != "memory" && cfg.Store.Backend != "" {
		tables, err := openTableStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		defer tables.Close()
		logs = logstream.New(tables)
	}

	// Same reasoning for broadcasts: only the Redis backend crosses the
	// process boundary.
	var notifier *broadcast.Notifier
	if cfg.Broadcast.Backend == "redis" {
		notifier = broadcast.NewNotifier(broadcast.NewRedis(rdb), logger)
	}

	ecfg := worker.Config{
		Registry: workflow.Default(),
		Logs:     logs,
		Cache:    cache.New(cache.Config{}),
		Notifier: notifier,
		JQ:       jq.NewRunner(cfg.JQ.Timeout, cfg.JQ.MaxInputSize),
		Logger:   logger,
	}
	if ws, err := openWorkspace(cfg, logger); err != nil {
		return err
	} else if ws != nil {
		ecfg.Resolver = ws
	}

	runner := worker.NewRunner(kvStore, worker.NewEngine(ecfg), logger)

	// A non-nil return exits non-zero and the pool synthesizes a
	// WorkerCrash envelope; every in-band failure is reported through
	// the handshake result instead.
	return runner.Run(cmd.Context(), executionID)
}
