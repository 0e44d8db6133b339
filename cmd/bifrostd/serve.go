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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/config"
	"github.com/bifrosthq/bifrost/internal/consumer"
	"github.com/bifrosthq/bifrost/internal/discovery"
	"github.com/bifrosthq/bifrost/internal/jq"
	"github.com/bifrosthq/bifrost/internal/kv"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/bifrosthq/bifrost/internal/store"
	"github.com/bifrosthq/bifrost/internal/tablestore"
	"github.com/bifrosthq/bifrost/internal/tracing"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// Serve command flags
var (
	serveWorkspace string
	serveConsumers int
	serveStore     string
	serveQueue     string
	serveRedis     string
)

// newServeCommand creates the serve command
func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Bifrost execution daemon",
		Long: `Start the Bifrost execution daemon.

The daemon consumes queued execution requests, runs each one in an
isolated worker process, and maintains execution records, log streams
and real-time updates. Redis must be reachable: the worker handshake
rides on it even when the queue and broadcast backends are in-memory.`,
		Example: `  # Start with the default configuration
  bifrostd serve

  # Start against a SQLite store and a Redis queue
  bifrostd serve --store sqlite --queue redis --redis 127.0.0.1:6379`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Directory scanned for workflow definitions")
	cmd.Flags().IntVar(&serveConsumers, "consumers", 0, "Number of concurrent queue consumers")
	cmd.Flags().StringVar(&serveStore, "store", "", "Record store backend (memory, sqlite, postgres)")
	cmd.Flags().StringVar(&serveQueue, "queue", "", "Queue backend (memory, redis)")
	cmd.Flags().StringVar(&serveRedis, "redis", "", "Redis address (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Apply CLI flag overrides
	if serveWorkspace != "" {
		cfg.Workspace.Dir = serveWorkspace
	}
	if serveConsumers > 0 {
		cfg.Daemon.Consumers = serveConsumers
	}
	if serveStore != "" {
		cfg.Store.Backend = serveStore
	}
	if serveQueue != "" {
		cfg.Queue.Backend = serveQueue
	}
	if serveRedis != "" {
		cfg.Redis.Addr = serveRedis
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("bifrostd starting", "version", version)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	d, err := buildDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return d.run(ctx, cancel)
}

// daemon holds the assembled components for one serve invocation.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	tables    tablestore.Store
	rdb       *redis.Client
	queue     queue.Queue
	caster    broadcast.Broadcaster
	workspace *discovery.Workspace
	pool      *pool.Pool
	consumer  *consumer.Consumer

	provider *tracing.Provider
	metrics  *tracing.MetricsServer
}

// buildDaemon wires the component graph bottom-up: stores first, then
// transport, then the consumer that drives everything.
func buildDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	if cfg.Observability.Enabled {
		provider, err := tracing.NewProvider(ctx, observabilityConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		d.provider = provider
		d.metrics = tracing.NewMetricsServer(cfg.Observability.MetricsAddr, provider.MetricsHandler(), logger)
	}

	tables, err := openTableStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	d.tables = tables

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	records := store.NewManager(tables, objects, logger)

	// The handshake store always needs Redis, so fail fast here rather
	// than on the first execution.
	d.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := d.rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s is unreachable (the worker handshake requires it): %w", cfg.Redis.Addr, err)
	}
	kvStore := kv.New(d.rdb, kv.Config{TTL: cfg.Pool.HandshakeTTL})

	q, err := openQueue(ctx, cfg, d.rdb, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	d.queue = q

	d.caster = openBroadcast(cfg, d.rdb)
	notifier := broadcast.NewNotifier(d.caster, logger)

	d.workspace, err = openWorkspace(cfg, logger)
	if err != nil {
		return nil, err
	}

	d.pool, err = pool.New(kvStore, pool.Config{
		WorkerBinary:        cfg.Pool.WorkerBinary,
		CancelCheckInterval: cfg.Pool.CancelCheckInterval,
		GracefulTimeout:     cfg.Pool.GracefulTimeout,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	ccfg := consumer.Config{
		Queue:          q,
		Records:        records,
		Pool:           d.pool,
		Registry:       workflow.Default(),
		Notifier:       notifier,
		Logger:         logger,
		Consumers:      cfg.Daemon.Consumers,
		PoisonInterval: cfg.Daemon.PoisonInterval,
		PoisonBatch:    cfg.Daemon.PoisonBatch,
	}
	if d.workspace != nil {
		ccfg.Resolver = d.workspace
	}
	if d.provider != nil {
		ccfg.Tracer = d.provider.Tracer("bifrostd")
		ccfg.Metrics = d.provider.Metrics()
	}
	d.consumer = consumer.New(ccfg)

	return d, nil
}

// run starts the daemon's long-running loops and blocks until a
// shutdown signal arrives. A second signal forces immediate exit.
func (d *daemon) run(ctx context.Context, cancel context.CancelFunc) error {
	if d.metrics != nil {
		go func() {
			if err := d.metrics.Start(); err != nil {
				d.logger.Error("metrics listener failed", log.Error(err))
			}
		}()
	}

	if d.workspace != nil {
		defs, err := d.workspace.Scan(ctx)
		if err != nil {
			d.logger.Warn("initial workspace scan failed", log.Error(err))
		} else {
			d.logger.Info("workspace scanned", "definitions", len(defs), "dir", d.cfg.Workspace.Dir)
		}
		if d.cfg.Workspace.Watch == nil || *d.cfg.Workspace.Watch {
			go func() {
				if err := d.workspace.Watch(ctx); err != nil && ctx.Err() == nil {
					d.logger.Warn("workspace watcher stopped", log.Error(err))
				}
			}()
		}
	}

	d.consumer.Start(ctx)
	d.logger.Info("bifrostd ready",
		"consumers", d.cfg.Daemon.Consumers,
		"store", d.cfg.Store.Backend,
		"queue", d.cfg.Queue.Backend,
		"broadcast", d.cfg.Broadcast.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh
	d.logger.Info("shutdown signal received, draining", "signal", sig.String())

	go func() {
		<-sigCh
		d.logger.Warn("second signal received, exiting immediately")
		os.Exit(1)
	}()

	d.consumer.StartDraining()
	if err := d.consumer.WaitForDrain(context.Background(), d.cfg.Daemon.DrainTimeout); err != nil {
		d.logger.Warn("drain incomplete", log.Error(err))
	}
	cancel()
	d.consumer.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownTimeout)
	defer shutdownCancel()
	d.close(shutdownCtx)

	d.logger.Info("shutdown complete")
	return nil
}

// close tears down components in reverse dependency order. Errors are
// logged, not returned: teardown keeps going.
func (d *daemon) close(ctx context.Context) {
	if err := d.pool.Shutdown(ctx); err != nil {
		d.logger.Warn("pool shutdown", log.Error(err))
	}
	if err := d.queue.Close(); err != nil {
		d.logger.Warn("queue close", log.Error(err))
	}
	if err := d.caster.Close(); err != nil {
		d.logger.Warn("broadcast close", log.Error(err))
	}
	if err := d.tables.Close(); err != nil {
		d.logger.Warn("record store close", log.Error(err))
	}
	if err := d.rdb.Close(); err != nil {
		d.logger.Warn("redis close", log.Error(err))
	}
	if d.metrics != nil {
		if err := d.metrics.Shutdown(ctx); err != nil {
			d.logger.Warn("metrics listener shutdown", log.Error(err))
		}
	}
	if d.provider != nil {
		if err := d.provider.Shutdown(ctx); err != nil {
			d.logger.Warn("tracing shutdown", log.Error(err))
		}
	}
}

// openWorkspace builds the definition workspace, or returns nil when the
// configured directory does not exist. A daemon without a workspace
// still runs workflows registered in the compiled registry.
func openWorkspace(cfg *config.Config, logger *slog.Logger) (*discovery.Workspace, error) {
	if _, err := os.Stat(cfg.Workspace.Dir); err != nil {
		if os.IsNotExist(err) {
			logger.Warn("workspace directory not found, running without workspace definitions", "dir", cfg.Workspace.Dir)
			return nil, nil
		}
		return nil, fmt.Errorf("workspace directory %s: %w", cfg.Workspace.Dir, err)
	}
	return discovery.New(discovery.Config{
		Root:     cfg.Workspace.Dir,
		Pattern:  cfg.Workspace.Pattern,
		Debounce: cfg.Workspace.Debounce,
		JQ:       jq.NewRunner(cfg.JQ.Timeout, cfg.JQ.MaxInputSize),
		Logger:   logger,
	})
}

// observabilityConfig converts the daemon configuration into the tracing
// package's config shape.
func observabilityConfig(cfg *config.Config) tracing.Config {
	out := tracing.Config{
		Enabled:        cfg.Observability.Enabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		MetricsAddr:    cfg.Observability.MetricsAddr,
		Sampling: tracing.SamplingConfig{
			Enabled:            cfg.Observability.Sampling.Enabled,
			Rate:               cfg.Observability.Sampling.Rate,
			AlwaysSampleErrors: cfg.Observability.Sampling.AlwaysSampleErrors,
		},
		BatchSize:     cfg.Observability.BatchSize,
		BatchInterval: cfg.Observability.BatchInterval,
	}
	if out.ServiceVersion == "" || out.ServiceVersion == "unknown" {
		out.ServiceVersion = version
	}
	for _, exp := range cfg.Observability.Exporters {
		out.Exporters = append(out.Exporters, tracing.ExporterConfig{
			Type:     exp.Type,
			Endpoint: exp.Endpoint,
			Headers:  exp.Headers,
			Insecure: exp.Insecure,
		})
	}
	return out
}
