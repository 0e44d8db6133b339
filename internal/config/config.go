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

// Package config loads and validates the daemon configuration from a
// YAML file merged with environment variable overrides. Environment
// variables take precedence over file values, which take precedence
// over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete Bifrost daemon configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Store         StoreConfig         `yaml:"store,omitempty"`
	Objects       ObjectsConfig       `yaml:"objects,omitempty"`
	Queue         QueueConfig         `yaml:"queue,omitempty"`
	Broadcast     BroadcastConfig     `yaml:"broadcast,omitempty"`
	Redis         RedisConfig         `yaml:"redis,omitempty"`
	Pool          PoolConfig          `yaml:"pool,omitempty"`
	Workspace     WorkspaceConfig     `yaml:"workspace,omitempty"`
	Cache         CacheConfig         `yaml:"cache,omitempty"`
	JQ            JQConfig            `yaml:"jq,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, or error.
	// Environment: BIFROST_LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format is the output format: json or text.
	// Environment: BIFROST_LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to log records.
	// Environment: BIFROST_LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// DaemonConfig configures the execution daemon itself.
type DaemonConfig struct {
	// DataDir is the directory for daemon data. The default SQLite
	// database and filesystem object store live underneath it.
	// Environment: BIFROST_DATA_DIR
	// Default: ~/.bifrost/data (or XDG_DATA_HOME/bifrost)
	DataDir string `yaml:"data_dir,omitempty"`

	// Consumers is the number of concurrent queue consumers.
	// Environment: BIFROST_CONSUMERS
	// Default: 4
	Consumers int `yaml:"consumers,omitempty"`

	// DrainTimeout is the maximum duration to wait for in-flight
	// executions to complete during shutdown. When the daemon receives
	// SIGTERM it stops claiming new work and waits up to this duration
	// before forcing shutdown.
	// Environment: BIFROST_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// ShutdownTimeout bounds the final teardown after draining.
	// Environment: BIFROST_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// PoisonInterval is how often the poison sweep marks abandoned
	// deliveries as failed.
	// Default: 5m
	PoisonInterval time.Duration `yaml:"poison_interval,omitempty"`

	// PoisonBatch caps how many poisoned deliveries one sweep handles.
	PoisonBatch int `yaml:"poison_batch,omitempty"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Backend is the store type: "memory", "sqlite", or "postgres".
	// Environment: BIFROST_STORE_BACKEND
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`

	// Postgres contains PostgreSQL-specific configuration.
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite database settings.
type SQLiteConfig struct {
	// Path is the database file path.
	// Environment: BIFROST_SQLITE_PATH
	// Default: {data_dir}/bifrost.db
	Path string `yaml:"path,omitempty"`

	// WAL enables Write-Ahead Logging for concurrent reads.
	// Default: true
	WAL *bool `yaml:"wal,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection URL.
	// Environment: BIFROST_POSTGRES_DSN
	DSN string `yaml:"dsn,omitempty"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns bounds idle connections.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`
}

// ObjectsConfig selects and configures the object store backend.
type ObjectsConfig struct {
	// Backend is the object store type: "fs" or "s3".
	// Environment: BIFROST_OBJECTS_BACKEND
	// Default: fs
	Backend string `yaml:"backend,omitempty"`

	// FS contains filesystem store configuration.
	FS FSConfig `yaml:"fs,omitempty"`

	// S3 contains S3 store configuration.
	S3 S3Config `yaml:"s3,omitempty"`
}

// FSConfig contains filesystem object store settings.
type FSConfig struct {
	// Dir is the root directory for stored blobs.
	// Environment: BIFROST_OBJECTS_DIR
	// Default: {data_dir}/objects
	Dir string `yaml:"dir,omitempty"`
}

// S3Config contains S3 object store settings.
type S3Config struct {
	// Bucket is the bucket name. Required when backend is "s3".
	// Environment: BIFROST_S3_BUCKET
	Bucket string `yaml:"bucket,omitempty"`

	// Region is the AWS region.
	// Environment: BIFROST_S3_REGION
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the S3 endpoint for MinIO or localstack.
	// Environment: BIFROST_S3_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// AccessKeyID and SecretAccessKey are static credentials. When
	// empty the SDK's default credential chain is used.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// UsePathStyle forces path-style addressing (required by MinIO).
	UsePathStyle bool `yaml:"use_path_style"`
}

// QueueConfig selects and configures the execution queue backend.
type QueueConfig struct {
	// Backend is the queue type: "memory" or "redis".
	// Environment: BIFROST_QUEUE_BACKEND
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	// Stream is the Redis stream key.
	// Default: bifrost:executions
	Stream string `yaml:"stream,omitempty"`

	// Group is the Redis consumer group name.
	// Default: executors
	Group string `yaml:"group,omitempty"`

	// Block bounds one blocking Redis read.
	// Default: 5s
	Block time.Duration `yaml:"block,omitempty"`

	// MinIdle is how long a pending entry must sit untouched before it
	// may be claimed from a dead consumer.
	// Default: 30s
	MinIdle time.Duration `yaml:"min_idle,omitempty"`

	// MaxDeliveries is the poison threshold. A delivery that reaches
	// this count without being acknowledged is dead-lettered.
	// Default: 5
	MaxDeliveries int `yaml:"max_deliveries,omitempty"`
}

// BroadcastConfig selects the pub/sub backend for live updates.
type BroadcastConfig struct {
	// Backend is the broadcast type: "memory" or "redis".
	// Environment: BIFROST_BROADCAST_BACKEND
	// Default: memory
	Backend string `yaml:"backend,omitempty"`
}

// RedisConfig contains the shared Redis connection settings used by the
// queue, broadcast, and handshake stores.
type RedisConfig struct {
	// Addr is the Redis host:port.
	// Environment: BIFROST_REDIS_ADDR
	// Default: 127.0.0.1:6379
	Addr string `yaml:"addr,omitempty"`

	// Password authenticates the connection. Empty means no auth.
	// Environment: BIFROST_REDIS_PASSWORD
	Password string `yaml:"password,omitempty"`

	// DB is the Redis database number.
	// Environment: BIFROST_REDIS_DB
	DB int `yaml:"db,omitempty"`
}

// PoolConfig configures the worker process pool.
type PoolConfig struct {
	// WorkerBinary is the executable spawned for each execution. Empty
	// means the daemon binary re-entered through its worker subcommand.
	// Environment: BIFROST_WORKER_BINARY
	WorkerBinary string `yaml:"worker_binary,omitempty"`

	// CancelCheckInterval is how often a running worker is polled for a
	// cancellation request.
	// Default: 250ms
	CancelCheckInterval time.Duration `yaml:"cancel_check_interval,omitempty"`

	// GracefulTimeout is the SIGTERM grace window before SIGKILL.
	// Default: 3s
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`

	// HandshakeTTL bounds how long handshake entries live in Redis.
	// Default: 1h
	HandshakeTTL time.Duration `yaml:"handshake_ttl,omitempty"`
}

// WorkspaceConfig configures workflow definition discovery.
type WorkspaceConfig struct {
	// Dir is the directory scanned for workflow definitions.
	// Environment: BIFROST_WORKSPACE_DIR
	// Default: ./workflows
	Dir string `yaml:"dir,omitempty"`

	// Pattern is the definition glob relative to Dir.
	// Default: **/*.flow
	Pattern string `yaml:"pattern,omitempty"`

	// Debounce delays watcher rescans after a file event.
	// Default: 500ms
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// Watch enables the filesystem watcher. When false the workspace is
	// scanned once at startup.
	// Default: true
	Watch *bool `yaml:"watch,omitempty"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// JanitorInterval is how often expired entries are swept. Zero
	// disables the background sweep.
	// Default: 1m
	JanitorInterval time.Duration `yaml:"janitor_interval,omitempty"`
}

// JQConfig configures the jq expression runner available to scripts.
type JQConfig struct {
	// Timeout bounds one jq evaluation.
	// Default: 1s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxInputSize caps the serialized input size in bytes.
	// Default: 10MiB
	MaxInputSize int64 `yaml:"max_input_size,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// Enabled controls whether tracing is active.
	// Environment: BIFROST_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	// Default: bifrost
	ServiceName string `yaml:"service_name,omitempty"`

	// ServiceVersion is the application version reported in traces.
	ServiceVersion string `yaml:"service_version,omitempty"`

	// MetricsAddr is the Prometheus scrape listener address.
	// Environment: BIFROST_METRICS_ADDR
	// Default: 127.0.0.1:9464
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Sampling configures trace sampling.
	Sampling SamplingConfig `yaml:"sampling,omitempty"`

	// Exporters configures trace export destinations.
	Exporters []ExporterConfig `yaml:"exporters,omitempty"`

	// BatchSize caps one export batch.
	BatchSize int `yaml:"batch_size,omitempty"`

	// BatchInterval is the maximum delay before a batch is exported.
	BatchInterval time.Duration `yaml:"batch_interval,omitempty"`
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates sampling (default: false, meaning sample all).
	Enabled bool `yaml:"enabled"`

	// Rate is the fraction of traces to sample (0.0 - 1.0).
	Rate float64 `yaml:"rate,omitempty"`

	// AlwaysSampleErrors samples all traces carrying errors.
	AlwaysSampleErrors bool `yaml:"always_sample_errors"`
}

// ExporterConfig defines a trace export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Headers are additional headers for authentication.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Insecure disables TLS for this exporter.
	Insecure bool `yaml:"insecure"`
}

// Default returns the default configuration.
func Default() *Config {
	trueVal := true

	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Daemon: DaemonConfig{
			DataDir:         defaultDataDir(),
			Consumers:       4,
			DrainTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			PoisonInterval:  5 * time.Minute,
		},
		Store: StoreConfig{
			Backend: "memory",
			SQLite: SQLiteConfig{
				WAL: &trueVal,
			},
		},
		Objects: ObjectsConfig{
			Backend: "fs",
		},
		Queue: QueueConfig{
			Backend:       "memory",
			Stream:        "bifrost:executions",
			Group:         "executors",
			Block:         5 * time.Second,
			MinIdle:       30 * time.Second,
			MaxDeliveries: 5,
		},
		Broadcast: BroadcastConfig{
			Backend: "memory",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Pool: PoolConfig{
			CancelCheckInterval: 250 * time.Millisecond,
			GracefulTimeout:     3 * time.Second,
			HandshakeTTL:        time.Hour,
		},
		Workspace: WorkspaceConfig{
			Dir:      "./workflows",
			Pattern:  "**/*.flow",
			Debounce: 500 * time.Millisecond,
			Watch:    &trueVal,
		},
		Cache: CacheConfig{
			JanitorInterval: time.Minute,
		},
		JQ: JQConfig{
			Timeout:      time.Second,
			MaxInputSize: 10 << 20,
		},
		Observability: ObservabilityConfig{
			Enabled:        false,
			ServiceName:    "bifrost",
			ServiceVersion: "unknown",
			MetricsAddr:    "127.0.0.1:9464",
			Sampling: SamplingConfig{
				Enabled:            false,
				Rate:               1.0,
				AlwaysSampleErrors: true,
			},
			Exporters: nil,
		},
	}
}

// Load loads configuration from a YAML file merged with environment
// variable overrides. Environment variables take precedence over file
// values. If configPath is empty, only defaults and environment
// variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &bifrosterrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Fill zero values so minimal configs work
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &bifrosterrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults. This allows minimal
// configs (e.g. just a store section) to work without specifying every
// field explicitly.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = defaults.Daemon.DataDir
	}
	if c.Daemon.Consumers == 0 {
		c.Daemon.Consumers = defaults.Daemon.Consumers
	}
	if c.Daemon.DrainTimeout == 0 {
		c.Daemon.DrainTimeout = defaults.Daemon.DrainTimeout
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = defaults.Daemon.ShutdownTimeout
	}
	if c.Daemon.PoisonInterval == 0 {
		c.Daemon.PoisonInterval = defaults.Daemon.PoisonInterval
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = filepath.Join(c.Daemon.DataDir, "bifrost.db")
	}
	if c.Store.SQLite.WAL == nil {
		c.Store.SQLite.WAL = defaults.Store.SQLite.WAL
	}

	if c.Objects.Backend == "" {
		c.Objects.Backend = defaults.Objects.Backend
	}
	if c.Objects.FS.Dir == "" {
		c.Objects.FS.Dir = filepath.Join(c.Daemon.DataDir, "objects")
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = defaults.Queue.Backend
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = defaults.Queue.Stream
	}
	if c.Queue.Group == "" {
		c.Queue.Group = defaults.Queue.Group
	}
	if c.Queue.Block == 0 {
		c.Queue.Block = defaults.Queue.Block
	}
	if c.Queue.MinIdle == 0 {
		c.Queue.MinIdle = defaults.Queue.MinIdle
	}
	if c.Queue.MaxDeliveries == 0 {
		c.Queue.MaxDeliveries = defaults.Queue.MaxDeliveries
	}

	if c.Broadcast.Backend == "" {
		c.Broadcast.Backend = defaults.Broadcast.Backend
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaults.Redis.Addr
	}

	if c.Pool.CancelCheckInterval == 0 {
		c.Pool.CancelCheckInterval = defaults.Pool.CancelCheckInterval
	}
	if c.Pool.GracefulTimeout == 0 {
		c.Pool.GracefulTimeout = defaults.Pool.GracefulTimeout
	}
	if c.Pool.HandshakeTTL == 0 {
		c.Pool.HandshakeTTL = defaults.Pool.HandshakeTTL
	}

	if c.Workspace.Dir == "" {
		c.Workspace.Dir = defaults.Workspace.Dir
	}
	if c.Workspace.Pattern == "" {
		c.Workspace.Pattern = defaults.Workspace.Pattern
	}
	if c.Workspace.Debounce == 0 {
		c.Workspace.Debounce = defaults.Workspace.Debounce
	}
	if c.Workspace.Watch == nil {
		c.Workspace.Watch = defaults.Workspace.Watch
	}

	if c.JQ.Timeout == 0 {
		c.JQ.Timeout = defaults.JQ.Timeout
	}
	if c.JQ.MaxInputSize == 0 {
		c.JQ.MaxInputSize = defaults.JQ.MaxInputSize
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.ServiceVersion == "" {
		c.Observability.ServiceVersion = defaults.Observability.ServiceVersion
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = defaults.Observability.MetricsAddr
	}
	if c.Observability.Sampling.Rate == 0 {
		c.Observability.Sampling.Rate = defaults.Observability.Sampling.Rate
	}
}

// loadFromFile merges a YAML file into the configuration.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv merges environment variable overrides into the
// configuration.
func (c *Config) loadFromEnv() {
	// Logging
	if val := os.Getenv("BIFROST_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("BIFROST_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("BIFROST_LOG_SOURCE"); val != "" {
		c.Log.AddSource = envBool(val)
	}

	// Daemon
	if val := os.Getenv("BIFROST_DATA_DIR"); val != "" {
		c.Daemon.DataDir = val
	}
	if val := os.Getenv("BIFROST_CONSUMERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Daemon.Consumers = n
		}
	}
	if val := os.Getenv("BIFROST_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Daemon.DrainTimeout = duration
		}
	}
	if val := os.Getenv("BIFROST_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Daemon.ShutdownTimeout = duration
		}
	}

	// Backends
	if val := os.Getenv("BIFROST_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("BIFROST_SQLITE_PATH"); val != "" {
		c.Store.SQLite.Path = val
	}
	if val := os.Getenv("BIFROST_POSTGRES_DSN"); val != "" {
		c.Store.Postgres.DSN = val
	}
	if val := os.Getenv("BIFROST_OBJECTS_BACKEND"); val != "" {
		c.Objects.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("BIFROST_OBJECTS_DIR"); val != "" {
		c.Objects.FS.Dir = val
	}
	if val := os.Getenv("BIFROST_S3_BUCKET"); val != "" {
		c.Objects.S3.Bucket = val
	}
	if val := os.Getenv("BIFROST_S3_REGION"); val != "" {
		c.Objects.S3.Region = val
	}
	if val := os.Getenv("BIFROST_S3_ENDPOINT"); val != "" {
		c.Objects.S3.Endpoint = val
	}
	if val := os.Getenv("BIFROST_QUEUE_BACKEND"); val != "" {
		c.Queue.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("BIFROST_BROADCAST_BACKEND"); val != "" {
		c.Broadcast.Backend = strings.ToLower(val)
	}

	// Redis
	if val := os.Getenv("BIFROST_REDIS_ADDR"); val != "" {
		c.Redis.Addr = val
	}
	if val := os.Getenv("BIFROST_REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}
	if val := os.Getenv("BIFROST_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			c.Redis.DB = db
		}
	}

	// Pool and workspace
	if val := os.Getenv("BIFROST_WORKER_BINARY"); val != "" {
		c.Pool.WorkerBinary = val
	}
	if val := os.Getenv("BIFROST_WORKSPACE_DIR"); val != "" {
		c.Workspace.Dir = val
	}

	// Observability
	if val := os.Getenv("BIFROST_TRACING_ENABLED"); val != "" {
		c.Observability.Enabled = envBool(val)
	}
	if val := os.Getenv("BIFROST_METRICS_ADDR"); val != "" {
		c.Observability.MetricsAddr = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Daemon.Consumers < 1 {
		errs = append(errs, fmt.Sprintf("daemon.consumers must be at least 1, got %d", c.Daemon.Consumers))
	}
	if c.Daemon.DrainTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.drain_timeout must be positive, got %v", c.Daemon.DrainTimeout))
	}
	if c.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.shutdown_timeout must be positive, got %v", c.Daemon.ShutdownTimeout))
	}
	if c.Daemon.PoisonInterval <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.poison_interval must be positive, got %v", c.Daemon.PoisonInterval))
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, "store.postgres.dsn is required when store.backend is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be one of [memory, sqlite, postgres], got %q", c.Store.Backend))
	}

	switch c.Objects.Backend {
	case "fs":
	case "s3":
		if c.Objects.S3.Bucket == "" {
			errs = append(errs, "objects.s3.bucket is required when objects.backend is s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("objects.backend must be one of [fs, s3], got %q", c.Objects.Backend))
	}

	needsRedis := false
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		needsRedis = true
	default:
		errs = append(errs, fmt.Sprintf("queue.backend must be one of [memory, redis], got %q", c.Queue.Backend))
	}
	if c.Queue.MaxDeliveries < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_deliveries must be at least 1, got %d", c.Queue.MaxDeliveries))
	}

	switch c.Broadcast.Backend {
	case "memory":
	case "redis":
		needsRedis = true
	default:
		errs = append(errs, fmt.Sprintf("broadcast.backend must be one of [memory, redis], got %q", c.Broadcast.Backend))
	}

	if needsRedis && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when a redis backend is selected")
	}

	if c.Pool.CancelCheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("pool.cancel_check_interval must be positive, got %v", c.Pool.CancelCheckInterval))
	}
	if c.Pool.GracefulTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("pool.graceful_timeout must be positive, got %v", c.Pool.GracefulTimeout))
	}

	if c.Workspace.Dir == "" {
		errs = append(errs, "workspace.dir must not be empty")
	}

	if rate := c.Observability.Sampling.Rate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Sprintf("observability.sampling.rate must be between 0.0 and 1.0, got %v", rate))
	}
	validExporters := map[string]bool{"otlp": true, "otlp-http": true, "otlp_http": true, "console": true}
	for i, exp := range c.Observability.Exporters {
		if !validExporters[exp.Type] {
			errs = append(errs, fmt.Sprintf("observability.exporters[%d].type must be one of [otlp, otlp-http, console], got %q", i, exp.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// envBool interprets an environment value as a boolean flag.
func envBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	// Use XDG_DATA_HOME if available
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "bifrost")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/bifrost-data"
	}

	return filepath.Join(homeDir, ".bifrost", "data")
}
