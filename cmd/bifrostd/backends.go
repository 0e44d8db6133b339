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
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/config"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/objectstore"
	objectfs "github.com/bifrosthq/bifrost/internal/objectstore/fs"
	objects3 "github.com/bifrosthq/bifrost/internal/objectstore/s3"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/bifrosthq/bifrost/internal/store"
	"github.com/bifrosthq/bifrost/internal/tablestore"
	tablememory "github.com/bifrosthq/bifrost/internal/tablestore/memory"
	tablepostgres "github.com/bifrosthq/bifrost/internal/tablestore/postgres"
	tablesqlite "github.com/bifrosthq/bifrost/internal/tablestore/sqlite"
)

// tableSpecs declares every table the daemon and its workers touch:
// the execution record tables plus the log stream.
func tableSpecs() []tablestore.TableSpec {
	return append(store.TableSpecs(), logstream.TableSpec())
}

// openTableStore opens the configured record store backend.
func openTableStore(cfg *config.Config) (tablestore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		if dir := filepath.Dir(cfg.Store.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
		wal := cfg.Store.SQLite.WAL == nil || *cfg.Store.SQLite.WAL
		return tablesqlite.New(tablesqlite.Config{Path: cfg.Store.SQLite.Path, WAL: wal}, tableSpecs()...)
	case "postgres":
		return tablepostgres.New(tablepostgres.Config{
			DSN:          cfg.Store.Postgres.DSN,
			MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Store.Postgres.MaxIdleConns,
		}, tableSpecs()...)
	case "memory", "":
		return tablememory.New(tableSpecs()...), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openObjectStore opens the configured blob store backend.
func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	switch cfg.Objects.Backend {
	case "s3":
		return objects3.New(ctx, objects3.Config{
			Bucket:          cfg.Objects.S3.Bucket,
			Region:          cfg.Objects.S3.Region,
			Endpoint:        cfg.Objects.S3.Endpoint,
			AccessKeyID:     cfg.Objects.S3.AccessKeyID,
			SecretAccessKey: cfg.Objects.S3.SecretAccessKey,
			UsePathStyle:    cfg.Objects.S3.UsePathStyle,
		})
	case "fs", "":
		return objectfs.New(cfg.Objects.FS.Dir)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Objects.Backend)
	}
}

// openQueue opens the configured execution queue backend.
func openQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		return queue.NewRedis(ctx, rdb, queue.RedisConfig{
			Stream:        cfg.Queue.Stream,
			Group:         cfg.Queue.Group,
			Block:         cfg.Queue.Block,
			MinIdle:       cfg.Queue.MinIdle,
			MaxDeliveries: cfg.Queue.MaxDeliveries,
			Logger:        logger,
		})
	case "memory", "":
		return queue.NewMemory(queue.MemoryConfig{MaxDeliveries: cfg.Queue.MaxDeliveries}), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// openBroadcast opens the configured pub/sub backend.
func openBroadcast(cfg *config.Config, rdb *redis.Client) broadcast.Broadcaster {
	if cfg.Broadcast.Backend == "redis" {
		return broadcast.NewRedis(rdb)
	}
	return broadcast.NewMemory()
}
