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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis stream and consumer group defaults.
const (
	DefaultStream = "bifrost:executions"
	DefaultGroup  = "executors"

	// DefaultBlock bounds one XREADGROUP wait so the dequeue loop can
	// observe context cancellation.
	DefaultBlock = 5 * time.Second
)

// RedisConfig holds Redis streams queue settings.
type RedisConfig struct {
	// Stream is the stream key. Defaults to DefaultStream.
	Stream string

	// Group is the consumer group name. Defaults to DefaultGroup.
	Group string

	// Consumer identifies this process within the group. Defaults to
	// "{hostname}-{random}".
	Consumer string

	// Block bounds one blocking read. Defaults to DefaultBlock.
	Block time.Duration

	// MinIdle is how long a pending entry must sit untouched before it
	// may be claimed from its original consumer. Defaults to
	// DefaultMinIdle.
	MinIdle time.Duration

	// MaxDeliveries is the poison threshold. Defaults to
	// DefaultMaxDeliveries.
	MaxDeliveries int

	// Logger for dropped undecodable entries. Defaults to slog.Default().
	Logger *slog.Logger
}

// Redis is the Redis streams queue implementation. Entries are consumed
// through a consumer group; unacked entries from dead consumers are
// reclaimed once idle past MinIdle, and entries whose delivery count
// reaches MaxDeliveries are withheld from Dequeue for the dead-letter
// path.
type Redis struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	minIdle  time.Duration
	maxDel   int64
	logger   *slog.Logger
}

// NewRedis creates the stream and consumer group if needed and returns a
// queue handle. The caller retains ownership of the Redis client.
func NewRedis(ctx context.Context, rdb *redis.Client, cfg RedisConfig) (*Redis, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "consumer"
		}
		cfg.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = DefaultMinIdle
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}

	return &Redis{
		rdb:      rdb,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		block:    cfg.Block,
		minIdle:  cfg.MinIdle,
		maxDel:   int64(cfg.MaxDeliveries),
		logger:   cfg.Logger,
	}, nil
}

// Enqueue adds a message to the stream.
func (q *Redis) Enqueue(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue returns the next deliverable message. Abandoned pending
// entries are reclaimed before new ones are read; entries at the poison
// threshold are left for Poisoned.
func (q *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d, err := q.claimAbandoned(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}

		d, ok := q.decode(ctx, streams[0].Messages[0], 1)
		if !ok {
			continue
		}
		return d, nil
	}
}

// claimAbandoned takes over one pending entry whose consumer went quiet,
// skipping entries already past the poison threshold.
func (q *Redis) claimAbandoned(ctx context.Context) (*Delivery, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Idle:   q.minIdle,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: scan pending: %w", err)
	}

	for _, p := range pending {
		if p.RetryCount >= q.maxDel {
			continue
		}
		msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("queue: claim %s: %w", p.ID, err)
		}
		if len(msgs) == 0 {
			// Another consumer won the claim.
			continue
		}
		if d, ok := q.decode(ctx, msgs[0], p.RetryCount+1); ok {
			return d, nil
		}
	}
	return nil, nil
}

// Ack removes a processed entry from the pending list and the stream.
func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, d.ID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", d.ID, err)
	}
	if err := q.rdb.XDel(ctx, q.stream, d.ID).Err(); err != nil {
		return fmt.Errorf("queue: delete %s: %w", d.ID, err)
	}
	return nil
}

// Nack leaves the entry pending. It becomes claimable once idle past
// MinIdle, which is what produces the redelivery.
func (q *Redis) Nack(ctx context.Context, d *Delivery) error {
	return nil
}

// Poisoned claims up to limit pending entries whose delivery count
// reached the poison threshold.
func (q *Redis) Poisoned(ctx context.Context, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = DefaultPoisonBatch
	}

	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: scan pending: %w", err)
	}

	var poisoned []*Delivery
	for _, p := range pending {
		if p.RetryCount < q.maxDel {
			continue
		}
		msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("queue: claim %s: %w", p.ID, err)
		}
		if len(msgs) == 0 {
			continue
		}
		if d, ok := q.decode(ctx, msgs[0], p.RetryCount+1); ok {
			poisoned = append(poisoned, d)
		}
	}
	return poisoned, nil
}

// Close releases nothing; the Redis client is owned by the caller.
func (q *Redis) Close() error {
	return nil
}

// decode unpacks a stream entry. Undecodable entries are acked and
// dropped since no consumer will ever be able to process them.
func (q *Redis) decode(ctx context.Context, m redis.XMessage, attempts int64) (*Delivery, bool) {
	raw, ok := m.Values["payload"].(string)
	if ok {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			return &Delivery{ID: m.ID, Attempts: attempts, Message: &msg}, true
		}
	}

	q.logger.Warn("dropping undecodable queue entry", "entry_id", m.ID, "stream", q.stream)
	_ = q.rdb.XAck(ctx, q.stream, q.group, m.ID).Err()
	_ = q.rdb.XDel(ctx, q.stream, m.ID).Err()
	return nil, false
}

var _ Queue = (*Redis)(nil)
