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

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis publishes events over Redis pub/sub so gateway processes on
// other nodes can relay them to their websocket clients. Messages are
// JSON envelopes {"event": ..., "data": ...} on the channel names from
// ExecutionChannel/HistoryChannel.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a pub/sub broadcaster on an existing Redis client.
// The caller retains ownership of the client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// PublishExecution sends an executionUpdate to the execution's detail
// channel.
func (r *Redis) PublishExecution(ctx context.Context, update *ExecutionUpdate) error {
	return r.publish(ctx, ExecutionChannel(update.ExecutionID), TypeExecutionUpdate, update)
}

// PublishHistory sends an executionHistoryUpdate to a scope's history
// channel.
func (r *Redis) PublishHistory(ctx context.Context, scope string, update *HistoryUpdate) error {
	return r.publish(ctx, HistoryChannel(scope), TypeExecutionHistoryUpdate, update)
}

func (r *Redis) publish(ctx context.Context, channel, eventType string, payload any) error {
	msg, err := json.Marshal(envelope{Event: eventType, Data: payload})
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", eventType, err)
	}
	if err := r.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("broadcast: publish to %s: %w", channel, err)
	}
	return nil
}

// Close releases nothing; the Redis client is owned by the caller.
func (r *Redis) Close() error {
	return nil
}

var _ Broadcaster = (*Redis)(nil)
