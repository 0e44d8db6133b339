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

// Package queue carries execution requests from the dispatcher to the
// consumers with at-least-once delivery.
//
// A message stays pending until acked. Messages delivered too many
// times without an ack stop being handed to Dequeue and surface through
// Poisoned instead, where the dead-letter processor fails their
// executions and removes them.
package queue

import (
	"context"
	"errors"
	"time"
)

// Message is the queue payload for one execution request.
type Message struct {
	ExecutionID  string         `json:"execution_id"`
	WorkflowName string         `json:"workflow_name"`
	Scope        string         `json:"scope"`
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name"`
	UserEmail    string         `json:"user_email"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	FormID       string         `json:"form_id,omitempty"`

	// Code is a base64-encoded inline script. Set only for script
	// executions, where WorkflowName names the synthetic script entry.
	Code string `json:"code,omitempty"`
}

// Delivery is one received message plus its broker bookkeeping.
type Delivery struct {
	// ID is the broker-assigned entry id, used to ack.
	ID string

	// Attempts counts deliveries of this message including this one.
	Attempts int64

	Message *Message
}

// Queue is the execution request transport.
type Queue interface {
	// Enqueue adds a message to the queue.
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue removes and returns the next deliverable message.
	// Blocks until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack marks a delivery as processed and removes it.
	Ack(ctx context.Context, d *Delivery) error

	// Nack leaves a delivery pending so it is redelivered later.
	Nack(ctx context.Context, d *Delivery) error

	// Poisoned claims up to limit messages whose delivery count
	// reached the poison threshold. The caller must Ack each one after
	// dead-lettering it.
	Poisoned(ctx context.Context, limit int) ([]*Delivery, error)

	// Close closes the queue.
	Close() error
}

// ErrClosed is returned when operations are performed on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Defaults shared by the backends.
const (
	// DefaultMaxDeliveries is the delivery count at which a message is
	// considered poisoned.
	DefaultMaxDeliveries = 5

	// DefaultPoisonBatch caps one dead-letter processing pass.
	DefaultPoisonBatch = 32

	// DefaultMinIdle is how long a pending entry must sit untouched
	// before another consumer may claim it.
	DefaultMinIdle = 30 * time.Second
)
