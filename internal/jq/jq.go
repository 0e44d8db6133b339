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

// Package jq evaluates jq expressions over in-memory values. The script
// environment exposes it as the jq(expr, data) builtin; the discovery
// validator uses Validate to reject bad expressions at save time.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single expression evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the serialized input, 10 MiB.
	DefaultMaxInputSize = 10 << 20
)

// Runner evaluates jq expressions with a per-call timeout and an input
// size ceiling.
type Runner struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewRunner creates a runner. Zero values select the defaults.
func NewRunner(timeout time.Duration, maxInputSize int64) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Runner{timeout: timeout, maxInputSize: maxInputSize}
}

// Run evaluates expression against input. The input is normalized
// through a JSON round trip, so any serializable value works. An empty
// expression returns the input unchanged. One output is returned
// directly, several as a slice, none as nil.
func (r *Runner) Run(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return input, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("jq: input not serializable: %w", err)
	}
	if int64(len(raw)) > r.maxInputSize {
		return nil, fmt.Errorf("jq: input size %d exceeds limit %d", len(raw), r.maxInputSize)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("jq: normalize input: %w", err)
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq: parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq: compile error: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(runCtx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Validate reports whether expression parses and compiles. Empty
// expressions are valid.
func (r *Runner) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}
