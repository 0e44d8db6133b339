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

package jq

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestRunner_EmptyExpressionReturnsInput(t *testing.T) {
	r := NewRunner(0, 0)
	input := map[string]any{"name": "bifrost"}

	got, err := r.Run(context.Background(), "", input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(got, input) {
		t.Errorf("Run() = %v, want input unchanged", got)
	}
}

func TestRunner_FieldAccess(t *testing.T) {
	r := NewRunner(0, 0)
	input := map[string]any{"user": map[string]any{"name": "ada"}}

	got, err := r.Run(context.Background(), ".user.name", input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "ada" {
		t.Errorf("Run() = %v, want %q", got, "ada")
	}
}

func TestRunner_MultipleOutputsBecomeSlice(t *testing.T) {
	r := NewRunner(0, 0)
	input := []any{1, 2, 3}

	got, err := r.Run(context.Background(), ".[]", input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	slice, ok := got.([]any)
	if !ok {
		t.Fatalf("Run() type = %T, want []any", got)
	}
	if len(slice) != 3 {
		t.Errorf("len = %d, want 3", len(slice))
	}
}

func TestRunner_NormalizesNonJSONTypes(t *testing.T) {
	r := NewRunner(0, 0)

	// int keys and typed slices only work because of the JSON round trip.
	got, err := r.Run(context.Background(), "length", []int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n, ok := got.(int); !ok || n != 4 {
		t.Errorf("Run() = %v (%T), want 4", got, got)
	}
}

func TestRunner_ParseError(t *testing.T) {
	r := NewRunner(0, 0)

	_, err := r.Run(context.Background(), ".foo[", map[string]any{})
	if err == nil {
		t.Fatal("Run() expected parse error")
	}
	if !strings.Contains(err.Error(), "parse error") {
		t.Errorf("error = %v, want parse error", err)
	}
}

func TestRunner_InputSizeLimit(t *testing.T) {
	r := NewRunner(0, 64)

	big := strings.Repeat("x", 200)
	_, err := r.Run(context.Background(), ".", big)
	if err == nil {
		t.Fatal("Run() expected size limit error")
	}
	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("error = %v, want size limit error", err)
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(50*time.Millisecond, 0)

	_, err := r.Run(context.Background(), "until(false; . + 1)", 0)
	if err == nil {
		t.Fatal("Run() expected timeout error")
	}
}

func TestRunner_Validate(t *testing.T) {
	r := NewRunner(0, 0)

	if err := r.Validate(""); err != nil {
		t.Errorf("Validate(empty) error = %v", err)
	}
	if err := r.Validate(".items | map(.id)"); err != nil {
		t.Errorf("Validate(valid) error = %v", err)
	}
	if err := r.Validate(".foo["); err == nil {
		t.Error("Validate(malformed) expected error")
	}
}
