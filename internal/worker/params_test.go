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

package worker

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

func coercionMeta() *workflow.Metadata {
	return &workflow.Metadata{
		Name:        "report",
		Description: "test workflow",
		Parameters: []workflow.Parameter{
			{Name: "limit", Type: workflow.TypeInt},
			{Name: "ratio", Type: workflow.TypeFloat},
			{Name: "dry_run", Type: workflow.TypeBool},
			{Name: "label", Type: workflow.TypeString},
		},
	}
}

func TestCoerceParameters_Types(t *testing.T) {
	tests := []struct {
		name     string
		supplied map[string]any
		param    string
		want     any
	}{
		{"int from string", map[string]any{"limit": "42"}, "limit", int64(42)},
		{"int from json float", map[string]any{"limit": float64(7)}, "limit", int64(7)},
		{"int passes through", map[string]any{"limit": 5}, "limit", 5},
		{"float from string", map[string]any{"ratio": "0.25"}, "ratio", 0.25},
		{"float from int", map[string]any{"ratio": 2}, "ratio", 2.0},
		{"bool passes through", map[string]any{"dry_run": true}, "dry_run", true},
		{"bool from yes", map[string]any{"dry_run": "yes"}, "dry_run", true},
		{"bool from ON", map[string]any{"dry_run": " ON "}, "dry_run", true},
		{"bool from 1", map[string]any{"dry_run": "1"}, "dry_run", true},
		{"bool from other string", map[string]any{"dry_run": "nope"}, "dry_run", false},
		{"string from number", map[string]any{"label": 12}, "label", "12"},
		{"string passes through", map[string]any{"label": "abc"}, "label", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, _, err := CoerceParameters(coercionMeta(), tt.supplied, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := params[tt.param]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestCoerceParameters_FailedCoercionKeepsRawAndWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	params, _, err := CoerceParameters(coercionMeta(), map[string]any{"limit": "not-a-number"}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := params["limit"]; got != "not-a-number" {
		t.Errorf("expected raw value preserved, got %v", got)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("expected a warning log, got %q", out)
	}
	if !strings.Contains(out, "parameter=limit") {
		t.Errorf("expected the parameter name in the warning, got %q", out)
	}
}

func TestCoerceParameters_Defaults(t *testing.T) {
	meta := &workflow.Metadata{
		Name:        "report",
		Description: "test workflow",
		Parameters: []workflow.Parameter{
			{Name: "limit", Type: workflow.TypeInt, DefaultValue: "10"},
			{Name: "region", Type: workflow.TypeString},
		},
	}

	params, _, err := CoerceParameters(meta, map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := params["limit"]; got != int64(10) {
		t.Errorf("expected coerced default 10, got %v (%T)", got, got)
	}
	if _, present := params["region"]; present {
		t.Errorf("optional parameter without default should stay absent")
	}
}

func TestCoerceParameters_RequiredMissing(t *testing.T) {
	meta := &workflow.Metadata{
		Name:        "report",
		Description: "test workflow",
		Parameters: []workflow.Parameter{
			{Name: "account", Type: workflow.TypeString, Required: true},
		},
	}

	_, _, err := CoerceParameters(meta, map[string]any{}, nil)
	var verr *bifrosterrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "account" {
		t.Errorf("expected field account, got %q", verr.Field)
	}
}

func TestCoerceParameters_ExtrasSplit(t *testing.T) {
	params, extras, err := CoerceParameters(coercionMeta(), map[string]any{
		"limit":    "3",
		"audience": "finance",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, bound := params["audience"]; bound {
		t.Errorf("undeclared value must not bind as a parameter")
	}
	if got := extras["audience"]; got != "finance" {
		t.Errorf("expected extras to carry audience, got %v", got)
	}
	if _, leaked := extras["limit"]; leaked {
		t.Errorf("declared parameter leaked into extras")
	}
}

func TestValidateParameters(t *testing.T) {
	meta := &workflow.Metadata{
		Name:        "report",
		Description: "test workflow",
		Parameters: []workflow.Parameter{
			{Name: "limit", Type: workflow.TypeInt, Validation: "value > 0 && value <= 100"},
		},
	}

	t.Run("passing value", func(t *testing.T) {
		if err := ValidateParameters(meta, map[string]any{"limit": int64(10)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("failing value", func(t *testing.T) {
		err := ValidateParameters(meta, map[string]any{"limit": int64(500)})
		var verr *bifrosterrors.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if verr.Field != "limit" {
			t.Errorf("expected field limit, got %q", verr.Field)
		}
	})

	t.Run("absent value skips validation", func(t *testing.T) {
		if err := ValidateParameters(meta, map[string]any{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("broken expression", func(t *testing.T) {
		broken := &workflow.Metadata{
			Name:        "report",
			Description: "test workflow",
			Parameters: []workflow.Parameter{
				{Name: "limit", Type: workflow.TypeInt, Validation: "value >"},
			},
		}
		err := ValidateParameters(broken, map[string]any{"limit": int64(1)})
		var verr *bifrosterrors.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}
