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
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// truthy is the set of strings coerced to boolean true. Any other
// string coerces to false.
var truthy = map[string]bool{
	"true": true,
	"1":    true,
	"yes":  true,
	"on":   true,
}

// CoerceParameters binds caller-supplied values to the declared
// parameter set. Declared parameters are coerced to their metadata
// type; values that fail numeric coercion are kept raw and logged as a
// WARNING. Missing parameters take their declared default; a required
// parameter with neither value nor default is a ValidationError.
// Undeclared values are returned as extras, never bound.
func CoerceParameters(meta *workflow.Metadata, supplied map[string]any, logger *slog.Logger) (map[string]any, map[string]any, error) {
	if logger == nil {
		logger = slog.Default()
	}

	params := make(map[string]any, len(meta.Parameters))
	for _, p := range meta.Parameters {
		value, present := supplied[p.Name]
		if !present {
			if p.DefaultValue != nil {
				params[p.Name] = coerce(p, p.DefaultValue, logger)
				continue
			}
			if p.Required {
				return nil, nil, &bifrosterrors.ValidationError{
					Field:   p.Name,
					Message: fmt.Sprintf("required parameter %q is missing", p.Name),
				}
			}
			continue
		}
		params[p.Name] = coerce(p, value, logger)
	}

	extras := make(map[string]any)
	for name, value := range supplied {
		if _, declared := meta.Param(name); !declared {
			extras[name] = value
		}
	}
	return params, extras, nil
}

// coerce converts value to the parameter's declared type where the
// conversion is well defined, and returns the raw value otherwise.
func coerce(p workflow.Parameter, value any, logger *slog.Logger) any {
	switch p.Type {
	case workflow.TypeInt:
		switch v := value.(type) {
		case int, int32, int64:
			return value
		case float64:
			return int64(v)
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				logger.Warn("failed to coerce parameter, keeping raw value",
					"parameter", p.Name, "declared_type", p.Type)
				return value
			}
			return n
		}

	case workflow.TypeFloat:
		switch v := value.(type) {
		case float32, float64:
			return value
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				logger.Warn("failed to coerce parameter, keeping raw value",
					"parameter", p.Name, "declared_type", p.Type)
				return value
			}
			return f
		}

	case workflow.TypeBool:
		switch v := value.(type) {
		case bool:
			return v
		case string:
			return truthy[strings.ToLower(strings.TrimSpace(v))]
		}

	case workflow.TypeString, workflow.TypeEmail, workflow.TypeURL,
		workflow.TypeDate, workflow.TypeDateTime:
		switch v := value.(type) {
		case string:
			return v
		case bool, int, int32, int64, float32, float64:
			return fmt.Sprint(v)
		}
	}
	return value
}

// ValidateParameters evaluates each declared parameter's validation
// expression against the coerced value, bound to the identifier
// "value". A false result or an evaluation failure rejects the call
// with a ValidationError. The dispatcher runs this before creating any
// record.
func ValidateParameters(meta *workflow.Metadata, params map[string]any) error {
	for _, p := range meta.Parameters {
		if p.Validation == "" {
			continue
		}
		value, present := params[p.Name]
		if !present {
			continue
		}

		env := map[string]any{"value": value}
		program, err := expr.Compile(p.Validation, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return &bifrosterrors.ValidationError{
				Field:      p.Name,
				Message:    fmt.Sprintf("invalid validation expression: %s", err),
				Suggestion: "fix the parameter's validation expression in the workflow metadata",
			}
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return &bifrosterrors.ValidationError{
				Field:   p.Name,
				Message: fmt.Sprintf("validation failed to evaluate: %s", err),
			}
		}
		if ok, _ := out.(bool); !ok {
			return &bifrosterrors.ValidationError{
				Field:   p.Name,
				Message: fmt.Sprintf("value for %q failed validation", p.Name),
			}
		}
	}
	return nil
}
