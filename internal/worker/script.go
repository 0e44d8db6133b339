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
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"

	"github.com/bifrosthq/bifrost/internal/jq"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// scriptCompleted is the synthetic result for scripts whose final
// expression evaluates to nil.
var scriptCompleted = map[string]any{
	"status":  "completed",
	"message": "Script executed successfully",
}

// scriptSource names a script in compile errors, standing in for the
// file path a workspace definition would have.
func scriptSource(name string) string {
	return "<script:" + name + ">"
}

// ScriptHandler adapts script source to the compiled handler contract,
// so workspace definitions run through the same dispatch, coercion and
// capture machinery as compiled workflows. The body evaluates in the
// inline-script environment; captured values flow into the workflow
// context.
func ScriptHandler(name, source string, jqr *jq.Runner) workflow.Handler {
	if jqr == nil {
		jqr = jq.NewRunner(0, 0)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(source))
	return func(wfctx *workflow.Context) (any, error) {
		value, captured, err := runScript(wfctx.Context(), name, encoded, wfctx.Params(), jqr, wfctx.Logger())
		for k, v := range captured {
			wfctx.Capture(k, v)
		}
		return value, err
	}
}

// runScript decodes and evaluates an inline script. Parameters are
// exposed as identifiers; the builtin set gives scripts logging,
// capture, jq transforms, parameter lookup, deliberate failure and
// string formatting. The final expression value is the script result.
func runScript(ctx context.Context, name, encoded string, params map[string]any, jqr *jq.Runner, logger *slog.Logger) (any, map[string]any, error) {
	src, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, &bifrosterrors.ValidationError{
			Field:      "code",
			Message:    "code must be base64-encoded script source",
			Suggestion: "encode the script with standard base64 before submitting",
		}
	}

	captured := make(map[string]any)

	env := make(map[string]any, len(params)+12)
	for k, v := range params {
		env[k] = v
	}
	env["ctx"] = ctx
	env["log_debug"] = func(msg any) any { logger.Debug(fmt.Sprint(msg)); return nil }
	env["log_info"] = func(msg any) any { logger.Info(fmt.Sprint(msg)); return nil }
	env["log_warning"] = func(msg any) any { logger.Warn(fmt.Sprint(msg)); return nil }
	env["log_error"] = func(msg any) any { logger.Error(fmt.Sprint(msg)); return nil }
	env["capture"] = func(name string, value any) any {
		captured[name] = value
		return nil
	}
	env["param"] = func(name string) any { return params[name] }

	// The VM may wrap returned errors opaquely; remember the user error
	// out of band so classification survives.
	var failErr *bifrosterrors.UserError
	env["fail"] = func(msg string) (any, error) {
		failErr = &bifrosterrors.UserError{Message: msg}
		return nil, failErr
	}
	env["jq"] = func(query string, data any) (any, error) {
		return jqr.Run(ctx, query, data)
	}
	env["sprintf"] = func(format string, args ...any) string {
		return fmt.Sprintf(format, args...)
	}

	program, err := expr.Compile(string(src),
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.WithContext("ctx"),
	)
	if err != nil {
		return nil, nil, &bifrosterrors.WorkflowLoadError{
			Path:   scriptSource(name),
			Reason: err.Error(),
			Cause:  err,
		}
	}

	out, err := expr.Run(program, env)
	if err != nil {
		if failErr != nil {
			return nil, captured, failErr
		}
		var userErr *bifrosterrors.UserError
		if errors.As(err, &userErr) {
			return nil, captured, userErr
		}
		return nil, captured, fmt.Errorf("script %s: %w", scriptSource(name), err)
	}

	if out == nil {
		out = scriptCompleted
	}
	return out, captured, nil
}
