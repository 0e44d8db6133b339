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

package discovery

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// fence delimits front matter.
const fence = "---"

// Issue is one finding from the validation pipeline, positioned by file
// line for editor annotations.
type Issue struct {
	Line     int    `json:"line"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Report is the validation verdict for one definition source. Metadata
// is present whenever the front matter parsed, even when rules failed,
// so editors can show what was understood.
type Report struct {
	Valid    bool               `json:"valid"`
	Issues   []Issue            `json:"issues"`
	Metadata *workflow.Metadata `json:"metadata,omitempty"`
}

func (r *Report) add(line int, severity, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Line:     line,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
	})
}

// settle computes Valid and normalizes the issue slice for JSON.
func (r *Report) settle() *Report {
	r.Valid = true
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			r.Valid = false
			break
		}
	}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	return r
}

// source is one definition file split into its parts.
type source struct {
	frontMatter []string
	fmStart     int // file line of the first front matter line
	body        string
	bodyStart   int // file line of the first body line
}

// splitSource splits raw definition text at the front matter fences.
func splitSource(raw []byte) (*source, *Issue) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != fence {
		return nil, &Issue{
			Line:     1,
			Message:  `definition must open with a "---" front matter fence`,
			Severity: SeverityError,
		}
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == fence {
			return &source{
				frontMatter: lines[1:i],
				fmStart:     2,
				body:        strings.Join(lines[i+1:], "\n"),
				bodyStart:   i + 2,
			}, nil
		}
	}
	return nil, &Issue{
		Line:     1,
		Message:  "front matter fence is never closed",
		Severity: SeverityError,
	}
}

// lineOf locates a metadata field in the front matter for issue
// positioning. Nested fields resolve to their top-level key.
func (s *source) lineOf(field string) int {
	field, _, _ = strings.Cut(field, ".")
	for i, line := range s.frontMatter {
		trimmed := strings.TrimLeft(line, " \t-")
		if strings.HasPrefix(trimmed, field+":") {
			return s.fmStart + i
		}
	}
	return 1
}

// ValidateFile re-reads path and validates it. The read is always fresh,
// so a save hook never sees a stale verdict.
func (w *Workspace) ValidateFile(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &bifrosterrors.WorkflowLoadError{Path: path, Reason: "read failed", Cause: err}
	}
	return w.ValidateSource(raw), nil
}

// ValidateSource runs the validation pipeline over raw definition text:
// fence and YAML syntax, body compilation, the metadata registration
// rules, parameter validation expressions, and a structural pass over
// the declared constraints. Findings accumulate so an editor shows them
// all at once; only a source that fails to parse stops early.
func (w *Workspace) ValidateSource(raw []byte) *Report {
	report := &Report{}

	src, issue := splitSource(raw)
	if issue != nil {
		report.Issues = append(report.Issues, *issue)
		return report.settle()
	}
	if strings.TrimSpace(strings.Join(src.frontMatter, "\n")) == "" {
		report.add(1, SeverityError, "front matter is empty")
		return report.settle()
	}

	meta := &workflow.Metadata{}
	dec := yaml.NewDecoder(strings.NewReader(strings.Join(src.frontMatter, "\n")))
	dec.KnownFields(true)
	if err := dec.Decode(meta); err != nil {
		report.add(yamlLine(err, src.fmStart), SeverityError, "front matter: %s", yamlSummary(err))
		return report.settle()
	}
	report.Metadata = meta

	if strings.TrimSpace(src.body) == "" {
		report.add(src.bodyStart, SeverityError, "workflow body is empty")
	} else if _, err := expr.Compile(src.body, expr.Env(map[string]any{}), expr.AllowUndefinedVariables()); err != nil {
		report.add(exprLine(err, src.bodyStart), SeverityError, "body: %s", firstLine(err.Error()))
	}

	if err := meta.Validate(); err != nil {
		var v *bifrosterrors.ValidationError
		if errors.As(err, &v) {
			report.add(src.lineOf(v.Field), SeverityError, "%s", v.Message)
		} else {
			report.add(1, SeverityError, "%s", err)
		}
	}

	for _, p := range meta.Parameters {
		if p.Validation == "" {
			continue
		}
		_, err := expr.Compile(p.Validation,
			expr.Env(map[string]any{"value": nil}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			report.add(src.lineOf("parameters"), SeverityError,
				"parameter %q validation expression does not compile: %s", p.Name, firstLine(err.Error()))
		}
	}

	if err := structValidator.Struct(meta); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				report.add(src.lineOf(fe.Field()), SeverityError,
					"field %s violates rule %q", fe.Field(), fe.Tag())
			}
		} else {
			report.add(1, SeverityError, "metadata structure: %s", err)
		}
	}

	if len(meta.AllowedMethods) > 0 && !meta.EndpointEnabled {
		report.add(src.lineOf("allowed_methods"), SeverityWarning,
			"allowed_methods has no effect while endpoint_enabled is false")
	}

	return report.settle()
}

// structValidator backs the structural pass, reporting with the YAML
// field names editors know.
var structValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

var (
	yamlLineRe = regexp.MustCompile(`line (\d+)`)
	exprLineRe = regexp.MustCompile(`\((\d+):\d+\)`)
)

// yamlLine extracts the line a YAML error names, mapped to file lines.
func yamlLine(err error, fmStart int) int {
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			return fmStart + n - 1
		}
	}
	return 1
}

// yamlSummary reduces a YAML error to its first finding.
func yamlSummary(err error) string {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		return typeErr.Errors[0]
	}
	return strings.TrimPrefix(firstLine(err.Error()), "yaml: ")
}

// exprLine extracts the "(line:column)" position expression errors
// carry, mapped to file lines.
func exprLine(err error, bodyStart int) int {
	if m := exprLineRe.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			return bodyStart + n - 1
		}
	}
	return bodyStart
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
