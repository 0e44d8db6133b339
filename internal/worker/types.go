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
	"time"

	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
)

// Workflow tags understood by the engine. A workflow may carry both.
const (
	TagWorkflow     = "workflow"
	TagDataProvider = "data_provider"
)

// DefaultTimeoutSeconds is the wall-clock budget applied when a request
// does not carry its own.
const DefaultTimeoutSeconds = 1800

// Organization identifies the tenant an execution belongs to.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Request is the execution context handed to a worker process through
// the handshake store. Exactly one of Name and Code must be set: Name
// selects a registered workflow, Code carries inline script source
// encoded as base64.
type Request struct {
	ExecutionID  string        `json:"execution_id"`
	Caller       store.Caller  `json:"caller"`
	Organization *Organization `json:"organization,omitempty"`
	Scope        string        `json:"scope,omitempty"`

	// Config is the already-materialized scope configuration. The
	// worker never reaches back to config storage itself.
	Config map[string]any `json:"config,omitempty"`

	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"`

	Tags       []string       `json:"tags,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	TimeoutSeconds  int `json:"timeout_seconds,omitempty"`
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty"`

	// Transient executions skip all record and log persistence; their
	// logs travel only inside the result envelope.
	Transient bool `json:"transient,omitempty"`

	// NoCache bypasses the data-provider cache for this run without
	// invalidating stored entries.
	NoCache bool `json:"no_cache,omitempty"`

	IsPlatformAdmin bool `json:"is_platform_admin,omitempty"`
}

// Validate checks the structural invariants of a request before any
// work starts.
func (r *Request) Validate() error {
	if r.ExecutionID == "" {
		return &bifrosterrors.ValidationError{Field: "execution_id", Message: "execution_id is required"}
	}
	if (r.Name == "") == (r.Code == "") {
		return &bifrosterrors.ValidationError{
			Field:      "name",
			Message:    "exactly one of name and code must be set",
			Suggestion: "pass a registered workflow name or inline script source, not both",
		}
	}
	for _, tag := range r.Tags {
		if tag != TagWorkflow && tag != TagDataProvider {
			return &bifrosterrors.ValidationError{Field: "tags", Message: "unknown tag: " + tag}
		}
	}
	if r.TimeoutSeconds < 0 {
		return &bifrosterrors.ValidationError{Field: "timeout_seconds", Message: "timeout_seconds must not be negative"}
	}
	if r.CacheTTLSeconds < 0 {
		return &bifrosterrors.ValidationError{Field: "cache_ttl_seconds", Message: "cache_ttl_seconds must not be negative"}
	}
	return nil
}

// IsDataProvider reports whether the request targets a data provider.
func (r *Request) IsDataProvider() bool {
	for _, tag := range r.Tags {
		if tag == TagDataProvider {
			return true
		}
	}
	return false
}

// EffectiveScope resolves the scope the execution runs under. Falls back
// to the organization id, then to the global scope.
func (r *Request) EffectiveScope() string {
	if r.Scope != "" {
		return r.Scope
	}
	if r.Organization != nil && r.Organization.ID != "" {
		return r.Organization.ID
	}
	return store.ScopeGlobal
}

// Timeout returns the wall-clock budget for the execution.
func (r *Request) Timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// Metrics is the resource consumption section of a result envelope.
type Metrics struct {
	PeakMemoryBytes  int64   `json:"peak_memory_bytes"`
	CPUUserSeconds   float64 `json:"cpu_user_seconds"`
	CPUSystemSeconds float64 `json:"cpu_system_seconds"`
	CPUTotalSeconds  float64 `json:"cpu_total_seconds"`
}

// Result is the envelope a worker writes to the handshake store when an
// execution finishes, whatever the outcome. The pool synthesizes one
// when the worker dies without writing its own.
type Result struct {
	Status     store.Status `json:"status"`
	Result     any          `json:"result,omitempty"`
	DurationMs int64        `json:"duration_ms"`

	// Logs carries the execution's log entries back to the caller.
	// For persistent executions they are also written to the log
	// stream as they happen; for transient ones this is the only copy.
	Logs []*logstream.Entry `json:"logs,omitempty"`

	// Variables holds the captured variable snapshot, already
	// sanitized for serialization.
	Variables map[string]any `json:"variables,omitempty"`

	IntegrationCalls int `json:"integration_calls"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`

	// Cached marks a data-provider response served from cache.
	// CacheExpiresAt carries the original entry's expiry.
	Cached         bool       `json:"cached,omitempty"`
	CacheExpiresAt *time.Time `json:"cache_expires_at,omitempty"`

	Metrics *Metrics `json:"metrics,omitempty"`

	// Traceback is the full stack rendering of a non-user failure.
	// Never set for user-raised errors.
	Traceback string `json:"traceback,omitempty"`
}

// Failed builds a synthesized failure envelope from a classified error.
func Failed(err error) *Result {
	return &Result{
		Status:       store.StatusFailed,
		ErrorMessage: err.Error(),
		ErrorType:    bifrosterrors.Classify(err),
	}
}
