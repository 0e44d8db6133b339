package workflow

import (
	"fmt"
	"regexp"

	"github.com/bifrosthq/bifrost/pkg/errors"
)

// Tags classify what a definition is. A data provider participates in
// result caching; a plain workflow never does.
const (
	TagWorkflow     = "workflow"
	TagDataProvider = "data_provider"
)

// Execution modes for named workflows. Scripts always run async.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Parameter types accepted in workflow metadata.
const (
	TypeString   = "string"
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeBool     = "bool"
	TypeEmail    = "email"
	TypeURL      = "url"
	TypeDate     = "date"
	TypeDateTime = "datetime"
	TypeList     = "list"
	TypeDict     = "dict"
)

// Timeout bounds for workflow metadata, in seconds.
const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 7200
	DefaultTimeoutSeconds = 1800
)

var nameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

var paramTypes = map[string]bool{
	TypeString:   true,
	TypeInt:      true,
	TypeFloat:    true,
	TypeBool:     true,
	TypeEmail:    true,
	TypeURL:      true,
	TypeDate:     true,
	TypeDateTime: true,
	TypeList:     true,
	TypeDict:     true,
}

// Parameter declares a single workflow input.
type Parameter struct {
	// Name is the identifier the value is bound to at execution time.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Type constrains coercion of incoming values. See the Type* constants.
	Type string `yaml:"type" json:"type" validate:"required"`

	// Required parameters must be present (or have a default) at dispatch.
	Required bool `yaml:"required" json:"required"`

	// DefaultValue is substituted when the caller omits the parameter.
	DefaultValue any `yaml:"default_value,omitempty" json:"default_value,omitempty"`

	// HelpText is shown in generated forms and endpoint documentation.
	HelpText string `yaml:"help_text,omitempty" json:"help_text,omitempty"`

	// Validation is an optional boolean expression evaluated against the
	// coerced value (bound to the identifier "value"). A false result
	// rejects the dispatch.
	Validation string `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// Metadata describes a workflow definition: identity, classification,
// execution behavior and declared inputs. It is parsed from workspace
// front matter and declared inline by compiled definitions.
type Metadata struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Description string `yaml:"description" json:"description" validate:"required"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`

	// Tags is a subset of {workflow, data_provider}. Empty means workflow.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// ExecutionMode selects sync or async dispatch for named invocations.
	// Empty means sync.
	ExecutionMode string `yaml:"execution_mode,omitempty" json:"execution_mode,omitempty" validate:"omitempty,oneof=sync async"`

	// TimeoutSeconds bounds execution wall time. Zero means the engine
	// default of 1800 seconds.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=7200"`

	Parameters []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty" validate:"dive"`

	// EndpointEnabled exposes the workflow on the HTTP endpoint surface.
	EndpointEnabled bool `yaml:"endpoint_enabled,omitempty" json:"endpoint_enabled,omitempty"`

	// AllowedMethods restricts endpoint invocation methods when enabled.
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"`

	// TransientExecutions skips all record and log persistence; results
	// exist only in the response envelope.
	TransientExecutions bool `yaml:"transient_executions,omitempty" json:"transient_executions,omitempty"`

	// CacheTTLSeconds overrides the data provider cache lifetime.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty" json:"cache_ttl_seconds,omitempty"`
}

// Validate checks the metadata against the registration rules. It returns
// the first problem found as a ValidationError.
func (m *Metadata) Validate() error {
	if m.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "name is required",
		}
	}
	if !nameRe.MatchString(m.Name) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("invalid name %q", m.Name),
			Suggestion: "use lowercase letters, digits and underscores only",
		}
	}
	if m.Description == "" {
		return &errors.ValidationError{
			Field:   "description",
			Message: "description is required",
		}
	}
	for _, tag := range m.Tags {
		if tag != TagWorkflow && tag != TagDataProvider {
			return &errors.ValidationError{
				Field:      "tags",
				Message:    fmt.Sprintf("unknown tag %q", tag),
				Suggestion: "valid tags are workflow and data_provider",
			}
		}
	}
	switch m.ExecutionMode {
	case "", ModeSync, ModeAsync:
	default:
		return &errors.ValidationError{
			Field:      "execution_mode",
			Message:    fmt.Sprintf("unknown execution mode %q", m.ExecutionMode),
			Suggestion: "valid modes are sync and async",
		}
	}
	if m.TimeoutSeconds != 0 && (m.TimeoutSeconds < MinTimeoutSeconds || m.TimeoutSeconds > MaxTimeoutSeconds) {
		return &errors.ValidationError{
			Field:   "timeout_seconds",
			Message: fmt.Sprintf("timeout_seconds must be between %d and %d, got %d", MinTimeoutSeconds, MaxTimeoutSeconds, m.TimeoutSeconds),
		}
	}
	seen := make(map[string]bool, len(m.Parameters))
	for _, p := range m.Parameters {
		if p.Name == "" {
			return &errors.ValidationError{
				Field:   "parameters",
				Message: "parameter name is required",
			}
		}
		if seen[p.Name] {
			return &errors.ValidationError{
				Field:   "parameters",
				Message: fmt.Sprintf("duplicate parameter %q", p.Name),
			}
		}
		seen[p.Name] = true
		if !paramTypes[p.Type] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("parameters.%s.type", p.Name),
				Message:    fmt.Sprintf("unknown parameter type %q", p.Type),
				Suggestion: "valid types: string, int, float, bool, email, url, date, datetime, list, dict",
			}
		}
	}
	return nil
}

// IsDataProvider reports whether the definition participates in result
// caching.
func (m *Metadata) IsDataProvider() bool {
	for _, tag := range m.Tags {
		if tag == TagDataProvider {
			return true
		}
	}
	return false
}

// Mode returns the effective execution mode, applying the sync default.
func (m *Metadata) Mode() string {
	if m.ExecutionMode == ModeAsync {
		return ModeAsync
	}
	return ModeSync
}

// Timeout returns the effective timeout in seconds, applying the default.
func (m *Metadata) Timeout() int {
	if m.TimeoutSeconds > 0 {
		return m.TimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

// Param returns the declared parameter with the given name, if any.
func (m *Metadata) Param(name string) (Parameter, bool) {
	for _, p := range m.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}
