package workflow

import (
	"strings"
	"testing"

	"github.com/bifrosthq/bifrost/pkg/errors"
)

func validMetadata() Metadata {
	return Metadata{
		Name:        "restart_service",
		Description: "Restarts a service on the target host",
		Category:    "operations",
		Tags:        []string{TagWorkflow},
		Parameters: []Parameter{
			{Name: "service", Type: TypeString, Required: true},
			{Name: "force", Type: TypeBool, DefaultValue: false},
		},
	}
}

func TestMetadata_Validate(t *testing.T) {
	t.Run("valid metadata passes", func(t *testing.T) {
		m := validMetadata()
		if err := m.Validate(); err != nil {
			t.Fatalf("Validate() = %v, want nil", err)
		}
	})

	tests := []struct {
		name      string
		mutate    func(*Metadata)
		wantField string
	}{
		{
			name:      "missing name",
			mutate:    func(m *Metadata) { m.Name = "" },
			wantField: "name",
		},
		{
			name:      "uppercase name",
			mutate:    func(m *Metadata) { m.Name = "Restart-Service" },
			wantField: "name",
		},
		{
			name:      "name with spaces",
			mutate:    func(m *Metadata) { m.Name = "restart service" },
			wantField: "name",
		},
		{
			name:      "missing description",
			mutate:    func(m *Metadata) { m.Description = "" },
			wantField: "description",
		},
		{
			name:      "unknown tag",
			mutate:    func(m *Metadata) { m.Tags = []string{"cron"} },
			wantField: "tags",
		},
		{
			name:      "unknown execution mode",
			mutate:    func(m *Metadata) { m.ExecutionMode = "eventually" },
			wantField: "execution_mode",
		},
		{
			name:      "timeout below minimum",
			mutate:    func(m *Metadata) { m.TimeoutSeconds = -5 },
			wantField: "timeout_seconds",
		},
		{
			name:      "timeout above maximum",
			mutate:    func(m *Metadata) { m.TimeoutSeconds = 7201 },
			wantField: "timeout_seconds",
		},
		{
			name: "parameter without name",
			mutate: func(m *Metadata) {
				m.Parameters = append(m.Parameters, Parameter{Type: TypeString})
			},
			wantField: "parameters",
		},
		{
			name: "duplicate parameter",
			mutate: func(m *Metadata) {
				m.Parameters = append(m.Parameters, Parameter{Name: "service", Type: TypeString})
			},
			wantField: "parameters",
		},
		{
			name: "unknown parameter type",
			mutate: func(m *Metadata) {
				m.Parameters = append(m.Parameters, Parameter{Name: "extra", Type: "decimal"})
			},
			wantField: "parameters.extra.type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMetadata()
			tt.mutate(&m)

			err := m.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}

			var verr *errors.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() returned %T, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("ValidationError.Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}

	t.Run("zero timeout means default", func(t *testing.T) {
		m := validMetadata()
		m.TimeoutSeconds = 0
		if err := m.Validate(); err != nil {
			t.Fatalf("Validate() = %v, want nil for unset timeout", err)
		}
	})
}

func TestMetadata_IsDataProvider(t *testing.T) {
	m := validMetadata()
	if m.IsDataProvider() {
		t.Error("IsDataProvider() = true for plain workflow")
	}

	m.Tags = []string{TagWorkflow, TagDataProvider}
	if !m.IsDataProvider() {
		t.Error("IsDataProvider() = false with data_provider tag")
	}
}

func TestMetadata_Mode(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{"", ModeSync},
		{ModeSync, ModeSync},
		{ModeAsync, ModeAsync},
	}
	for _, tt := range tests {
		m := validMetadata()
		m.ExecutionMode = tt.mode
		if got := m.Mode(); got != tt.want {
			t.Errorf("Mode() with %q = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestMetadata_Timeout(t *testing.T) {
	m := validMetadata()
	if got := m.Timeout(); got != DefaultTimeoutSeconds {
		t.Errorf("Timeout() = %d, want default %d", got, DefaultTimeoutSeconds)
	}

	m.TimeoutSeconds = 300
	if got := m.Timeout(); got != 300 {
		t.Errorf("Timeout() = %d, want 300", got)
	}
}

func TestMetadata_Param(t *testing.T) {
	m := validMetadata()

	p, ok := m.Param("service")
	if !ok {
		t.Fatal("Param(service) not found")
	}
	if p.Type != TypeString || !p.Required {
		t.Errorf("Param(service) = %+v, want required string", p)
	}

	if _, ok := m.Param("missing"); ok {
		t.Error("Param(missing) should not be found")
	}
}

func TestValidationErrorMessages(t *testing.T) {
	m := validMetadata()
	m.Name = "Bad Name"
	err := m.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Bad Name") {
		t.Errorf("error should name the offending value, got %q", err.Error())
	}
}
