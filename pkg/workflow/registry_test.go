package workflow

import (
	"testing"

	"github.com/bifrosthq/bifrost/pkg/errors"
)

func testDefinition(name string) *Definition {
	return &Definition{
		Metadata: Metadata{
			Name:        name,
			Description: "test workflow",
		},
		Handler: func(ctx *Context) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("registers and looks up", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(testDefinition("deploy_service")); err != nil {
			t.Fatalf("Register() = %v", err)
		}

		def, err := r.Lookup("deploy_service")
		if err != nil {
			t.Fatalf("Lookup() = %v", err)
		}
		if def.Metadata.Name != "deploy_service" {
			t.Errorf("Lookup().Metadata.Name = %q", def.Metadata.Name)
		}
	})

	t.Run("rejects nil definition", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(nil); err == nil {
			t.Fatal("Register(nil) = nil, want error")
		}
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		r := NewRegistry()
		def := testDefinition("deploy_service")
		def.Handler = nil
		if err := r.Register(def); err == nil {
			t.Fatal("Register() = nil, want error for nil handler")
		}
	})

	t.Run("rejects invalid metadata", func(t *testing.T) {
		r := NewRegistry()
		def := testDefinition("Deploy-Service")
		err := r.Register(def)

		var verr *errors.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Register() returned %T, want *ValidationError", err)
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(testDefinition("deploy_service")); err != nil {
			t.Fatalf("first Register() = %v", err)
		}
		if err := r.Register(testDefinition("deploy_service")); err == nil {
			t.Fatal("second Register() = nil, want duplicate error")
		}
	})

	t.Run("defaults empty tags to workflow", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(testDefinition("deploy_service")); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		def, _ := r.Lookup("deploy_service")
		if len(def.Metadata.Tags) != 1 || def.Metadata.Tags[0] != TagWorkflow {
			t.Errorf("Tags = %v, want [workflow]", def.Metadata.Tags)
		}
	})
}

func TestRegistry_Lookup_NotFound(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("missing")
	if err == nil {
		t.Fatal("Lookup(missing) = nil, want error")
	}

	var nf *errors.WorkflowNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Lookup() returned %T, want *WorkflowNotFoundError", err)
	}
	if nf.Name != "missing" {
		t.Errorf("WorkflowNotFoundError.Name = %q, want %q", nf.Name, "missing")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := r.Register(testDefinition(name)); err != nil {
			t.Fatalf("Register(%s) = %v", name, err)
		}
	}

	defs := r.List()
	if len(defs) != 3 {
		t.Fatalf("List() returned %d definitions, want 3", len(defs))
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, def := range defs {
		if def.Metadata.Name != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, def.Metadata.Name, want[i])
		}
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.List()
			r.Lookup("deploy_service")
		}
	}()

	for _, name := range []string{"a1", "b2", "c3", "deploy_service"} {
		if err := r.Register(testDefinition(name)); err != nil {
			t.Errorf("Register(%s) = %v", name, err)
		}
	}
	<-done
}
