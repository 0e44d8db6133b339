package workflow

import (
	"sort"
	"sync"

	"github.com/bifrosthq/bifrost/pkg/errors"
)

// Handler is a compiled workflow implementation. The returned value is the
// execution result; a returned error fails the execution with its
// classified type. Raise *errors.UserError to surface a message verbatim
// to the caller.
type Handler func(ctx *Context) (any, error)

// Definition pairs workflow metadata with its compiled handler.
type Definition struct {
	Metadata Metadata
	Handler  Handler
}

// Registry holds compiled workflow definitions by name. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds a definition to the registry. The metadata is validated
// with the same rules applied to workspace definitions; registering a
// duplicate name or a nil handler is rejected.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{
			Field:   "definition",
			Message: "definition cannot be nil",
		}
	}
	if def.Handler == nil {
		return &errors.ValidationError{
			Field:   "handler",
			Message: "handler cannot be nil",
		}
	}
	if err := def.Metadata.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := def.Metadata.Name
	if _, exists := r.defs[name]; exists {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow " + name + " is already registered",
			Suggestion: "use a unique workflow name",
		}
	}

	// Store a copy so later mutation of the caller's struct cannot skew
	// registered metadata.
	cp := *def
	if len(cp.Metadata.Tags) == 0 {
		cp.Metadata.Tags = []string{TagWorkflow}
	}
	r.defs[name] = &cp
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	if !exists {
		return nil, &errors.WorkflowNotFoundError{Name: name}
	}
	return def, nil
}

// List returns the registered definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Name < out[j].Metadata.Name
	})
	return out
}

// defaultRegistry backs the package-level registration functions.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that package-level Register
// feeds. The daemon resolves named workflows against it.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a definition to the default registry. Compiled workflow
// packages typically call this from init.
func Register(def *Definition) error {
	return defaultRegistry.Register(def)
}

// MustRegister is Register that panics on error, for init-time use.
func MustRegister(def *Definition) {
	if err := defaultRegistry.Register(def); err != nil {
		panic(err)
	}
}
