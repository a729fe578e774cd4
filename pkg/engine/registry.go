package engine

import (
	"fmt"
	"sync"
)

// Registry maps workflow names to their immutable definitions and action
// names to their implementations. It is populated once at startup and
// read-only afterwards.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	actions     map[string]ActionFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
		actions:     make(map[string]ActionFunc),
	}
}

// Register adds a workflow definition. It fails with DUPLICATE_DEFINITION if
// a definition with the same name already exists, and validates that every
// referenced action is registered.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return NewPermanentError(CodeDuplicateDefinition, "definition name is required", nil)
	}
	if len(def.Steps) == 0 {
		return NewPermanentError(CodeDuplicateDefinition,
			fmt.Sprintf("definition %q has no steps", def.Name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Name]; exists {
		return NewPermanentError(CodeDuplicateDefinition,
			fmt.Sprintf("workflow %q already registered", def.Name), nil)
	}

	for _, step := range def.Steps {
		if _, ok := r.actions[step.Action]; !ok {
			return NewPermanentError(CodeNotFound,
				fmt.Sprintf("workflow %q step %q references unknown action %q", def.Name, step.Name, step.Action), nil)
		}
		if step.Compensate != "" {
			if _, ok := r.actions[step.Compensate]; !ok {
				return NewPermanentError(CodeNotFound,
					fmt.Sprintf("workflow %q step %q references unknown compensation %q", def.Name, step.Name, step.Compensate), nil)
			}
		}
	}

	r.definitions[def.Name] = def
	return nil
}

// RegisterAction adds a named step action implementation.
func (r *Registry) RegisterAction(name string, fn ActionFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return NewPermanentError(CodeDuplicateDefinition,
			fmt.Sprintf("action %q already registered", name), nil)
	}

	r.actions[name] = fn
	return nil
}

// Resolve looks up a workflow definition by name and validates it against
// the subscription's product type. It fails with NOT_FOUND for an unknown
// workflow and TYPE_MISMATCH when the definition targets a different product
// type.
func (r *Registry) Resolve(workflowName, productType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[workflowName]
	if !ok {
		return nil, NewPermanentError(CodeNotFound,
			fmt.Sprintf("workflow %q not registered", workflowName), nil)
	}

	if productType != "" && def.ProductType != productType {
		return nil, NewPermanentError(CodeTypeMismatch,
			fmt.Sprintf("workflow %q targets product type %q, subscription is %q", workflowName, def.ProductType, productType), nil)
	}

	return def, nil
}

// Definition returns a registered definition by name, without product type
// validation. Used for provisioning workflows where no subscription exists
// yet.
func (r *Registry) Definition(workflowName string) (*Definition, error) {
	return r.Resolve(workflowName, "")
}

// Action returns a registered action implementation by name.
func (r *Registry) Action(name string) (ActionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.actions[name]
	if !ok {
		return nil, NewPermanentError(CodeNotFound,
			fmt.Sprintf("action %q not registered", name), nil)
	}
	return fn, nil
}

// Definitions returns all registered definitions.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	return defs
}
