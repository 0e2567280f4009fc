package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Handler is the erased form of a registered workflow: it reads its typed
// input from the context and returns its encoded output.
type Handler func(c *Ctx) (json.RawMessage, error)

// Registry maps workflow names to handlers. It is built once at startup
// and never mutated afterwards; a worker refuses to start on duplicate
// names.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) add(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("engine: register workflow with empty name")
	}
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("engine: workflow %q registered twice", name)
	}
	r.handlers[name] = h
	return nil
}

// Merge copies every registration from other, failing on duplicates.
func (r *Registry) Merge(other *Registry) error {
	for name, h := range other.handlers {
		if err := r.add(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Handler looks up a registration.
func (r *Registry) Handler(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterWorkflow registers a typed workflow function under name. Input
// and output cross the storage boundary as JSON.
func RegisterWorkflow[I, O any](r *Registry, name string, fn func(c *Ctx, input I) (O, error)) error {
	return r.add(name, func(c *Ctx) (json.RawMessage, error) {
		var input I
		if len(c.input) > 0 {
			if err := json.Unmarshal(c.input, &input); err != nil {
				return nil, fmt.Errorf("%w: decode input for %s: %v", ErrSerialization, name, err)
			}
		}
		out, err := fn(c, input)
		if err != nil {
			return nil, err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("%w: encode output for %s: %v", ErrSerialization, name, err)
		}
		return buf, nil
	})
}

// MustRegisterWorkflow is RegisterWorkflow that panics on duplicate names,
// for package-level registration blocks.
func MustRegisterWorkflow[I, O any](r *Registry, name string, fn func(c *Ctx, input I) (O, error)) {
	if err := RegisterWorkflow(r, name, fn); err != nil {
		panic(err)
	}
}
