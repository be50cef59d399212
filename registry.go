package taskflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps task names to their definitions. Build one at startup and
// pass it to the executor, recovery and engine.
type Registry struct {
	mu          sync.RWMutex
	defs        map[TaskName]Definition
	middlewares []Middleware
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:        make(map[TaskName]Definition),
		middlewares: []Middleware{},
	}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) error {
	if err := def.Name.Validate(); err != nil {
		return err
	}
	if def.Handler == nil {
		return &ValidationError{Field: "handler", Reason: fmt.Sprintf("nil handler for %q", def.Name)}
	}
	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
	return nil
}

// Handle registers a single-result handler function under name.
func (r *Registry) Handle(name TaskName, fn func(context.Context, *Call) (any, error)) error {
	return r.Register(Definition{Name: name, Handler: HandlerFunc(fn)})
}

// Use adds a middleware. Middlewares are executed in the order they are added.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	r.middlewares = append(r.middlewares, mw)
	r.mu.Unlock()
}

// Lookup returns the definition for name with middleware applied to both handlers.
func (r *Registry) Lookup(name TaskName) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, false
	}
	def.Handler = r.wrap(def.Handler)
	if def.Recover != nil {
		def.Recover = r.wrap(def.Recover)
	}
	return &def, true
}

// Names lists registered task names in sorted order.
func (r *Registry) Names() []TaskName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskName, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// wrap must be called with r.mu held.
func (r *Registry) wrap(h Handler) Handler {
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h
}
