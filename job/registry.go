package job

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc runs one attempt of a job. The record it receives is the
// claimed copy, so AttemptCount already counts this attempt.
type HandlerFunc func(ctx context.Context, r *Record) (*Result, error)

// Definition binds a kind to its handler.
type Definition struct {
	Kind    Kind
	Handler HandlerFunc
	Opts    Options
}

// NewDefinition creates a job definition.
func NewDefinition(kind Kind, handler HandlerFunc, opts ...Option) *Definition {
	def := &Definition{Kind: kind, Handler: handler}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// Registry maps kinds to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[Kind]*Definition
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[Kind]*Definition),
	}
}

// Register adds def. Only kinds of the closed Kind set are accepted.
func (r *Registry) Register(def *Definition) error {
	if !def.Kind.Valid() {
		return fmt.Errorf("job: unknown kind %q", def.Kind)
	}
	if def.Handler == nil {
		return fmt.Errorf("job: kind %q has no handler", def.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Kind] = def
	return nil
}

// Get returns the definition for kind.
func (r *Registry) Get(kind Kind) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[kind]
	return d, ok
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	return kinds
}
