package node

import (
	"sort"
	"sync"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/ir"
)

// Provider contributes a family of node types to a registry
type Provider interface {
	Name() string
	Register(reg *Registry) error
}

// Registry maps type names to node factories. Lookups are
// case-sensitive. Composite type names are reserved for the executor
// and can never be registered.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// BuildRegistry assembles a fresh registry from providers. Reload
// rebuilds end-to-end by calling this again.
func BuildRegistry(providers ...Provider) (*Registry, error) {
	reg := NewRegistry()
	for _, p := range providers {
		if err := p.Register(reg); err != nil {
			return nil, fault.New(fault.KindInternal, "provider %s: %v", p.Name(), err)
		}
	}
	return reg, nil
}

// Register adds a factory. Conflicting names are an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == ir.TypeSequence || name == ir.TypeIf || name == ir.TypeSubflow {
		return fault.New(fault.KindSchema, "node type %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fault.New(fault.KindSchema, "node type %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Replace adds a factory, overriding any existing registration. Only
// reload paths should need this.
func (r *Registry) Replace(name string, f Factory) error {
	if name == ir.TypeSequence || name == ir.TypeIf || name == ir.TypeSubflow {
		return fault.New(fault.KindSchema, "node type %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	return nil
}

// Instantiate builds a node of the given type with its params
func (r *Registry) Instantiate(typeName string, params map[string]interface{}) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fault.New(fault.KindNotFound, "unknown node type %q", typeName)
	}
	return f(params)
}

// Has reports whether a type name is registered
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// Types lists registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CoreProvider registers the built-in atomic node types
type CoreProvider struct{}

// Name identifies the provider
func (CoreProvider) Name() string { return "core" }

// Register wires every built-in atomic node
func (CoreProvider) Register(reg *Registry) error {
	factories := []struct {
		name string
		f    Factory
	}{
		{"Code", NewCode},
		{"LLMChat", NewLLMChat},
		{"ReadState", NewReadState},
		{"WriteState", NewWriteState},
		{"IncrementCounter", NewIncrementCounter},
		{"Map", NewMap},
		{"Filter", NewFilter},
		{"Merge", NewMerge},
		{"Split", NewSplit},
	}
	for _, entry := range factories {
		if err := reg.Register(entry.name, entry.f); err != nil {
			return err
		}
	}
	return nil
}

// DefaultProviders is the fixed provider set discovery walks at init
func DefaultProviders() []Provider {
	return []Provider{CoreProvider{}}
}
