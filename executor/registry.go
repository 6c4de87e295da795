package executor

import (
	"sort"
	"sync"
)

// Registry resolves executor names. The execution loop only depends on
// this interface.
type Registry interface {
	Resolve(name string) (Executor, bool)
}

// MapRegistry is an in-process Registry. It is safe for concurrent use.
type MapRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *MapRegistry {
	return &MapRegistry{
		executors: make(map[string]Executor),
	}
}

// Register adds or replaces an executor under its Name.
func (r *MapRegistry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Name()] = e
}

// RegisterDefinition registers a typed definition.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *MapRegistry, def *Definition[T]) {
	r.Register(def.Executor())
}

// Resolve implements Registry.
func (r *MapRegistry) Resolve(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Names returns all registered executor names, sorted.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
