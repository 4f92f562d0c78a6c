package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a T from Options.
type Factory[T any] func(opts Options) (T, error)

// Registry holds named factories. Backends register themselves from init.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]Factory[T])}
}

func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry[T]) Create(name string, opts Options) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("provider: unknown transport %q (have %v)", name, r.List())
	}
	return f(opts)
}

func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transports is the process-wide transport registry.
var Transports = NewRegistry[Transport]()

// Register adds a transport factory to Transports.
func Register(name string, f Factory[Transport]) { Transports.Register(name, f) }

// New builds a registered transport.
func New(name string, opts Options) (Transport, error) { return Transports.Create(name, opts) }
