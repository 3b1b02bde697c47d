// Package api implements the query-serving surfaces of §6: REST, gRPC and
// the Postgres wire protocol, all reading through the same per-endpoint
// cachebuilder.Builder.Serving() pair the rest of the system writes.
package api

import (
	"fmt"
	"sync"

	"github.com/getdozer/dozer/pkg/cachebuilder"
)

// endpointEntry bundles everything query serving needs for one endpoint
// beyond the builder itself: its name and the REST path it is mounted at.
type endpointEntry struct {
	name    string
	path    string
	builder *cachebuilder.Builder
}

// Registry is the live set of endpoints a running process serves queries
// for. It is populated once at startup by cmd/dozer and read concurrently
// by every transport.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*endpointEntry
	byPath map[string]*endpointEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]*endpointEntry{},
		byPath: map[string]*endpointEntry{},
	}
}

// Register adds an endpoint under name, served at path (defaulting to
// "/"+name when empty).
func (r *Registry) Register(name, path string, b *cachebuilder.Builder) error {
	if path == "" {
		path = "/" + name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("api: endpoint %q already registered", name)
	}
	if _, exists := r.byPath[path]; exists {
		return fmt.Errorf("api: path %q already bound to another endpoint", path)
	}
	e := &endpointEntry{name: name, path: path, builder: b}
	r.byName[name] = e
	r.byPath[path] = e
	return nil
}

// Get returns the builder registered under name.
func (r *Registry) Get(name string) (*cachebuilder.Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.builder, true
}

// ByPath resolves a REST mount path back to its endpoint name and builder.
func (r *Registry) ByPath(path string) (string, *cachebuilder.Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byPath[path]
	if !ok {
		return "", nil, false
	}
	return e.name, e.builder, true
}

// Names returns every registered endpoint name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// Live reports whether every registered endpoint currently has a serving
// generation — the condition GET /health reports 200 for (§6).
func (r *Registry) Live() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byName {
		if e.builder.Serving() == nil {
			return false
		}
	}
	return true
}
