// Package prototype implements TargetPrototype: a shared, named tag used to
// dispatch script-level methods for a group of targets at traversal time.
//
// Per spec.md §9's design note, a prototype carries no virtual methods of
// its own — dispatch happens in the script layer via metatable chains built
// on top of the tag's id. The core only needs identity and registry
// deduplication.
package prototype

import "sync"

// Prototype is a named, class-like tag shared by targets of the same kind.
// It is owned by the Graph and referenced weakly (by raw pointer) from
// every Target that has it.
type Prototype struct {
	id string
}

// ID returns the prototype's unique identifier.
func (p *Prototype) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

// Registry deduplicates prototypes by id. It is owned exclusively by Graph;
// a Prototype is created once per unique id and never destroyed before the
// Graph itself (spec.md §3, TargetPrototype lifecycle).
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*Prototype
	order []*Prototype // insertion order, for deterministic enumeration.
}

// NewRegistry creates an empty prototype registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Prototype)}
}

// Lookup returns the prototype registered for id, creating it if it does not
// yet exist. The returned pointer is stable for the lifetime of the registry.
func (r *Registry) Lookup(id string) *Prototype {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byID[id]; ok {
		return p
	}
	p := &Prototype{id: id}
	r.byID[id] = p
	r.order = append(r.order, p)
	return p
}

// Find returns the prototype registered for id without creating one.
func (r *Registry) Find(id string) (*Prototype, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}

// All returns every registered prototype in registration order.
func (r *Registry) All() []*Prototype {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Prototype, len(r.order))
	copy(out, r.order)
	return out
}

// Clear resets the registry to empty, used by Graph.clear().
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Prototype)
	r.order = nil
}
