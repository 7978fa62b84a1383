// Package scriptbind implements the ScriptBinding layer (spec.md §4.1): the
// two-table registry that associates a Go object's identity with a Lua
// table representing it on the script side, grounded on the
// luaxx_create/attach/destroy/weaken/strengthen/swap/push/to/check family in
// sweet/luaxx/luaxx.cpp.
//
// Every method here may only be called from the script thread — the single
// goroutine that owns the *lua.LState. The scheduler's worker pool never
// touches a Registry directly.
package scriptbind

import (
	"reflect"

	"github.com/forgebuild/forge/internal/forgeerr"
	lua "github.com/yuin/gopher-lua"
)

// key is the identity a Go object is tracked under: its pointer value. Two
// distinct *T values with the same underlying address never coexist in Go,
// so this is a safe, allocation-free identity key.
type key = uintptr

// Registry binds Go object pointers to Lua tables. Strong and weak entries
// both keep their table reachable from Go and both resolve Push/To/Check
// lookups; Weaken and Strengthen only move an entry between the two maps
// (gopher-lua has no native weak-table primitive, so a weak entry is never
// collected while it is registered — see SPEC_FULL.md §4.1).
type Registry struct {
	L *lua.LState

	strong map[key]*lua.LTable
	weak   map[key]*lua.LTable

	// byTable maps a Lua table's pointer identity back to the Go key that
	// owns it, the inverse of strong/weak, used by To/Check.
	byTable map[*lua.LTable]key

	// typeName tags each entry with the TYPE_KEYWORD string luaxx.cpp
	// stores in the table's metatable slot, used by Check to verify type.
	typeName map[key]string
}

// New creates a Registry bound to an *lua.LState. The state must outlive the
// Registry.
func New(L *lua.LState) *Registry {
	return &Registry{
		L:        L,
		strong:   make(map[key]*lua.LTable),
		weak:     make(map[key]*lua.LTable),
		byTable:  make(map[*lua.LTable]key),
		typeName: make(map[key]string),
	}
}

func keyOf(obj any) key {
	return reflect.ValueOf(obj).Pointer()
}

// KeyOf exposes the identity key an object would be tracked under, for
// callers (internal/luahost) that keep their own reverse index from key
// back to the concrete Go value.
func KeyOf(obj any) uintptr {
	return keyOf(obj)
}

// Create allocates a new Lua table for obj, strongly held, tagged with
// typeName for later Check calls. Mirrors luaxx_create. Fails with
// AlreadyBound if obj already has a strong or weak entry.
func (r *Registry) Create(obj any, typeName string) (*lua.LTable, error) {
	k := keyOf(obj)
	if r.bound(k) {
		return nil, forgeerr.AlreadyBound(typeName)
	}
	tbl := r.L.NewTable()
	r.strong[k] = tbl
	r.byTable[tbl] = k
	r.typeName[k] = typeName
	return tbl, nil
}

// Attach associates an existing Lua table with obj, strongly held. Mirrors
// luaxx_attach, used when the script constructs the table itself (e.g. the
// attrs table passed as forge.target's third argument). Fails with
// AlreadyBound if obj already has a strong or weak entry.
func (r *Registry) Attach(obj any, typeName string, tbl *lua.LTable) error {
	k := keyOf(obj)
	if r.bound(k) {
		return forgeerr.AlreadyBound(typeName)
	}
	r.strong[k] = tbl
	r.byTable[tbl] = k
	r.typeName[k] = typeName
	return nil
}

func (r *Registry) bound(k key) bool {
	if _, ok := r.strong[k]; ok {
		return true
	}
	_, ok := r.weak[k]
	return ok
}

// Destroy removes every trace of obj from the registry, strong or weak.
// Mirrors luaxx_destroy.
func (r *Registry) Destroy(obj any) {
	k := keyOf(obj)
	if tbl, ok := r.strong[k]; ok {
		delete(r.byTable, tbl)
	}
	if tbl, ok := r.weak[k]; ok {
		delete(r.byTable, tbl)
	}
	delete(r.strong, k)
	delete(r.weak, k)
	delete(r.typeName, k)
}

// Weaken demotes obj's binding from strong to weak: the Lua table stays in
// the weak map and is still resolvable via Push/To/Check. Unlike luaxx's true
// weak table, the weak map holds an ordinary reference, so the table is not
// collected while the entry exists. Mirrors luaxx_weaken.
func (r *Registry) Weaken(obj any) {
	k := keyOf(obj)
	tbl, ok := r.strong[k]
	if !ok {
		return
	}
	delete(r.strong, k)
	r.weak[k] = tbl
}

// Strengthen promotes obj's binding from weak back to strong. Mirrors
// luaxx_strengthen.
func (r *Registry) Strengthen(obj any) {
	k := keyOf(obj)
	tbl, ok := r.weak[k]
	if !ok {
		return
	}
	delete(r.weak, k)
	r.strong[k] = tbl
}

// Swap exchanges the table bindings of two objects, preserving each
// binding's strong/weak status, without reallocating any Lua tables.
// Mirrors luaxx_swap. Graph.Swap does not call it; a caller that swaps two
// graphs' roots exchanges their script tables with a separate Swap call.
func (r *Registry) Swap(a, b any) {
	ka, kb := keyOf(a), keyOf(b)

	aStrong, aTbl := r.lookupAny(ka)
	bStrong, bTbl := r.lookupAny(kb)

	r.clearKey(ka)
	r.clearKey(kb)

	if aTbl != nil {
		r.rebind(kb, aTbl, aStrong, r.typeName[ka])
	}
	if bTbl != nil {
		r.rebind(ka, bTbl, bStrong, r.typeName[kb])
	}
}

func (r *Registry) lookupAny(k key) (strong bool, tbl *lua.LTable) {
	if t, ok := r.strong[k]; ok {
		return true, t
	}
	if t, ok := r.weak[k]; ok {
		return false, t
	}
	return false, nil
}

func (r *Registry) clearKey(k key) {
	if t, ok := r.strong[k]; ok {
		delete(r.byTable, t)
	}
	if t, ok := r.weak[k]; ok {
		delete(r.byTable, t)
	}
	delete(r.strong, k)
	delete(r.weak, k)
}

func (r *Registry) rebind(k key, tbl *lua.LTable, strong bool, typeName string) {
	if strong {
		r.strong[k] = tbl
	} else {
		r.weak[k] = tbl
	}
	r.byTable[tbl] = k
	r.typeName[k] = typeName
}

// Push pushes obj's bound table onto the Lua stack via L.Push, the
// push-a-userdata-equivalent half of luaxx_push. Returns false if obj has no
// binding.
func (r *Registry) Push(obj any) bool {
	k := keyOf(obj)
	if tbl, ok := r.strong[k]; ok {
		r.L.Push(tbl)
		return true
	}
	if tbl, ok := r.weak[k]; ok {
		r.L.Push(tbl)
		return true
	}
	return false
}

// To resolves a Lua table back to the Go key that owns it, mirroring
// luaxx_to. The second return is false if tbl is not a bound table.
func (r *Registry) To(tbl *lua.LTable) (key, bool) {
	k, ok := r.byTable[tbl]
	return k, ok
}

// Check behaves like To but additionally verifies the bound object's
// recorded type name matches wantType, mirroring luaxx_check's type
// assertion. Returns false on any mismatch.
func (r *Registry) Check(tbl *lua.LTable, wantType string) (key, bool) {
	k, ok := r.byTable[tbl]
	if !ok {
		return 0, false
	}
	if r.typeName[k] != wantType {
		return 0, false
	}
	return k, true
}

// IsWeak reports whether obj currently has a weak (vs. strong or absent)
// binding, used by tests to assert the weaken/strengthen round trip.
func (r *Registry) IsWeak(obj any) bool {
	_, ok := r.weak[keyOf(obj)]
	return ok
}

// IsStrong reports whether obj currently has a strong binding.
func (r *Registry) IsStrong(obj any) bool {
	_, ok := r.strong[keyOf(obj)]
	return ok
}
