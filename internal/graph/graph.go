// Package graph implements Graph (spec.md §4.3): the owner of the target
// tree and the prototype registry, resolver of ids to Targets, binder of
// file-system state, and (de)serializer of the binary graph format.
package graph

import (
	"reflect"
	"strings"
	"sync"

	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/prototype"
	"github.com/forgebuild/forge/internal/target"
)

// Graph owns the root Target, all TargetPrototypes, and the revision
// counters that drive bind/postorder cycle detection (spec.md §3).
type Graph struct {
	mu sync.Mutex

	root       *target.Target
	prototypes *prototype.Registry

	traversalInProgress bool
	visitedRevision     int
	successfulRevision  int

	// cacheTarget is a weak (non-owning) reference to the subtree
	// load_binary populates, hung under the reserved id "$$cache".
	cacheTarget *target.Target
}

// cacheTargetID is the reserved child id load_binary hangs its subtree from,
// resolving the Open Question in SPEC_FULL.md §3.
const cacheTargetID = "$$cache"

// New creates a Graph with a fresh root Target (id "") and empty prototype
// registry.
func New() *Graph {
	return &Graph{
		root:       target.NewRoot(),
		prototypes: prototype.NewRegistry(),
	}
}

// RootTarget returns the graph's root Target.
func (g *Graph) RootTarget() *target.Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.root
}

// CacheTarget returns the distinguished cache subtree root, or nil if
// load_binary has never been called.
func (g *Graph) CacheTarget() *target.Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cacheTarget
}

// TraversalInProgress reports whether a postorder traversal currently owns
// the graph.
func (g *Graph) TraversalInProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.traversalInProgress
}

// BeginTraversal bumps the revision counters and marks a traversal active.
// Returns NestedTraversal if one is already in progress.
func (g *Graph) BeginTraversal() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.traversalInProgress {
		return 0, forgeerr.NestedTraversal()
	}
	g.traversalInProgress = true
	g.visitedRevision++
	return g.visitedRevision, nil
}

// EndTraversal marks the traversal finished, recording successfulRevision
// when ok is true.
func (g *Graph) EndTraversal(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.traversalInProgress = false
	if ok {
		g.successfulRevision = g.visitedRevision
	}
}

// VisitedRevision returns the graph's current visited-revision counter.
func (g *Graph) VisitedRevision() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.visitedRevision
}

// SuccessfulRevision returns the graph's current successful-revision counter.
func (g *Graph) SuccessfulRevision() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.successfulRevision
}

// TargetPrototype looks up or creates a TargetPrototype for id, returning a
// stable reference (spec.md §4.3).
func (g *Graph) TargetPrototype(id string) *prototype.Prototype {
	return g.prototypes.Lookup(id)
}

// splitPath breaks a raw id into (absolute, segments), trimming a leading
// "/" and filtering empty segments produced by "//" or a trailing "/".
func splitPath(id string) (absolute bool, segments []string) {
	absolute = strings.HasPrefix(id, "/")
	raw := strings.Split(strings.Trim(id, "/"), "/")
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return absolute, segments
}

// Target resolves id relative to workingDirectory (or the graph root, if
// workingDirectory is nil), creating any missing intermediate targets with
// no prototype along the way, per spec.md §4.3 / §8's boundary behaviors.
//
// If the resolved leaf already exists with a non-nil prototype that differs
// from the requested one, Target fails with PrototypeConflict.
func (g *Graph) Target(id string, proto *prototype.Prototype, workingDirectory *target.Target) (*target.Target, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := workingDirectory
	absolute, segments := splitPath(id)
	if absolute || base == nil {
		base = g.root
	}
	if len(segments) == 0 {
		return base, nil
	}

	current := base
	for i, seg := range segments {
		child, exists := current.Child(seg)
		if !exists {
			child = current.AddChild(seg)
		}
		if i == len(segments)-1 {
			if proto != nil {
				if existing := child.Prototype(); existing != nil && existing != proto {
					return nil, forgeerr.PrototypeConflict(child.Path(), existing.ID(), proto.ID())
				}
				child.SetPrototype(proto)
			}
		}
		current = child
	}
	return current, nil
}

// FindTarget resolves id the same way Target does, but never creates
// anything: it returns (nil, false) on any missing intermediate element.
func (g *Graph) FindTarget(id string, workingDirectory *target.Target) (*target.Target, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := workingDirectory
	absolute, segments := splitPath(id)
	if absolute || base == nil {
		base = g.root
	}
	if len(segments) == 0 {
		return base, true
	}

	current := base
	for _, seg := range segments {
		child, exists := current.Child(seg)
		if !exists {
			return nil, false
		}
		current = child
	}
	return current, true
}

// LoadCacheRoot returns a fresh, empty subtree hung under the reserved id
// "$$cache", replacing whatever load_binary attached there before. Binary
// deserialization builds the loaded tree directly under the returned node,
// resolving the Open Question of whether load_binary replaces or merges
// into the current graph: it does neither — it populates a side subtree
// the script can walk independently (SPEC_FULL.md §3).
func (g *Graph) LoadCacheRoot() *target.Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.root.RemoveChild(cacheTargetID)
	g.cacheTarget = g.root.AddChild(cacheTargetID)
	return g.cacheTarget
}

// Clear destroys every target and prototype and resets revision counters
// (spec.md §4.3).
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.root = target.NewRoot()
	g.prototypes.Clear()
	g.cacheTarget = nil
	g.traversalInProgress = false
	g.visitedRevision = 0
	g.successfulRevision = 0
}

// Swap atomically replaces the graph's root with other's root, leaving the
// ScriptBinding layer free to exchange script tables afterward without
// invalidating references into the old tree (spec.md §4.1 rationale).
func (g *Graph) Swap(other *Graph) {
	if g == other {
		return
	}
	// Lock in a fixed order by memory address to avoid deadlocks if two
	// goroutines swap the same pair of graphs concurrently.
	first, second := g, other
	if second.before(first) {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	g.root, other.root = other.root, g.root
	g.prototypes, other.prototypes = other.prototypes, g.prototypes
	g.cacheTarget, other.cacheTarget = other.cacheTarget, g.cacheTarget
}

// before provides an arbitrary but stable total order over *Graph pointers,
// used only to pick a deterministic lock-acquisition order in Swap.
func (g *Graph) before(other *Graph) bool {
	return reflect.ValueOf(g).Pointer() < reflect.ValueOf(other).Pointer()
}
