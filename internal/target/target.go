// Package target implements Target: a node in the dependency graph (spec.md
// §3). A Target may or may not correspond to a file; it always has an id
// unique among its siblings, a path derived from walking its parent chain,
// and ordered sets of explicit/implicit dependency edges onto other Targets.
//
// Targets are owned exclusively by their parent (or by Graph, for the root).
// All cross-target references held here (parent, working directory,
// dependencies, children) are non-owning — ownership lives in the parent
// chain, enforced by construction: a root Target is created by NewRoot and
// every other Target by its parent's AddChild.
package target

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/internal/prototype"
)

// Target is a single node in the dependency graph.
type Target struct {
	id     string
	parent *Target

	filenames []string
	timestamp time.Time // most recent last-write time across filenames.

	prototype         *prototype.Prototype
	workingDirectory  *Target
	explicitDeps      []*Target
	explicitDepSet    map[*Target]struct{}
	implicitDeps      []*Target
	implicitDepSet    map[*Target]struct{}

	requiredToExist   bool
	alwaysBind        bool
	cleanable         bool
	referencedByScript bool
	boundToFile       bool

	nextAnonymousIndex atomic.Int64

	children     map[string]*Target
	childOrder   []string

	visitedRevision   int
	successfulRevision int
}

// newRoot creates the distinguished root target (id ""), owned by Graph.
func newRoot() *Target {
	return newChild(nil, "")
}

func newChild(parent *Target, id string) *Target {
	return &Target{
		id:             id,
		parent:         parent,
		explicitDepSet: make(map[*Target]struct{}),
		implicitDepSet: make(map[*Target]struct{}),
		children:       make(map[string]*Target),
	}
}

// NewRoot is exported for Graph to construct the one root Target it owns.
func NewRoot() *Target { return newRoot() }

// ID returns the target's identifier, unique among its siblings.
func (t *Target) ID() string { return t.id }

// Parent returns the owning parent Target, or nil for the root.
func (t *Target) Parent() *Target { return t.parent }

// Path returns the "/"-joined path from the root to this target.
func (t *Target) Path() string {
	if t.parent == nil {
		return "/"
	}
	segments := make([]string, 0, 8)
	for n := t; n.parent != nil; n = n.parent {
		segments = append(segments, n.id)
	}
	// segments is in leaf-to-root order; reverse and join.
	out := "/"
	for i := len(segments) - 1; i >= 0; i-- {
		out += segments[i]
		if i > 0 {
			out += "/"
		}
	}
	return out
}

// Branch returns the path of this target's parent (its "branch directory").
func (t *Target) Branch() string {
	if t.parent == nil {
		return ""
	}
	return t.parent.Path()
}

// Prototype returns the target's prototype, or nil if none.
func (t *Target) Prototype() *prototype.Prototype { return t.prototype }

// SetPrototype assigns the target's prototype. Graph enforces the
// PrototypeConflict invariant before calling this; binarycache.Decode calls
// it directly on the freshly built targets of a loaded tree.
func (t *Target) SetPrototype(p *prototype.Prototype) { t.prototype = p }

// --- Flags ---

func (t *Target) RequiredToExist() bool      { return t.requiredToExist }
func (t *Target) SetRequiredToExist(v bool)  { t.requiredToExist = v }
func (t *Target) AlwaysBind() bool           { return t.alwaysBind }
func (t *Target) SetAlwaysBind(v bool)       { t.alwaysBind = v }
func (t *Target) Cleanable() bool            { return t.cleanable }
func (t *Target) SetCleanable(v bool)        { t.cleanable = v }
func (t *Target) ReferencedByScript() bool   { return t.referencedByScript }
func (t *Target) SetReferencedByScript(v bool) { t.referencedByScript = v }
func (t *Target) BoundToFile() bool          { return t.boundToFile }
func (t *Target) SetBoundToFile(v bool)      { t.boundToFile = v }

// --- Filenames ---

// SetFilename sets filenames[index] = s, extending filenames with empty
// strings if needed so len(filenames) >= index+1 (spec.md §4.2 invariant).
func (t *Target) SetFilename(s string, index int) {
	for len(t.filenames) <= index {
		t.filenames = append(t.filenames, "")
	}
	t.filenames[index] = s
}

// Filename returns filenames[index], or "" if index is out of range.
func (t *Target) Filename(index int) string {
	if index < 0 || index >= len(t.filenames) {
		return ""
	}
	return t.filenames[index]
}

// Filenames returns the full ordered filename sequence.
func (t *Target) Filenames() []string {
	out := make([]string, len(t.filenames))
	copy(out, t.filenames)
	return out
}

// --- Timestamps ---

// Timestamp returns the value recorded by the last bind: the most-recent
// last-write time across this target's filenames, its children and its
// dependencies (zero time if none of them had one).
func (t *Target) Timestamp() time.Time { return t.timestamp }

// SetTimestamp is called by Graph.Bind to record the post-stat timestamp.
func (t *Target) SetTimestamp(ts time.Time) { t.timestamp = ts }

// LastWriteTime is an alias for Timestamp kept for spec.md §4.2 parity: the
// two are the same value, refreshed together by bind.
func (t *Target) LastWriteTime() time.Time { return t.timestamp }

// Outdated reports whether this target needs to be rebuilt: a required
// filename is missing, a dependency is newer than this target, or
// always_bind is set. It recomputes on every call rather than caching,
// per the Open Question resolved in SPEC_FULL.md §3.
func (t *Target) Outdated() bool {
	if t.alwaysBind {
		return true
	}
	if t.requiredToExist {
		for _, f := range t.filenames {
			if f == "" {
				return true
			}
		}
		if !t.boundToFile && len(t.filenames) > 0 {
			return true
		}
	}
	for _, dep := range t.Targets() {
		if dep.timestamp.After(t.timestamp) {
			return true
		}
	}
	return false
}

// --- Working directory ---

func (t *Target) WorkingDirectory() *Target { return t.workingDirectory }
func (t *Target) SetWorkingDirectory(wd *Target) { t.workingDirectory = wd }

// --- Dependencies ---

// AddDependency adds other to the explicit dependency set. Idempotent: a
// duplicate edge is not added twice (spec.md §4.2 invariant).
func (t *Target) AddDependency(other *Target) {
	if other == nil || other == t {
		return
	}
	if _, exists := t.explicitDepSet[other]; exists {
		return
	}
	t.explicitDepSet[other] = struct{}{}
	t.explicitDeps = append(t.explicitDeps, other)
}

// RemoveDependency removes other from the explicit dependency set only.
// Implicit edges are untouched — see SPEC_FULL.md §3's resolution of the
// corresponding Open Question.
func (t *Target) RemoveDependency(other *Target) {
	if _, exists := t.explicitDepSet[other]; !exists {
		return
	}
	delete(t.explicitDepSet, other)
	for i, d := range t.explicitDeps {
		if d == other {
			t.explicitDeps = append(t.explicitDeps[:i], t.explicitDeps[i+1:]...)
			break
		}
	}
}

// AddImplicitDependency adds other to the implicit dependency set,
// idempotently.
func (t *Target) AddImplicitDependency(other *Target) {
	if other == nil || other == t {
		return
	}
	if _, exists := t.implicitDepSet[other]; exists {
		return
	}
	t.implicitDepSet[other] = struct{}{}
	t.implicitDeps = append(t.implicitDeps, other)
}

// ClearImplicitDependencies removes every implicit edge, typically called
// before recomputing them from a fresh script evaluation.
func (t *Target) ClearImplicitDependencies() {
	t.implicitDeps = nil
	t.implicitDepSet = make(map[*Target]struct{})
}

// ExplicitDependencies returns the ordered explicit dependency sequence.
func (t *Target) ExplicitDependencies() []*Target {
	out := make([]*Target, len(t.explicitDeps))
	copy(out, t.explicitDeps)
	return out
}

// ImplicitDependencies returns the ordered implicit dependency sequence.
func (t *Target) ImplicitDependencies() []*Target {
	out := make([]*Target, len(t.implicitDeps))
	copy(out, t.implicitDeps)
	return out
}

// Dependency returns the index'th dependency across explicit then implicit
// sequences, or nil if index is out of range.
func (t *Target) Dependency(index int) *Target {
	if index < len(t.explicitDeps) {
		return t.explicitDeps[index]
	}
	index -= len(t.explicitDeps)
	if index < len(t.implicitDeps) {
		return t.implicitDeps[index]
	}
	return nil
}

// Dependencies returns every dependency edge (explicit then implicit), the
// same sequence Dependency indexes into.
func (t *Target) Dependencies() []*Target {
	return t.Targets()
}

// Targets returns the concatenation of explicit and implicit dependencies.
func (t *Target) Targets() []*Target {
	out := make([]*Target, 0, len(t.explicitDeps)+len(t.implicitDeps))
	out = append(out, t.explicitDeps...)
	out = append(out, t.implicitDeps...)
	return out
}

// --- Children ---

// Child returns the direct child with the given id, if any.
func (t *Target) Child(id string) (*Target, bool) {
	c, ok := t.children[id]
	return c, ok
}

// Children returns direct children in insertion order (spec.md §3: "ordered
// mapping ... insertion order preserved for deterministic traversal").
func (t *Target) Children() []*Target {
	out := make([]*Target, 0, len(t.childOrder))
	for _, id := range t.childOrder {
		out = append(out, t.children[id])
	}
	return out
}

// AddChild creates and attaches a new exclusively-owned child with the given
// id. Panics if a child with that id already exists — callers (Graph) must
// check Child() first.
func (t *Target) AddChild(id string) *Target {
	if _, exists := t.children[id]; exists {
		panic("target: duplicate child id " + id)
	}
	child := newChild(t, id)
	t.children[id] = child
	t.childOrder = append(t.childOrder, id)
	return child
}

// RemoveChild detaches the child with the given id, if any, so a fresh
// child with the same id can be attached in its place. Used by Graph to
// replace the cache subtree on a repeated load_binary call.
func (t *Target) RemoveChild(id string) {
	if _, exists := t.children[id]; !exists {
		return
	}
	delete(t.children, id)
	for i, cid := range t.childOrder {
		if cid == id {
			t.childOrder = append(t.childOrder[:i], t.childOrder[i+1:]...)
			break
		}
	}
}

// AllDescendants returns every target in the subtree rooted at t, in
// preorder (t itself first), used by save_binary's serialization walk.
func (t *Target) AllDescendants() []*Target {
	out := []*Target{t}
	for _, c := range t.Children() {
		out = append(out, c.AllDescendants()...)
	}
	return out
}

// --- Anonymous ids ---

// NextAnonymousIndex returns the next value of this target's monotonic
// anonymous-child counter, used to generate ids of the form "$$N". It never
// repeats within the graph's lifetime (spec.md §3 invariant).
func (t *Target) NextAnonymousIndex() int64 {
	return t.nextAnonymousIndex.Add(1) - 1
}

// --- Revisions ---

func (t *Target) VisitedRevision() int          { return t.visitedRevision }
func (t *Target) SetVisitedRevision(r int)      { t.visitedRevision = r }
func (t *Target) SuccessfulRevision() int       { return t.successfulRevision }
func (t *Target) SetSuccessfulRevision(r int)   { t.successfulRevision = r }

// SortedChildIDs returns child ids sorted lexically; used only for
// deterministic debug printing (print_namespace), never for traversal order.
func (t *Target) SortedChildIDs() []string {
	ids := make([]string, 0, len(t.children))
	for id := range t.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
