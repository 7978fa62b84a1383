package graph

import (
	"time"

	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/fsutil"
	"github.com/forgebuild/forge/internal/target"
)

// BindResult summarizes one Bind call.
type BindResult struct {
	// Failures counts targets that are required_to_exist but have at least
	// one filename that is missing on disk or is a directory.
	Failures int
}

// Bind stats every reachable target's filenames through fs, then propagates
// timestamps so that, for every target t, t.Timestamp() is at least the max
// over both its tree children and its dependency targets (spec.md §8: "after
// bind, t.timestamp >= max(d.timestamp for d in t.targets())").
//
// Bind detects cycles in the dependency graph (which, unlike the ownership
// tree, is not acyclic by construction) by tracking the targets on the
// current descent path, and fails the whole bind with CycleDetected if one
// is found. Per-call revision stamps keep a target reached by several
// paths from being bound twice.
func (g *Graph) Bind(fs fsutil.StatFS) (BindResult, error) {
	g.mu.Lock()
	root := g.root
	g.mu.Unlock()

	g.visitedRevision++
	revision := g.visitedRevision

	b := &binder{fs: fs, revision: revision, visiting: make(map[*target.Target]bool)}
	if _, err := b.bind(root); err != nil {
		return BindResult{Failures: b.failures}, err
	}
	g.successfulRevision = revision
	return BindResult{Failures: b.failures}, nil
}

type binder struct {
	fs       fsutil.StatFS
	revision int
	visiting map[*target.Target]bool
	failures int
}

func (b *binder) bind(t *target.Target) (time.Time, error) {
	if b.visiting[t] {
		return time.Time{}, cycleError(t)
	}
	if t.VisitedRevision() == b.revision {
		return t.Timestamp(), nil
	}
	b.visiting[t] = true
	defer delete(b.visiting, t)

	t.SetVisitedRevision(b.revision)

	max, bound := b.statOwnFiles(t)
	t.SetBoundToFile(bound)
	if t.RequiredToExist() && !bound && len(t.Filenames()) > 0 {
		b.failures++
	}

	for _, child := range t.Children() {
		ts, err := b.bind(child)
		if err != nil {
			return time.Time{}, err
		}
		if ts.After(max) {
			max = ts
		}
	}
	for _, dep := range t.Targets() {
		ts, err := b.bind(dep)
		if err != nil {
			return time.Time{}, err
		}
		if ts.After(max) {
			max = ts
		}
	}

	t.SetTimestamp(max)
	return max, nil
}

// statOwnFiles returns the latest mtime across t's own filenames, and
// whether every non-empty filename was found on disk.
func (b *binder) statOwnFiles(t *target.Target) (time.Time, bool) {
	var max time.Time
	allFound := true
	any := false
	for _, f := range t.Filenames() {
		if f == "" {
			continue
		}
		any = true
		modTime, exists, isDir, err := b.fs.Stat(f)
		if err != nil || !exists || isDir {
			allFound = false
			continue
		}
		if modTime.After(max) {
			max = modTime
		}
	}
	if !any {
		return max, true
	}
	return max, allFound
}

func cycleError(t *target.Target) error {
	return forgeerr.CycleDetected(t.Path(), t.Path())
}
