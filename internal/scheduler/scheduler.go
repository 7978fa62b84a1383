// Package scheduler implements the concurrent postorder traversal engine
// (spec.md §4.4): a single script-thread loop invoking a callback on every
// Target after its dependencies, backed by a fixed-size worker pool for the
// native commands that callback launches.
package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/target"
)

// Completion is what a worker posts back for one spawned command.
type Completion struct {
	Handle *Handle
	Output string
	Err    error
}

// Handle identifies one spawned command within its owning Session.
type Handle struct {
	id     int
	Target *target.Target
}

// VisitFunc is the per-target callback postorder invokes on the single
// script thread. It may spawn zero or more background commands via Session
// and optionally wait for them before returning.
type VisitFunc func(ctx context.Context, s *Session) error

// Options configures one Postorder call.
type Options struct {
	// Jobs is the worker pool size. Values <= 0 are treated as 1.
	Jobs int
	// KeepGoing, when true, lets independent branches keep running after a
	// failure; when false, the traversal stops dispatching new work at the
	// first failure (in-flight commands still run to completion).
	KeepGoing bool
}

// Result summarizes one Postorder call.
type Result struct {
	FailureCount int
	// Cycles lists one diagnostic string per dependency cycle edge found.
	Cycles []string
}

// Scheduler runs postorder traversals. It holds no state between calls;
// every call is independent except for the Graph's own revision counters.
type Scheduler struct{}

// New creates a Scheduler.
func New() *Scheduler { return &Scheduler{} }

// Postorder implements the 8-step algorithm from spec.md §4.4: it validates
// no traversal is already in progress, computes a topological order over
// the dependency edges reachable from root (Graph's root if nil), and
// invokes visit on each target strictly after every dependency's visit has
// both returned and had all of its spawned commands complete.
func (sch *Scheduler) Postorder(ctx context.Context, g *graph.Graph, root *target.Target, visit VisitFunc, opts Options) (Result, error) {
	if root == nil {
		root = g.RootTarget()
	}
	revision, err := g.BeginTraversal()
	if err != nil {
		return Result{}, err
	}
	ok := false
	defer func() { g.EndTraversal(ok) }()

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = 1
	}

	order, cycles := topoOrder(root)

	result := Result{}
	for _, c := range cycles {
		result.Cycles = append(result.Cycles, c.Error())
		result.FailureCount++
	}

	broken := make(map[edgeKey]bool, len(cycles))
	for _, c := range cycles {
		broken[edgeKey{c.from, c.to}] = true
	}

	remaining := make(map[*target.Target]int, len(order))
	dependents := make(map[*target.Target][]*target.Target, len(order))
	inOrder := make(map[*target.Target]bool, len(order))
	for _, t := range order {
		inOrder[t] = true
	}
	for _, t := range order {
		count := 0
		for _, dep := range t.Targets() {
			if !inOrder[dep] || broken[edgeKey{t, dep}] {
				continue
			}
			count++
			dependents[dep] = append(dependents[dep], t)
		}
		remaining[t] = count
	}

	tainted := make(map[*target.Target]bool)
	popped := make(map[*target.Target]bool)
	pool := newWorkerPool(jobs)
	doneCh := make(chan *target.Target, len(order)+1)

	var readyToVisit []*target.Target
	for _, t := range order {
		if remaining[t] == 0 {
			readyToVisit = append(readyToVisit, t)
		}
	}

	pendingDone := len(order)
	stopDispatch := false

	// Tainted dependents still flow through the ready queue (where they are
	// skipped rather than visited) so that every node is eventually counted
	// off pendingDone.
	propagate := func(t *target.Target) {
		pendingDone--
		for _, dep := range dependents[t] {
			remaining[dep]--
			if remaining[dep] == 0 {
				readyToVisit = append(readyToVisit, dep)
			}
		}
	}

	taint := func(start *target.Target) {
		stack := []*target.Target{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, dep := range dependents[n] {
				if tainted[dep] {
					continue
				}
				tainted[dep] = true
				stack = append(stack, dep)
			}
		}
	}

	// abortRemaining is invoked once, the moment keep_going is false and a
	// failure occurs: every node not yet popped off the ready queue is
	// treated as skipped rather than left to stall the traversal forever.
	abortRemaining := func() {
		for _, t := range order {
			if !popped[t] {
				tainted[t] = true
			}
		}
	}

	for pendingDone > 0 {
		for len(readyToVisit) > 0 {
			t := readyToVisit[0]
			readyToVisit = readyToVisit[1:]
			popped[t] = true
			if tainted[t] {
				propagate(t)
				continue
			}
			if stopDispatch {
				tainted[t] = true
				propagate(t)
				continue
			}
			if ctx.Err() != nil {
				result.FailureCount++
				taint(t)
				propagate(t)
				continue
			}

			sess := newSession(t, pool, jobs, doneCh)
			visitErr := visit(ctx, sess)
			sess.visitReturned.Store(true)

			if visitErr != nil {
				result.FailureCount++
				taint(t)
				if !opts.KeepGoing {
					stopDispatch = true
					abortRemaining()
				}
			} else {
				t.SetSuccessfulRevision(revision)
			}
			t.SetVisitedRevision(revision)

			if sess.outstanding.Load() == 0 && sess.firedDone.CompareAndSwap(false, true) {
				propagate(t)
			}
		}
		if pendingDone == 0 {
			break
		}
		t := <-doneCh
		propagate(t)
	}

	ok = result.FailureCount == 0
	return result, nil
}

type edgeKey struct {
	from, to *target.Target
}

type cycleEdge struct {
	from, to *target.Target
}

func (c cycleEdge) Error() string {
	e := forgeerr.CycleDetected(c.from.Path(), c.to.Path())
	return e.Error()
}

// topoOrder walks the dependency edges reachable from root via DFS,
// appending each node to order only after every dependency has been fully
// processed (classic DFS postorder, which is dependency-first by
// construction). Back edges to a node still on the recursion stack are
// reported as cycles and dropped rather than followed.
func topoOrder(root *target.Target) (order []*target.Target, cycles []cycleEdge) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[*target.Target]int)

	var visit func(t *target.Target)
	visit = func(t *target.Target) {
		color[t] = gray
		for _, dep := range t.Targets() {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				cycles = append(cycles, cycleEdge{from: t, to: dep})
			case black:
				// already finished via another path; fine.
			}
		}
		color[t] = black
		order = append(order, t)
	}
	visit(root)
	return order, cycles
}

// Session is the per-target handle a VisitFunc uses to launch and await
// background commands on the worker pool.
type Session struct {
	t    *target.Target
	pool *workerPool

	completions chan Completion
	outstanding atomic.Int32
	doneCh      chan<- *target.Target

	visitReturned atomic.Bool
	firedDone     atomic.Bool

	nextID atomic.Int32
}

func newSession(t *target.Target, pool *workerPool, jobs int, doneCh chan<- *target.Target) *Session {
	bufSize := 4 * jobs
	if bufSize < 4 {
		bufSize = 4
	}
	return &Session{t: t, pool: pool, completions: make(chan Completion, bufSize), doneCh: doneCh}
}

// Target returns the target this session's commands run on behalf of.
func (s *Session) Target() *target.Target { return s.t }

// Spawn submits cmd to the worker pool and returns a Handle identifying it.
// The outstanding counter is incremented immediately (script thread write)
// and decremented by the worker on completion (worker thread write), per
// spec.md §5's release/acquire ordering — satisfied here by sync/atomic.
func (s *Session) Spawn(ctx context.Context, cmd func(context.Context) (string, error)) *Handle {
	s.outstanding.Add(1)
	h := &Handle{id: int(s.nextID.Add(1)), Target: s.t}
	s.pool.submit(func() {
		out, err := cmd(ctx)
		s.completions <- Completion{Handle: h, Output: out, Err: err}
		if s.outstanding.Add(-1) == 0 && s.visitReturned.Load() {
			if s.firedDone.CompareAndSwap(false, true) {
				s.doneCh <- s.t
			}
		}
	})
	return h
}

// Wait blocks the script thread until every command currently outstanding
// for this session has completed, mirroring the script-level `wait`
// suspension point (spec.md §4.4 step 6). It returns the completions
// observed, in arrival order.
func (s *Session) Wait(ctx context.Context) ([]Completion, error) {
	var out []Completion
	for s.outstanding.Load() > 0 || len(s.completions) > 0 {
		select {
		case c := <-s.completions:
			out = append(out, c)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}
