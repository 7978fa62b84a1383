package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostorderSingleLeaf(t *testing.T) {
	g := graph.New()
	leaf, err := g.Target("out.txt", nil, nil)
	require.NoError(t, err)

	var visited []string
	sch := scheduler.New()
	result, err := sch.Postorder(context.Background(), g, leaf, func(ctx context.Context, s *scheduler.Session) error {
		visited = append(visited, s.Target().Path())
		return nil
	}, scheduler.Options{Jobs: 2})

	require.NoError(t, err)
	assert.Equal(t, 0, result.FailureCount)
	assert.Equal(t, []string{"/out.txt"}, visited)
}

func TestPostorderDiamondVisitsDependenciesFirst(t *testing.T) {
	g := graph.New()
	a, _ := g.Target("a", nil, nil)
	b, _ := g.Target("b", nil, nil)
	c, _ := g.Target("c", nil, nil)
	d, _ := g.Target("d", nil, nil)
	a.AddDependency(b)
	a.AddDependency(c)
	b.AddDependency(d)
	c.AddDependency(d)

	var mu sync.Mutex
	var visited []string
	sch := scheduler.New()
	result, err := sch.Postorder(context.Background(), g, a, func(ctx context.Context, s *scheduler.Session) error {
		mu.Lock()
		visited = append(visited, s.Target().ID())
		mu.Unlock()
		return nil
	}, scheduler.Options{Jobs: 4})

	require.NoError(t, err)
	assert.Equal(t, 0, result.FailureCount)
	require.Len(t, visited, 4)
	assert.Equal(t, "d", visited[0])
	assert.Equal(t, "a", visited[3])
	assert.ElementsMatch(t, []string{"b", "c"}, visited[1:3])
}

func TestPostorderFailurePropagatesAndSkipsDependents(t *testing.T) {
	g := graph.New()
	a, _ := g.Target("a", nil, nil)
	b, _ := g.Target("b", nil, nil)
	a.AddDependency(b)

	var visited []string
	sch := scheduler.New()
	result, err := sch.Postorder(context.Background(), g, a, func(ctx context.Context, s *scheduler.Session) error {
		visited = append(visited, s.Target().ID())
		if s.Target().ID() == "b" {
			return errors.New("boom")
		}
		return nil
	}, scheduler.Options{Jobs: 2, KeepGoing: false})

	require.NoError(t, err)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, []string{"b"}, visited)
}

func TestPostorderKeepGoingRunsIndependentBranches(t *testing.T) {
	g := graph.New()
	root, _ := g.Target("root", nil, nil)
	bad, _ := g.Target("bad", nil, nil)
	good, _ := g.Target("good", nil, nil)
	root.AddDependency(bad)
	root.AddDependency(good)

	var mu sync.Mutex
	visited := map[string]bool{}
	sch := scheduler.New()
	result, err := sch.Postorder(context.Background(), g, root, func(ctx context.Context, s *scheduler.Session) error {
		mu.Lock()
		visited[s.Target().ID()] = true
		mu.Unlock()
		if s.Target().ID() == "bad" {
			return errors.New("boom")
		}
		return nil
	}, scheduler.Options{Jobs: 2, KeepGoing: true})

	require.NoError(t, err)
	assert.Equal(t, 1, result.FailureCount)
	assert.True(t, visited["good"])
	assert.True(t, visited["bad"])
	assert.False(t, visited["root"], "root depends on a failed target, must not run")
}

func TestPostorderDetectsCycle(t *testing.T) {
	g := graph.New()
	a, _ := g.Target("a", nil, nil)
	b, _ := g.Target("b", nil, nil)
	a.AddDependency(b)
	b.AddDependency(a)

	sch := scheduler.New()
	result, err := sch.Postorder(context.Background(), g, a, func(ctx context.Context, s *scheduler.Session) error {
		return nil
	}, scheduler.Options{Jobs: 1})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.FailureCount, 1)
	assert.NotEmpty(t, result.Cycles)
}

func TestPostorderNestedTraversalFails(t *testing.T) {
	g := graph.New()
	root, _ := g.Target("root", nil, nil)

	sch := scheduler.New()
	var nestedErr error
	_, err := sch.Postorder(context.Background(), g, root, func(ctx context.Context, s *scheduler.Session) error {
		_, nestedErr = sch.Postorder(context.Background(), g, root, func(context.Context, *scheduler.Session) error { return nil }, scheduler.Options{Jobs: 1})
		return nil
	}, scheduler.Options{Jobs: 1})

	require.NoError(t, err)
	require.Error(t, nestedErr)
}

func TestSessionSpawnAndWaitCollectsCompletions(t *testing.T) {
	g := graph.New()
	target1, _ := g.Target("t", nil, nil)

	sch := scheduler.New()
	var gotOutput string
	_, err := sch.Postorder(context.Background(), g, target1, func(ctx context.Context, s *scheduler.Session) error {
		s.Spawn(ctx, func(context.Context) (string, error) {
			time.Sleep(time.Millisecond)
			return "hello", nil
		})
		completions, err := s.Wait(ctx)
		if err != nil {
			return err
		}
		if len(completions) != 1 {
			return errors.New("expected 1 completion")
		}
		gotOutput = completions[0].Output
		return nil
	}, scheduler.Options{Jobs: 2})

	require.NoError(t, err)
	assert.Equal(t, "hello", gotOutput)
}
