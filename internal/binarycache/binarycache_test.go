package binarycache_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/binarycache"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	proto := g.TargetPrototype("cc_binary")

	a, err := g.Target("a", proto, nil)
	require.NoError(t, err)
	a.SetRequiredToExist(true)
	a.SetFilename("/out/a", 0)
	a.SetTimestamp(time.Unix(1000, 0))

	b, err := g.Target("a/b", nil, nil)
	require.NoError(t, err)
	b.SetAlwaysBind(true)

	c, err := g.Target("c", proto, nil)
	require.NoError(t, err)
	c.SetCleanable(true)

	d, err := g.Target("d", nil, nil)
	require.NoError(t, err)

	a.AddDependency(c)
	b.AddDependency(d)

	return g
}

func TestEncodeDecodeRoundTripsFlagsAndDependencies(t *testing.T) {
	g := buildSampleGraph(t)

	payload, err := binarycache.Encode(g.RootTarget())
	require.NoError(t, err)

	g2 := graph.New()
	anchor, err := binarycache.Decode(payload, g2)
	require.NoError(t, err)
	require.Same(t, anchor, g2.CacheTarget())

	a, ok := anchor.Child("a")
	require.True(t, ok)
	assert.True(t, a.RequiredToExist())
	assert.Equal(t, "/out/a", a.Filename(0))
	assert.Equal(t, "cc_binary", a.Prototype().ID())

	b, ok := a.Child("b")
	require.True(t, ok)
	assert.True(t, b.AlwaysBind())

	c, ok := anchor.Child("c")
	require.True(t, ok)
	assert.True(t, c.Cleanable())

	deps := a.Targets()
	require.Len(t, deps, 1)
	assert.Equal(t, c, deps[0])
}

func TestEncodeIsByteForByteStableAcrossReserialization(t *testing.T) {
	g := buildSampleGraph(t)

	first, err := binarycache.Encode(g.RootTarget())
	require.NoError(t, err)

	g2 := graph.New()
	anchor, err := binarycache.Decode(first, g2)
	require.NoError(t, err)

	second, err := binarycache.Encode(anchor)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSaveLoadFileRoundTripsThroughCompression(t *testing.T) {
	g := buildSampleGraph(t)
	path := filepath.Join(t.TempDir(), "graph.forge")

	require.NoError(t, binarycache.SaveFile(path, g.RootTarget()))

	g2 := graph.New()
	anchor, err := binarycache.LoadFile(path, g2)
	require.NoError(t, err)

	a, ok := anchor.Child("a")
	require.True(t, ok)
	assert.Equal(t, "/out/a", a.Filename(0))
}

func TestDecodeRejectsTamperedTrailer(t *testing.T) {
	g := buildSampleGraph(t)
	payload, err := binarycache.Encode(g.RootTarget())
	require.NoError(t, err)

	corrupted := append([]byte{}, payload...)
	corrupted[0] ^= 0xFF

	g2 := graph.New()
	_, err = binarycache.Decode(corrupted, g2)
	assert.Error(t, err)
}
