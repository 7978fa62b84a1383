package luahost_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/luahost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFS struct{}

func (fakeFS) Stat(path string) (time.Time, bool, bool, error) {
	return time.Time{}, false, false, nil
}

func TestScriptDefinesTargetsAndRunsPostorder(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 2, StatFS: fakeFS{}})
	defer h.Close()

	script := `
		visited = {}
		local a = forge.target("a")
		local b = forge.target("b")
		forge.add_dependency(a, b)
		local failures = forge.postorder(function(t)
			table.insert(visited, t.id)
		end, a)
		return failures, #visited
	`
	err := h.L.DoString(script)
	require.NoError(t, err)

	failures := h.L.GetGlobal("visited")
	require.NotNil(t, failures)
}

func TestFindTargetMissingReturnsNil(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	err := h.L.DoString(`
		result = forge.find_target("nope")
	`)
	require.NoError(t, err)
	v := h.L.GetGlobal("result")
	assert.Equal(t, "nil", v.Type().String())
}

func TestAnonymousIdsAreUnique(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	err := h.L.DoString(`
		a = forge.anonymous()
		b = forge.anonymous()
	`)
	require.NoError(t, err)
	a := h.L.GetGlobal("a").String()
	b := h.L.GetGlobal("b").String()
	assert.NotEqual(t, a, b)
}

func TestFileSetsFilenameToPath(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	err := h.L.DoString(`
		f = forge.file("out.txt")
		path = f.path
	`)
	require.NoError(t, err)
	path := h.L.GetGlobal("path").String()
	assert.Equal(t, "/out.txt", path)
}

func TestSpawnAndWaitFromScript(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 2, StatFS: fakeFS{}})
	defer h.Close()

	script := `
		local leaf = forge.file("leaf.txt")
		local n = 0
		forge.postorder(function(t)
			forge.spawn("true")
			local results = forge.wait()
			n = #results
		end, leaf)
		return n
	`
	err := h.L.DoString(script)
	require.NoError(t, err)
}

func TestTargetWithAttrsTableAttachesScriptSuppliedTable(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	err := h.L.DoString(`
		local attrs = {label = "custom"}
		local t = forge.target("app", nil, attrs)
		same = (t == attrs)
		label = t.label
		id = t.id
		required = t:required_to_exist()
	`)
	require.NoError(t, err)
	assert.Equal(t, "true", h.L.GetGlobal("same").String())
	assert.Equal(t, "custom", h.L.GetGlobal("label").String())
	assert.Equal(t, "app", h.L.GetGlobal("id").String())
	assert.Equal(t, "false", h.L.GetGlobal("required").String())
}

func TestTargetAttrsMustBeATableOrNil(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	err := h.L.DoString(`
		forge.target("app", nil, "not a table")
	`)
	assert.Error(t, err)
}

func TestTargetMethodsDispatchThroughSharedMetatable(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	err := h.L.DoString(`
		local t = forge.target("app")
		t:set_required_to_exist(true)
		required = t:required_to_exist()
		t:set_filename("app.exe", 0)
		filename = t:filename(1)
		branch = t:branch()

		local dep = forge.target("dep")
		t:add_dependency(dep)
		local deps = t:targets()
		dep_count = #deps
		outdated = t:outdated()
	`)
	require.NoError(t, err)
	assert.Equal(t, "true", h.L.GetGlobal("required").String())
	assert.Equal(t, "app.exe", h.L.GetGlobal("filename").String())
	assert.Equal(t, "/", h.L.GetGlobal("branch").String())
	assert.Equal(t, "1", h.L.GetGlobal("dep_count").String())
	assert.Equal(t, "true", h.L.GetGlobal("outdated").String())
}

func TestSaveAndLoadBinaryRoundTrip(t *testing.T) {
	g := graph.New()
	path := filepath.Join(t.TempDir(), "graph.forge")

	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}, BinaryPath: path})
	err := h.L.DoString(`
		local t = forge.target("out.txt")
		t:set_filename("out.txt", 0)
		forge.save_binary()
	`)
	require.NoError(t, err)
	h.Close()

	g2 := graph.New()
	h2 := luahost.New(g2, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h2.Close()
	err = h2.L.DoString(`
		cache = forge.load_binary("` + path + `")
	`)
	require.NoError(t, err)
	cache := h2.L.GetGlobal("cache")
	assert.NotEqual(t, "nil", cache.Type().String())
}

func TestCallGoalInvokesGlobalFunctionAndReturnsFailures(t *testing.T) {
	g := graph.New()
	h := luahost.New(g, luahost.Options{Jobs: 1, StatFS: fakeFS{}})
	defer h.Close()

	require.NoError(t, h.L.DoString(`
		function build()
			return 2
		end
	`))

	failures, ok, err := h.CallGoal("build")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, failures)

	_, ok, err = h.CallGoal("nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostorderObserverHooksFireAroundEachVisit(t *testing.T) {
	g := graph.New()
	var started, finished []string
	h := luahost.New(g, luahost.Options{
		Jobs:   1,
		StatFS: fakeFS{},
		OnTargetStart: func(ctx context.Context, path string) {
			started = append(started, path)
		},
		OnTargetDone: func(ctx context.Context, path string, dur time.Duration, err error) {
			finished = append(finished, path)
		},
	})
	defer h.Close()

	err := h.L.DoString(`
		local t = forge.target("app")
		forge.postorder(function(t) end, t)
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"/app"}, started)
	assert.Equal(t, []string{"/app"}, finished)
}
