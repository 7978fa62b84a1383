package forge_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/cliconfig"
	"github.com/forgebuild/forge/internal/forge"
	"github.com/forgebuild/forge/internal/runlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBuildfile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "build.lua")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestRunSumsFailuresAcrossGoals(t *testing.T) {
	buildfile := writeBuildfile(t, `
		function a()
			return 0
		end
		function b()
			return 3
		end
	`)
	cfg := &cliconfig.Config{Buildfile: buildfile, Jobs: 1, KeepGoing: true}

	f, err := forge.New(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	total, err := f.Run([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestRunDefaultsToGoalNamedDefault(t *testing.T) {
	buildfile := writeBuildfile(t, `
		function default()
			return 0
		end
	`)
	cfg := &cliconfig.Config{Buildfile: buildfile, Jobs: 1}

	f, err := forge.New(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	total, err := f.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestRunReportsScriptErrorOnBadBuildfile(t *testing.T) {
	buildfile := writeBuildfile(t, `this is not valid lua (`)
	cfg := &cliconfig.Config{Buildfile: buildfile, Jobs: 1}

	f, err := forge.New(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Run([]string{"default"})
	assert.Error(t, err)
}

func TestRunUnknownGoalIsScriptError(t *testing.T) {
	buildfile := writeBuildfile(t, `x = 1`)
	cfg := &cliconfig.Config{Buildfile: buildfile, Jobs: 1}

	f, err := forge.New(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Run([]string{"nope"})
	assert.Error(t, err)
}

func TestRunPersistsRunLogAcrossPostorder(t *testing.T) {
	buildfile := writeBuildfile(t, `
		function default()
			local t = forge.target("app")
			return forge.postorder(function(t) end, t)
		end
	`)
	runlogPath := filepath.Join(t.TempDir(), "runlog.db")
	cfg := &cliconfig.Config{Buildfile: buildfile, Jobs: 1, RunLog: runlogPath}

	f, err := forge.New(cfg, nil)
	require.NoError(t, err)

	total, err := f.Run([]string{"default"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	require.NoError(t, f.Close())

	store, err := runlog.Open(runlogPath)
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/app", entries[0].Target)
	assert.True(t, entries[0].ExitOK)
}
