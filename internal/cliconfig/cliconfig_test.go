package cliconfig_test

import (
	"runtime"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/cliconfig"
	"github.com/forgebuild/forge/internal/projectconfig"
)

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	cfg, err := cliconfig.Load(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "build.lua", cfg.Buildfile)
	assert.Equal(t, runtime.NumCPU(), cfg.Jobs)
	assert.False(t, cfg.KeepGoing)
}

func TestLoadProjectFileOverridesDefaults(t *testing.T) {
	jobs := 8
	buildfile := "main.lua"
	project := &projectconfig.File{DefaultJobs: &jobs, DefaultBuildfile: &buildfile}

	cfg, err := cliconfig.Load(nil, project)
	require.NoError(t, err)
	assert.Equal(t, "main.lua", cfg.Buildfile)
	assert.Equal(t, 8, cfg.Jobs)
}

func TestLoadFlagsOverrideProjectFile(t *testing.T) {
	jobs := 8
	project := &projectconfig.File{DefaultJobs: &jobs}

	fs := pflag.NewFlagSet("forge", pflag.ContinueOnError)
	fs.Int("jobs", 8, "")
	require.NoError(t, fs.Set("jobs", "16"))

	cfg, err := cliconfig.Load(fs, project)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Jobs)
}

func TestLoadEnvOverridesProjectFile(t *testing.T) {
	t.Setenv("FORGE_JOBS", "32")
	jobs := 8
	project := &projectconfig.File{DefaultJobs: &jobs}

	cfg, err := cliconfig.Load(nil, project)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Jobs)
}

func TestLoadEnvUnderscoreMapsToDashedFlagKey(t *testing.T) {
	t.Setenv("FORGE_KEEP_GOING", "true")

	cfg, err := cliconfig.Load(nil, nil)
	require.NoError(t, err)
	assert.True(t, cfg.KeepGoing)
}

func TestLoadEnvBuildfileAliasesToFileFlag(t *testing.T) {
	t.Setenv("FORGE_BUILDFILE", "other.lua")

	cfg, err := cliconfig.Load(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "other.lua", cfg.Buildfile)
}
