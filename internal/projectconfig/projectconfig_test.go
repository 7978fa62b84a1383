package projectconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/projectconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.hcl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := projectconfig.Load(filepath.Join(t.TempDir(), "forge.hcl"))
	require.NoError(t, err)
	assert.Equal(t, 7, f.Jobs(7))
	assert.Equal(t, "build.lua", f.Buildfile("build.lua"))
}

func TestLoadDecodesDefaultsAndPrototypes(t *testing.T) {
	path := writeFile(t, `
default_jobs = 4
default_buildfile = "main.lua"

prototype "cc_binary" {}
prototype "cc_library" {}
`)
	f, err := projectconfig.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Jobs(1))
	assert.Equal(t, "main.lua", f.Buildfile("build.lua"))
	assert.Equal(t, []string{"cc_binary", "cc_library"}, f.PrototypeNames())
}
