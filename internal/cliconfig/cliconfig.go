// Package cliconfig merges CLI flags, environment variables, forge.hcl
// project defaults, and built-in defaults into one Config, in that priority
// order (flags win, defaults lose), following the koanf-based layering in
// the ritzau-deps-analyzer teacher-adjacent pkg/config/config.go.
package cliconfig

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/forgebuild/forge/internal/projectconfig"
)

// Config holds every resolved forge CLI setting. The koanf tags match the
// long flag names verbatim (dashes, not underscores) since posflag reads
// pflag.Flag.Name as-is with no normalization.
type Config struct {
	Buildfile string `koanf:"file"`
	Jobs      int    `koanf:"jobs"`
	KeepGoing bool   `koanf:"keep-going"`
	Verbose   bool   `koanf:"verbose"`
	Listen    string `koanf:"listen"`
	RunLog    string `koanf:"runlog"`
}

// mapProvider adapts a plain map to koanf.Provider, mirroring the teacher's
// own helper of the same name.
type mapProvider struct {
	m map[string]any
}

func (p *mapProvider) Read() (map[string]any, error) { return p.m, nil }
func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("cliconfig: ReadBytes not supported")
}

// Load resolves a Config from, in increasing priority: built-in defaults,
// the decoded forge.hcl project file, FORGE_* environment variables, and
// flags already parsed onto f.
func Load(f *pflag.FlagSet, project *projectconfig.File) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"file": "build.lua",
		// Matches make's own default of one worker per hardware core.
		"jobs":       runtime.NumCPU(),
		"keep-going": false,
		"verbose":    false,
		"listen":     "",
		"runlog":     "",
	}
	if err := k.Load(&mapProvider{m: defaults}, nil); err != nil {
		return nil, fmt.Errorf("cliconfig: load defaults: %w", err)
	}

	if project != nil {
		projectValues := map[string]any{
			"file": project.Buildfile(defaults["file"].(string)),
			"jobs": project.Jobs(defaults["jobs"].(int)),
		}
		if err := k.Load(&mapProvider{m: projectValues}, nil); err != nil {
			return nil, fmt.Errorf("cliconfig: load forge.hcl: %w", err)
		}
	}

	// The config is flat, so the env transform only lowercases, strips the
	// prefix, and normalizes "_" to "-" so FORGE_KEEP_GOING lands on the
	// same "keep-going" key the flag and default layers use — no "_" ->
	// "." rewrite, since these keys don't nest. FORGE_BUILDFILE is the one
	// env var whose name doesn't match its flag (--file): it predates the
	// flag's short name and is kept for that reason.
	if err := k.Load(env.Provider("FORGE_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "FORGE_"))
		key = strings.ReplaceAll(key, "_", "-")
		if key == "buildfile" {
			key = "file"
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("cliconfig: load env: %w", err)
	}

	if f != nil {
		if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
			return nil, fmt.Errorf("cliconfig: load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("cliconfig: unmarshal: %w", err)
	}
	return &cfg, nil
}
