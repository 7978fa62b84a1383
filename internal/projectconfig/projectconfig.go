// Package projectconfig loads forge.hcl, the per-project defaults file
// (SPEC_FULL.md §6.2): a default job count, a default buildfile path, and a
// set of TargetPrototypes to pre-register before the buildfile itself loads,
// mirroring how the teacher's manifests pre-register runner/asset
// definitions ahead of a grid.
package projectconfig

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// PrototypeDecl is one `prototype "NAME" { }` block. It carries no fields of
// its own today (prototypes are bare tags, see internal/prototype's doc
// comment); the block's presence is what matters, so the buildfile can
// assume the prototype already exists.
type PrototypeDecl struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

// File is the decoded contents of forge.hcl.
type File struct {
	DefaultJobs      *int             `hcl:"default_jobs,optional"`
	DefaultBuildfile *string          `hcl:"default_buildfile,optional"`
	Prototypes       []PrototypeDecl  `hcl:"prototype,block"`
}

// Load parses and decodes the forge.hcl file at path. A missing file is not
// an error: it returns a zero File, since forge.hcl is entirely optional.
func Load(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("projectconfig: stat %s: %w", path, err)
	}

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("projectconfig: parse %s: %w", path, diags)
	}

	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &f); diags.HasErrors() {
		return nil, fmt.Errorf("projectconfig: decode %s: %w", path, diags)
	}
	return &f, nil
}

// PrototypeNames returns the declared prototype names in file order.
func (f *File) PrototypeNames() []string {
	names := make([]string, len(f.Prototypes))
	for i, p := range f.Prototypes {
		names[i] = p.Name
	}
	return names
}

// Jobs returns the configured default job count, or fallback if unset.
func (f *File) Jobs(fallback int) int {
	if f.DefaultJobs == nil {
		return fallback
	}
	return *f.DefaultJobs
}

// Buildfile returns the configured default buildfile path, or fallback if
// unset.
func (f *File) Buildfile(fallback string) string {
	if f.DefaultBuildfile == nil {
		return fallback
	}
	return *f.DefaultBuildfile
}
