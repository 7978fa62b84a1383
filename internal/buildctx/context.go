// Package buildctx implements Context (spec.md §4.5): the working-directory
// stack scripts push and pop while declaring targets, so that relative ids
// passed to target()/find_target() resolve against the right branch of the
// tree.
package buildctx

import (
	"github.com/forgebuild/forge/internal/target"
)

// Context holds the working-directory stack for one script thread. It is
// not safe for concurrent use — exactly like the Lua state it rides
// alongside, it belongs to a single goroutine.
type Context struct {
	stack []*target.Target
}

// New creates a Context whose initial working directory is root.
func New(root *target.Target) *Context {
	return &Context{stack: []*target.Target{root}}
}

// WorkingDirectory returns the directory on top of the stack.
func (c *Context) WorkingDirectory() *target.Target {
	return c.stack[len(c.stack)-1]
}

// PushDirectory pushes a new working directory, returning to the previous
// one on the matching PopDirectory.
func (c *Context) PushDirectory(t *target.Target) {
	c.stack = append(c.stack, t)
}

// PopDirectory pops the current working directory. It is a no-op if only
// the root entry remains, so a buildfile with an unbalanced pop can't
// corrupt the stack below its starting point.
func (c *Context) PopDirectory() {
	if len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
	}
}

// ChangeDirectory replaces the current top of the stack in place, without
// growing it — used by change_directory, as distinct from push_directory.
func (c *Context) ChangeDirectory(t *target.Target) {
	c.stack[len(c.stack)-1] = t
}

// ResetDirectory truncates the stack back to just the root, used between
// independent buildfile evaluations.
func (c *Context) ResetDirectory(root *target.Target) {
	c.stack = []*target.Target{root}
}

// Depth reports how many directories are currently pushed, for diagnostics.
func (c *Context) Depth() int {
	return len(c.stack)
}
