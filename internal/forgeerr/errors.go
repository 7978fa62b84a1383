// Package forgeerr defines the error taxonomy shared across the engine.
// Every native error that can cross into the script runtime is one of these
// kinds, so the boundary layer (internal/luahost) can convert it to a script
// error without inspecting free-form messages.
package forgeerr

import "fmt"

// Kind identifies which taxonomy entry an error belongs to.
type Kind string

const (
	// KindScript is raised in the script runtime itself.
	KindScript Kind = "script_error"
	// KindBindFailure marks one or more targets missing required files.
	KindBindFailure Kind = "bind_failure"
	// KindCycleDetected marks a cycle found during traversal or bind.
	KindCycleDetected Kind = "cycle_detected"
	// KindPrototypeConflict marks an attempt to redefine a target's prototype.
	KindPrototypeConflict Kind = "prototype_conflict"
	// KindNestedTraversal marks a re-entrant postorder call.
	KindNestedTraversal Kind = "nested_traversal"
	// KindCommandFailure marks a non-zero exit or timeout from a worker command.
	KindCommandFailure Kind = "command_failure"
	// KindIoError marks a buildfile or binary graph I/O failure.
	KindIoError Kind = "io_error"
	// KindAlreadyBound marks an attempt to bind a script table to an object
	// that already has one.
	KindAlreadyBound Kind = "already_bound"
)

// Error is a taxonomy-tagged error. It wraps an underlying cause and carries
// enough context (target id, cycle path) for the boundary layer to format a
// useful script-level message.
type Error struct {
	Kind   Kind
	Target string // target id or path this error concerns, if any.
	Cause  error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &forgeerr.Error{Kind: forgeerr.KindCycleDetected})
// style checks by comparing Kind, since Kind values don't themselves
// implement error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newf(kind Kind, target string, format string, args ...any) *Error {
	return &Error{Kind: kind, Target: target, Cause: fmt.Errorf(format, args...)}
}

// BindFailure reports one or more targets missing required files.
func BindFailure(target, format string, args ...any) *Error {
	return newf(KindBindFailure, target, format, args...)
}

// CycleDetected reports a cycle found while walking dependency edges, naming
// the two adjacent nodes that closed the cycle.
func CycleDetected(from, to string) *Error {
	return newf(KindCycleDetected, from, "cycle detected: %q depends on %q which (transitively) depends back on %q", from, to, from)
}

// PrototypeConflict reports an attempt to redefine an existing target with a
// different, non-nil prototype.
func PrototypeConflict(target, existing, requested string) *Error {
	return newf(KindPrototypeConflict, target, "target %q already has prototype %q, cannot rebind to %q", target, existing, requested)
}

// AlreadyBound reports an attempt to create or attach a script table for an
// object that is already bound to one.
func AlreadyBound(typeName string) *Error {
	return newf(KindAlreadyBound, "", "%s is already bound to a script table", typeName)
}

// NestedTraversal reports a re-entrant postorder call.
func NestedTraversal() *Error {
	return newf(KindNestedTraversal, "", "postorder invoked while a traversal is already in progress")
}

// CommandFailure reports a worker command's non-zero exit or timeout.
func CommandFailure(target string, cause error) *Error {
	return &Error{Kind: KindCommandFailure, Target: target, Cause: cause}
}

// IoError reports a buildfile or binary-graph I/O failure.
func IoError(path string, cause error) *Error {
	return &Error{Kind: KindIoError, Target: path, Cause: cause}
}

// Script wraps an arbitrary native error as a script-level error, the
// conversion point described in spec.md §7's propagation rule.
func Script(cause error) *Error {
	return &Error{Kind: KindScript, Cause: cause}
}
