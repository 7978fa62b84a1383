package luahost

import (
	"github.com/forgebuild/forge/internal/target"
	lua "github.com/yuin/gopher-lua"
)

// registerTargetMethods builds the shared function table every target
// table's metatable __index points to, the Go counterpart of
// LuaTarget.cpp's target_prototype_/target_metatable_ pair: one set of
// closures serves every target rather than allocating fresh ones per call.
// Every entry takes the target itself as Lua argument 1 (colon-call style).
func (h *Host) registerTargetMethods() {
	methods := h.L.NewTable()
	fns := map[string]lua.LGFunction{
		"branch":                      h.tmBranch,
		"parent":                      h.tmParent,
		"prototype":                   h.tmPrototype,
		"required_to_exist":           h.tmRequiredToExist,
		"set_required_to_exist":       h.tmSetRequiredToExist,
		"always_bind":                 h.tmAlwaysBind,
		"set_always_bind":             h.tmSetAlwaysBind,
		"cleanable":                   h.tmCleanable,
		"set_cleanable":               h.tmSetCleanable,
		"timestamp":                   h.tmTimestamp,
		"last_write_time":             h.tmTimestamp,
		"outdated":                    h.tmOutdated,
		"set_filename":                h.tmSetFilename,
		"filename":                    h.tmFilename,
		"filenames":                   h.tmFilenames,
		"set_working_directory":       h.tmSetWorkingDirectory,
		"working_directory":           h.tmWorkingDirectory,
		"targets":                     h.tmTargets,
		"add_dependency":              h.tmAddDependency,
		"remove_dependency":           h.tmRemoveDependency,
		"add_implicit_dependency":     h.tmAddImplicitDependency,
		"clear_implicit_dependencies": h.tmClearImplicitDependencies,
		"dependency":                  h.tmDependency,
		"dependencies":                h.tmDependencies,
	}
	for name, fn := range fns {
		methods.RawSetString(name, h.L.NewFunction(fn))
	}
	h.targetMethods = methods

	mt := h.L.NewTable()
	mt.RawSetString("__index", methods)
	h.targetMetatable = mt
}

func (h *Host) selfTarget(L *lua.LState) *target.Target {
	t := h.targetFromArg(1)
	if t == nil {
		L.ArgError(1, "expected target")
	}
	return t
}

func (h *Host) tmBranch(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	L.Push(lua.LString(t.Branch()))
	return 1
}

func (h *Host) tmParent(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	parent := t.Parent()
	if parent != nil && !parent.ReferencedByScript() {
		parent.SetReferencedByScript(true)
		h.registerTarget(parent)
	}
	h.pushTarget(parent)
	return 1
}

func (h *Host) tmPrototype(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	h.pushPrototype(t.Prototype())
	return 1
}

func (h *Host) tmRequiredToExist(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	L.Push(lua.LBool(t.RequiredToExist()))
	return 1
}

func (h *Host) tmSetRequiredToExist(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	t.SetRequiredToExist(L.ToBool(2))
	return 0
}

func (h *Host) tmAlwaysBind(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	L.Push(lua.LBool(t.AlwaysBind()))
	return 1
}

func (h *Host) tmSetAlwaysBind(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	t.SetAlwaysBind(L.ToBool(2))
	return 0
}

func (h *Host) tmCleanable(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	L.Push(lua.LBool(t.Cleanable()))
	return 1
}

func (h *Host) tmSetCleanable(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	t.SetCleanable(L.ToBool(2))
	return 0
}

func (h *Host) tmTimestamp(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	L.Push(lua.LNumber(t.Timestamp().Unix()))
	return 1
}

func (h *Host) tmOutdated(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	L.Push(lua.LBool(t.Outdated()))
	return 1
}

// tmSetFilename mirrors LuaTarget::set_filename's raw signature: target,
// filename, and an optional zero-based index (default 0).
func (h *Host) tmSetFilename(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	filename := L.CheckString(2)
	index := 0
	if L.GetTop() >= 3 {
		index = L.CheckInt(3)
	}
	t.SetFilename(filename, index)
	return 0
}

// tmFilename mirrors LuaTarget::filename's raw signature: a 1-based index
// (default 1), translated to the 0-based storage index.
func (h *Host) tmFilename(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	index := 1
	if L.GetTop() >= 2 {
		index = L.CheckInt(2)
	}
	L.Push(lua.LString(t.Filename(index - 1)))
	return 1
}

func (h *Host) tmFilenames(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	tbl := L.NewTable()
	for _, f := range t.Filenames() {
		tbl.Append(lua.LString(f))
	}
	L.Push(tbl)
	return 1
}

func (h *Host) tmSetWorkingDirectory(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	t.SetWorkingDirectory(h.targetFromArg(2))
	return 0
}

func (h *Host) tmWorkingDirectory(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	wd := t.WorkingDirectory()
	if wd != nil && !wd.ReferencedByScript() {
		wd.SetReferencedByScript(true)
		h.registerTarget(wd)
	}
	h.pushTarget(wd)
	return 1
}

func (h *Host) tmTargets(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	tbl := L.NewTable()
	for _, dep := range t.Targets() {
		if !dep.ReferencedByScript() {
			dep.SetReferencedByScript(true)
			h.registerTarget(dep)
		}
		h.pushTarget(dep)
		tbl.Append(L.Get(-1))
		L.Pop(1)
	}
	L.Push(tbl)
	return 1
}

func (h *Host) tmAddDependency(L *lua.LState) int {
	t := h.selfTarget(L)
	dep := h.targetFromArg(2)
	if t != nil && dep != nil {
		t.AddDependency(dep)
	}
	return 0
}

func (h *Host) tmRemoveDependency(L *lua.LState) int {
	t := h.selfTarget(L)
	dep := h.targetFromArg(2)
	if t != nil && dep != nil {
		t.RemoveDependency(dep)
	}
	return 0
}

func (h *Host) tmAddImplicitDependency(L *lua.LState) int {
	t := h.selfTarget(L)
	dep := h.targetFromArg(2)
	if t != nil && dep != nil {
		t.AddImplicitDependency(dep)
	}
	return 0
}

func (h *Host) tmClearImplicitDependencies(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	t.ClearImplicitDependencies()
	return 0
}

// tmDependency mirrors LuaTarget::dependency's 1-based index over the
// explicit-then-implicit sequence Target.Dependency indexes into.
func (h *Host) tmDependency(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	index := L.CheckInt(2)
	dep := t.Dependency(index - 1)
	if dep == nil {
		L.Push(lua.LNil)
		return 1
	}
	if !dep.ReferencedByScript() {
		dep.SetReferencedByScript(true)
		h.registerTarget(dep)
	}
	h.pushTarget(dep)
	return 1
}

func (h *Host) tmDependencies(L *lua.LState) int {
	t := h.selfTarget(L)
	if t == nil {
		return 0
	}
	tbl := L.NewTable()
	for _, dep := range t.Dependencies() {
		if !dep.ReferencedByScript() {
			dep.SetReferencedByScript(true)
			h.registerTarget(dep)
		}
		h.pushTarget(dep)
		tbl.Append(L.Get(-1))
		L.Pop(1)
	}
	L.Push(tbl)
	return 1
}
