// Package luahost binds the forge script API onto a *lua.LState, the Go
// counterpart of the original forge/forge_lua function tables
// (LuaGraph.cpp, LuaTarget.cpp, LuaTargetPrototype.cpp). It is the one
// package allowed to import gopher-lua directly outside internal/scriptbind.
package luahost

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/forgebuild/forge/internal/binarycache"
	"github.com/forgebuild/forge/internal/buildctx"
	"github.com/forgebuild/forge/internal/ctxlog"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/fsutil"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/prototype"
	"github.com/forgebuild/forge/internal/scheduler"
	"github.com/forgebuild/forge/internal/scriptbind"
	"github.com/forgebuild/forge/internal/target"
	lua "github.com/yuin/gopher-lua"
)

const (
	typeTarget    = "target"
	typePrototype = "target_prototype"
)

// Host owns the Lua state and every forge-side collaborator needed to
// service the script API: the graph, the scheduler, the working-directory
// context, the scriptbind registry, and a file-system for bind.
type Host struct {
	L   *lua.LState
	fs  fsutil.StatFS
	g   *graph.Graph
	ctx *buildctx.Context
	sch *scheduler.Scheduler
	reg *scriptbind.Registry

	jobs      int
	keepGoing bool
	binPath   string

	// onTargetStart/onTargetDone, when set, let a caller (internal/forge)
	// observe postorder's per-target lifecycle without reaching into the
	// scheduler directly — the facade uses these to drive the optional
	// event bus and run log. ctx carries the same logger logCtx does.
	onTargetStart func(ctx context.Context, path string)
	onTargetDone  func(ctx context.Context, path string, dur time.Duration, err error)

	// logCtx is the base context threaded through every postorder run and
	// spawned command; it carries the Host's logger via ctxlog so that
	// luaPostorder, luaSpawn, and luaWait can all log through the same
	// sink without reaching for slog.Default() directly.
	logCtx context.Context

	// targets reverses scriptbind's identity key back to the concrete
	// Target it was created from; scriptbind itself only tracks identity
	// and a type tag, not the Go value.
	targets map[uintptr]*target.Target

	// targetMethods backs every target table's __index, the Go counterpart
	// of LuaTarget.cpp's shared target_prototype_/target_metatable_ pair:
	// one function table serves every target rather than each getting its
	// own closures.
	targetMethods   *lua.LTable
	targetMetatable *lua.LTable

	// current is the Session for the target currently being visited by
	// postorder's callback. It is valid only while that callback's Lua
	// frame is on the stack — wait/spawn called from anywhere else is a
	// script error, mirroring the original's assert that these only make
	// sense inside a build action.
	current *scheduler.Session
}

// Options configures a Host.
type Options struct {
	Jobs      int
	KeepGoing bool
	StatFS    fsutil.StatFS

	// BinaryPath is the file save_binary() writes to. load_binary() does
	// not use it: it always takes the file to read as its argument.
	// Defaults to ".forge".
	BinaryPath string

	// OnTargetStart/OnTargetDone are optional postorder lifecycle hooks;
	// see the identically named Host fields.
	OnTargetStart func(ctx context.Context, path string)
	OnTargetDone  func(ctx context.Context, path string, dur time.Duration, err error)

	// Logger receives every postorder and command-lifecycle log line.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// New creates a Host wired to a fresh Lua state and registers the forge
// global table.
func New(g *graph.Graph, opts Options) *Host {
	L := lua.NewState()
	fs := opts.StatFS
	if fs == nil {
		fs = fsutil.OS{}
	}
	binPath := opts.BinaryPath
	if binPath == "" {
		binPath = ".forge"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		L:             L,
		fs:            fs,
		g:             g,
		ctx:           buildctx.New(g.RootTarget()),
		sch:           scheduler.New(),
		reg:           scriptbind.New(L),
		jobs:          opts.Jobs,
		keepGoing:     opts.KeepGoing,
		binPath:       binPath,
		onTargetStart: opts.OnTargetStart,
		onTargetDone:  opts.OnTargetDone,
		logCtx:        ctxlog.WithLogger(context.Background(), logger),
		targets:       make(map[uintptr]*target.Target),
	}
	h.registerAPI()
	h.registerTargetMethods()
	return h
}

// Close releases the underlying Lua state.
func (h *Host) Close() { h.L.Close() }

// DoFile loads and runs path as the top-level buildfile, the same
// operation forge.buildfile performs for a nested include.
func (h *Host) DoFile(path string) error {
	if err := h.L.DoFile(path); err != nil {
		return forgeerr.Script(err)
	}
	return nil
}

// CallGoal invokes the global Lua function named name with no arguments,
// the way the CLI dispatches each positional goal on its command line
// once the buildfile has been loaded. ok is false if no such global
// function exists. When the call succeeds and its first return value is a
// number, it is returned as failures — buildfiles are expected to return
// the failure count their own forge.postorder call produced.
func (h *Host) CallGoal(name string) (failures int, ok bool, err error) {
	fn, isFn := h.L.GetGlobal(name).(*lua.LFunction)
	if !isFn {
		return 0, false, nil
	}
	if callErr := h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); callErr != nil {
		return 0, true, forgeerr.Script(callErr)
	}
	ret := h.L.Get(-1)
	h.L.Pop(1)
	if n, isNum := ret.(lua.LNumber); isNum {
		failures = int(n)
	}
	return failures, true, nil
}

func (h *Host) registerAPI() {
	forgeTable := h.L.NewTable()
	fns := map[string]lua.LGFunction{
		"target_prototype":   h.luaTargetPrototype,
		"file":               h.luaFile,
		"target":             h.luaTarget,
		"find_target":        h.luaFindTarget,
		"anonymous":          h.luaAnonymous,
		"working_directory":  h.luaWorkingDirectory,
		"change_directory":   h.luaChangeDirectory,
		"push_directory":     h.luaPushDirectory,
		"pop_directory":      h.luaPopDirectory,
		"postorder":          h.luaPostorder,
		"wait":               h.luaWait,
		"spawn":              h.luaSpawn,
		"clear":              h.luaClear,
		"add_dependency":     h.luaAddDependency,
		"remove_dependency":  h.luaRemoveDependency,
		"print_dependencies": h.luaPrintDependencies,
		"print_namespace":    h.luaPrintNamespace,
		"buildfile":          h.luaBuildfile,
		"load_binary":        h.luaLoadBinary,
		"save_binary":        h.luaSaveBinary,
	}
	for name, fn := range fns {
		forgeTable.RawSetString(name, h.L.NewFunction(fn))
	}
	h.L.SetGlobal("forge", forgeTable)
}

// pushTarget pushes t's bound Lua table, creating one on first reference
// (mirrors LuaGraph.cpp's create_target_lua_binding-on-demand pattern).
func (h *Host) pushTarget(t *target.Target) {
	if t == nil {
		h.L.Push(lua.LNil)
		return
	}
	if h.reg.Push(t) {
		return
	}
	tbl, err := h.reg.Create(t, typeTarget)
	if err != nil {
		h.L.RaiseError("%s", err.Error())
		return
	}
	tbl.RawSetString("id", lua.LString(t.ID()))
	tbl.RawSetString("path", lua.LString(t.Path()))
	tbl.Metatable = h.targetMetatable
	h.targets[scriptbind.KeyOf(t)] = t
	h.L.Push(tbl)
}

func (h *Host) targetFromArg(idx int) *target.Target {
	tbl, ok := h.L.Get(idx).(*lua.LTable)
	if !ok {
		return nil
	}
	k, ok := h.reg.Check(tbl, typeTarget)
	if !ok {
		return nil
	}
	return h.targets[k]
}

func (h *Host) registerTarget(t *target.Target) {
	h.targets[scriptbind.KeyOf(t)] = t
}

func (h *Host) luaTargetPrototype(L *lua.LState) int {
	id := L.CheckString(1)
	p := h.g.TargetPrototype(id)
	h.pushPrototype(p)
	return 1
}

func (h *Host) pushPrototype(p *prototype.Prototype) {
	if p == nil {
		h.L.Push(lua.LNil)
		return
	}
	if h.reg.Push(p) {
		return
	}
	tbl, err := h.reg.Create(p, typePrototype)
	if err != nil {
		h.L.RaiseError("%s", err.Error())
		return
	}
	tbl.RawSetString("id", lua.LString(p.ID()))
	h.L.Push(tbl)
}

// prototypeFromArg resolves a prototype table back to the Graph's
// prototype, by id rather than by reverse identity map: prototypes are
// deduplicated by id in the registry itself (internal/prototype.Registry),
// so looking one up by its recorded id always returns the same pointer.
func (h *Host) prototypeFromArg(idx int) *prototype.Prototype {
	tbl, ok := h.L.Get(idx).(*lua.LTable)
	if !ok {
		return nil
	}
	if _, ok := h.reg.Check(tbl, typePrototype); !ok {
		return nil
	}
	id, ok := tbl.RawGetString("id").(lua.LString)
	if !ok {
		return nil
	}
	return h.g.TargetPrototype(string(id))
}

// addTarget is the shared implementation behind target()/file(), mirroring
// LuaGraph::add_target.
func (h *Host) addTarget(L *lua.LState) *target.Target {
	var id string
	if L.GetTop() >= 1 && L.Get(1) != lua.LNil {
		id = L.CheckString(1)
	} else {
		id = fmt.Sprintf("$$%d", h.ctx.WorkingDirectory().NextAnonymousIndex())
	}

	var proto *prototype.Prototype
	if L.GetTop() >= 2 {
		proto = h.prototypeFromArg(2)
	}

	t, err := h.g.Target(id, proto, h.ctx.WorkingDirectory())
	if err != nil {
		L.RaiseError("%s", err.Error())
		return nil
	}
	if !t.ReferencedByScript() {
		var attrs *lua.LTable
		if L.GetTop() >= 3 && L.Get(3) != lua.LNil {
			tbl, ok := L.Get(3).(*lua.LTable)
			if !ok {
				L.ArgError(3, "table or nothing expected as third parameter when creating a target")
				return nil
			}
			attrs = tbl
		}

		if attrs != nil {
			attrs.RawSetString("id", lua.LString(t.ID()))
			attrs.RawSetString("path", lua.LString(t.Path()))
			attrs.Metatable = h.targetMetatable
			if err := h.reg.Attach(t, typeTarget, attrs); err != nil {
				L.RaiseError("%s", err.Error())
				return nil
			}
		}

		t.SetReferencedByScript(true)
		t.SetWorkingDirectory(h.ctx.WorkingDirectory())
		h.registerTarget(t)
	}
	return t
}

func (h *Host) luaFile(L *lua.LState) int {
	t := h.addTarget(L)
	if t == nil {
		return 0
	}
	t.SetFilename(t.Path(), 0)
	h.pushTarget(t)
	return 1
}

func (h *Host) luaTarget(L *lua.LState) int {
	t := h.addTarget(L)
	if t == nil {
		return 0
	}
	h.pushTarget(t)
	return 1
}

func (h *Host) luaFindTarget(L *lua.LState) int {
	id := L.CheckString(1)
	t, ok := h.g.FindTarget(id, h.ctx.WorkingDirectory())
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	if !t.ReferencedByScript() {
		t.SetReferencedByScript(true)
		h.registerTarget(t)
	}
	h.pushTarget(t)
	return 1
}

func (h *Host) luaAnonymous(L *lua.LState) int {
	id := fmt.Sprintf("$$%d", h.ctx.WorkingDirectory().NextAnonymousIndex())
	L.Push(lua.LString(id))
	return 1
}

func (h *Host) luaWorkingDirectory(L *lua.LState) int {
	h.pushTarget(h.ctx.WorkingDirectory())
	return 1
}

func (h *Host) luaChangeDirectory(L *lua.LState) int {
	t := h.targetFromArg(1)
	h.ctx.ChangeDirectory(t)
	return 0
}

func (h *Host) luaPushDirectory(L *lua.LState) int {
	t := h.targetFromArg(1)
	h.ctx.PushDirectory(t)
	return 0
}

func (h *Host) luaPopDirectory(L *lua.LState) int {
	h.ctx.PopDirectory()
	return 0
}

func (h *Host) luaAddDependency(L *lua.LState) int {
	t := h.targetFromArg(1)
	dep := h.targetFromArg(2)
	if t != nil && dep != nil {
		t.AddDependency(dep)
	}
	return 0
}

func (h *Host) luaRemoveDependency(L *lua.LState) int {
	t := h.targetFromArg(1)
	dep := h.targetFromArg(2)
	if t != nil && dep != nil {
		t.RemoveDependency(dep)
	}
	return 0
}

func (h *Host) luaClear(L *lua.LState) int {
	h.g.Clear()
	h.ctx.ResetDirectory(h.g.RootTarget())
	return 0
}

func (h *Host) luaPrintDependencies(L *lua.LState) int {
	t := h.targetFromArg(1)
	if t == nil {
		return 0
	}
	for _, d := range t.Targets() {
		fmt.Println(d.Path())
	}
	return 0
}

func (h *Host) luaPrintNamespace(L *lua.LState) int {
	t := h.targetFromArg(1)
	if t == nil {
		t = h.g.RootTarget()
	}
	for _, id := range t.SortedChildIDs() {
		fmt.Println(id)
	}
	return 0
}

// luaPostorder runs a full postorder traversal, invoking the Lua function
// at stack index 1 once per target via pcall, and propagates any runtime
// error raised inside it into the aggregate failure count.
func (h *Host) luaPostorder(L *lua.LState) int {
	fn, ok := L.Get(1).(*lua.LFunction)
	if !ok {
		L.ArgError(1, "function expected")
		return 0
	}
	var root *target.Target
	if L.GetTop() >= 2 {
		root = h.targetFromArg(2)
	}

	bindResult, err := h.g.Bind(h.fs)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	result, err := h.sch.Postorder(h.logCtx, h.g, root, func(ctx context.Context, s *scheduler.Session) error {
		h.pushTarget(s.Target())
		tblArg := L.Get(-1)
		L.Pop(1)

		h.current = s
		defer func() { h.current = nil }()

		path := s.Target().Path()
		log := ctxlog.FromContext(ctx)
		log.Debug("target starting", "path", path)
		if h.onTargetStart != nil {
			h.onTargetStart(ctx, path)
		}
		start := time.Now()

		callErr := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tblArg)
		var visitErr error
		if callErr != nil {
			visitErr = forgeerr.Script(callErr)
		}
		dur := time.Since(start)
		if visitErr != nil {
			log.Error("target failed", "path", path, "duration", dur, "error", visitErr)
		} else {
			log.Debug("target done", "path", path, "duration", dur)
		}
		if h.onTargetDone != nil {
			h.onTargetDone(ctx, path, dur, visitErr)
		}
		return visitErr
	}, scheduler.Options{Jobs: h.jobs, KeepGoing: h.keepGoing})
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	L.Push(lua.LNumber(result.FailureCount + bindResult.Failures))
	return 1
}

// luaSpawn launches command (plus any trailing string arguments) as a
// subprocess on the worker pool, returning immediately. Must be called
// from inside a postorder callback.
func (h *Host) luaSpawn(L *lua.LState) int {
	if h.current == nil {
		L.RaiseError("spawn called outside a postorder callback")
		return 0
	}
	name := L.CheckString(1)
	var args []string
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, L.CheckString(i))
	}

	session := h.current
	targetPath := session.Target().Path()
	session.Spawn(h.logCtx, func(ctx context.Context) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return string(out), forgeerr.CommandFailure(targetPath, err)
		}
		return string(out), nil
	})
	return 0
}

// luaWait blocks until every command spawned so far by the current
// callback has completed, pushing a table of {output=..., error=...}
// results in completion order.
func (h *Host) luaWait(L *lua.LState) int {
	if h.current == nil {
		L.RaiseError("wait called outside a postorder callback")
		return 0
	}
	completions, err := h.current.Wait(h.logCtx)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	results := L.NewTable()
	for _, c := range completions {
		entry := L.NewTable()
		entry.RawSetString("output", lua.LString(c.Output))
		if c.Err != nil {
			entry.RawSetString("error", lua.LString(c.Err.Error()))
		}
		results.Append(entry)
	}
	L.Push(results)
	return 1
}

// luaBuildfile loads and runs filename as a Lua chunk, the way a script
// brings in a sub-buildfile (mirrors LuaGraph::buildfile). The working
// directory in effect when the chunk returns is restored to whatever it was
// before the call, regardless of how many directories the chunk itself
// pushed — a buildfile's own navigation never leaks into its caller's.
func (h *Host) luaBuildfile(L *lua.LState) int {
	filename := L.CheckString(1)
	saved := h.ctx.WorkingDirectory()
	defer h.ctx.ResetDirectory(saved)

	if err := L.DoFile(filename); err != nil {
		L.Push(lua.LNumber(1))
		return 1
	}
	L.Push(lua.LNumber(0))
	return 1
}

// luaLoadBinary reads filename (spec.md §6's binary wire format) into the
// graph's cache subtree and pushes its root, or nil if the file could not be
// read. Mirrors LuaGraph::load_binary.
func (h *Host) luaLoadBinary(L *lua.LState) int {
	filename := L.CheckString(1)
	saved := h.ctx.WorkingDirectory()
	defer h.ctx.ResetDirectory(saved)

	cacheRoot, err := binarycache.LoadFile(filename, h.g)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	if !cacheRoot.ReferencedByScript() {
		cacheRoot.SetReferencedByScript(true)
		h.registerTarget(cacheRoot)
	}
	h.pushTarget(cacheRoot)
	return 1
}

// luaSaveBinary serializes the graph's full target tree to the Host's
// configured binary path (mirrors LuaGraph::save_binary, which takes no
// filename argument — the path is the graph's own, set once at startup).
func (h *Host) luaSaveBinary(L *lua.LState) int {
	if err := binarycache.SaveFile(h.binPath, h.g.RootTarget()); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}
