// Package forge is the facade wiring Graph, the script host, the optional
// event bus, and the optional run log into the one entry point cmd/forge
// drives. Grounded on the teacher's own composition style: a single
// constructor that wires every collaborator and a Close that unwinds it,
// mirroring internal/app.New's panic-on-fatal-startup-error shape and
// internal/localsession's explicit dependency-injection block.
package forge

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgebuild/forge/internal/cliconfig"
	"github.com/forgebuild/forge/internal/ctxlog"
	"github.com/forgebuild/forge/internal/eventbus"
	"github.com/forgebuild/forge/internal/forgeerr"
	"github.com/forgebuild/forge/internal/fsutil"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/luahost"
	"github.com/forgebuild/forge/internal/projectconfig"
	"github.com/forgebuild/forge/internal/runlog"
)

// Forge owns one build engine instance: its graph, script host, and the
// optional observability sinks the CLI's --listen/--runlog flags enable.
type Forge struct {
	g    *graph.Graph
	host *luahost.Host
	bus  eventbus.Bus
	log  runlog.Store
	cfg  *cliconfig.Config
}

// New wires a Forge from a resolved Config and the decoded forge.hcl
// project file (nil if there is none). Every TargetPrototype the project
// file declares is pre-registered before the buildfile ever loads, the
// same "manifests before grid" ordering the teacher enforces for its own
// runner/asset definitions.
func New(cfg *cliconfig.Config, project *projectconfig.File) (*Forge, error) {
	g := graph.New()
	if project != nil {
		for _, name := range project.PrototypeNames() {
			g.TargetPrototype(name)
		}
	}

	var bus eventbus.Bus = eventbus.Nop{}
	if cfg.Listen != "" {
		server, err := eventbus.Listen(cfg.Listen)
		if err != nil {
			return nil, forgeerr.IoError(cfg.Listen, err)
		}
		bus = server
	}

	var log runlog.Store = runlog.Nop{}
	if cfg.RunLog != "" {
		store, err := runlog.Open(cfg.RunLog)
		if err != nil {
			return nil, forgeerr.IoError(cfg.RunLog, err)
		}
		log = store
	}

	f := &Forge{g: g, bus: bus, log: log, cfg: cfg}
	f.host = luahost.New(g, luahost.Options{
		Jobs:          cfg.Jobs,
		KeepGoing:     cfg.KeepGoing,
		StatFS:        fsutil.OS{},
		BinaryPath:    cfg.Buildfile + ".cache",
		OnTargetStart: f.onTargetStart,
		OnTargetDone:  f.onTargetDone,
	})
	return f, nil
}

func (f *Forge) onTargetStart(ctx context.Context, path string) {
	ctxlog.FromContext(ctx).Info("target running", "path", path)
	f.bus.Publish(eventbus.Event{Kind: eventbus.KindRunning, Target: path, At: time.Now()})
}

func (f *Forge) onTargetDone(ctx context.Context, path string, dur time.Duration, err error) {
	kind := eventbus.KindDone
	if err != nil {
		kind = eventbus.KindFailed
	}
	log := ctxlog.FromContext(ctx)
	if err != nil {
		log.Warn("target finished", "path", path, "duration", dur, "error", err)
	} else {
		log.Info("target finished", "path", path, "duration", dur)
	}
	f.bus.Publish(eventbus.Event{Kind: kind, Target: path, At: time.Now()})

	output := ""
	if err != nil {
		output = err.Error()
	}
	// The run log is a best-effort diagnostic sidecar: a write failure here
	// must never abort or fail the build it is merely observing.
	_ = f.log.Record(runlog.Entry{
		Target:   path,
		ExitOK:   err == nil,
		Output:   output,
		Duration: dur,
		At:       time.Now(),
	})
}

// Run loads the configured buildfile, then invokes each goal as a global
// Lua function the buildfile is expected to have defined, summing the
// failure counts those functions return. A goal with no matching function
// is a script error; goals are never resolved as target paths.
func (f *Forge) Run(goals []string) (int, error) {
	if err := f.host.DoFile(f.cfg.Buildfile); err != nil {
		return 1, err
	}

	if len(goals) == 0 {
		goals = []string{"default"}
	}

	total := 0
	for _, goal := range goals {
		failures, ok, err := f.host.CallGoal(goal)
		if err != nil {
			total++
			if !f.cfg.KeepGoing {
				break
			}
			continue
		}
		if !ok {
			return total, forgeerr.Script(unknownGoalError(goal))
		}
		total += failures
		if total > 0 && !f.cfg.KeepGoing {
			break
		}
	}

	if total > 255 {
		total = 255
	}
	return total, nil
}

type unknownGoalError string

func (e unknownGoalError) Error() string { return "unknown goal: " + string(e) }

// Close releases the script host and, via an errgroup join, both
// observability sinks concurrently — their shutdowns are independent, and
// this is exactly the coarse join-then-check the teacher reaches for
// errgroup at the facade level, distinct from the scheduler's own
// dispatch loop.
func (f *Forge) Close() error {
	f.host.Close()

	var g errgroup.Group
	g.Go(f.bus.Close)
	g.Go(f.log.Close)
	return g.Wait()
}
