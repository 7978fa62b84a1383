// Command forge runs Lua buildfiles against the dependency-graph build
// engine: it resolves configuration, loads the optional project defaults
// file, and dispatches the requested goals.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/internal/cliconfig"
	"github.com/forgebuild/forge/internal/forge"
	"github.com/forgebuild/forge/internal/projectconfig"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

// run builds and executes the root command, returning the process exit
// code: the build engine's own failure count on a normal run, 2 on a usage
// or configuration error, matching flag.ErrHelp's own convention in the
// teacher's flag-based parser.
func run(args []string) (int, error) {
	var listen, runLogPath, buildfile string
	var jobs int
	var keepGoing, verbose bool

	cmd := &cobra.Command{
		Use:   "forge [flags] [goal...]",
		Short: "Run Lua buildfile goals against the dependency graph",
		Long: `forge loads a Lua buildfile, builds the target dependency graph it
declares, and runs the requested goals against it. With no goals given,
it runs the "default" goal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, goals []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			project, err := projectconfig.Load("forge.hcl")
			if err != nil {
				return err
			}

			cfg, err := cliconfig.Load(cmd.Flags(), project)
			if err != nil {
				return err
			}

			f, err := forge.New(cfg, project)
			if err != nil {
				return err
			}
			defer func() {
				if err := f.Close(); err != nil {
					slog.Error("shutdown", "error", err)
				}
			}()

			failures, err := f.Run(goals)
			if err != nil {
				return err
			}
			if failures > 0 {
				return exitCode(failures)
			}
			return nil
		},
	}

	// Flag names match cliconfig's flat koanf keys verbatim (posflag reads
	// flag.Name directly, with no rewriting).
	flags := cmd.Flags()
	flags.StringVarP(&buildfile, "file", "f", "build.lua", "path to the buildfile to load")
	flags.IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "number of concurrent build-action workers")
	flags.BoolVarP(&keepGoing, "keep-going", "k", false, "keep running unrelated goals after a failure")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&listen, "listen", "", "address to serve live target-lifecycle events on, e.g. :4000")
	flags.StringVar(&runLogPath, "runlog", "", "path to a bbolt run-log database recording each target's outcome")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if ec, ok := err.(exitCode); ok {
			return int(ec), nil
		}
		return 2, err
	}
	return 0, nil
}

// exitCode carries a build's failure count through cobra's error-returning
// RunE without forge itself being treated as a usage error.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("build finished with %d failure(s)", int(e)) }
