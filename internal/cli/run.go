package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/dapper/internal/config"
	"github.com/dshills/dapper/internal/debug"
	"github.com/dshills/dapper/internal/logger"
	"github.com/dshills/dapper/internal/script"
	"github.com/dshills/dapper/internal/trace"
)

// terminateTimeout bounds the graceful shutdown after an interrupt.
const terminateTimeout = 10 * time.Second

var (
	runLaunchFile string
	runScriptFile string
	runNoTrace    bool
)

var runCmd = &cobra.Command{
	Use:   "run <configuration>",
	Short: "Run a debug session",
	Long: `Run a named configuration from the project's launch file.

The session runs until the debuggee exits. Persisted breakpoints are
loaded up front and bind as the adapter discovers their sources; output
and breakpoint hits stream to the terminal.

Example:
  dapper run "debug app"
  dapper run "attach remote" --launch launch.yaml
  dapper run "debug app" --script debug.lua`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runLaunchFile, "launch", "l", "launch.json", "Launch configuration file")
	runCmd.Flags().StringVarP(&runScriptFile, "script", "s", "", "Lua script to load")
	runCmd.Flags().BoolVar(&runNoTrace, "no-trace", false, "Disable trace recording")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configs, err := config.LoadLaunch(runLaunchFile)
	if err != nil {
		return err
	}
	lc, err := config.FindLaunch(configs, args[0])
	if err != nil {
		return err
	}
	adapter, err := cfg.Adapter(lc.Adapter)
	if err != nil {
		return err
	}

	engine := debug.New(ctx)
	defer engine.Close()

	if err := engine.Breakpoints().Load(cfg.BreakpointsFile); err != nil {
		return err
	}

	if cfg.WatchSources {
		watcher, err := debug.NewSourceWatcher(engine)
		if err != nil {
			logger.Warn().Err(err).Msg("source watching unavailable")
		} else {
			defer watcher.Close()
		}
	}

	var recorder *trace.Recorder
	if cfg.Trace.Enabled && !runNoTrace {
		store, err := trace.NewStore(cfg.Trace.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder, err = trace.NewRecorder(store, lc.Name, lc.Adapter)
		if err != nil {
			return err
		}
	}

	var runtime *script.Runtime
	if runScriptFile != "" {
		runtime = script.New(engine)
		defer runtime.Close()
		if err := runtime.LoadFile(runScriptFile); err != nil {
			return err
		}
		go runtime.Run(ctx)
	}

	session, err := newSession(engine, lc.Name, adapter)
	if err != nil {
		return err
	}
	if recorder != nil {
		recorder.Watch(session)
	}

	done := make(chan int, 1)
	wireSessionOutput(cmd, session, done)

	launchArgs := make(map[string]any, len(lc.Args)+1)
	for k, v := range lc.Args {
		launchArgs[k] = v
	}
	if lc.StopOnEntry {
		launchArgs["stopOnEntry"] = true
	}

	err = session.Start(ctx, debug.SessionConfig{
		AdapterID:  adapter.ID,
		ClientID:   "dapper",
		ClientName: "dapper",
		Attach:     lc.Request == "attach",
		Arguments:  launchArgs,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %q started (adapter %s)\n", lc.Name, lc.Adapter)

	var exitCode int
	select {
	case exitCode = <-done:
		fmt.Fprintf(cmd.OutOrStdout(), "debuggee exited with code %d\n", exitCode)
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "interrupted, terminating session")
		termCtx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := session.Terminate(termCtx); err != nil {
			logger.Warn().Err(err).Msg("terminate failed, closing transport")
			_ = session.Close()
		}
	}

	if err := engine.Breakpoints().Save(cfg.BreakpointsFile); err != nil {
		logger.Warn().Err(err).Msg("cannot persist breakpoints")
	}
	return nil
}

func newSession(engine *debug.Engine, name string, adapter config.AdapterDef) (*debug.Session, error) {
	switch adapter.Type {
	case "socket":
		return engine.NewSocketSession(name, adapter.Address)
	default:
		return engine.NewStdioSession(name, adapter.Command, adapter.Args...)
	}
}

// wireSessionOutput streams session activity to the terminal and signals
// done with the exit code.
func wireSessionOutput(cmd *cobra.Command, s *debug.Session, done chan<- int) {
	out := cmd.OutOrStdout()

	s.OnOutput(func(category, output string) {
		switch category {
		case "stderr":
			fmt.Fprint(cmd.ErrOrStderr(), output)
		default:
			fmt.Fprint(out, output)
		}
	})
	s.OnBinding(func(b *debug.Binding) {
		fmt.Fprintf(out, "breakpoint bound: %s (line %d)\n",
			b.Breakpoint().Location(), b.ActualLine())
	})
	s.OnBindingHit(func(b *debug.Binding) {
		fmt.Fprintf(out, "breakpoint hit: %s (%d hits)\n",
			b.Breakpoint().Location(), b.HitCount())
	})
	s.OnThread(func(t *debug.Thread, reason string) {
		if reason != "started" {
			return
		}
		t.OnStopped(func(stopReason string) {
			if stopReason != "breakpoint" {
				fmt.Fprintf(out, "thread %d stopped: %s\n", t.ID(), stopReason)
			}
		})
	})
	s.OnExited(func(code int) {
		done <- code
	})
}
