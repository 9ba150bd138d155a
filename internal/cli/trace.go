package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dshills/dapper/internal/trace"
)

var (
	traceLimit int
	tracePrune time.Duration
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect recorded debug runs",
	Long: `Inspect the trace store of past debug runs.

Every traced run records its lifecycle: breakpoint bindings, hits,
stops, output, and the debuggee's exit.

Example:
  dapper trace list
  dapper trace show <run-id>
  dapper trace prune --older-than 168h`,
}

var traceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runTraceList,
}

var traceShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run's events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceShow,
}

var tracePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs",
	RunE:  runTracePrune,
}

func init() {
	traceListCmd.Flags().IntVarP(&traceLimit, "limit", "n", 20, "Maximum number of runs to show")
	tracePruneCmd.Flags().DurationVar(&tracePrune, "older-than", 7*24*time.Hour, "Delete runs older than this")

	traceCmd.AddCommand(traceListCmd, traceShowCmd, tracePruneCmd)
	rootCmd.AddCommand(traceCmd)
}

func openTraceStore() (*trace.Store, error) {
	return trace.NewStore(cfg.Trace.Path)
}

func runTraceList(cmd *cobra.Command, args []string) error {
	store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(traceLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded runs")
		return nil
	}

	for _, r := range runs {
		status := "running"
		if !r.EndedAt.IsZero() {
			status = fmt.Sprintf("exited %d", r.ExitCode)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-10s %-12s started %s\n",
			r.ID, r.Name, r.Adapter, status, humanize.Time(r.StartedAt))
	}
	return nil
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Run(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s (%s, adapter %s) started %s\n",
		run.ID, run.Name, run.Adapter, humanize.Time(run.StartedAt))

	events, err := store.RunEvents(args[0])
	if err != nil {
		return err
	}
	for _, e := range events {
		line := fmt.Sprintf("  %s  %-12s", e.Timestamp.Format("15:04:05.000"), e.Kind)
		if e.Location != "" {
			line += " " + e.Location
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func runTracePrune(cmd *cobra.Command, args []string) error {
	store, err := openTraceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(tracePrune)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
	return nil
}
