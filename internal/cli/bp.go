package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/dapper/internal/debug"
)

var (
	bpCondition    string
	bpHitCondition string
	bpLogMessage   string
)

var bpCmd = &cobra.Command{
	Use:   "bp",
	Short: "Manage persisted breakpoints",
	Long: `Manage the breakpoint set that dapper loads into every session.

Breakpoints are identified by location (path:line or path:line:column)
and persist in the breakpoints file between runs.

Example:
  dapper bp add app/main.py:42
  dapper bp add app/main.py:42 --condition "retries > 3"
  dapper bp list
  dapper bp remove app/main.py:42`,
}

var bpAddCmd = &cobra.Command{
	Use:   "add <path:line[:column]>",
	Short: "Add a breakpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBpAdd,
}

var bpRemoveCmd = &cobra.Command{
	Use:   "remove <path:line[:column]>",
	Short: "Remove a breakpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBpRemove,
}

var bpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted breakpoints",
	RunE:  runBpList,
}

func init() {
	bpAddCmd.Flags().StringVar(&bpCondition, "condition", "", "Break only when the expression is true")
	bpAddCmd.Flags().StringVar(&bpHitCondition, "hit-condition", "", "Break only on matching hit counts")
	bpAddCmd.Flags().StringVar(&bpLogMessage, "log", "", "Log a message instead of breaking")

	bpCmd.AddCommand(bpAddCmd, bpRemoveCmd, bpListCmd)
	rootCmd.AddCommand(bpCmd)
}

// loadBreakpoints opens the persisted set in a throwaway engine.
func loadBreakpoints() (*debug.Engine, error) {
	engine := debug.New(context.Background())
	if err := engine.Breakpoints().Load(cfg.BreakpointsFile); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}

func runBpAdd(cmd *cobra.Command, args []string) error {
	loc, err := debug.ParseLocation(args[0])
	if err != nil {
		return err
	}

	engine, err := loadBreakpoints()
	if err != nil {
		return err
	}
	defer engine.Close()

	engine.Breakpoints().AddBreakpoint(loc, debug.BreakpointOptions{
		Condition:    bpCondition,
		HitCondition: bpHitCondition,
		LogMessage:   bpLogMessage,
	})
	if err := engine.Breakpoints().Save(cfg.BreakpointsFile); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", loc)
	return nil
}

func runBpRemove(cmd *cobra.Command, args []string) error {
	loc, err := debug.ParseLocation(args[0])
	if err != nil {
		return err
	}

	engine, err := loadBreakpoints()
	if err != nil {
		return err
	}
	defer engine.Close()

	if engine.Breakpoints().Breakpoint(loc) == nil {
		return fmt.Errorf("no breakpoint at %s", loc)
	}
	if err := engine.Breakpoints().RemoveBreakpoint(cmd.Context(), loc); err != nil {
		return err
	}
	if err := engine.Breakpoints().Save(cfg.BreakpointsFile); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", loc)
	return nil
}

func runBpList(cmd *cobra.Command, args []string) error {
	engine, err := loadBreakpoints()
	if err != nil {
		return err
	}
	defer engine.Close()

	bps := engine.Breakpoints().Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no breakpoints")
		return nil
	}

	for _, bp := range bps {
		line := bp.Location().String()
		opts := bp.Options()
		if opts.Condition != "" {
			line += fmt.Sprintf("  if %s", opts.Condition)
		}
		if opts.HitCondition != "" {
			line += fmt.Sprintf("  hits %s", opts.HitCondition)
		}
		if opts.LogMessage != "" {
			line += fmt.Sprintf("  log %q", opts.LogMessage)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
