// Package cli implements the dapper command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/dapper/internal/config"
	"github.com/dshills/dapper/internal/logger"
)

// Version information set via ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	verbose    bool
	configFile string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dapper",
	Short: "Debug Adapter Protocol client engine",
	Long: `Dapper drives debug adapters over the Debug Adapter Protocol.

It keeps one logical set of breakpoints across any number of debug
sessions: breakpoints bind lazily into each session as the session
discovers their sources, rebind when sources change, and survive
sessions ending.

Configure adapters in:
  - ~/.config/dapper/dapper.toml (user)
  - launch.json or launch.yaml (per project)`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		return logger.Init(level, cfg.Log.File)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dapper %s\n", Version)
		fmt.Printf("  commit: %s\n", Commit)
		fmt.Printf("  built:  %s\n", Date)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Override config file path")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}
