// Digest fetches news feeds, removes stories already shown, and hands the
// rest to a curator in size-bounded batches.
//
// Usage:
//
//	digest run [--dry-run]   # one full cycle, or one per --every interval
//	digest sources           # configured feeds and their last fetch status
//	digest history [--days]  # recent runs and shown headlines
//	digest mcp               # stdio MCP server exposing write_selections
//	digest version
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/RobinCoderZhao/news-digest/internal/digest/settings"
)

var version = "dev"

type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "digest",
		Short:         "News ingestion and deduplication pipeline",
		Long:          "digest fetches syndicated feeds, drops duplicates and previously shown stories, and prepares batches for a curator.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default ./digest.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd(&flags))
	rootCmd.AddCommand(sourcesCmd(&flags))
	rootCmd.AddCommand(historyCmd(&flags))
	rootCmd.AddCommand(mcpCmd(&flags))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("digest %s\n", version)
		},
	}
}

// setup loads settings and installs the process logger on stderr.
func setup(flags *globalFlags) (settings.Settings, *slog.Logger, error) {
	s, err := settings.Load(flags.configPath)
	logger := newLogger(flags.debug || s.Debug)
	if err != nil {
		return s, logger, fmt.Errorf("load config: %w", err)
	}
	return s, logger, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
