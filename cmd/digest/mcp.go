package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/RobinCoderZhao/news-digest/internal/digest/curator"
	"github.com/RobinCoderZhao/news-digest/pkg/mcpserver"
)

func mcpCmd(flags *globalFlags) *cobra.Command {
	var (
		dir         string
		toolTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the write_selections tool over stdio (MCP)",
		Long: "Starts an MCP server on stdin/stdout for the curator agent. The write_selections tool validates the " +
			"agent's picks and writes them to the batch directory, where `digest run` reads them back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = os.Getenv("DIGEST_BATCH_DIR")
			}
			if dir == "" {
				dir = s.OutputDir
			}

			srv := mcpserver.New("news-digest", version, mcpserver.WithLogger(logger))
			srv.Use(mcpserver.RecoveryMiddleware(logger))
			srv.Use(mcpserver.LoggingMiddleware(logger))
			srv.Use(mcpserver.TimeoutMiddleware(toolTimeout))
			srv.RegisterTool(curator.NewWriteSelectionsTool(dir))

			logger.Info("mcp server listening on stdio", "batch_dir", dir)
			return srv.RunStdio(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "batch directory (default $DIGEST_BATCH_DIR or output_dir)")
	cmd.Flags().DurationVar(&toolTimeout, "tool-timeout", 30*time.Second, "limit for one tool call (0 disables)")
	return cmd
}
