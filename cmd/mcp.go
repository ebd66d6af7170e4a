package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve engine tools over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		if err := eng.Migrate(ctx); err != nil {
			return err
		}
		return mcpserver.NewServer(eng).Run(ctx, version, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
