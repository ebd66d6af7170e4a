package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/engine"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.Migrate(ctx); err != nil {
				return err
			}
			zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
