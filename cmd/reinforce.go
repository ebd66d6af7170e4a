package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/engine"
)

var reinforceCmd = &cobra.Command{
	Use:   "reinforce",
	Short: "Learn attendee-group patterns from assignments past the grace period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			rep, err := eng.ReinforceSettled(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("reinforcement complete",
				zap.Int("scanned", rep.Scanned),
				zap.Int("reinforced", rep.Reinforced),
			)
			return printJSON(cmd, rep)
		})
	},
}

func init() {
	rootCmd.AddCommand(reinforceCmd)
}
