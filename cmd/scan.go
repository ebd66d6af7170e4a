package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/engine"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run every proactive detector over new signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			reports, err := eng.RunDetectors(ctx)
			if err != nil {
				return err
			}
			created := 0
			for _, r := range reports {
				created += r.Created
			}
			zap.L().Info("detector scan complete",
				zap.Int("detectors", len(reports)),
				zap.Int("created", created),
			)
			return printJSON(cmd, reports)
		})
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
