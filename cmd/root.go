package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "signal-engine",
	Short: "Signal fusion and adaptive entity resolution",
	Long:  "Fuses decaying signals about accounts, projects and people, resolves meetings and emails to entities, surfaces proactive callouts and learns source trust from user feedback.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
