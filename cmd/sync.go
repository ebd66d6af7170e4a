package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive the provider sync state machine",
}

var (
	syncLimit     int
	syncFile      string
	syncState     string
	syncSource    string
	syncTarget    string
	syncRequeue   bool
	syncWatch     time.Duration
	syncListLimit int
)

var syncEnqueueCmd = &cobra.Command{
	Use:   "enqueue <target-id> <source>",
	Short: "Queue a sync, reusing an active row for the same target and source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			st, created, err := eng.EnqueueSync(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"sync": st, "created": created})
		})
	},
}

var syncPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Claim due syncs for an external processor",
	Long:  "Claims due rows and prints them. With --requeue, rows whose claim expired are first returned to the retry path. With --watch, claims repeatedly until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		poll := func() error {
			if syncRequeue {
				n, err := eng.RequeueStaleSyncs(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					zap.L().Info("requeued expired sync claims", zap.Int("count", n))
				}
			}
			due, err := eng.PollDueSyncs(ctx, syncLimit)
			if err != nil {
				return err
			}
			if due == nil {
				due = []model.SyncState{}
			}
			return printJSON(cmd, due)
		}

		if syncWatch <= 0 {
			return poll()
		}
		ticker := time.NewTicker(syncWatch)
		defer ticker.Stop()
		for {
			if err := poll(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

var syncCompleteCmd = &cobra.Command{
	Use:   "complete <sync-id>",
	Short: "Report a successful sync with its JSON payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if syncFile != "" {
			data, err := readInput(cmd, syncFile)
			if err != nil {
				return err
			}
			payload = data
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			st, err := eng.CompleteSync(ctx, args[0], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		})
	},
}

var syncFailCmd = &cobra.Command{
	Use:   "fail <sync-id> <message>",
	Short: "Report a failed sync attempt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			st, err := eng.FailSync(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		})
	},
}

var syncWarningsCmd = &cobra.Command{
	Use:   "warnings",
	Short: "List syncs that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			warnings, err := eng.SyncWarnings(ctx, syncListLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, warnings)
		})
	},
}

var syncListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			rows, err := eng.ListSyncs(ctx, store.SyncFilter{
				State:    model.SyncStatus(syncState),
				Source:   syncSource,
				TargetID: syncTarget,
				Limit:    syncListLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, rows)
		})
	},
}

func init() {
	syncPollCmd.Flags().IntVar(&syncLimit, "limit", 0, "maximum rows to claim (default from config)")
	syncPollCmd.Flags().BoolVar(&syncRequeue, "requeue", true, "requeue expired claims before polling")
	syncPollCmd.Flags().DurationVar(&syncWatch, "watch", 0, "poll repeatedly on this interval")

	syncCompleteCmd.Flags().StringVar(&syncFile, "payload", "", "JSON payload file (- for stdin)")

	syncWarningsCmd.Flags().IntVar(&syncListLimit, "limit", 50, "maximum rows to list")
	syncListCmd.Flags().IntVar(&syncListLimit, "limit", 50, "maximum rows to list")
	syncListCmd.Flags().StringVar(&syncState, "state", "", "only rows in this state")
	syncListCmd.Flags().StringVar(&syncSource, "source", "", "only rows for this provider")
	syncListCmd.Flags().StringVar(&syncTarget, "target", "", "only rows for this target")

	syncCmd.AddCommand(syncEnqueueCmd, syncPollCmd, syncCompleteCmd, syncFailCmd, syncWarningsCmd, syncListCmd)
	rootCmd.AddCommand(syncCmd)
}
