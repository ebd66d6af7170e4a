package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/feedback"
	"github.com/sells-group/signal-engine/internal/model"
)

var (
	correctFrom   string
	correctSource string
)

var correctCmd = &cobra.Command{
	Use:   "correct <record-id> <type:id>",
	Short: "Reassign a record to the entity the user chose",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := feedback.Correction{MeetingID: args[0], SignalSource: correctSource}
		var err error
		if c.NewEntity, err = model.ParseEntityRef(args[1]); err != nil {
			return err
		}
		if correctFrom != "" {
			if c.OldEntity, err = model.ParseEntityRef(correctFrom); err != nil {
				return err
			}
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			plan, err := eng.ApplyCorrection(ctx, c)
			if err != nil {
				return err
			}
			return printJSON(cmd, plan)
		})
	},
}

var correctHistoryCmd = &cobra.Command{
	Use:   "history <record-id>",
	Short: "List the corrections applied to a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			rows, err := eng.CorrectionHistory(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rows)
		})
	},
}

func init() {
	correctCmd.Flags().StringVar(&correctFrom, "from", "", "entity being replaced (default: current assignment)")
	correctCmd.Flags().StringVar(&correctSource, "blame", "", "resolution stage the user blames")
	correctCmd.AddCommand(correctHistoryCmd)
	rootCmd.AddCommand(correctCmd)
}
