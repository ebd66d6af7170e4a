package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
)

var (
	resolveFile         string
	resolveTitle        string
	resolveParticipants []string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [record-id]",
	Short: "Resolve a meeting or email to an entity",
	Long:  "Resolves the record given as JSON with --file, or built from the record id and flags, and persists the assignment.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec model.Record
		if resolveFile != "" {
			if err := readJSONInput(cmd, resolveFile, &rec); err != nil {
				return err
			}
		}
		if len(args) == 1 {
			rec.ID = args[0]
		}
		if resolveTitle != "" {
			rec.Title = resolveTitle
		}
		if len(resolveParticipants) > 0 {
			rec.Participants = resolveParticipants
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			res, err := eng.ResolveEntity(ctx, rec)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveFile, "file", "", "record JSON file (- for stdin)")
	resolveCmd.Flags().StringVar(&resolveTitle, "title", "", "record title")
	resolveCmd.Flags().StringSliceVar(&resolveParticipants, "participant", nil, "participant email (repeatable)")
	rootCmd.AddCommand(resolveCmd)
}
