package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest calendar events, emails and enrichment payloads",
}

var ingestEventCmd = &cobra.Command{
	Use:   "event <file>",
	Short: "Ingest a normalized calendar event (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ev ingest.CalendarEvent
		if err := readJSONInput(cmd, args[0], &ev); err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			out, err := eng.IngestEvent(ctx, ev)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}

var ingestEmailCmd = &cobra.Command{
	Use:   "email <file>",
	Short: "Ingest a normalized email (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var em ingest.Email
		if err := readJSONInput(cmd, args[0], &em); err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			out, err := eng.IngestEmail(ctx, em)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}

var ingestEnrichmentCmd = &cobra.Command{
	Use:   "enrichment <file>",
	Short: "Ingest an enrichment provider response (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var en ingest.Enrichment
		if err := readJSONInput(cmd, args[0], &en); err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			out, err := eng.IngestEnrichment(ctx, en)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}

func init() {
	ingestCmd.AddCommand(ingestEventCmd, ingestEmailCmd, ingestEnrichmentCmd)
	rootCmd.AddCommand(ingestCmd)
}
