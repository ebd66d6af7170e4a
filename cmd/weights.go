package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
)

var weightsJSON bool

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Show the learned trust of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			weights, err := eng.SourceWeights(ctx)
			if err != nil {
				return err
			}
			if weightsJSON {
				return printJSON(cmd, weights)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tENTITY TYPE\tSIGNAL TYPE\tALPHA\tBETA\tMEAN\tUPDATES")
			for _, w := range weights {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%.0f\t%.3f\t%d\n",
					w.Source, w.EntityType, w.SignalType, w.Alpha, w.Beta, w.Mean(), w.UpdateCount)
			}
			return tw.Flush()
		})
	},
}

func init() {
	weightsCmd.Flags().BoolVar(&weightsJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(weightsCmd)
}
