package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/feedback"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

var calloutsCmd = &cobra.Command{
	Use:   "callouts",
	Short: "List and act on briefing callouts",
}

var (
	calloutsEntity     string
	calloutsSeverity   string
	calloutsUnsurfaced bool
	calloutsSurface    bool
	calloutsLimit      int
	dismissReason      string
	dismissDomain      string
)

var calloutsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live callouts, most severe first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.CalloutFilter{
			MinSeverity:    model.Severity(calloutsSeverity),
			UnsurfacedOnly: calloutsUnsurfaced,
			Surface:        calloutsSurface,
			Limit:          calloutsLimit,
		}
		if calloutsEntity != "" {
			ref, err := model.ParseEntityRef(calloutsEntity)
			if err != nil {
				return err
			}
			f.Entity = &ref
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			callouts, err := eng.ListActiveCallouts(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(cmd, callouts)
		})
	},
}

var calloutsSurfaceCmd = &cobra.Command{
	Use:   "surface <id>",
	Short: "Mark a callout as shown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			c, err := eng.SurfaceCallout(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		})
	},
}

var calloutsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a callout and record the relevance feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			c, changed, err := eng.ApplyDismissal(ctx, args[0], feedback.Context{Reason: dismissReason, SenderDomain: dismissDomain})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"callout": c, "changed": changed})
		})
	},
}

func init() {
	f := calloutsListCmd.Flags()
	f.StringVar(&calloutsEntity, "entity", "", "only callouts for this entity (type:id)")
	f.StringVar(&calloutsSeverity, "min-severity", "", "lowest severity to list: info, warning or critical")
	f.BoolVar(&calloutsUnsurfaced, "unsurfaced", false, "skip callouts already shown")
	f.BoolVar(&calloutsSurface, "surface", false, "mark the listed callouts as shown")
	f.IntVar(&calloutsLimit, "limit", 50, "maximum callouts to list")

	calloutsDismissCmd.Flags().StringVar(&dismissReason, "reason", "", "why the callout is irrelevant")
	calloutsDismissCmd.Flags().StringVar(&dismissDomain, "sender-domain", "", "sender domain of the underlying email")

	calloutsCmd.AddCommand(calloutsListCmd, calloutsSurfaceCmd, calloutsDismissCmd)
	rootCmd.AddCommand(calloutsCmd)
}
