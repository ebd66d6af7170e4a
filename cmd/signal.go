package main

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/feedback"
	"github.com/sells-group/signal-engine/internal/model"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Record and inspect signals",
}

var (
	signalType       string
	signalSource     string
	signalValue      string
	signalConfidence float64
	signalHalfLife   float64
	signalSubject    string
	signalKey        string
	signalSupersedes int64
	signalFrom       int64
	signalRule       string
	rejectReason     string
	rejectDomain     string
)

var signalRecordCmd = &cobra.Command{
	Use:   "record <type:id>",
	Short: "Record one signal about an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			sig, inserted, err := eng.RecordSignal(ctx, model.SignalInput{
				Entity:       ref,
				SignalType:   signalType,
				Source:       signalSource,
				Subject:      signalSubject,
				Value:        signalValue,
				Confidence:   signalConfidence,
				HalfLifeDays: signalHalfLife,
				NaturalKey:   signalKey,
				Supersedes:   signalSupersedes,
			})
			if err != nil {
				return err
			}
			if signalFrom > 0 {
				if err := eng.AddDerivation(ctx, model.SignalDerivation{
					SourceID:  signalFrom,
					DerivedID: sig.ID,
					RuleName:  signalRule,
				}); err != nil {
					return err
				}
			}
			return printJSON(cmd, map[string]any{"signal": sig, "inserted": inserted})
		})
	},
}

var signalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a signal with its lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSignalID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			sig, err := eng.GetSignal(ctx, id)
			if err != nil {
				return err
			}
			edges, err := eng.Derivations(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"signal": sig, "derivations": edges})
		})
	},
}

var signalRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a signal the user says is wrong",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSignalID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			changed, err := eng.ApplyRejection(ctx, id, feedback.Context{Reason: rejectReason, SenderDomain: rejectDomain})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]bool{"changed": changed})
		})
	},
}

var signalScoreCmd = &cobra.Command{
	Use:   "score <type:id> <signal-type>",
	Short: "Fuse the active signals of one type for an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			score, err := eng.FusedScore(ctx, ref, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, score)
		})
	},
}

func parseSignalID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid signal id %q", s)
	}
	return id, nil
}

func init() {
	f := signalRecordCmd.Flags()
	f.StringVar(&signalType, "type", "", "signal type (required)")
	f.StringVar(&signalSource, "source", "", "producing source (required)")
	f.StringVar(&signalValue, "value", "", "observed value")
	f.Float64Var(&signalConfidence, "confidence", 0, "confidence in [0,1]")
	f.Float64Var(&signalHalfLife, "half-life", 30, "decay half-life in days")
	f.StringVar(&signalSubject, "subject", "", "record the signal is about")
	f.StringVar(&signalKey, "natural-key", "", "idempotency key")
	f.Int64Var(&signalSupersedes, "supersedes", 0, "id of the signal this one replaces")
	f.Int64Var(&signalFrom, "derived-from", 0, "id of the signal this one was derived from")
	f.StringVar(&signalRule, "rule", "manual", "derivation rule name, with --derived-from")
	_ = signalRecordCmd.MarkFlagRequired("type")
	_ = signalRecordCmd.MarkFlagRequired("source")

	signalRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the signal is wrong")
	signalRejectCmd.Flags().StringVar(&rejectDomain, "sender-domain", "", "sender domain of the underlying email")

	signalCmd.AddCommand(signalRecordCmd, signalShowCmd, signalRejectCmd, signalScoreCmd)
	rootCmd.AddCommand(signalCmd)
}
