package fusion

import (
	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
)

// DecayMode selects where time decay enters the log-odds sum.
type DecayMode string

const (
	// DecayConfidence takes the logit of the decayed confidence.
	DecayConfidence DecayMode = "confidence"
	// DecayEvidence scales the logit of the raw confidence by the decay
	// factor, so stale evidence fades to neutral instead of turning negative.
	DecayEvidence DecayMode = "evidence"
)

// Config tunes fusion.
type Config struct {
	Epsilon     float64
	SmoothingK  float64
	WeightScale float64
	PriorWeight float64
	DecayMode   DecayMode
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Epsilon:     DefaultEpsilon,
		SmoothingK:  5,
		WeightScale: 2,
		PriorWeight: 1,
		DecayMode:   DecayConfidence,
	}
}

// ConfigFrom converts the fusion config section. Configured zeros are kept,
// so smoothing_k=0, weight_scale=1, prior_weight=0 gives the plain
// mean*n/(n+k) weight. Values outside their range fall back to the
// defaults: epsilon outside (0, 0.5), a non-positive weight scale, and
// negative smoothing or prior weights.
func ConfigFrom(cfg config.FusionConfig) Config {
	c := DefaultConfig()
	if cfg.Epsilon > 0 && cfg.Epsilon < 0.5 {
		c.Epsilon = cfg.Epsilon
	}
	if cfg.SmoothingK >= 0 {
		c.SmoothingK = cfg.SmoothingK
	}
	if cfg.WeightScale > 0 {
		c.WeightScale = cfg.WeightScale
	}
	if cfg.PriorWeight >= 0 {
		c.PriorWeight = cfg.PriorWeight
	}
	if cfg.DecayMode == string(DecayEvidence) {
		c.DecayMode = DecayEvidence
	}
	return c
}

// Evidence is n/(n+k): how much the posterior has been informed by updates.
func Evidence(updateCount int64, k float64) float64 {
	if updateCount <= 0 {
		return 0
	}
	n := float64(updateCount)
	if k <= 0 {
		return 1
	}
	return n / (n + k)
}

// Weight turns a source's Beta posterior into a log-odds multiplier:
//
//	w = evidence*scale*mean + (1-evidence)*prior
//
// With scale=1 and prior=0 this is mean*n/(n+k).
func Weight(w model.SourceWeight, cfg Config) float64 {
	e := Evidence(w.UpdateCount, cfg.SmoothingK)
	return e*cfg.WeightScale*w.Mean() + (1-e)*cfg.PriorWeight
}
