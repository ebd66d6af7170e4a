// Package fusion turns decaying, source-weighted signals into probabilities
// by summing weighted log-odds.
package fusion

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
)

// SignalReader reads the active (terminal) signals of an entity.
type SignalReader interface {
	ActiveSignals(ctx context.Context, ref model.EntityRef, signalType string) ([]model.Signal, error)
}

// WeightReader reads source posteriors. Missing keys come back at the prior.
type WeightReader interface {
	SourceWeights(ctx context.Context, keys []model.WeightKey) (map[model.WeightKey]model.SourceWeight, error)
}

// Contribution is one signal's term in a fused score.
type Contribution struct {
	SignalID            int64           `json:"signal_id"`
	Entity              model.EntityRef `json:"entity"`
	Source              string          `json:"source"`
	EffectiveConfidence float64         `json:"effective_confidence"`
	Weight              float64         `json:"weight"`
	LogOdds             float64         `json:"log_odds"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Score is a fused probability with the terms that produced it.
type Score struct {
	Entity        model.EntityRef `json:"entity"`
	SignalType    string          `json:"signal_type"`
	Probability   float64         `json:"probability"`
	LogOdds       float64         `json:"log_odds"`
	Contributions []Contribution  `json:"contributions"`
}

// CandidateScore is the fused probability that a record belongs to Entity.
type CandidateScore struct {
	Entity      model.EntityRef `json:"entity"`
	Probability float64         `json:"probability"`
	LogOdds     float64         `json:"log_odds"`
	// Support counts the live signals naming this entity.
	Support int `json:"support"`
	// LatestAt is the newest supporting signal, used for tie-breaks.
	LatestAt time.Time `json:"latest_at"`
}

// Scorer computes fused scores from stored signals and weights. It holds no
// trust state: every call reads the current posteriors.
type Scorer struct {
	signals SignalReader
	weights WeightReader
	cfg     Config
}

// NewScorer creates a Scorer.
func NewScorer(signals SignalReader, weights WeightReader, cfg Config) *Scorer {
	return &Scorer{signals: signals, weights: weights, cfg: cfg}
}

// Config returns the scorer's settings.
func (s *Scorer) Config() Config { return s.cfg }

// FusedScore fuses the active signals of one entity and type. With no live
// signals the result is 0.5.
func (s *Scorer) FusedScore(ctx context.Context, ref model.EntityRef, signalType string, now time.Time) (*Score, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	sigs, err := s.signals.ActiveSignals(ctx, ref, signalType)
	if err != nil {
		return nil, eris.Wrapf(err, "fusion: load signals for %s", ref)
	}
	contribs, err := s.Contributions(ctx, sigs, now)
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, c := range contribs {
		sum += c.LogOdds
	}
	score := &Score{
		Entity:        ref,
		SignalType:    signalType,
		Probability:   Sigmoid(sum),
		LogOdds:       sum,
		Contributions: contribs,
	}
	zap.L().Debug("fusion: fused score",
		zap.String("entity", ref.String()),
		zap.String("signal_type", signalType),
		zap.Int("signals", len(contribs)),
		zap.Float64("probability", score.Probability),
	)
	return score, nil
}

// ScoreCandidates scores every entity named by sigs against the others:
// evidence for a candidate adds w*l, evidence for any other entity subtracts
// it. Results are ordered by probability, then recency, then entity.
func (s *Scorer) ScoreCandidates(ctx context.Context, sigs []model.Signal, now time.Time) ([]CandidateScore, error) {
	contribs, err := s.Contributions(ctx, sigs, now)
	if err != nil {
		return nil, err
	}
	if len(contribs) == 0 {
		return nil, nil
	}

	var total float64
	byEntity := make(map[model.EntityRef]*CandidateScore)
	perEntity := make(map[model.EntityRef]float64)
	for _, c := range contribs {
		total += c.LogOdds
		perEntity[c.Entity] += c.LogOdds
		cs, ok := byEntity[c.Entity]
		if !ok {
			cs = &CandidateScore{Entity: c.Entity}
			byEntity[c.Entity] = cs
		}
		cs.Support++
		if c.CreatedAt.After(cs.LatestAt) {
			cs.LatestAt = c.CreatedAt
		}
	}

	out := make([]CandidateScore, 0, len(byEntity))
	for ref, cs := range byEntity {
		own := perEntity[ref]
		cs.LogOdds = own - (total - own)
		cs.Probability = Sigmoid(cs.LogOdds)
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Probability != b.Probability {
			return a.Probability > b.Probability
		}
		if !a.LatestAt.Equal(b.LatestAt) {
			return a.LatestAt.After(b.LatestAt)
		}
		return a.Entity.Less(b.Entity)
	})
	return out, nil
}

// Contributions computes the weighted log-odds term of each live signal.
// Superseded and fully decayed signals are skipped. Terms are ordered by
// signal id so sums are reproducible.
func (s *Scorer) Contributions(ctx context.Context, sigs []model.Signal, now time.Time) ([]Contribution, error) {
	live := make([]model.Signal, 0, len(sigs))
	keySet := make(map[model.WeightKey]struct{})
	var keys []model.WeightKey
	for _, sig := range sigs {
		if !sig.Active() {
			continue
		}
		live = append(live, sig)
		k := weightKey(sig)
		if _, ok := keySet[k]; !ok {
			keySet[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	weights, err := s.weights.SourceWeights(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "fusion: load source weights")
	}

	out := make([]Contribution, 0, len(live))
	for _, sig := range live {
		l, eff, ok := s.logOdds(sig, now)
		if !ok {
			continue
		}
		sw, found := weights[weightKey(sig)]
		if !found {
			sw = model.PriorWeight(weightKey(sig))
		}
		w := Weight(sw, s.cfg)
		out = append(out, Contribution{
			SignalID:            sig.ID,
			Entity:              sig.Entity,
			Source:              sig.Source,
			EffectiveConfidence: eff,
			Weight:              w,
			LogOdds:             w * l,
			CreatedAt:           sig.CreatedAt,
		})
	}
	return out, nil
}

// logOdds returns the unweighted term for sig. ok is false for a signal
// that has fully decayed.
func (s *Scorer) logOdds(sig model.Signal, now time.Time) (l, eff float64, ok bool) {
	eff = EffectiveConfidence(sig, now, s.cfg.Epsilon)
	if s.cfg.DecayMode == DecayEvidence {
		factor := DecayFactor(sig.HalfLifeDays, AgeDays(sig.CreatedAt, now))
		if factor == 0 || sig.Confidence <= 0 {
			return 0, eff, false
		}
		return Logit(sig.Confidence, s.cfg.Epsilon) * factor, eff, true
	}
	if eff == 0 {
		return 0, 0, false
	}
	return Logit(eff, s.cfg.Epsilon), eff, true
}

func weightKey(sig model.Signal) model.WeightKey {
	return model.WeightKey{Source: sig.Source, EntityType: sig.Entity.Type, SignalType: sig.SignalType}
}
