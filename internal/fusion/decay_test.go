package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/signal-engine/internal/model"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func sig(conf, halfLife float64, ageDays float64) model.Signal {
	return model.Signal{
		Entity:       model.Account("acme"),
		SignalType:   "sentiment",
		Source:       "email",
		Confidence:   conf,
		HalfLifeDays: halfLife,
		CreatedAt:    now.Add(-time.Duration(ageDays * 24 * float64(time.Hour))),
	}
}

func TestEffectiveConfidence_Current(t *testing.T) {
	// Data from now, no decay.
	assert.Equal(t, 0.9, EffectiveConfidence(sig(0.9, 90, 0), now, DefaultEpsilon))
}

func TestEffectiveConfidence_HalfLives(t *testing.T) {
	assert.InDelta(t, 0.45, EffectiveConfidence(sig(0.9, 90, 90), now, DefaultEpsilon), 1e-9)
	assert.InDelta(t, 0.225, EffectiveConfidence(sig(0.9, 90, 180), now, DefaultEpsilon), 1e-9)
}

func TestEffectiveConfidence_TenHalfLives(t *testing.T) {
	for _, c := range []float64{0.1, 0.5, 0.99, 1} {
		got := EffectiveConfidence(sig(c, 7, 70), now, DefaultEpsilon)
		assert.LessOrEqual(t, got, c/1024+1e-12)
	}
}

func TestEffectiveConfidence_NonIncreasingInAge(t *testing.T) {
	prev := math.Inf(1)
	for age := 0.0; age <= 400; age += 3.5 {
		got := EffectiveConfidence(sig(0.8, 30, age), now, DefaultEpsilon)
		assert.LessOrEqual(t, got, prev, "age %v", age)
		prev = got
	}
}

func TestEffectiveConfidence_ZeroHalfLife(t *testing.T) {
	assert.Equal(t, 0.7, EffectiveConfidence(sig(0.7, 0, 0), now, DefaultEpsilon))
	assert.Zero(t, EffectiveConfidence(sig(0.7, 0, 0.001), now, DefaultEpsilon))
}

func TestEffectiveConfidence_FutureTimestamp(t *testing.T) {
	s := sig(0.6, 10, 0)
	s.CreatedAt = now.Add(48 * time.Hour)
	assert.Equal(t, 0.6, EffectiveConfidence(s, now, DefaultEpsilon))
}

func TestEffectiveConfidence_Clipping(t *testing.T) {
	assert.Equal(t, 1-DefaultEpsilon, EffectiveConfidence(sig(1, 10, 0), now, DefaultEpsilon))
	assert.Equal(t, DefaultEpsilon, EffectiveConfidence(sig(0, 10, 0), now, DefaultEpsilon))
	assert.Equal(t, DefaultEpsilon, EffectiveConfidence(sig(-0.3, 10, 0), now, DefaultEpsilon))
	assert.InDelta(t, DefaultEpsilon/2, EffectiveConfidence(sig(0, 10, 10), now, DefaultEpsilon), 1e-15)
	assert.Zero(t, EffectiveConfidence(sig(0, 0, 1), now, DefaultEpsilon), "instant decay still reads as zero")
	assert.Zero(t, EffectiveConfidence(sig(math.NaN(), 10, 0), now, DefaultEpsilon))
}

func TestLogitSigmoid(t *testing.T) {
	assert.Zero(t, Logit(0.5, DefaultEpsilon))
	assert.InDelta(t, math.Log(9), Logit(0.9, DefaultEpsilon), 1e-12)
	assert.False(t, math.IsInf(Logit(0, DefaultEpsilon), 0))
	assert.False(t, math.IsInf(Logit(1, DefaultEpsilon), 0))
	assert.InDelta(t, 0.9, Sigmoid(Logit(0.9, DefaultEpsilon)), 1e-12)
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
	assert.InDelta(t, 0, Sigmoid(-800), 1e-12)
	assert.InDelta(t, 1, Sigmoid(800), 1e-12)
}

func TestWeight(t *testing.T) {
	cfg := DefaultConfig()
	prior := model.PriorWeight(model.WeightKey{Source: "email"})
	assert.Equal(t, cfg.PriorWeight, Weight(prior, cfg), "unseen source is neutral")

	reliable := model.SourceWeight{Alpha: 1001, Beta: 1, UpdateCount: 1000}
	assert.InDelta(t, 2, Weight(reliable, cfg), 0.02)

	unreliable := model.SourceWeight{Alpha: 1, Beta: 1001, UpdateCount: 1000}
	assert.Less(t, Weight(unreliable, cfg), 0.1)

	plain := Config{SmoothingK: 5, WeightScale: 1, PriorWeight: 0}
	w := model.SourceWeight{Alpha: 4, Beta: 2, UpdateCount: 5}
	assert.InDelta(t, (4.0/6.0)*(5.0/10.0), Weight(w, plain), 1e-12)
}

func TestEvidence(t *testing.T) {
	assert.Zero(t, Evidence(0, 5))
	assert.Equal(t, 1.0, Evidence(3, 0))
	assert.InDelta(t, 0.5, Evidence(5, 5), 1e-12)
}
