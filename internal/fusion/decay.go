package fusion

import (
	"math"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// DefaultEpsilon bounds probabilities away from 0 and 1 before a logit.
const DefaultEpsilon = 1e-6

// AgeDays returns the age of a signal in days at now. Signals stamped in the
// future have age 0.
func AgeDays(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt).Hours() / 24
	if age <= 0 {
		return 0
	}
	return age
}

// DecayFactor is 2^(-age/halfLife). A zero half-life decays instantly: the
// factor is 1 at age 0 and 0 afterwards.
func DecayFactor(halfLifeDays, ageDays float64) float64 {
	if ageDays <= 0 {
		return 1
	}
	if halfLifeDays <= 0 {
		return 0
	}
	return math.Pow(2, -ageDays/halfLifeDays)
}

// EffectiveConfidence computes the time-decayed confidence of a signal.
// Formula: effective = clip(confidence, eps, 1-eps) * 2^(-ageDays / halfLifeDays)
//
// Age is measured against now on every call. A signal whose decay factor
// has reached 0 reads as exactly 0.
func EffectiveConfidence(sig model.Signal, now time.Time, eps float64) float64 {
	if math.IsNaN(sig.Confidence) {
		return 0
	}
	factor := DecayFactor(sig.HalfLifeDays, AgeDays(sig.CreatedAt, now))
	if factor == 0 {
		return 0
	}
	return Clip(sig.Confidence, eps) * factor
}

// Clip bounds p to [eps, 1-eps].
func Clip(p, eps float64) float64 {
	switch {
	case p < eps:
		return eps
	case p > 1-eps:
		return 1 - eps
	}
	return p
}

// Logit is log(p/(1-p)) of p clipped to [eps, 1-eps].
func Logit(p, eps float64) float64 {
	p = Clip(p, eps)
	return math.Log(p / (1 - p))
}

// Sigmoid maps log-odds back to a probability.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
