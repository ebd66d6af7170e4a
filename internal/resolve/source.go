// Package resolve assigns meetings and emails to accounts, projects, or
// people by running an ordered cascade of independent evidence sources.
package resolve

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// Stage names. They are also the source tags of the per-source candidates
// stored on an assignment, which corrections use to credit or blame a stage.
const (
	StageExplicit = "explicit"
	StageDomain   = "domain_match"
	StagePattern  = "attendee_pattern"
	StageKeyword  = "keyword_match"
	StageFused    = "fused_signals"
	StageFallback = "fallback"
)

// Candidate is one entity proposed by an evidence source.
type Candidate struct {
	Entity      model.EntityRef `json:"entity"`
	Confidence  float64         `json:"confidence"`
	Explanation string          `json:"explanation,omitempty"`
	// ReinforcedAt is the newest evidence behind the candidate. It only
	// breaks ties and may be zero.
	ReinforcedAt time.Time `json:"reinforced_at,omitempty"`
}

// Query is the input every evidence source scores.
type Query struct {
	Record model.Record
	Now    time.Time
	// Stored is the record's persisted assignment, nil when it was never
	// resolved.
	Stored *model.Assignment
}

// EvidenceSource is one stage of the cascade. Sources must not write.
type EvidenceSource interface {
	Name() string
	Score(ctx context.Context, q Query) ([]Candidate, error)
}

// rank orders candidates best first. Candidates whose confidence is within
// tieEps of the best are ordered by ReinforcedAt (newest first), then by
// entity id.
func rank(cands []Candidate, tieEps float64) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	out := append([]Candidate(nil), cands...)
	top := out[0].Confidence
	for _, c := range out[1:] {
		if c.Confidence > top {
			top = c.Confidence
		}
	}
	tied := func(c Candidate) bool { return top-c.Confidence <= tieEps }
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ta, tb := tied(a), tied(b)
		if ta != tb {
			return ta
		}
		if !ta && a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.ReinforcedAt.Equal(b.ReinforcedAt) {
			return a.ReinforcedAt.After(b.ReinforcedAt)
		}
		if a.Entity != b.Entity {
			return a.Entity.Less(b.Entity)
		}
		return a.Confidence > b.Confidence
	})
	return out
}
