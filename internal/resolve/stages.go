package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/fusion"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/textnorm"
)

// EntityReader is the entity registry used by the cascade.
type EntityReader interface {
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error)
	ListEntities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error)
	EntitiesByDomain(ctx context.Context, domains []string) (map[string][]model.EntityRef, error)
}

// PatternReader reads learned attendee-group patterns.
type PatternReader interface {
	PatternsByHash(ctx context.Context, groupHash string) ([]model.AttendeeGroupPattern, error)
}

// SubjectReader reads the active signals about a record.
type SubjectReader interface {
	SignalsBySubject(ctx context.Context, subject string) ([]model.Signal, error)
}

// ExplicitSource trusts a user correction at 1.0, else a collaborator's
// link on the record at its stated confidence.
type ExplicitSource struct {
	Entities   EntityReader
	Confidence float64
}

func (s *ExplicitSource) Name() string { return StageExplicit }

func (s *ExplicitSource) Score(ctx context.Context, q Query) ([]Candidate, error) {
	if st := q.Stored; st != nil && st.Explicit && st.Status == model.StatusResolved && !st.Entity.IsZero() {
		return []Candidate{{
			Entity:       st.Entity,
			Confidence:   1,
			Explanation:  "corrected by user",
			ReinforcedAt: st.AssignedAt,
		}}, nil
	}
	if q.Record.Explicit == nil {
		return nil, nil
	}
	ref := *q.Record.Explicit
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Entities.GetEntity(ctx, ref); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			zap.L().Warn("resolve: explicit link to unknown entity ignored",
				zap.String("record_id", q.Record.ID),
				zap.String("entity", ref.String()),
			)
			return nil, nil
		}
		return nil, eris.Wrapf(err, "resolve: load explicit entity %s", ref)
	}
	conf := q.Record.ExplicitConfidence
	if conf <= 0 {
		conf = s.Confidence
	}
	return []Candidate{{
		Entity:      ref,
		Confidence:  model.ClipUnit(conf),
		Explanation: "linked by collaborator",
	}}, nil
}

// DomainSource matches external participant domains against entity
// domains. Confidence is Confidence * matched/external.
type DomainSource struct {
	Entities   EntityReader
	Internal   map[string]struct{}
	Confidence float64
}

// NewDomainSource builds a DomainSource that ignores the given internal
// domains.
func NewDomainSource(entities EntityReader, internal []string, confidence float64) *DomainSource {
	set := make(map[string]struct{}, len(internal))
	for _, d := range internal {
		if d = model.NormalizeDomain(d); d != "" {
			set[d] = struct{}{}
		}
	}
	return &DomainSource{Entities: entities, Internal: set, Confidence: confidence}
}

func (s *DomainSource) Name() string { return StageDomain }

func (s *DomainSource) Score(ctx context.Context, q Query) ([]Candidate, error) {
	external := s.externalDomains(q.Record.Participants)
	if len(external) == 0 {
		return nil, nil
	}
	byDomain, err := s.Entities.EntitiesByDomain(ctx, external)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: entities by domain")
	}

	matched := make(map[model.EntityRef]int)
	var order []model.EntityRef
	for _, d := range external {
		for _, ref := range byDomain[d] {
			if _, ok := matched[ref]; !ok {
				order = append(order, ref)
			}
			matched[ref]++
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, ref := range order {
		n := matched[ref]
		out = append(out, Candidate{
			Entity:      ref,
			Confidence:  s.Confidence * float64(n) / float64(len(external)),
			Explanation: fmt.Sprintf("%d of %d external domains match", n, len(external)),
		})
	}
	return out, nil
}

func (s *DomainSource) externalDomains(participants []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range participants {
		d := model.EmailDomain(p)
		if d == "" {
			continue
		}
		if _, ok := s.Internal[d]; ok {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// PatternSource looks up what the record's participant group resolved to
// before.
type PatternSource struct {
	Patterns PatternReader
}

func (s *PatternSource) Name() string { return StagePattern }

func (s *PatternSource) Score(ctx context.Context, q Query) ([]Candidate, error) {
	hash := model.GroupHash(q.Record.Participants)
	if hash == "" {
		return nil, nil
	}
	patterns, err := s.Patterns.PatternsByHash(ctx, hash)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: patterns by hash")
	}
	out := make([]Candidate, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, Candidate{
			Entity:       p.Entity,
			Confidence:   p.Confidence,
			Explanation:  fmt.Sprintf("attendee group seen %d times", p.OccurrenceCount),
			ReinforcedAt: p.LastSeenAt,
		})
	}
	return out, nil
}

// KeywordSource counts entity keyword phrases in the record text. Each hit
// is independent evidence at HitConfidence, capped at Cap.
type KeywordSource struct {
	Entities      EntityReader
	HitConfidence float64
	Cap           float64
}

func (s *KeywordSource) Name() string { return StageKeyword }

func (s *KeywordSource) Score(ctx context.Context, q Query) ([]Candidate, error) {
	r := q.Record
	words := textnorm.Words(strings.Join([]string{r.Title, r.Description, r.Body}, "\n"))
	if len(words) == 0 {
		return nil, nil
	}
	entities, err := s.Entities.ListEntities(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "resolve: list entities")
	}

	var out []Candidate
	for _, e := range entities {
		hits := 0
		var matched []string
		for _, kw := range e.Keywords {
			if n := textnorm.CountPhrase(words, kw); n > 0 {
				hits += n
				matched = append(matched, kw)
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, Candidate{
			Entity:      e.EntityRef,
			Confidence:  KeywordConfidence(hits, s.HitConfidence, s.Cap),
			Explanation: fmt.Sprintf("keywords %s (%d hits)", strings.Join(matched, ", "), hits),
		})
	}
	return out, nil
}

// KeywordConfidence is min(ceiling, 1-(1-p)^hits).
func KeywordConfidence(hits int, p, ceiling float64) float64 {
	if hits <= 0 {
		return 0
	}
	return math.Min(ceiling, 1-math.Pow(1-model.ClipUnit(p), float64(hits)))
}

// FusedSource fuses the record's context signals across candidate
// entities. Reinforcement signals are excluded so past resolutions never
// vote for themselves.
type FusedSource struct {
	Signals SubjectReader
	Scorer  *fusion.Scorer
	// Types limits the signal types considered. Empty means all.
	Types map[string]struct{}
}

func (s *FusedSource) Name() string { return StageFused }

func (s *FusedSource) Score(ctx context.Context, q Query) ([]Candidate, error) {
	sigs, err := s.Signals.SignalsBySubject(ctx, q.Record.ID)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: context signals")
	}
	relevant := sigs[:0:0]
	for _, sig := range sigs {
		if sig.SignalType == model.SignalTypeReinforcement {
			continue
		}
		if len(s.Types) > 0 {
			if _, ok := s.Types[sig.SignalType]; !ok {
				continue
			}
		}
		relevant = append(relevant, sig)
	}
	scores, err := s.Scorer.ScoreCandidates(ctx, relevant, q.Now)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(scores))
	for _, cs := range scores {
		out = append(out, Candidate{
			Entity:       cs.Entity,
			Confidence:   cs.Probability,
			Explanation:  fmt.Sprintf("fused %d context signals", cs.Support),
			ReinforcedAt: cs.LatestAt,
		})
	}
	return out, nil
}

// Store is everything the cascade reads and writes.
type Store interface {
	EntityReader
	PatternReader
	SubjectReader
	GetAssignment(ctx context.Context, recordID string) (*model.Assignment, error)
	SaveAssignment(ctx context.Context, a model.Assignment) error
	RecordSignal(ctx context.Context, in model.SignalInput, now time.Time) (int64, bool, error)
}

// DefaultStages builds the standard cascade in order.
func DefaultStages(st Store, scorer *fusion.Scorer, cfg config.ResolutionConfig) []EvidenceSource {
	var types map[string]struct{}
	if len(cfg.ContextSignalTypes) > 0 {
		types = make(map[string]struct{}, len(cfg.ContextSignalTypes))
		for _, t := range cfg.ContextSignalTypes {
			types[t] = struct{}{}
		}
	}
	return []EvidenceSource{
		&ExplicitSource{Entities: st, Confidence: cfg.ExplicitConfidence},
		NewDomainSource(st, cfg.InternalDomains, cfg.DomainConfidence),
		&PatternSource{Patterns: st},
		&KeywordSource{Entities: st, HitConfidence: cfg.KeywordHitConfidence, Cap: cfg.KeywordCap},
		&FusedSource{Signals: st, Scorer: scorer, Types: types},
	}
}
