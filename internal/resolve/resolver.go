package resolve

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/fusion"
	"github.com/sells-group/signal-engine/internal/model"
)

// Resolver runs the cascade and persists its outcome.
type Resolver struct {
	store   Store
	stages  []EvidenceSource
	cfg     config.ResolutionConfig
	nowFunc func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStages replaces the default cascade.
func WithStages(stages ...EvidenceSource) Option {
	return func(r *Resolver) { r.stages = stages }
}

// WithNow sets the clock, for tests.
func WithNow(fn func() time.Time) Option {
	return func(r *Resolver) { r.nowFunc = fn }
}

// New creates a Resolver over st using the default stages.
func New(st Store, scorer *fusion.Scorer, cfg config.ResolutionConfig, opts ...Option) *Resolver {
	r := &Resolver{
		store:   st,
		stages:  DefaultStages(st, scorer, cfg),
		cfg:     cfg,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stageResult is the ranked output of one stage.
type stageResult struct {
	name string
	top  Candidate
	ok   bool
}

// Resolve resolves rec at the current time.
func (r *Resolver) Resolve(ctx context.Context, rec model.Record) (*model.Resolution, error) {
	return r.ResolveAt(ctx, rec, r.nowFunc())
}

// ResolveAt resolves rec as of now. Every stage is evaluated so the
// evidence trace and the stored per-source candidates are complete; the
// first stage whose best candidate clears the threshold wins. The same
// store contents and now always give the same entity and confidence.
func (r *Resolver) ResolveAt(ctx context.Context, rec model.Record, now time.Time) (*model.Resolution, error) {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return nil, model.NewValidationError(model.CodeMissingField, "record_id", "record id is required")
	}

	stored, err := r.store.GetAssignment(ctx, rec.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(err, "resolve: load assignment %s", rec.ID)
	}
	q := Query{Record: rec, Now: now, Stored: stored}

	results := make([]stageResult, 0, len(r.stages))
	res := &model.Resolution{RecordID: rec.ID, Evidence: []model.Evidence{}}
	for _, stage := range r.stages {
		cands, err := stage.Score(ctx, q)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: stage %s", stage.Name())
		}
		ranked := rank(cands, r.cfg.TieEpsilon)
		sr := stageResult{name: stage.Name()}
		if len(ranked) > 0 {
			sr.top, sr.ok = ranked[0], true
			res.Evidence = append(res.Evidence, model.Evidence{
				Source:      sr.name,
				Entity:      sr.top.Entity,
				Confidence:  sr.top.Confidence,
				Explanation: sr.top.Explanation,
			})
		}
		zap.L().Debug("resolve: stage scored",
			zap.String("record_id", rec.ID),
			zap.String("stage", sr.name),
			zap.Int("candidates", len(ranked)),
			zap.String("top", sr.top.Entity.String()),
			zap.Float64("confidence", sr.top.Confidence),
		)
		results = append(results, sr)
	}

	winner, ok := r.decide(results)
	fromCorrection := false
	if ok {
		res.Entity = winner.top.Entity
		res.Confidence = winner.top.Confidence
		res.Status = model.StatusResolved
		res.Stage = winner.name
		fromCorrection = winner.name == StageExplicit && stored != nil && stored.Explicit &&
			stored.Entity == winner.top.Entity
	} else {
		res.Status = model.StatusUnresolved
		res.Stage = StageFallback
		res.NeedsReview = true
		for _, sr := range results {
			if sr.ok && sr.top.Confidence > res.Confidence {
				res.Confidence = sr.top.Confidence
			}
		}
	}

	if err := r.writeback(ctx, rec, res, results, fromCorrection, now); err != nil {
		return nil, err
	}

	zap.L().Info("resolve: record resolved",
		zap.String("record_id", rec.ID),
		zap.String("status", string(res.Status)),
		zap.String("stage", res.Stage),
		zap.String("entity", res.Entity.String()),
		zap.Float64("confidence", res.Confidence),
	)
	return res, nil
}

// decide picks the winning stage. An explicit winner stands unless a later
// stage's best candidate for a different entity beats it by the explicit
// margin.
func (r *Resolver) decide(results []stageResult) (stageResult, bool) {
	for i, sr := range results {
		if !sr.ok || sr.top.Confidence < r.cfg.Threshold {
			continue
		}
		if sr.name != StageExplicit {
			return sr, true
		}
		override, found := stageResult{}, false
		for _, later := range results[i+1:] {
			if !later.ok || later.top.Entity == sr.top.Entity {
				continue
			}
			if later.top.Confidence < r.cfg.Threshold || later.top.Confidence < sr.top.Confidence+r.cfg.ExplicitMargin {
				continue
			}
			if !found || later.top.Confidence > override.top.Confidence {
				override, found = later, true
			}
		}
		if found {
			zap.L().Info("resolve: explicit assignment overridden",
				zap.String("explicit", sr.top.Entity.String()),
				zap.String("stage", override.name),
				zap.String("entity", override.top.Entity.String()),
			)
			return override, true
		}
		return sr, true
	}
	return stageResult{}, false
}

// writeback stores the assignment and, for an inferred resolution, a
// reinforcement signal keyed by record and entity so repeats do not pile up.
func (r *Resolver) writeback(ctx context.Context, rec model.Record, res *model.Resolution, results []stageResult, fromCorrection bool, now time.Time) error {
	candidates := make(map[string]model.EntityRef, len(results))
	for _, sr := range results {
		if sr.ok {
			candidates[sr.name] = sr.top.Entity
		}
	}
	a := model.Assignment{
		RecordID:   rec.ID,
		Entity:     res.Entity,
		Confidence: res.Confidence,
		Status:     res.Status,
		Stage:      res.Stage,
		Explicit:   fromCorrection,
		GroupHash:  model.GroupHash(rec.Participants),
		Candidates: candidates,
		AssignedAt: now,
	}
	if err := r.store.SaveAssignment(ctx, a); err != nil {
		return eris.Wrapf(err, "resolve: save assignment %s", rec.ID)
	}

	if res.Status != model.StatusResolved || res.Stage == StageExplicit {
		return nil
	}
	_, _, err := r.store.RecordSignal(ctx, model.SignalInput{
		Entity:       res.Entity,
		SignalType:   model.SignalTypeReinforcement,
		Source:       model.SourceResolver,
		Subject:      rec.ID,
		Value:        res.Stage,
		Confidence:   r.cfg.ReinforcementConfidence,
		HalfLifeDays: r.cfg.ReinforcementHalfLifeDays,
		NaturalKey:   ReinforcementKey(rec.ID, res.Entity),
	}, now)
	return eris.Wrapf(err, "resolve: record reinforcement for %s", rec.ID)
}

// ReinforcementKey is the natural key of the signal written after a record
// resolves to entity.
func ReinforcementKey(recordID string, entity model.EntityRef) string {
	return "reinforce:" + recordID + ":" + entity.String()
}
