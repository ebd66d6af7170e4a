// Package feedback turns user corrections, dismissals and rejections into
// source-weight updates, and settles resolved records into attendee-group
// patterns.
package feedback

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

// StageCorrection is the stage recorded on a user-corrected assignment.
const StageCorrection = "correction"

// Store is the persistence the feedback loop needs.
type Store interface {
	ApplyCorrection(ctx context.Context, fb model.ResolutionFeedback, plan store.CorrectionPlanner) (*model.CorrectionPlan, error)
	DismissCallout(ctx context.Context, id string, fb model.RelevanceFeedback, now time.Time) (*model.Callout, bool, error)
	GetSignal(ctx context.Context, id int64) (*model.Signal, error)
	RecordRelevanceFeedback(ctx context.Context, fb model.RelevanceFeedback, deltas []model.WeightDelta) (bool, error)
	SettledAssignments(ctx context.Context, assignedBefore time.Time, limit int) ([]model.Assignment, error)
	ReinforcePattern(ctx context.Context, a model.Assignment, smoothingK float64, now time.Time) (*model.AttendeeGroupPattern, bool, error)
}

// Correction is a user's reassignment of a meeting or email.
type Correction struct {
	MeetingID string          `json:"meeting_id"`
	OldEntity model.EntityRef `json:"old_entity"`
	NewEntity model.EntityRef `json:"new_entity"`
	// SignalSource is the stage the user blames for the wrong answer.
	SignalSource string `json:"signal_source,omitempty"`
}

// Context is what the UI knows about a dismissal or rejection.
type Context struct {
	Reason       string `json:"reason,omitempty"`
	SenderDomain string `json:"sender_domain,omitempty"`
}

// ReinforceReport summarizes one ReinforceSettled run.
type ReinforceReport struct {
	Scanned    int `json:"scanned"`
	Reinforced int `json:"reinforced"`
	Skipped    int `json:"skipped"`
}

// Loop applies feedback against a Store.
type Loop struct {
	store    Store
	patterns config.PatternConfig
	nowFunc  func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithNow sets the clock, for tests.
func WithNow(fn func() time.Time) Option {
	return func(l *Loop) { l.nowFunc = fn }
}

// New creates a feedback Loop.
func New(st Store, patterns config.PatternConfig, opts ...Option) *Loop {
	l := &Loop{
		store:    st,
		patterns: patterns,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyCorrection records the correction, credits every source whose top
// candidate was the new entity, blames every source whose top candidate was
// the old one, and pins the record to the new entity. It all happens in one
// transaction.
func (l *Loop) ApplyCorrection(ctx context.Context, c Correction) (*model.CorrectionPlan, error) {
	now := l.nowFunc()
	fb := model.ResolutionFeedback{
		ID:           uuid.New().String(),
		MeetingID:    strings.TrimSpace(c.MeetingID),
		OldEntity:    c.OldEntity,
		NewEntity:    c.NewEntity,
		SignalSource: strings.TrimSpace(c.SignalSource),
		CorrectedAt:  now,
	}
	plan, err := l.store.ApplyCorrection(ctx, fb, PlanCorrection(fb, now))
	if err != nil {
		return nil, eris.Wrapf(err, "feedback: apply correction to %s", fb.MeetingID)
	}
	zap.L().Info("feedback: correction applied",
		zap.String("meeting_id", fb.MeetingID),
		zap.String("old_entity", fb.OldEntity.String()),
		zap.String("new_entity", fb.NewEntity.String()),
		zap.Int("weight_updates", len(plan.Deltas)),
	)
	return plan, nil
}

// PlanCorrection builds the planner run inside the correction transaction.
// Sources are the stored per-source top candidates plus SignalSource
// blamed for the old entity. Each source moves at most once and abstainers
// are untouched. When the feedback names no old entity the current
// assignment's entity is used.
func PlanCorrection(fb model.ResolutionFeedback, now time.Time) store.CorrectionPlanner {
	return func(current *model.Assignment) (model.CorrectionPlan, error) {
		tops := make(map[string]model.EntityRef)
		old := fb.OldEntity
		var groupHash string
		if current != nil {
			for src, ref := range current.Candidates {
				tops[src] = ref
			}
			groupHash = current.GroupHash
			if old.IsZero() && current.Status == model.StatusResolved {
				old = current.Entity
			}
		}
		if fb.SignalSource != "" && !old.IsZero() {
			tops[fb.SignalSource] = old
		}

		sources := make([]string, 0, len(tops))
		for src := range tops {
			sources = append(sources, src)
		}
		sort.Strings(sources)

		var deltas []model.WeightDelta
		for _, src := range sources {
			d := model.WeightDelta{Key: model.WeightKey{
				Source:     src,
				EntityType: fb.NewEntity.Type,
				SignalType: model.SignalTypeEntityResolution,
			}}
			switch tops[src] {
			case fb.NewEntity:
				d.Alpha = 1
			case old:
				if old.IsZero() {
					continue
				}
				d.Beta = 1
			default:
				continue
			}
			deltas = append(deltas, d)
		}

		return model.CorrectionPlan{
			Assignment: model.Assignment{
				RecordID:   fb.MeetingID,
				Entity:     fb.NewEntity,
				Confidence: 1,
				Status:     model.StatusResolved,
				Stage:      StageCorrection,
				Explicit:   true,
				GroupHash:  groupHash,
				Candidates: tops,
				AssignedAt: now,
			},
			Deltas: deltas,
		}, nil
	}
}

// ApplyDismissal dismisses a callout and penalizes its detector once.
// Dismissing again returns the callout with changed=false.
func (l *Loop) ApplyDismissal(ctx context.Context, calloutID string, fc Context) (*model.Callout, bool, error) {
	now := l.nowFunc()
	c, changed, err := l.store.DismissCallout(ctx, calloutID, model.RelevanceFeedback{
		ID:           uuid.New().String(),
		Reason:       fc.Reason,
		SenderDomain: model.NormalizeDomain(fc.SenderDomain),
		CreatedAt:    now,
	}, now)
	if err != nil {
		return nil, false, eris.Wrapf(err, "feedback: dismiss callout %s", calloutID)
	}
	if changed {
		zap.L().Info("feedback: callout dismissed",
			zap.String("callout_id", calloutID),
			zap.String("detector", c.Insight.DetectorName),
		)
	}
	return c, changed, nil
}

// ApplyRejection logs that a signal was wrong and penalizes its source. A
// repeated rejection of the same signal is a no-op.
func (l *Loop) ApplyRejection(ctx context.Context, signalID int64, fc Context) (bool, error) {
	sig, err := l.store.GetSignal(ctx, signalID)
	if err != nil {
		return false, eris.Wrapf(err, "feedback: load signal %d", signalID)
	}
	fb := model.RelevanceFeedback{
		ID:           uuid.New().String(),
		Action:       model.ActionReject,
		ItemType:     store.ItemSignal,
		ItemID:       strconv.FormatInt(sig.ID, 10),
		SignalType:   sig.SignalType,
		Source:       sig.Source,
		SenderDomain: model.NormalizeDomain(fc.SenderDomain),
		Entity:       sig.Entity,
		Reason:       fc.Reason,
		CreatedAt:    l.nowFunc(),
	}
	delta := model.WeightDelta{
		Key:  model.WeightKey{Source: sig.Source, EntityType: sig.Entity.Type, SignalType: sig.SignalType},
		Beta: 1,
	}
	logged, err := l.store.RecordRelevanceFeedback(ctx, fb, []model.WeightDelta{delta})
	if err != nil {
		return false, eris.Wrapf(err, "feedback: reject signal %d", signalID)
	}
	return logged, nil
}

// ReinforceSettled folds assignments that have stood unchanged for the
// grace period into attendee-group patterns. Assignments changed since they
// were read are skipped.
func (l *Loop) ReinforceSettled(ctx context.Context) (*ReinforceReport, error) {
	now := l.nowFunc()
	cutoff := now.Add(-time.Duration(l.patterns.GraceHours) * time.Hour)
	limit := l.patterns.BatchSize
	if limit <= 0 {
		limit = 200
	}
	k := l.patterns.SmoothingK
	if k <= 0 {
		k = 3
	}

	report := &ReinforceReport{}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := l.store.SettledAssignments(ctx, cutoff, limit)
		if err != nil {
			return report, eris.Wrap(err, "feedback: settled assignments")
		}
		reinforced := 0
		for _, a := range batch {
			report.Scanned++
			p, ok, err := l.store.ReinforcePattern(ctx, a, k, now)
			if err != nil {
				return report, eris.Wrapf(err, "feedback: reinforce %s", a.RecordID)
			}
			if !ok {
				report.Skipped++
				continue
			}
			reinforced++
			zap.L().Debug("feedback: pattern reinforced",
				zap.String("record_id", a.RecordID),
				zap.String("entity", p.Entity.String()),
				zap.Int64("occurrences", p.OccurrenceCount),
				zap.Float64("confidence", p.Confidence),
			)
		}
		report.Reinforced += reinforced
		if len(batch) < limit || reinforced == 0 {
			break
		}
	}

	zap.L().Info("feedback: settled assignments reinforced",
		zap.Int("scanned", report.Scanned),
		zap.Int("reinforced", report.Reinforced),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}
