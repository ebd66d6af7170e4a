package store

import (
	"context"
	"time"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

// CalloutFilter specifies criteria for listing active callouts.
type CalloutFilter struct {
	Entity         *model.EntityRef `json:"entity,omitempty"`
	MinSeverity    model.Severity   `json:"min_severity,omitempty"`
	UnsurfacedOnly bool             `json:"unsurfaced_only,omitempty"`
	Limit          int              `json:"limit,omitempty"`

	// Surface stamps surfaced_at on every returned callout not yet shown.
	Surface bool `json:"surface,omitempty"`
}

// SyncFilter specifies criteria for listing sync rows.
type SyncFilter struct {
	State    model.SyncStatus `json:"state,omitempty"`
	Source   string           `json:"source,omitempty"`
	TargetID string           `json:"target_id,omitempty"`
	Limit    int              `json:"limit,omitempty"`
}

// BackoffFunc returns the delay before the next attempt after the given
// number of failed attempts.
type BackoffFunc func(attempts int) time.Duration

// CorrectionPlanner computes the new assignment and weight updates from the
// current assignment (nil when the record was never resolved).
type CorrectionPlanner func(current *model.Assignment) (model.CorrectionPlan, error)

// Store defines the persistence interface for the signal engine. All
// read-modify-write operations run inside one transaction and return
// model.ErrContention when conflicting writers outlast the retry budget.
type Store interface {
	// Entities
	UpsertEntity(ctx context.Context, e model.Entity, now time.Time) error
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error)
	ListEntities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error)
	EntitiesByDomain(ctx context.Context, domains []string) (map[string][]model.EntityRef, error)
	MergeEntityKeywords(ctx context.Context, ref model.EntityRef, keywords []string, now time.Time) ([]string, error)

	// Signals
	RecordSignal(ctx context.Context, in model.SignalInput, now time.Time) (id int64, inserted bool, err error)
	GetSignal(ctx context.Context, id int64) (*model.Signal, error)
	ActiveSignals(ctx context.Context, ref model.EntityRef, signalType string) ([]model.Signal, error)
	SignalsBySubject(ctx context.Context, subject string) ([]model.Signal, error)
	SignalsSince(ctx context.Context, afterID int64, limit int) ([]model.Signal, error)
	SweepSignals(ctx context.Context, sw model.SignalSweep, afterID int64, limit int) ([]model.Signal, error)
	AddDerivation(ctx context.Context, d model.SignalDerivation, now time.Time) error
	Derivations(ctx context.Context, signalID int64) ([]model.SignalDerivation, error)

	// Source weights and feedback
	SourceWeights(ctx context.Context, keys []model.WeightKey) (map[model.WeightKey]model.SourceWeight, error)
	ListSourceWeights(ctx context.Context) ([]model.SourceWeight, error)
	ApplyCorrection(ctx context.Context, fb model.ResolutionFeedback, plan CorrectionPlanner) (*model.CorrectionPlan, error)
	RecordRelevanceFeedback(ctx context.Context, fb model.RelevanceFeedback, deltas []model.WeightDelta) (bool, error)
	ListResolutionFeedback(ctx context.Context, meetingID string) ([]model.ResolutionFeedback, error)
	ListRelevanceFeedback(ctx context.Context, limit int) ([]model.RelevanceFeedback, error)

	// Assignments and attendee-group patterns
	GetAssignment(ctx context.Context, recordID string) (*model.Assignment, error)
	SaveAssignment(ctx context.Context, a model.Assignment) error
	SettledAssignments(ctx context.Context, assignedBefore time.Time, limit int) ([]model.Assignment, error)
	PatternsByHash(ctx context.Context, groupHash string) ([]model.AttendeeGroupPattern, error)
	ReinforcePattern(ctx context.Context, a model.Assignment, smoothingK float64, now time.Time) (*model.AttendeeGroupPattern, bool, error)

	// Insights and callouts
	InsertInsight(ctx context.Context, ins model.ProactiveInsight, severity model.Severity) (*model.Callout, bool, error)
	GetCallout(ctx context.Context, id string) (*model.Callout, error)
	ListActiveCallouts(ctx context.Context, f CalloutFilter, now time.Time) ([]model.Callout, error)
	SurfaceCallouts(ctx context.Context, ids []string, now time.Time) error
	DismissCallout(ctx context.Context, id string, fb model.RelevanceFeedback, now time.Time) (*model.Callout, bool, error)
	DetectorCursor(ctx context.Context, detector string) (int64, error)
	AdvanceDetectorCursor(ctx context.Context, detector string, lastSignalID int64, now time.Time) error

	// Provider sync state machine
	EnqueueSync(ctx context.Context, targetID, source string, maxAttempts int, now time.Time) (*model.SyncState, bool, error)
	ClaimDueSyncs(ctx context.Context, limit int, now time.Time) ([]model.SyncState, error)
	CompleteSync(ctx context.Context, id string, payload []byte, now time.Time) (*model.SyncState, error)
	FailSync(ctx context.Context, id, message string, backoff BackoffFunc, now time.Time) (*model.SyncState, error)
	GetSync(ctx context.Context, id string) (*model.SyncState, error)
	StaleSyncs(ctx context.Context, claimedBefore time.Time) ([]model.SyncState, error)
	ExpireSyncClaim(ctx context.Context, id string, claimedAt time.Time, message string, backoff BackoffFunc, now time.Time) (*model.SyncState, bool, error)
	ListSyncs(ctx context.Context, f SyncFilter) ([]model.SyncState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	retry resilience.RetryConfig
}

// WithRetry sets the retry policy for conflicting writes.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(o *options) { o.retry = rc }
}

func buildOptions(opts []Option) options {
	o := options{retry: resilience.ContentionRetry(config.RetryConfig{})}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
