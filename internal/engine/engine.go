// Package engine wires the store, fusion, resolution, insight, feedback,
// sync and ingest components into the single facade the transports call.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/feedback"
	"github.com/sells-group/signal-engine/internal/fusion"
	"github.com/sells-group/signal-engine/internal/ingest"
	"github.com/sells-group/signal-engine/internal/insight"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resolve"
	"github.com/sells-group/signal-engine/internal/store"
	"github.com/sells-group/signal-engine/internal/syncstate"
)

// Engine is the signal fusion and entity resolution engine.
type Engine struct {
	store    store.Store
	scorer   *fusion.Scorer
	resolver *resolve.Resolver
	feedback *feedback.Loop
	insights *insight.Runner
	sync     *syncstate.Machine
	poller   *syncstate.Poller
	ingest   *ingest.Ingester
	nowFunc  func() time.Time
}

type options struct {
	now       func() time.Time
	providers []syncstate.Provider
	rules     *insight.Rules
}

// Option configures an Engine.
type Option func(*options)

// WithNow sets the clock of every component, for tests.
func WithNow(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// WithProviders registers sync providers with the poller.
func WithProviders(ps ...syncstate.Provider) Option {
	return func(o *options) { o.providers = append(o.providers, ps...) }
}

// WithRules overrides the detector rules instead of loading
// insights.rules_path.
func WithRules(r *insight.Rules) Option {
	return func(o *options) { o.rules = r }
}

// New builds an Engine over st.
func New(st store.Store, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}

	rules := o.rules
	if rules == nil {
		var err error
		rules, err = insight.LoadRules(cfg.Insights.RulesPath)
		if err != nil {
			return nil, err
		}
	}

	scorer := fusion.NewScorer(st, st, fusion.ConfigFrom(cfg.Fusion))
	resolver := resolve.New(st, scorer, cfg.Resolution, resolve.WithNow(o.now))
	machine := syncstate.NewMachine(st, cfg.Sync, syncstate.WithNow(o.now))
	ing := ingest.New(st, resolver, cfg.Ingest, ingest.WithNow(o.now))

	e := &Engine{
		store:    st,
		scorer:   scorer,
		resolver: resolver,
		feedback: feedback.New(st, cfg.Patterns, feedback.WithNow(o.now)),
		insights: insight.NewRunner(st, rules,
			insight.WithBatchSize(cfg.Insights.BatchSize),
			insight.WithConcurrency(cfg.Insights.Concurrency),
			insight.WithNow(o.now),
		),
		sync: machine,
		poller: syncstate.NewPoller(machine, cfg.Sync,
			syncstate.WithProviders(o.providers...),
			syncstate.WithResultHandler(ing),
		),
		ingest:  ing,
		nowFunc: o.now,
	}
	return e, nil
}

// Open opens the configured store and builds an Engine over it. The store
// is closed by Engine.Close.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	st, err := store.Open(ctx, cfg.Store, cfg.Retry)
	if err != nil {
		return nil, err
	}
	e, err := New(st, cfg, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return e, nil
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Migrate applies the store schema.
func (e *Engine) Migrate(ctx context.Context) error {
	return e.store.Migrate(ctx)
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// --- Entities ---

// UpsertEntity registers or updates an entity.
func (e *Engine) UpsertEntity(ctx context.Context, ent model.Entity) error {
	return e.store.UpsertEntity(ctx, ent, e.nowFunc())
}

// GetEntity returns one entity.
func (e *Engine) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return e.store.GetEntity(ctx, ref)
}

// ListEntities lists entities of one type, or all when entityType is empty.
func (e *Engine) ListEntities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	if entityType != "" && !entityType.Valid() {
		return nil, model.NewValidationError(model.CodeInvalidEntityType, "entity_type", "unknown entity type %q", entityType)
	}
	return e.store.ListEntities(ctx, entityType)
}

// --- Signals and fusion ---

// RecordSignal stores an observation and returns it. A repeated natural key
// returns the existing signal with inserted=false.
func (e *Engine) RecordSignal(ctx context.Context, in model.SignalInput) (*model.Signal, bool, error) {
	id, inserted, err := e.store.RecordSignal(ctx, in, e.nowFunc())
	if err != nil {
		return nil, false, err
	}
	sig, err := e.store.GetSignal(ctx, id)
	if err != nil {
		return nil, inserted, eris.Wrapf(err, "engine: reload signal %d", id)
	}
	return sig, inserted, nil
}

// GetSignal returns one signal.
func (e *Engine) GetSignal(ctx context.Context, id int64) (*model.Signal, error) {
	return e.store.GetSignal(ctx, id)
}

// AddDerivation records that one signal was derived from another.
func (e *Engine) AddDerivation(ctx context.Context, d model.SignalDerivation) error {
	return e.store.AddDerivation(ctx, d, e.nowFunc())
}

// Derivations lists the lineage edges touching a signal.
func (e *Engine) Derivations(ctx context.Context, signalID int64) ([]model.SignalDerivation, error) {
	return e.store.Derivations(ctx, signalID)
}

// FusedScore fuses the active signals of one type about an entity.
func (e *Engine) FusedScore(ctx context.Context, ref model.EntityRef, signalType string) (*fusion.Score, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	signalType = strings.TrimSpace(signalType)
	if signalType == "" {
		return nil, model.NewValidationError(model.CodeMissingField, "signal_type", "signal type is required")
	}
	return e.scorer.FusedScore(ctx, ref, signalType, e.nowFunc())
}

// SourceWeights lists every learned source posterior.
func (e *Engine) SourceWeights(ctx context.Context) ([]model.SourceWeight, error) {
	return e.store.ListSourceWeights(ctx)
}

// --- Resolution ---

// ResolveEntity runs the resolution cascade over a record.
func (e *Engine) ResolveEntity(ctx context.Context, rec model.Record) (*model.Resolution, error) {
	return e.resolver.ResolveAt(ctx, rec, e.nowFunc())
}

// GetAssignment returns a record's current assignment.
func (e *Engine) GetAssignment(ctx context.Context, recordID string) (*model.Assignment, error) {
	return e.store.GetAssignment(ctx, strings.TrimSpace(recordID))
}

// --- Insights and callouts ---

// RunDetectors scans new signals with every detector.
func (e *Engine) RunDetectors(ctx context.Context) ([]insight.RunReport, error) {
	return e.insights.Run(ctx)
}

// Detectors lists the configured detector names.
func (e *Engine) Detectors() []string {
	return e.insights.Detectors()
}

// ListActiveCallouts lists live callouts, most severe first. With
// f.Surface the read counts as showing them: callouts not yet surfaced get
// surfaced_at set to now.
func (e *Engine) ListActiveCallouts(ctx context.Context, f store.CalloutFilter) ([]model.Callout, error) {
	if f.MinSeverity != "" {
		if _, err := model.ParseSeverity(string(f.MinSeverity)); err != nil {
			return nil, err
		}
	}
	if f.Entity != nil {
		if err := f.Entity.Validate(); err != nil {
			return nil, err
		}
	}
	now := e.nowFunc()
	callouts, err := e.store.ListActiveCallouts(ctx, f, now)
	if err != nil || !f.Surface {
		return callouts, err
	}

	var ids []string
	for _, c := range callouts {
		if c.SurfacedAt == nil {
			ids = append(ids, c.ID)
		}
	}
	if err := e.store.SurfaceCallouts(ctx, ids, now); err != nil {
		return nil, err
	}
	for i := range callouts {
		if callouts[i].SurfacedAt == nil {
			callouts[i].SurfacedAt = &now
		}
	}
	return callouts, nil
}

// SurfaceCallout marks a callout as shown in a briefing. Surfacing twice
// keeps the first time.
func (e *Engine) SurfaceCallout(ctx context.Context, id string) (*model.Callout, error) {
	if _, err := e.store.GetCallout(ctx, id); err != nil {
		return nil, err
	}
	if err := e.store.SurfaceCallouts(ctx, []string{id}, e.nowFunc()); err != nil {
		return nil, err
	}
	return e.store.GetCallout(ctx, id)
}

// DismissCallout dismisses a callout without user context.
func (e *Engine) DismissCallout(ctx context.Context, id string) (*model.Callout, bool, error) {
	return e.feedback.ApplyDismissal(ctx, id, feedback.Context{})
}

// --- Feedback ---

// ApplyCorrection reassigns a record and credits or blames the sources.
func (e *Engine) ApplyCorrection(ctx context.Context, c feedback.Correction) (*model.CorrectionPlan, error) {
	return e.feedback.ApplyCorrection(ctx, c)
}

// ApplyDismissal dismisses a callout and logs why.
func (e *Engine) ApplyDismissal(ctx context.Context, calloutID string, fc feedback.Context) (*model.Callout, bool, error) {
	return e.feedback.ApplyDismissal(ctx, calloutID, fc)
}

// ApplyRejection marks a signal as wrong and blames its source.
func (e *Engine) ApplyRejection(ctx context.Context, signalID int64, fc feedback.Context) (bool, error) {
	return e.feedback.ApplyRejection(ctx, signalID, fc)
}

// ReinforceSettled learns attendee-group patterns from settled assignments.
func (e *Engine) ReinforceSettled(ctx context.Context) (*feedback.ReinforceReport, error) {
	return e.feedback.ReinforceSettled(ctx)
}

// CorrectionHistory lists the corrections of one record, oldest first.
func (e *Engine) CorrectionHistory(ctx context.Context, recordID string) ([]model.ResolutionFeedback, error) {
	return e.store.ListResolutionFeedback(ctx, strings.TrimSpace(recordID))
}

// RelevanceHistory lists recent dismissals and rejections.
func (e *Engine) RelevanceHistory(ctx context.Context, limit int) ([]model.RelevanceFeedback, error) {
	return e.store.ListRelevanceFeedback(ctx, limit)
}

// --- Provider sync ---

// EnqueueSync schedules a sync of target from source.
func (e *Engine) EnqueueSync(ctx context.Context, targetID, source string) (*model.SyncState, bool, error) {
	return e.sync.Enqueue(ctx, targetID, source)
}

// PollDueSyncs claims due rows for an external processor.
func (e *Engine) PollDueSyncs(ctx context.Context, limit int) ([]model.SyncState, error) {
	return e.sync.PollDue(ctx, limit)
}

// RunSyncPoll claims due rows and runs them against the registered
// providers.
func (e *Engine) RunSyncPoll(ctx context.Context, limit int) (syncstate.PollReport, error) {
	return e.poller.PollOnce(ctx, limit)
}

// CompleteSync ingests a collaborator-reported payload and marks the sync
// completed. An ingest failure leaves the row untouched so the caller can
// report it with FailSync.
func (e *Engine) CompleteSync(ctx context.Context, id string, payload []byte) (*model.SyncState, error) {
	st, err := e.sync.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.State.Terminal() {
		return nil, eris.Wrapf(model.ErrSyncTerminal, "sync %s is %s", id, st.State)
	}
	if err := e.ingest.HandleResult(ctx, *st, payload); err != nil {
		return nil, err
	}
	return e.sync.Complete(ctx, id, payload)
}

// FailSync records a failed attempt reported by a collaborator.
func (e *Engine) FailSync(ctx context.Context, id, message string) (*model.SyncState, error) {
	return e.sync.Fail(ctx, id, message)
}

// GetSync returns one sync row.
func (e *Engine) GetSync(ctx context.Context, id string) (*model.SyncState, error) {
	return e.sync.Get(ctx, id)
}

// ListSyncs lists sync rows.
func (e *Engine) ListSyncs(ctx context.Context, f store.SyncFilter) ([]model.SyncState, error) {
	return e.sync.List(ctx, f)
}

// SyncWarnings lists terminal sync failures.
func (e *Engine) SyncWarnings(ctx context.Context, limit int) ([]syncstate.Warning, error) {
	return e.sync.Warnings(ctx, limit)
}

// RequeueStaleSyncs fails claims that outlived their lease.
func (e *Engine) RequeueStaleSyncs(ctx context.Context) (int, error) {
	return e.sync.RequeueStale(ctx)
}

// RunSyncPoller polls until ctx is cancelled.
func (e *Engine) RunSyncPoller(ctx context.Context, interval time.Duration, limit int) error {
	zap.L().Info("engine: sync poller started",
		zap.Duration("interval", interval),
		zap.Strings("providers", e.poller.Providers()),
	)
	return e.poller.Run(ctx, interval, limit)
}

// ProviderBreakers reports each provider breaker's state.
func (e *Engine) ProviderBreakers() map[string]string {
	return e.poller.BreakerStates()
}

// --- Ingestion ---

// IngestEvent converts and resolves a calendar event.
func (e *Engine) IngestEvent(ctx context.Context, ev ingest.CalendarEvent) (*ingest.Result, error) {
	return e.ingest.Event(ctx, ev)
}

// IngestEmail converts and resolves an email.
func (e *Engine) IngestEmail(ctx context.Context, em ingest.Email) (*ingest.Result, error) {
	return e.ingest.Email(ctx, em)
}

// IngestEnrichment applies an enrichment provider's response.
func (e *Engine) IngestEnrichment(ctx context.Context, en ingest.Enrichment) (*ingest.Result, error) {
	return e.ingest.Enrichment(ctx, en)
}
