package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
)

// Store is the persistence ingestion writes to.
type Store interface {
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error)
	UpsertEntity(ctx context.Context, e model.Entity, now time.Time) error
	MergeEntityKeywords(ctx context.Context, ref model.EntityRef, keywords []string, now time.Time) ([]string, error)
	RecordSignal(ctx context.Context, in model.SignalInput, now time.Time) (int64, bool, error)
}

// Resolver assigns a record to an entity.
type Resolver interface {
	ResolveAt(ctx context.Context, rec model.Record, now time.Time) (*model.Resolution, error)
}

// Result reports what one payload produced.
type Result struct {
	RecordID   string            `json:"record_id,omitempty"`
	Resolution *model.Resolution `json:"resolution,omitempty"`
	SignalIDs  []int64           `json:"signal_ids,omitempty"`
	Duplicates int               `json:"duplicates"`
	Skipped    int               `json:"skipped"`
	Keywords   []string          `json:"keywords,omitempty"`
}

// Ingester converts payloads and writes what they imply.
type Ingester struct {
	store    Store
	resolver Resolver
	cfg      config.IngestConfig
	nowFunc  func() time.Time
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithNow sets the clock, for tests.
func WithNow(fn func() time.Time) Option {
	return func(i *Ingester) { i.nowFunc = fn }
}

// New creates an Ingester. Zero half-lives fall back to 14 days for
// activity, 30 for sentiment and hints, and 90 for enrichment.
func New(st Store, res Resolver, cfg config.IngestConfig, opts ...Option) *Ingester {
	if cfg.ActivityHalfLifeDays <= 0 {
		cfg.ActivityHalfLifeDays = 14
	}
	if cfg.SentimentHalfLifeDays <= 0 {
		cfg.SentimentHalfLifeDays = 30
	}
	if cfg.HintHalfLifeDays <= 0 {
		cfg.HintHalfLifeDays = 30
	}
	if cfg.EnrichmentHalfLifeDays <= 0 {
		cfg.EnrichmentHalfLifeDays = 90
	}
	i := &Ingester{
		store:    st,
		resolver: res,
		cfg:      cfg,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Event records the event's hints, resolves it, and on success records a
// meeting activity signal for the resolved entity.
func (i *Ingester) Event(ctx context.Context, ev CalendarEvent) (*Result, error) {
	rec := EventRecord(ev)
	if rec.ID == "" {
		return nil, model.NewValidationError(model.CodeMissingField, "id", "event id is required")
	}
	return i.ingest(ctx, rec, SourceCalendar, "meeting", ev.Hints, nil)
}

// Email records the email's hints, resolves it, and on success records an
// activity signal plus a sentiment signal when the email was scored.
func (i *Ingester) Email(ctx context.Context, em Email) (*Result, error) {
	rec := EmailRecord(em)
	if rec.ID == "" {
		return nil, model.NewValidationError(model.CodeMissingField, "id", "email id is required")
	}
	return i.ingest(ctx, rec, SourceEmail, "email", em.Hints, em.Sentiment)
}

func (i *Ingester) ingest(ctx context.Context, rec model.Record, source, activity string, hints []Hint, sentiment *Sentiment) (*Result, error) {
	now := i.nowFunc()
	out := &Result{RecordID: rec.ID}

	for n, h := range hints {
		src := strings.TrimSpace(h.Source)
		if src == "" {
			src = source
		}
		in := model.SignalInput{
			Entity:       h.Entity,
			SignalType:   model.SignalTypeEntityResolution,
			Source:       src,
			Subject:      rec.ID,
			Value:        h.Entity.String(),
			Confidence:   h.Confidence,
			HalfLifeDays: i.cfg.HintHalfLifeDays,
			NaturalKey:   strings.Join([]string{"hint", rec.ID, src, h.Entity.String()}, ":"),
		}
		if err := i.record(ctx, in, now, out); err != nil {
			if ve, ok := model.IsValidation(err); ok && ve.Code == model.CodeUnknownEntity {
				zap.L().Warn("ingest: hint names an unknown entity", zap.String("record_id", rec.ID), zap.String("entity", h.Entity.String()))
				out.Skipped++
				continue
			}
			return out, eris.Wrapf(err, "ingest: hint %d for %s", n, rec.ID)
		}
	}

	res, err := i.resolver.ResolveAt(ctx, rec, now)
	if err != nil {
		return out, eris.Wrapf(err, "ingest: resolve %s", rec.ID)
	}
	out.Resolution = res
	if res.Status != model.StatusResolved {
		zap.L().Debug("ingest: record left unresolved", zap.String("record_id", rec.ID), zap.Float64("confidence", res.Confidence))
		return out, nil
	}

	act := model.SignalInput{
		Entity:       res.Entity,
		SignalType:   model.SignalTypeActivity,
		Source:       source,
		Subject:      rec.ID,
		Value:        activity,
		Confidence:   res.Confidence,
		HalfLifeDays: i.cfg.ActivityHalfLifeDays,
		NaturalKey:   rec.ID + ":activity",
	}
	if err := i.record(ctx, act, now, out); err != nil {
		return out, eris.Wrapf(err, "ingest: activity for %s", rec.ID)
	}

	if sentiment != nil {
		src := strings.TrimSpace(sentiment.Source)
		if src == "" {
			src = source
		}
		in := model.SignalInput{
			Entity:       res.Entity,
			SignalType:   model.SignalTypeSentiment,
			Source:       src,
			Subject:      rec.ID,
			Value:        strconv.FormatFloat(clampScore(sentiment.Score), 'f', 2, 64),
			Confidence:   sentiment.Confidence,
			HalfLifeDays: i.cfg.SentimentHalfLifeDays,
			NaturalKey:   rec.ID + ":sentiment:" + src,
		}
		if err := i.record(ctx, in, now, out); err != nil {
			return out, eris.Wrapf(err, "ingest: sentiment for %s", rec.ID)
		}
	}

	zap.L().Info("ingest: record ingested",
		zap.String("record_id", rec.ID),
		zap.String("entity", res.Entity.String()),
		zap.String("stage", res.Stage),
		zap.Int("signals", len(out.SignalIDs)),
	)
	return out, nil
}

// Enrichment registers the entity if it is new, merges the provider's
// keywords into it and records every observation. Natural keys make a
// repeated payload a no-op.
func (i *Ingester) Enrichment(ctx context.Context, en Enrichment) (*Result, error) {
	if err := en.Entity.Validate(); err != nil {
		return nil, err
	}
	source := strings.TrimSpace(en.Source)
	if source == "" {
		return nil, model.NewValidationError(model.CodeMissingField, "source", "enrichment source is required")
	}
	now := i.nowFunc()
	fetched := en.FetchedAt
	if fetched.IsZero() {
		fetched = now
	}
	out := &Result{}

	if _, err := i.store.GetEntity(ctx, en.Entity); err != nil {
		if !eris.Is(err, model.ErrNotFound) {
			return nil, eris.Wrapf(err, "ingest: load %s", en.Entity)
		}
		name := strings.TrimSpace(en.Name)
		if name == "" {
			name = en.Entity.ID
		}
		if err := i.store.UpsertEntity(ctx, model.Entity{
			EntityRef: en.Entity,
			Name:      name,
			Domains:   en.Domains,
			Keywords:  en.Keywords,
		}, now); err != nil {
			return nil, eris.Wrapf(err, "ingest: register %s", en.Entity)
		}
		zap.L().Info("ingest: entity registered from enrichment", zap.String("entity", en.Entity.String()), zap.String("source", source))
	}

	if len(en.Keywords) > 0 {
		kws, err := i.store.MergeEntityKeywords(ctx, en.Entity, en.Keywords, now)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: merge keywords for %s", en.Entity)
		}
		out.Keywords = kws
	}

	for n, s := range en.Signals {
		half := s.HalfLifeDays
		if half <= 0 {
			half = i.cfg.EnrichmentHalfLifeDays
		}
		key := s.Key
		if key == "" {
			key = strings.Join([]string{source, en.Entity.String(), s.Type, s.Value, fetched.UTC().Format(time.RFC3339)}, "|")
		}
		in := model.SignalInput{
			Entity:       en.Entity,
			SignalType:   s.Type,
			Source:       source,
			Value:        s.Value,
			Confidence:   s.Confidence,
			HalfLifeDays: half,
			NaturalKey:   key,
		}
		if err := i.record(ctx, in, now, out); err != nil {
			return out, eris.Wrapf(err, "ingest: enrichment signal %d for %s", n, en.Entity)
		}
	}
	return out, nil
}

// HandleResult ingests a completed provider sync. The payload is an
// Enrichment; a missing entity is taken from the sync target ("type:id")
// and a missing source from the sync source.
func (i *Ingester) HandleResult(ctx context.Context, st model.SyncState, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var en Enrichment
	if err := json.Unmarshal(payload, &en); err != nil {
		return eris.Wrapf(err, "ingest: decode %s payload", st.Source)
	}
	if en.Entity.IsZero() {
		ref, err := model.ParseEntityRef(st.TargetID)
		if err != nil {
			return err
		}
		en.Entity = ref
	}
	if en.Source == "" {
		en.Source = st.Source
	}
	_, err := i.Enrichment(ctx, en)
	return err
}

func (i *Ingester) record(ctx context.Context, in model.SignalInput, now time.Time, out *Result) error {
	id, inserted, err := i.store.RecordSignal(ctx, in, now)
	if err != nil {
		return err
	}
	if inserted {
		out.SignalIDs = append(out.SignalIDs, id)
	} else {
		out.Duplicates++
	}
	return nil
}

func clampScore(v float64) float64 {
	switch {
	case v < -1:
		return -1
	case v > 1:
		return 1
	}
	return v
}
