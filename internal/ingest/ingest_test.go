package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/fusion"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resolve"
	"github.com/sells-group/signal-engine/internal/store"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var acme = model.Account("acme")

func newTestIngester(t *testing.T) (*Ingester, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.UpsertEntity(ctx, model.Entity{
		EntityRef: acme, Name: "Acme Corp", Domains: []string{"acme.com"}, Keywords: []string{"acme"},
	}, now.Add(-time.Hour)))

	clock := func() time.Time { return now }
	res := resolve.New(s, fusion.NewScorer(s, s, fusion.DefaultConfig()), config.ResolutionConfig{
		Threshold:            0.75,
		ExplicitMargin:       0.15,
		ExplicitConfidence:   0.9,
		TieEpsilon:           0.01,
		InternalDomains:      []string{"ourco.com"},
		DomainConfidence:     0.95,
		KeywordHitConfidence: 0.5,
		KeywordCap:           0.9,
	}, resolve.WithNow(clock))
	return New(s, res, config.IngestConfig{}, WithNow(clock)), s
}

func TestEventRecord(t *testing.T) {
	link := model.Project("apollo")
	rec := EventRecord(CalendarEvent{
		ID:            " 42 ",
		Title:         "QBR",
		Organizer:     "me@ourco.com",
		Attendees:     []string{"bob@acme.com"},
		CRMLink:       &link,
		CRMConfidence: 0.8,
	})
	assert.Equal(t, "meeting:42", rec.ID)
	assert.Equal(t, []string{"me@ourco.com", "bob@acme.com"}, rec.Participants)
	require.NotNil(t, rec.Explicit)
	assert.Equal(t, link, *rec.Explicit)
	assert.Equal(t, 0.8, rec.ExplicitConfidence)

	assert.Equal(t, "meeting:7", EventRecord(CalendarEvent{ID: "meeting:7"}).ID)
	assert.Nil(t, EventRecord(CalendarEvent{ID: "8", CRMLink: &model.EntityRef{}}).Explicit)
}

func TestEmailRecord(t *testing.T) {
	rec := EmailRecord(Email{
		ID: "abc", Subject: "Renewal", From: "bob@acme.com",
		To: []string{"me@ourco.com"}, Cc: []string{"carol@acme.com"}, Body: "see attached",
	})
	assert.Equal(t, "email:abc", rec.ID)
	assert.Equal(t, "Renewal", rec.Title)
	assert.Equal(t, "see attached", rec.Body)
	assert.Equal(t, []string{"bob@acme.com", "me@ourco.com", "carol@acme.com"}, rec.Participants)
	assert.Empty(t, EmailRecord(Email{ID: "  "}).ID)
}

func TestIngester_Event(t *testing.T) {
	ing, s := newTestIngester(t)
	ctx := context.Background()

	ev := CalendarEvent{ID: "1", Title: "Kickoff", Organizer: "me@ourco.com", Attendees: []string{"bob@acme.com"}}
	out, err := ing.Event(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "meeting:1", out.RecordID)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, acme, out.Resolution.Entity)
	assert.Equal(t, resolve.StageDomain, out.Resolution.Stage)
	require.Len(t, out.SignalIDs, 1)

	sig, err := s.GetSignal(ctx, out.SignalIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.SignalTypeActivity, sig.SignalType)
	assert.Equal(t, SourceCalendar, sig.Source)
	assert.Equal(t, "meeting:1", sig.Subject)
	assert.Equal(t, 14.0, sig.HalfLifeDays)
	assert.InDelta(t, 0.95, sig.Confidence, 1e-9)

	again, err := ing.Event(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, again.SignalIDs)
	assert.Equal(t, 1, again.Duplicates)

	_, err = ing.Event(ctx, CalendarEvent{Title: "no id"})
	_, ok := model.IsValidation(err)
	assert.True(t, ok)
}

func TestIngester_EmailHintsAndSentiment(t *testing.T) {
	ing, s := newTestIngester(t)
	ctx := context.Background()

	out, err := ing.Email(ctx, Email{
		ID:      "abc",
		Subject: "Quick question",
		From:    "someone@gmail.com",
		To:      []string{"me@ourco.com"},
		Hints: []Hint{
			{Entity: acme, Source: "classifier", Confidence: 0.9},
			{Entity: model.Account("nobody"), Source: "classifier", Confidence: 0.9},
		},
		Sentiment: &Sentiment{Score: -1.7, Confidence: 0.8, Source: "tone"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Skipped)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, model.StatusResolved, out.Resolution.Status)
	assert.Equal(t, resolve.StageFused, out.Resolution.Stage)
	assert.Equal(t, acme, out.Resolution.Entity)
	require.Len(t, out.SignalIDs, 3, "hint, activity and sentiment")

	sigs, err := s.SignalsBySubject(ctx, "email:abc")
	require.NoError(t, err)
	byType := make(map[string]model.Signal)
	for _, sig := range sigs {
		byType[sig.SignalType] = sig
	}
	assert.Equal(t, "classifier", byType[model.SignalTypeEntityResolution].Source)
	assert.Equal(t, "-1.00", byType[model.SignalTypeSentiment].Value)
	assert.Equal(t, "tone", byType[model.SignalTypeSentiment].Source)
	assert.Equal(t, SourceEmail, byType[model.SignalTypeActivity].Source)
}

func TestIngester_UnresolvedEmailRecordsNothingElse(t *testing.T) {
	ing, _ := newTestIngester(t)
	out, err := ing.Email(context.Background(), Email{ID: "x", Subject: "lunch?", From: "pal@gmail.com"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnresolved, out.Resolution.Status)
	assert.Empty(t, out.SignalIDs)
}

func TestIngester_Enrichment(t *testing.T) {
	ing, s := newTestIngester(t)
	ctx := context.Background()
	initech := model.Account("initech")

	en := Enrichment{
		Entity:   initech,
		Source:   "clearbit",
		Name:     "Initech",
		Domains:  []string{"initech.com"},
		Keywords: []string{"TPS Reports"},
		Signals: []EnrichmentSignal{
			{Type: model.SignalTypeDescriptor, Value: "software", Confidence: 0.7},
			{Type: model.SignalTypeRenewal, Value: "2026-04-01", Confidence: 0.9, HalfLifeDays: 30, Key: "renewal-2026"},
		},
		FetchedAt: now.Add(-time.Minute),
	}
	out, err := ing.Enrichment(ctx, en)
	require.NoError(t, err)
	assert.Len(t, out.SignalIDs, 2)
	assert.Equal(t, []string{"tps reports"}, out.Keywords)

	e, err := s.GetEntity(ctx, initech)
	require.NoError(t, err)
	assert.Equal(t, "Initech", e.Name)
	assert.Equal(t, []string{"initech.com"}, e.Domains)

	again, err := ing.Enrichment(ctx, en)
	require.NoError(t, err)
	assert.Empty(t, again.SignalIDs)
	assert.Equal(t, 2, again.Duplicates)

	out, err = ing.Enrichment(ctx, Enrichment{Entity: acme, Source: "clearbit", Keywords: []string{"Roadrunner"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "roadrunner"}, out.Keywords)

	_, err = ing.Enrichment(ctx, Enrichment{Entity: acme})
	_, ok := model.IsValidation(err)
	assert.True(t, ok)
}

func TestIngester_HandleResult(t *testing.T) {
	ing, s := newTestIngester(t)
	ctx := context.Background()

	st := model.SyncState{ID: "s1", TargetID: "account:acme", Source: "crm"}
	require.NoError(t, ing.HandleResult(ctx, st, nil))
	require.NoError(t, ing.HandleResult(ctx, st, []byte(`{"signals":[{"type":"role_change","value":"new champion","confidence":0.8}]}`)))

	sigs, err := s.ActiveSignals(ctx, acme, model.SignalTypeRoleChange)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "crm", sigs[0].Source)

	err = ing.HandleResult(ctx, model.SyncState{TargetID: "nonsense", Source: "crm"}, []byte(`{}`))
	_, ok := model.IsValidation(err)
	assert.True(t, ok)

	err = ing.HandleResult(ctx, st, []byte(`[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: decode crm payload")
}
