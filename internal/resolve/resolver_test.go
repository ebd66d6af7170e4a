package resolve

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/fusion"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	acme   = model.Account("acme")
	globex = model.Account("globex")
)

func testConfig() config.ResolutionConfig {
	return config.ResolutionConfig{
		Threshold:                 0.75,
		ExplicitMargin:            0.15,
		ExplicitConfidence:        0.9,
		TieEpsilon:                0.01,
		InternalDomains:           []string{"ourco.com"},
		DomainConfidence:          0.95,
		KeywordHitConfidence:      0.5,
		KeywordCap:                0.9,
		ReinforcementConfidence:   0.55,
		ReinforcementHalfLifeDays: 30,
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	for _, e := range []model.Entity{
		{EntityRef: acme, Name: "Acme Corp", Domains: []string{"acme.com"}, Keywords: []string{"acme", "rocket skates"}},
		{EntityRef: globex, Name: "Globex", Domains: []string{"globex.com"}, Keywords: []string{"globex", "Zürich Expansion"}},
	} {
		require.NoError(t, s.UpsertEntity(context.Background(), e, now.Add(-time.Hour)))
	}
	return s
}

func newTestResolver(s *store.SQLiteStore, cfg config.ResolutionConfig, opts ...Option) *Resolver {
	scorer := fusion.NewScorer(s, s, fusion.DefaultConfig())
	opts = append([]Option{WithNow(func() time.Time { return now })}, opts...)
	return New(s, scorer, cfg, opts...)
}

func TestResolve_DomainMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(s, testConfig())

	res, err := r.Resolve(ctx, model.Record{
		ID:           "meeting:1",
		Title:        "Intro call",
		Participants: []string{"alice@ourco.com", "Bob@ACME.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, res.Status)
	assert.Equal(t, StageDomain, res.Stage)
	assert.Equal(t, acme, res.Entity)
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	assert.False(t, res.NeedsReview)

	a, err := s.GetAssignment(ctx, "meeting:1")
	require.NoError(t, err)
	assert.Equal(t, acme, a.Entity)
	assert.False(t, a.Explicit)
	assert.Equal(t, model.GroupHash([]string{"alice@ourco.com", "bob@acme.com"}), a.GroupHash)
	assert.Equal(t, acme, a.Candidates[StageDomain])

	sigs, err := s.SignalsBySubject(ctx, "meeting:1")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, model.SignalTypeReinforcement, sigs[0].SignalType)
	assert.Equal(t, ReinforcementKey("meeting:1", acme), sigs[0].NaturalKey)
	assert.Equal(t, "reinforce:meeting:1:account:acme", sigs[0].NaturalKey)
	assert.InDelta(t, 0.55, sigs[0].Confidence, 1e-9)
}

func TestResolve_PartialDomainFallsThrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(s, testConfig())

	rec := model.Record{
		ID:           "meeting:2",
		Title:        "Acme sync",
		Participants: []string{"bob@acme.com", "carol@initech.com"},
	}
	res, err := r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnresolved, res.Status)
	assert.Equal(t, StageFallback, res.Stage)
	assert.True(t, res.NeedsReview)
	assert.True(t, res.Entity.IsZero())
	assert.InDelta(t, 0.5, res.Confidence, 1e-9, "best evidence seen is reported")
	require.Len(t, res.Evidence, 2)
	assert.Equal(t, StageDomain, res.Evidence[0].Source)
	assert.InDelta(t, 0.475, res.Evidence[0].Confidence, 1e-9)
	assert.Equal(t, StageKeyword, res.Evidence[1].Source)

	sigs, err := s.SignalsBySubject(ctx, "meeting:2")
	require.NoError(t, err)
	assert.Empty(t, sigs, "unresolved records are not reinforced")

	a, err := s.GetAssignment(ctx, "meeting:2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnresolved, a.Status)
	assert.Equal(t, acme, a.Candidates[StageKeyword])

	rec.Description = "Rocket skates order for ACME"
	res, err = r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, res.Status)
	assert.Equal(t, StageKeyword, res.Stage)
	assert.InDelta(t, 0.875, res.Confidence, 1e-9)
}

func TestResolve_KeywordUnicode(t *testing.T) {
	s := newTestStore(t)
	r := newTestResolver(s, testConfig())

	res, err := r.Resolve(context.Background(), model.Record{
		ID:    "email:z",
		Title: "ZÜRICH   expansion kickoff",
		Body:  "Globex board approved the zürich expansion.",
	})
	require.NoError(t, err)
	assert.Equal(t, globex, res.Entity)
	assert.Equal(t, StageKeyword, res.Stage)
	assert.InDelta(t, 0.875, res.Confidence, 1e-9)
}

func TestResolve_ExplicitFromRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(s, testConfig())

	res, err := r.Resolve(ctx, model.Record{
		ID:           "meeting:3",
		Participants: []string{"bob@acme.com"},
		Explicit:     &globex,
	})
	require.NoError(t, err)
	assert.Equal(t, StageExplicit, res.Stage)
	assert.Equal(t, globex, res.Entity)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	require.Len(t, res.Evidence, 2, "later stages still run for the trace")

	a, err := s.GetAssignment(ctx, "meeting:3")
	require.NoError(t, err)
	assert.False(t, a.Explicit, "a collaborator link is not a user correction")

	sigs, err := s.SignalsBySubject(ctx, "meeting:3")
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestResolve_ExplicitOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(s, testConfig())

	rec := model.Record{
		ID:                 "meeting:4",
		Participants:       []string{"bob@acme.com"},
		Explicit:           &globex,
		ExplicitConfidence: 0.78,
	}
	res, err := r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, acme, res.Entity, "0.95 beats 0.78 by more than the margin")
	assert.Equal(t, StageDomain, res.Stage)

	rec.ExplicitConfidence = 0.85
	res, err = r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, globex, res.Entity)
	assert.Equal(t, StageExplicit, res.Stage)
}

func TestResolve_ExplicitUnknownEntityIgnored(t *testing.T) {
	s := newTestStore(t)
	r := newTestResolver(s, testConfig())

	ghost := model.Account("ghost")
	res, err := r.Resolve(context.Background(), model.Record{
		ID:           "meeting:5",
		Participants: []string{"bob@acme.com"},
		Explicit:     &ghost,
	})
	require.NoError(t, err)
	assert.Equal(t, acme, res.Entity)
	assert.Equal(t, StageDomain, res.Stage)
}

func TestResolve_StoredCorrectionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver(s, testConfig())

	require.NoError(t, s.SaveAssignment(ctx, model.Assignment{
		RecordID:   "meeting:6",
		Entity:     globex,
		Confidence: 1,
		Status:     model.StatusResolved,
		Stage:      StageExplicit,
		Explicit:   true,
		AssignedAt: now.Add(-time.Hour),
	}))

	res, err := r.Resolve(ctx, model.Record{ID: "meeting:6", Participants: []string{"bob@acme.com"}})
	require.NoError(t, err)
	assert.Equal(t, globex, res.Entity)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, StageExplicit, res.Stage)

	a, err := s.GetAssignment(ctx, "meeting:6")
	require.NoError(t, err)
	assert.True(t, a.Explicit)
	assert.Equal(t, acme, a.Candidates[StageDomain])
	assert.True(t, now.Add(-time.Hour).Equal(a.AssignedAt), "same entity keeps the settle clock")
}

func TestResolve_AttendeePattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	group := []string{"dana@ourco.com", "eve@ourco.com"}
	hash := model.GroupHash(group)

	for i, id := range []string{"m1", "m2", "m3"} {
		a := model.Assignment{
			RecordID: id, Entity: globex, Confidence: 0.8, Status: model.StatusResolved,
			GroupHash: hash, AssignedAt: now.Add(-time.Duration(100+i) * time.Hour),
		}
		require.NoError(t, s.SaveAssignment(ctx, a))
		_, ok, err := s.ReinforcePattern(ctx, a, 1, now.Add(-time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
	}

	r := newTestResolver(s, testConfig())
	res, err := r.Resolve(ctx, model.Record{ID: "meeting:7", Participants: []string{"EVE@ourco.com", "dana@ourco.com"}})
	require.NoError(t, err)
	assert.Equal(t, StagePattern, res.Stage)
	assert.Equal(t, globex, res.Entity)
	assert.InDelta(t, 0.75, res.Confidence, 1e-9)
}

func TestResolve_FusedContextSignalsAndDeterminism(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, in := range []model.SignalInput{
		{Entity: acme, SignalType: model.SignalTypeEntityResolution, Source: "calendar", Subject: "meeting:8", Confidence: 0.9, HalfLifeDays: 30},
		{Entity: acme, SignalType: model.SignalTypeEntityResolution, Source: "crm", Subject: "meeting:8", Confidence: 0.8, HalfLifeDays: 30},
	} {
		_, _, err := s.RecordSignal(ctx, in, now)
		require.NoError(t, err)
	}

	r := newTestResolver(s, testConfig())
	rec := model.Record{ID: "meeting:8", Title: "Weekly"}
	first, err := r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, StageFused, first.Stage)
	assert.Equal(t, acme, first.Entity)
	assert.Greater(t, first.Confidence, 0.95)

	second, err := r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first.Entity, second.Entity)
	assert.Equal(t, first.Confidence, second.Confidence, "the reinforcement signal does not feed back")

	sigs, err := s.SignalsBySubject(ctx, "meeting:8")
	require.NoError(t, err)
	reinforcements := 0
	for _, sig := range sigs {
		if sig.SignalType == model.SignalTypeReinforcement {
			reinforcements++
		}
	}
	assert.Equal(t, 1, reinforcements)
}

func TestResolve_ContextSignalTypes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.RecordSignal(ctx, model.SignalInput{
		Entity: acme, SignalType: model.SignalTypeSentiment, Source: "email", Subject: "meeting:9",
		Confidence: 0.99, HalfLifeDays: 30,
	}, now)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ContextSignalTypes = []string{model.SignalTypeEntityResolution}
	res, err := newTestResolver(s, cfg).Resolve(ctx, model.Record{ID: "meeting:9"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnresolved, res.Status)
	assert.Empty(t, res.Evidence)
}

type failingStage struct{}

func (failingStage) Name() string { return "broken" }

func (failingStage) Score(context.Context, Query) ([]Candidate, error) {
	return nil, errors.New("index offline")
}

func TestResolve_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := newTestResolver(s, testConfig()).Resolve(ctx, model.Record{ID: "  "})
	_, ok := model.IsValidation(err)
	assert.True(t, ok)

	_, err = newTestResolver(s, testConfig(), WithStages(failingStage{})).Resolve(ctx, model.Record{ID: "meeting:10"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve: stage broken")

	_, err = s.GetAssignment(ctx, "meeting:10")
	assert.ErrorIs(t, err, model.ErrNotFound, "nothing is written when a stage fails")
}

func TestRank(t *testing.T) {
	older, newer := now.Add(-48*time.Hour), now.Add(-time.Hour)
	zeta := model.Account("zeta")

	got := rank([]Candidate{
		{Entity: zeta, Confidence: 0.80, ReinforcedAt: older},
		{Entity: globex, Confidence: 0.795, ReinforcedAt: newer},
		{Entity: acme, Confidence: 0.60, ReinforcedAt: now},
	}, 0.01)
	require.Len(t, got, 3)
	assert.Equal(t, globex, got[0].Entity, "recency breaks a near tie")
	assert.Equal(t, zeta, got[1].Entity)
	assert.Equal(t, acme, got[2].Entity)

	got = rank([]Candidate{
		{Entity: zeta, Confidence: 0.8},
		{Entity: acme, Confidence: 0.8},
	}, 0.01)
	assert.Equal(t, acme, got[0].Entity, "then the smallest entity id")

	got = rank([]Candidate{
		{Entity: globex, Confidence: 0.8, ReinforcedAt: newer},
		{Entity: acme, Confidence: 0.9, ReinforcedAt: older},
	}, 0.01)
	assert.Equal(t, acme, got[0].Entity, "outside the epsilon confidence decides")

	assert.Nil(t, rank(nil, 0.01))
}

func TestKeywordConfidence(t *testing.T) {
	assert.Zero(t, KeywordConfidence(0, 0.5, 0.9))
	assert.InDelta(t, 0.5, KeywordConfidence(1, 0.5, 0.9), 1e-12)
	assert.InDelta(t, 0.75, KeywordConfidence(2, 0.5, 0.9), 1e-12)
	assert.InDelta(t, 0.9, KeywordConfidence(10, 0.5, 0.9), 1e-12)
}
