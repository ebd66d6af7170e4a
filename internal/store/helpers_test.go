package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
)

func TestNormalizeKeywords(t *testing.T) {
	got := NormalizeKeywords([]string{"Widgets", "  big   rockets "}, []string{"widgets", ""})
	assert.Equal(t, []string{"big rockets", "widgets"}, got)
	assert.NotNil(t, NormalizeKeywords())
}

func TestFailTransition(t *testing.T) {
	next := t0
	st := model.SyncState{ID: "s1", State: model.SyncInProgress, Attempts: 1, MaxAttempts: 3, NextAttemptAt: &next}
	backoff := func(attempts int) time.Duration { return time.Duration(attempts) * time.Minute }

	got := failTransition(st, "boom", backoff, t0)
	assert.Equal(t, model.SyncPending, got.State)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, t0.Add(2*time.Minute), *got.NextAttemptAt)
	assert.Equal(t, "boom", got.ErrorMessage)

	got = failTransition(got, "boom again", backoff, t0)
	assert.Equal(t, model.SyncFailed, got.State)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.NextAttemptAt)

	// A nil backoff retries immediately.
	got = failTransition(model.SyncState{MaxAttempts: 2}, "x", nil, t0)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, t0, *got.NextAttemptAt)
}

func TestSameClaim(t *testing.T) {
	claimed := t0
	st := model.SyncState{State: model.SyncInProgress, LastAttemptAt: &claimed}
	assert.True(t, sameClaim(st, t0))
	assert.False(t, sameClaim(st, t0.Add(time.Second)), "a later claim is a different one")

	st.State = model.SyncPending
	assert.False(t, sameClaim(st, t0))
	assert.False(t, sameClaim(model.SyncState{State: model.SyncInProgress}, t0))
}

func TestDismissalFeedbackAndDelta(t *testing.T) {
	c := &model.Callout{ID: "c1", Insight: model.ProactiveInsight{
		DetectorName: "deadline_approaching", Entity: model.Project("apollo"),
	}}

	fb := dismissalFeedback(c, model.RelevanceFeedback{Reason: "handled"}, t0)
	assert.Equal(t, model.ActionDismiss, fb.Action)
	assert.Equal(t, ItemCallout, fb.ItemType)
	assert.Equal(t, "c1", fb.ItemID)
	assert.Equal(t, "deadline_approaching", fb.DetectorName)
	assert.Equal(t, model.Project("apollo"), fb.Entity)
	assert.Equal(t, t0, fb.CreatedAt)

	d := dismissalDelta(c)
	assert.Equal(t, model.WeightKey{Source: "deadline_approaching", EntityType: model.EntityProject, SignalType: "deadline_approaching"}, d.Key)
	assert.Equal(t, 1.0, d.Beta)
	assert.Zero(t, d.Alpha)
}

func TestValidateDeltas(t *testing.T) {
	key := model.WeightKey{Source: "email", EntityType: model.EntityPerson, SignalType: "sentiment"}
	assert.NoError(t, validateDeltas([]model.WeightDelta{{Key: key, Alpha: 1}}))

	err := validateDeltas([]model.WeightDelta{{Key: key, Alpha: -0.5}})
	ve, ok := model.IsValidation(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeInvalidValue, ve.Code)

	assert.Error(t, validateDeltas([]model.WeightDelta{{Key: model.WeightKey{Source: "email"}, Beta: 1}}))
}

func TestSortSyncs(t *testing.T) {
	a, b := t0, t0.Add(time.Minute)
	rows := []model.SyncState{
		{ID: "c"},
		{ID: "b", NextAttemptAt: &b},
		{ID: "z", NextAttemptAt: &a},
		{ID: "a", NextAttemptAt: &a},
	}
	sortSyncs(rows)
	ids := []string{rows[0].ID, rows[1].ID, rows[2].ID, rows[3].ID}
	assert.Equal(t, []string{"a", "z", "b", "c"}, ids)
}

func TestCandidatesRoundTrip(t *testing.T) {
	raw, err := marshalCandidates(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)

	got, err := unmarshalCandidates([]byte(`{"domain_match":{"entity_type":"account","entity_id":"acme"}}`))
	require.NoError(t, err)
	assert.Equal(t, model.Account("acme"), got["domain_match"])

	_, err = unmarshalCandidates([]byte(`[`))
	assert.Error(t, err)
}
