package syncstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxAttempts:        3,
		InitialBackoffSecs: 30,
		MaxBackoffSecs:     3600,
		Multiplier:         2,
		LeaseSecs:          600,
		PollLimit:          10,
		Concurrency:        2,
		RatePerSec:         100,
		BreakerThreshold:   2,
		BreakerResetSecs:   60,
	}
}

func newMachine(t *testing.T, at *time.Time) (*Machine, *store.SQLiteStore) {
	t.Helper()
	s := newTestStore(t)
	return NewMachine(s, testConfig(), WithNow(func() time.Time { return *at })), s
}

func TestMachine_EnqueueIsIdempotentWhileActive(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	first, created, err := m.Enqueue(ctx, " evt-1 ", "calendar")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "evt-1", first.TargetID)
	assert.Equal(t, model.SyncPending, first.State)
	assert.Equal(t, 3, first.MaxAttempts)

	again, created, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := m.Enqueue(ctx, "evt-1", "crm")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMachine_RetryScheduleThenTerminal(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	st, _, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)

	due, err := m.PollDue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.SyncInProgress, due[0].State)

	failed, err := m.Fail(ctx, st.ID, "transient: 503")
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, failed.State)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.NextAttemptAt)
	assert.True(t, start.Add(30*time.Second).Equal(*failed.NextAttemptAt))

	due, err = m.PollDue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before the backoff elapses")

	at = start.Add(30 * time.Second)
	due, err = m.PollDue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	failed, err = m.Fail(ctx, st.ID, "transient: 503")
	require.NoError(t, err)
	assert.Equal(t, 2, failed.Attempts)
	assert.True(t, at.Add(60*time.Second).Equal(*failed.NextAttemptAt))

	failed, err = m.Fail(ctx, st.ID, "permanent: bad calendar id")
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, failed.State)
	assert.Equal(t, 3, failed.Attempts)
	assert.Nil(t, failed.NextAttemptAt)

	_, err = m.Fail(ctx, st.ID, "again")
	assert.ErrorIs(t, err, model.ErrSyncTerminal)
	_, err = m.Complete(ctx, st.ID, nil)
	assert.ErrorIs(t, err, model.ErrSyncTerminal)

	warnings, err := m.Warnings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, st.ID, warnings[0].SyncID)
	assert.Equal(t, "permanent", warnings[0].ErrorType)
	assert.Equal(t, 3, warnings[0].Attempts)

	// A terminal row does not block a fresh cycle.
	fresh, created, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, st.ID, fresh.ID)
}

func TestMachine_Complete(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	st, _, err := m.Enqueue(ctx, "acct-1", "crm")
	require.NoError(t, err)

	_, err = m.Complete(ctx, st.ID, []byte("{not json"))
	require.Error(t, err)
	_, ok := model.IsValidation(err)
	assert.True(t, ok)

	at = start.Add(time.Minute)
	done, err := m.Complete(ctx, st.ID, []byte(`{"name":"Acme"}`))
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, done.State)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, at.Equal(*done.CompletedAt))
	assert.JSONEq(t, `{"name":"Acme"}`, string(done.ResultPayload))

	got, err := m.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, got.State)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMachine_RequeueStale(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	st, _, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	_, err = m.PollDue(ctx, 0)
	require.NoError(t, err)

	at = start.Add(5 * time.Minute)
	n, err := m.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still within its lease")

	at = start.Add(11 * time.Minute)
	n, err = m.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, MessageClaimExpired, got.ErrorMessage)

	rows, err := m.List(ctx, store.SyncFilter{Source: "calendar"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// settlingStore runs settle after listing stale rows, standing in for a
// worker or another poller acting between the scan and the expiry.
type settlingStore struct {
	*store.SQLiteStore
	settle func()
}

func (s *settlingStore) StaleSyncs(ctx context.Context, claimedBefore time.Time) ([]model.SyncState, error) {
	rows, err := s.SQLiteStore.StaleSyncs(ctx, claimedBefore)
	if s.settle != nil {
		s.settle()
	}
	return rows, err
}

func TestMachine_RequeueStaleSkipsReportedClaim(t *testing.T) {
	at := start
	ss := &settlingStore{SQLiteStore: newTestStore(t)}
	m := NewMachine(ss, testConfig(), WithNow(func() time.Time { return at }))
	ctx := context.Background()

	st, _, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	_, err = m.PollDue(ctx, 0)
	require.NoError(t, err)

	at = start.Add(11 * time.Minute)
	ss.settle = func() {
		_, err := m.Fail(ctx, st.ID, "provider 503")
		require.NoError(t, err)
	}
	n, err := m.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.State)
	assert.Equal(t, 1, got.Attempts, "one failure is counted once")
	assert.Equal(t, "provider 503", got.ErrorMessage)
}

func TestMachine_RequeueStaleSkipsFreshClaim(t *testing.T) {
	at := start
	ss := &settlingStore{SQLiteStore: newTestStore(t)}
	m := NewMachine(ss, testConfig(), WithNow(func() time.Time { return at }))
	ctx := context.Background()

	st, _, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	_, err = m.PollDue(ctx, 0)
	require.NoError(t, err)

	at = start.Add(11 * time.Minute)
	ss.settle = func() {
		_, err := m.Fail(ctx, st.ID, "provider 503")
		require.NoError(t, err)
		claimed, err := ss.ClaimDueSyncs(ctx, 10, at.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
	}
	n, err := m.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncInProgress, got.State, "the new claim keeps running")
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "provider 503", got.ErrorMessage)
}

func TestMachine_Backoff(t *testing.T) {
	m := NewMachine(nil, config.SyncConfig{InitialBackoffSecs: 30, MaxBackoffSecs: 3600, Multiplier: 2})
	assert.Equal(t, 30*time.Second, m.Backoff(1))
	assert.Equal(t, 60*time.Second, m.Backoff(2))
	assert.Equal(t, 120*time.Second, m.Backoff(3))
	assert.Equal(t, time.Hour, m.Backoff(20))

	jittered := NewMachine(nil, config.SyncConfig{InitialBackoffSecs: 100, Jitter: 0.1})
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(1)
		assert.GreaterOrEqual(t, d, 90*time.Second)
		assert.LessOrEqual(t, d, 110*time.Second)
	}
}
