package syncstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) Fetch(ctx context.Context, targetID string) ([]byte, error) {
	args := p.Called(ctx, targetID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type recordingHandler struct {
	mu   sync.Mutex
	seen map[string]string
	err  error
}

func (h *recordingHandler) HandleResult(_ context.Context, st model.SyncState, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[string]string)
	}
	h.seen[st.TargetID] = string(payload)
	return h.err
}

func TestPoller_CompletesAndRetries(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	cal := &mockProvider{name: "calendar"}
	cal.On("Fetch", mock.Anything, "evt-1").Return([]byte(`{"title":"QBR"}`), nil)
	cal.On("Fetch", mock.Anything, "evt-2").Return(nil, resilience.Transient(errors.New("503 from upstream")))

	h := &recordingHandler{}
	p := NewPoller(m, testConfig(), WithProviders(cal), WithResultHandler(h))
	assert.Equal(t, []string{"calendar"}, p.Providers())

	ok, _, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	bad, _, err := m.Enqueue(ctx, "evt-2", "calendar")
	require.NoError(t, err)

	rep, err := p.PollOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Claimed: 2, Completed: 1, Retrying: 1}, rep)
	assert.Equal(t, map[string]string{"evt-1": `{"title":"QBR"}`}, h.seen)

	got, err := m.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncCompleted, got.State)

	got, err = m.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.State)
	assert.Equal(t, "transient: 503 from upstream", got.ErrorMessage)
	cal.AssertExpectations(t)
}

func TestPoller_UnknownProviderAndBadPayload(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	crm := &mockProvider{name: "crm"}
	crm.On("Fetch", mock.Anything, "acct-1").Return([]byte("<html>"), nil)
	p := NewPoller(m, testConfig(), WithProviders(crm))

	orphan, _, err := m.Enqueue(ctx, "x", "ftp")
	require.NoError(t, err)
	garbled, _, err := m.Enqueue(ctx, "acct-1", "crm")
	require.NoError(t, err)

	rep, err := p.PollOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Retrying)

	got, err := m.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, `permanent: no provider registered for source "ftp"`)

	got, err = m.Get(ctx, garbled.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "non-JSON payload")
}

func TestPoller_HandlerErrorFailsAttempt(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	cal := &mockProvider{name: "calendar"}
	cal.On("Fetch", mock.Anything, "evt-1").Return([]byte(`{}`), nil)
	p := NewPoller(m, testConfig(), WithProviders(cal), WithResultHandler(&recordingHandler{err: errors.New("unknown attendee")}))

	st, _, err := m.Enqueue(ctx, "evt-1", "calendar")
	require.NoError(t, err)
	_, err = p.PollOnce(ctx, 0)
	require.NoError(t, err)

	got, err := m.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.State)
	assert.Equal(t, "permanent: handle result: unknown attendee", got.ErrorMessage)
	assert.Equal(t, "closed", p.BreakerStates()["calendar"], "handler failures do not trip the provider breaker")
}

func TestPoller_OpenBreakerSkipsProvider(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	ctx := context.Background()

	crm := &mockProvider{name: "crm"}
	crm.On("Fetch", mock.Anything, mock.Anything).Return(nil, errors.New("401 unauthorized")).Times(2)

	cfg := testConfig()
	cfg.Concurrency = 1
	p := NewPoller(m, cfg, WithProviders(crm))

	var ids []string
	for _, target := range []string{"a", "b", "c"} {
		st, _, err := m.Enqueue(ctx, target, "crm")
		require.NoError(t, err)
		ids = append(ids, st.ID)
	}

	rep, err := p.PollOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Retrying)
	assert.Equal(t, "open", p.BreakerStates()["crm"])

	var transient int
	for _, id := range ids {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		if resilience.ClassifyMessage(got.ErrorMessage) == resilience.ErrorTransient {
			assert.Contains(t, got.ErrorMessage, "circuit breaker is open")
			transient++
		}
	}
	assert.Equal(t, 1, transient)
	crm.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	at := start
	m, _ := newMachine(t, &at)
	p := NewPoller(m, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, time.Millisecond, 0) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
