package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/config"
)

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("provider down")
		})
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 3)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 2)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }
	failN(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }
	failN(cb, 2)

	later := now.Add(2 * time.Minute)
	cb.nowFunc = func() time.Time { return later }
	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }
	failN(cb, 1)
	cb.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(context.Background(), func(_ context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OnStateChangeAndShouldTrip(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	failN(cb, 5)
	assert.Equal(t, CircuitClosed, cb.State(), "non-transient errors do not trip")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return Transient(errors.New("503"))
		})
	}
	assert.Equal(t, []string{"closed->open"}, transitions)

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(ProviderBreakers(config.SyncConfig{BreakerThreshold: 1, BreakerResetSecs: 60}))
	a := sb.Get("clearbit")
	assert.Same(t, a, sb.Get("clearbit"))

	failN(a, 1)
	sb.Get("apollo")

	states := sb.States()
	assert.Equal(t, CircuitOpen, states["clearbit"])
	assert.Equal(t, CircuitClosed, states["apollo"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
