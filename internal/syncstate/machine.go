// Package syncstate drives provider sync rows through
// pending → in_progress → completed | pending (retry) | failed.
package syncstate

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
	"github.com/sells-group/signal-engine/internal/store"
)

// MessageClaimExpired is the failure recorded for rows whose claim outlived
// the lease.
const MessageClaimExpired = "claim expired"

// Store is the persistence the state machine needs.
type Store interface {
	EnqueueSync(ctx context.Context, targetID, source string, maxAttempts int, now time.Time) (*model.SyncState, bool, error)
	ClaimDueSyncs(ctx context.Context, limit int, now time.Time) ([]model.SyncState, error)
	CompleteSync(ctx context.Context, id string, payload []byte, now time.Time) (*model.SyncState, error)
	FailSync(ctx context.Context, id, message string, backoff store.BackoffFunc, now time.Time) (*model.SyncState, error)
	GetSync(ctx context.Context, id string) (*model.SyncState, error)
	StaleSyncs(ctx context.Context, claimedBefore time.Time) ([]model.SyncState, error)
	ExpireSyncClaim(ctx context.Context, id string, claimedAt time.Time, message string, backoff store.BackoffFunc, now time.Time) (*model.SyncState, bool, error)
	ListSyncs(ctx context.Context, f store.SyncFilter) ([]model.SyncState, error)
}

// Warning is a terminal sync failure shown to users until resolved by a
// new enqueue. It never blocks anything else.
type Warning struct {
	SyncID    string    `json:"sync_id"`
	TargetID  string    `json:"target_id"`
	Source    string    `json:"source"`
	Attempts  int       `json:"attempts"`
	Message   string    `json:"message"`
	ErrorType string    `json:"error_type"`
	FailedAt  time.Time `json:"failed_at"`
}

// Machine applies sync transitions with the configured retry schedule.
type Machine struct {
	store   Store
	cfg     config.SyncConfig
	backoff resilience.RetryConfig
	nowFunc func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithNow sets the clock, for tests.
func WithNow(fn func() time.Time) Option {
	return func(m *Machine) { m.nowFunc = fn }
}

// NewMachine creates a Machine.
func NewMachine(st Store, cfg config.SyncConfig, opts ...Option) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 25
	}
	if cfg.LeaseSecs <= 0 {
		cfg.LeaseSecs = 600
	}
	m := &Machine{
		store:   st,
		cfg:     cfg,
		backoff: resilience.SyncBackoff(cfg),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backoff is the delay before the next attempt after attempts failures.
func (m *Machine) Backoff(attempts int) time.Duration {
	return resilience.BackoffWithJitter(attempts, m.backoff)
}

// Enqueue creates a pending row for (target, source), or returns the active
// one unchanged with created=false.
func (m *Machine) Enqueue(ctx context.Context, targetID, source string) (*model.SyncState, bool, error) {
	st, created, err := m.store.EnqueueSync(ctx, strings.TrimSpace(targetID), strings.TrimSpace(source), m.cfg.MaxAttempts, m.nowFunc())
	if err != nil {
		return nil, false, eris.Wrap(err, "syncstate: enqueue")
	}
	if created {
		zap.L().Info("syncstate: sync enqueued",
			zap.String("sync_id", st.ID),
			zap.String("target_id", st.TargetID),
			zap.String("source", st.Source),
		)
	}
	return st, created, nil
}

// PollDue claims up to limit due rows. A non-positive limit uses the
// configured poll limit.
func (m *Machine) PollDue(ctx context.Context, limit int) ([]model.SyncState, error) {
	if limit <= 0 {
		limit = m.cfg.PollLimit
	}
	rows, err := m.store.ClaimDueSyncs(ctx, limit, m.nowFunc())
	if err != nil {
		return nil, eris.Wrap(err, "syncstate: claim due syncs")
	}
	return rows, nil
}

// Complete records a successful attempt. Payload must be valid JSON when
// present.
func (m *Machine) Complete(ctx context.Context, id string, payload []byte) (*model.SyncState, error) {
	st, err := m.store.CompleteSync(ctx, id, payload, m.nowFunc())
	if err != nil {
		return nil, eris.Wrapf(err, "syncstate: complete %s", id)
	}
	zap.L().Info("syncstate: sync completed", zap.String("sync_id", id), zap.String("source", st.Source))
	return st, nil
}

// Fail records a failed attempt. The row goes back to pending after a
// backoff, or to failed once attempts reach the maximum.
func (m *Machine) Fail(ctx context.Context, id, message string) (*model.SyncState, error) {
	st, err := m.store.FailSync(ctx, id, message, m.Backoff, m.nowFunc())
	if err != nil {
		return nil, eris.Wrapf(err, "syncstate: fail %s", id)
	}
	logFailure(st, message)
	return st, nil
}

func logFailure(st *model.SyncState, message string) {
	if st.State == model.SyncFailed {
		zap.L().Warn("syncstate: sync failed permanently",
			zap.String("sync_id", st.ID),
			zap.String("source", st.Source),
			zap.Int("attempts", st.Attempts),
			zap.String("error", message),
		)
		return
	}
	zap.L().Warn("syncstate: sync attempt failed",
		zap.String("sync_id", st.ID),
		zap.String("source", st.Source),
		zap.Int("attempts", st.Attempts),
		zap.Timep("next_attempt_at", st.NextAttemptAt),
		zap.String("error", message),
	)
}

// RequeueStale fails every in-progress row claimed longer than the lease
// ago, counting one failed attempt per expired claim. A row whose worker
// reported in the meantime, or that was claimed again, is left alone.
func (m *Machine) RequeueStale(ctx context.Context) (int, error) {
	now := m.nowFunc()
	cutoff := now.Add(-time.Duration(m.cfg.LeaseSecs) * time.Second)
	stale, err := m.store.StaleSyncs(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "syncstate: stale syncs")
	}
	n := 0
	for _, st := range stale {
		if st.LastAttemptAt == nil {
			continue
		}
		got, expired, err := m.store.ExpireSyncClaim(ctx, st.ID, *st.LastAttemptAt, MessageClaimExpired, m.Backoff, now)
		if err != nil {
			if eris.Is(err, model.ErrNotFound) {
				continue
			}
			return n, eris.Wrapf(err, "syncstate: expire claim %s", st.ID)
		}
		if !expired {
			zap.L().Debug("syncstate: stale claim already settled",
				zap.String("sync_id", st.ID),
				zap.String("state", string(got.State)),
			)
			continue
		}
		logFailure(got, MessageClaimExpired)
		n++
	}
	return n, nil
}

// Warnings lists terminal failures, newest first.
func (m *Machine) Warnings(ctx context.Context, limit int) ([]Warning, error) {
	rows, err := m.store.ListSyncs(ctx, store.SyncFilter{State: model.SyncFailed, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "syncstate: list failed syncs")
	}
	out := make([]Warning, 0, len(rows))
	for _, st := range rows {
		out = append(out, Warning{
			SyncID:    st.ID,
			TargetID:  st.TargetID,
			Source:    st.Source,
			Attempts:  st.Attempts,
			Message:   st.ErrorMessage,
			ErrorType: resilience.ClassifyMessage(st.ErrorMessage),
			FailedAt:  st.UpdatedAt,
		})
	}
	return out, nil
}

// Get returns one sync row.
func (m *Machine) Get(ctx context.Context, id string) (*model.SyncState, error) {
	return m.store.GetSync(ctx, id)
}

// List returns sync rows matching f.
func (m *Machine) List(ctx context.Context, f store.SyncFilter) ([]model.SyncState, error) {
	return m.store.ListSyncs(ctx, f)
}
