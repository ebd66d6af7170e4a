package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

// Provider fetches one target from an external system. The returned payload
// must be JSON.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, targetID string) ([]byte, error)
}

// ResultHandler consumes a fetched payload before the sync is marked
// completed. An error fails the attempt.
type ResultHandler interface {
	HandleResult(ctx context.Context, st model.SyncState, payload []byte) error
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, st model.SyncState, payload []byte) error

func (f ResultHandlerFunc) HandleResult(ctx context.Context, st model.SyncState, payload []byte) error {
	return f(ctx, st, payload)
}

// PollReport summarizes one poll.
type PollReport struct {
	Requeued  int `json:"requeued"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

// Poller claims due syncs and runs them against their providers, each
// behind its own rate limiter and circuit breaker.
type Poller struct {
	machine     *Machine
	providers   map[string]Provider
	handler     ResultHandler
	breakers    *resilience.ServiceBreakers
	ratePerSec  float64
	concurrency int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithResultHandler sets the handler run on every fetched payload.
func WithResultHandler(h ResultHandler) PollerOption {
	return func(p *Poller) { p.handler = h }
}

// WithProviders registers providers by name. Later registrations replace
// earlier ones.
func WithProviders(ps ...Provider) PollerOption {
	return func(p *Poller) {
		for _, prov := range ps {
			p.providers[prov.Name()] = prov
		}
	}
}

// NewPoller creates a Poller driving m.
func NewPoller(m *Machine, cfg config.SyncConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		machine:     m,
		providers:   make(map[string]Provider),
		breakers:    resilience.NewServiceBreakers(resilience.ProviderBreakers(cfg)),
		ratePerSec:  cfg.RatePerSec,
		concurrency: cfg.Concurrency,
		limiters:    make(map[string]*rate.Limiter),
	}
	if p.ratePerSec <= 0 {
		p.ratePerSec = 5
	}
	if p.concurrency <= 0 {
		p.concurrency = 4
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Providers returns the registered provider names.
func (p *Poller) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}

// BreakerStates reports each provider breaker that has been used.
func (p *Poller) BreakerStates() map[string]string {
	out := make(map[string]string)
	for name, st := range p.breakers.States() {
		out[name] = st.String()
	}
	return out
}

func (p *Poller) limiter(source string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[source]
	if !ok {
		burst := int(p.ratePerSec)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(p.ratePerSec), burst)
		p.limiters[source] = l
	}
	return l
}

// PollOnce requeues expired claims, then claims up to limit due rows and
// runs them. Provider and handler failures are recorded on the rows; only
// store failures are returned.
func (p *Poller) PollOnce(ctx context.Context, limit int) (PollReport, error) {
	var rep PollReport

	requeued, err := p.machine.RequeueStale(ctx)
	rep.Requeued = requeued
	if err != nil {
		return rep, err
	}

	due, err := p.machine.PollDue(ctx, limit)
	if err != nil {
		return rep, err
	}
	rep.Claimed = len(due)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, st := range due {
		g.Go(func() error {
			out, err := p.run(gCtx, st)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case model.SyncCompleted:
				rep.Completed++
			case model.SyncPending:
				rep.Retrying++
			case model.SyncFailed:
				rep.Failed++
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	if rep.Claimed > 0 {
		zap.L().Info("syncstate: poll complete",
			zap.Int("claimed", rep.Claimed),
			zap.Int("completed", rep.Completed),
			zap.Int("retrying", rep.Retrying),
			zap.Int("failed", rep.Failed),
			zap.Int("requeued", rep.Requeued),
		)
	}
	return rep, nil
}

// run executes one claimed row and returns the state it ended in. An empty
// state means the row was left claimed, for the lease to recover.
func (p *Poller) run(ctx context.Context, st model.SyncState) (model.SyncStatus, error) {
	log := zap.L().With(zap.String("sync_id", st.ID), zap.String("source", st.Source), zap.String("target_id", st.TargetID))

	prov, ok := p.providers[st.Source]
	if !ok {
		return p.fail(ctx, st, eris.Errorf("no provider registered for source %q", st.Source))
	}

	if err := p.limiter(st.Source).Wait(ctx); err != nil {
		log.Debug("syncstate: rate limiter wait aborted", zap.Error(err))
		return "", nil
	}

	var payload []byte
	err := p.breakers.Get(st.Source).Execute(ctx, func(ctx context.Context) error {
		var fetchErr error
		payload, fetchErr = prov.Fetch(ctx, st.TargetID)
		return fetchErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = resilience.Transient(eris.Wrapf(err, "provider %s", st.Source))
	}
	if err == nil && len(payload) > 0 && !json.Valid(payload) {
		err = eris.Errorf("provider %s returned a non-JSON payload", st.Source)
	}
	if err == nil && p.handler != nil {
		if herr := p.handler.HandleResult(ctx, st, payload); herr != nil {
			err = eris.Wrap(herr, "handle result")
		}
	}
	if err != nil {
		return p.fail(ctx, st, err)
	}

	done, err := p.machine.Complete(ctx, st.ID, payload)
	if err != nil {
		if eris.Is(err, model.ErrSyncTerminal) {
			log.Warn("syncstate: completed sync was already terminal")
			return "", nil
		}
		return "", err
	}
	return done.State, nil
}

func (p *Poller) fail(ctx context.Context, st model.SyncState, cause error) (model.SyncStatus, error) {
	out, err := p.machine.Fail(ctx, st.ID, resilience.FailureMessage(cause))
	if err != nil {
		if eris.Is(err, model.ErrSyncTerminal) {
			return "", nil
		}
		return "", err
	}
	return out.State, nil
}

// Run polls every interval until ctx is cancelled. Poll errors are logged
// and do not stop the loop.
func (p *Poller) Run(ctx context.Context, interval time.Duration, limit int) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx, limit); err != nil && ctx.Err() == nil {
			zap.L().Error("syncstate: poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
