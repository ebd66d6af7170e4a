package insight

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-engine/internal/model"
)

// Store is the persistence the runner needs.
type Store interface {
	DetectorCursor(ctx context.Context, detector string) (int64, error)
	AdvanceDetectorCursor(ctx context.Context, detector string, lastSignalID int64, now time.Time) error
	SignalsSince(ctx context.Context, afterID int64, limit int) ([]model.Signal, error)
	SweepSignals(ctx context.Context, sw model.SignalSweep, afterID int64, limit int) ([]model.Signal, error)
	InsertInsight(ctx context.Context, ins model.ProactiveInsight, severity model.Severity) (*model.Callout, bool, error)
}

// RunReport summarizes one detector's pass.
type RunReport struct {
	Detector   string `json:"detector"`
	Scanned    int    `json:"scanned"`
	Candidates int    `json:"candidates"`
	Created    int    `json:"created"`
	Duplicates int    `json:"duplicates"`
	Cursor     int64  `json:"cursor"`
}

// Runner feeds new signals to each detector from its own cursor and
// stores what they find. Sweepers instead see every matching active signal
// on each run. Runs are idempotent: the fingerprint claim is the only guard
// against duplicates, so re-scanning a batch is harmless.
type Runner struct {
	store       Store
	detectors   []Detector
	rules       *Rules
	batchSize   int
	concurrency int
	nowFunc     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDetectors replaces the built-in detectors.
func WithDetectors(ds ...Detector) RunnerOption {
	return func(r *Runner) { r.detectors = ds }
}

// WithBatchSize sets how many signals each detector reads per batch.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithConcurrency bounds how many detectors run at once.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithNow sets the clock, for tests.
func WithNow(fn func() time.Time) RunnerOption {
	return func(r *Runner) { r.nowFunc = fn }
}

// NewRunner creates a Runner with the built-in detectors configured by
// rules. A nil rules uses DefaultRules.
func NewRunner(st Store, rules *Rules, opts ...RunnerOption) *Runner {
	if rules == nil {
		rules = DefaultRules()
	}
	r := &Runner{
		store:       st,
		detectors:   BuiltinDetectors(rules),
		rules:       rules,
		batchSize:   500,
		concurrency: 4,
		nowFunc:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detectors returns the configured detector names.
func (r *Runner) Detectors() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// Run scans every detector concurrently. Reports are in detector order.
func (r *Runner) Run(ctx context.Context) ([]RunReport, error) {
	now := r.nowFunc()
	reports := make([]RunReport, len(r.detectors))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, d := range r.detectors {
		g.Go(func() error {
			rep, err := r.runDetector(gCtx, d, now)
			reports[i] = rep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

func (r *Runner) runDetector(ctx context.Context, d Detector, now time.Time) (RunReport, error) {
	if sw, ok := d.(Sweeper); ok {
		return r.runSweeper(ctx, sw, now)
	}
	name := d.Name()
	rep := RunReport{Detector: name}
	rule := r.rules.Rule(name)

	cursor, err := r.store.DetectorCursor(ctx, name)
	if err != nil {
		return rep, eris.Wrapf(err, "insight: cursor for %s", name)
	}
	rep.Cursor = cursor

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sigs, err := r.store.SignalsSince(ctx, cursor, r.batchSize)
		if err != nil {
			return rep, eris.Wrapf(err, "insight: signals for %s", name)
		}
		if len(sigs) == 0 {
			break
		}
		rep.Scanned += len(sigs)

		if err := r.insertAll(ctx, name, rule, d.Scan(ScanContext{Now: now}, sigs), now, &rep); err != nil {
			return rep, err
		}

		last := sigs[len(sigs)-1].ID
		if err := r.store.AdvanceDetectorCursor(ctx, name, last, now); err != nil {
			return rep, eris.Wrapf(err, "insight: advance cursor for %s", name)
		}
		cursor, rep.Cursor = last, last
		if len(sigs) < r.batchSize {
			break
		}
	}

	zap.L().Info("insight: detector run complete",
		zap.String("detector", name),
		zap.Int("scanned", rep.Scanned),
		zap.Int("created", rep.Created),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int64("cursor", rep.Cursor),
	)
	return rep, nil
}

// runSweeper reads every signal the sweeper asks for before scanning, so
// detectors that count across signals see the whole set at once. The
// cursor is left alone.
func (r *Runner) runSweeper(ctx context.Context, d Sweeper, now time.Time) (RunReport, error) {
	name := d.Name()
	rep := RunReport{Detector: name}
	sc := ScanContext{Now: now}
	sweep := d.Sweep(sc)

	var (
		all   []model.Signal
		after int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sigs, err := r.store.SweepSignals(ctx, sweep, after, r.batchSize)
		if err != nil {
			return rep, eris.Wrapf(err, "insight: sweep signals for %s", name)
		}
		all = append(all, sigs...)
		if len(sigs) < r.batchSize {
			break
		}
		after = sigs[len(sigs)-1].ID
	}
	rep.Scanned = len(all)

	if err := r.insertAll(ctx, name, r.rules.Rule(name), d.Scan(sc, all), now, &rep); err != nil {
		return rep, err
	}

	zap.L().Info("insight: detector sweep complete",
		zap.String("detector", name),
		zap.Int("scanned", rep.Scanned),
		zap.Int("created", rep.Created),
		zap.Int("duplicates", rep.Duplicates),
	)
	return rep, nil
}

func (r *Runner) insertAll(ctx context.Context, detector string, rule DetectorRule, cands []Candidate, now time.Time, rep *RunReport) error {
	rep.Candidates += len(cands)
	for _, c := range cands {
		created, err := r.insert(ctx, detector, rule, c, now)
		if err != nil {
			return err
		}
		if created {
			rep.Created++
		} else {
			rep.Duplicates++
		}
	}
	return nil
}

func (r *Runner) insert(ctx context.Context, detector string, rule DetectorRule, c Candidate, now time.Time) (bool, error) {
	ins := model.ProactiveInsight{
		DetectorName: detector,
		Fingerprint:  Fingerprint(detector, c.Entity, c.Headline),
		SignalID:     c.SignalID,
		Entity:       c.Entity,
		SignalType:   c.SignalType,
		Headline:     c.Headline,
		Detail:       c.Detail,
		Magnitude:    c.Magnitude,
		CreatedAt:    now,
		ExpiresAt:    now.Add(rule.TTL()),
	}
	callout, created, err := r.store.InsertInsight(ctx, ins, rule.SeverityFor(c.Magnitude))
	if err != nil {
		return false, eris.Wrapf(err, "insight: insert %s insight for %s", detector, c.Entity)
	}
	if created {
		zap.L().Info("insight: callout created",
			zap.String("detector", detector),
			zap.String("entity", c.Entity.String()),
			zap.String("severity", string(callout.Severity)),
			zap.String("headline", c.Headline),
		)
	}
	return created, nil
}
