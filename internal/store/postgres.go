package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/db"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	opts    options
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, opts: buildOptions(opts)}, nil
}

// NewPostgresWithPool wraps an existing pool, e.g. a pgxmock pool in tests.
func NewPostgresWithPool(pool db.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close, opts: buildOptions(opts)}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL CHECK (entity_type IN ('account', 'project', 'person')),
	entity_id   TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	keywords    TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS entity_domains (
	domain      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	PRIMARY KEY (domain, entity_type, entity_id),
	FOREIGN KEY (entity_type, entity_id) REFERENCES entities (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS signals (
	id             BIGSERIAL PRIMARY KEY,
	entity_type    TEXT NOT NULL CHECK (entity_type IN ('account', 'project', 'person')),
	entity_id      TEXT NOT NULL,
	signal_type    TEXT NOT NULL,
	source         TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	value          TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	half_life_days DOUBLE PRECISION NOT NULL CHECK (half_life_days >= 0),
	natural_key    TEXT UNIQUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	superseded_by  BIGINT REFERENCES signals (id),
	CHECK (superseded_by IS NULL OR superseded_by > id)
);

CREATE INDEX IF NOT EXISTS idx_signals_entity_active ON signals (entity_type, entity_id, signal_type) WHERE superseded_by IS NULL;
CREATE INDEX IF NOT EXISTS idx_signals_subject_active ON signals (subject) WHERE superseded_by IS NULL;

CREATE TABLE IF NOT EXISTS signal_derivations (
	source_signal_id  BIGINT NOT NULL REFERENCES signals (id),
	derived_signal_id BIGINT NOT NULL REFERENCES signals (id),
	rule_name         TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_signal_id, derived_signal_id, rule_name),
	CHECK (derived_signal_id > source_signal_id)
);

CREATE INDEX IF NOT EXISTS idx_signal_derivations_derived ON signal_derivations (derived_signal_id);

CREATE TABLE IF NOT EXISTS source_weights (
	source       TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	signal_type  TEXT NOT NULL,
	alpha        DOUBLE PRECISION NOT NULL DEFAULT 1 CHECK (alpha >= 1),
	beta         DOUBLE PRECISION NOT NULL DEFAULT 1 CHECK (beta >= 1),
	update_count BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, entity_type, signal_type)
);

CREATE TABLE IF NOT EXISTS resolution_feedback (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	meeting_id      TEXT NOT NULL,
	old_entity_type TEXT NOT NULL DEFAULT '',
	old_entity_id   TEXT NOT NULL DEFAULT '',
	new_entity_type TEXT NOT NULL,
	new_entity_id   TEXT NOT NULL,
	signal_source   TEXT NOT NULL DEFAULT '',
	corrected_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_resolution_feedback_meeting ON resolution_feedback (meeting_id);

CREATE TABLE IF NOT EXISTS relevance_feedback (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	action        TEXT NOT NULL,
	item_type     TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	detector_name TEXT NOT NULL DEFAULT '',
	signal_type   TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL DEFAULT '',
	sender_domain TEXT NOT NULL DEFAULT '',
	entity_type   TEXT NOT NULL DEFAULT '',
	entity_id     TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (action, item_type, item_id)
);

CREATE TABLE IF NOT EXISTS entity_assignments (
	record_id     TEXT PRIMARY KEY,
	entity_type   TEXT NOT NULL DEFAULT '',
	entity_id     TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	status        TEXT NOT NULL CHECK (status IN ('resolved', 'unresolved')),
	stage         TEXT NOT NULL DEFAULT '',
	explicit      BOOLEAN NOT NULL DEFAULT false,
	group_hash    TEXT NOT NULL DEFAULT '',
	candidates    JSONB NOT NULL DEFAULT '{}',
	assigned_at   TIMESTAMPTZ NOT NULL,
	reinforced_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_entity_assignments_settle ON entity_assignments (assigned_at)
	WHERE reinforced_at IS NULL AND status = 'resolved';

CREATE TABLE IF NOT EXISTS attendee_group_patterns (
	group_hash       TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	occurrence_count BIGINT NOT NULL CHECK (occurrence_count >= 1),
	confidence       DOUBLE PRECISION NOT NULL,
	first_seen_at    TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (group_hash, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS proactive_insights (
	id            TEXT PRIMARY KEY,
	detector_name TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	signal_id     BIGINT,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	signal_type   TEXT NOT NULL DEFAULT '',
	headline      TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	magnitude     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	dismissed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_proactive_insights_fingerprint ON proactive_insights (fingerprint);

CREATE TABLE IF NOT EXISTS insight_fingerprints (
	fingerprint  TEXT PRIMARY KEY,
	insight_id   TEXT NOT NULL,
	active_until TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS briefing_callouts (
	id            TEXT PRIMARY KEY,
	insight_id    TEXT NOT NULL UNIQUE REFERENCES proactive_insights (id),
	severity      TEXT NOT NULL CHECK (severity IN ('critical', 'warning', 'info')),
	severity_rank SMALLINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	surfaced_at   TIMESTAMPTZ,
	dismissed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_briefing_callouts_active ON briefing_callouts (severity_rank, created_at DESC) WHERE dismissed_at IS NULL;

CREATE TABLE IF NOT EXISTS detector_cursors (
	detector_name  TEXT PRIMARY KEY,
	last_signal_id BIGINT NOT NULL DEFAULT 0,
	last_run_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_states (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	target_id       TEXT NOT NULL,
	source          TEXT NOT NULL,
	state           TEXT NOT NULL CHECK (state IN ('pending', 'in_progress', 'completed', 'failed')),
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL CHECK (max_attempts >= 1),
	next_attempt_at TIMESTAMPTZ,
	last_attempt_at TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	error_message   TEXT NOT NULL DEFAULT '',
	result_payload  JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (attempts <= max_attempts)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_sync_states_active ON sync_states (target_id, source)
	WHERE state IN ('pending', 'in_progress');
CREATE INDEX IF NOT EXISTS idx_sync_states_due ON sync_states (next_attempt_at) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS idx_sync_states_claimed ON sync_states (last_attempt_at) WHERE state = 'in_progress';
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// write runs fn in one transaction, retrying serialization failures and
// deadlocks.
func (s *PostgresStore) write(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	rc := s.opts.retry
	if rc.OnRetry == nil {
		rc.OnRetry = resilience.RetryLogger("postgres", op)
	}
	err := resilience.Do(ctx, rc, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return eris.Wrapf(err, "postgres: %s: begin", op)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		return eris.Wrapf(tx.Commit(ctx), "postgres: %s: commit", op)
	})
	return contention(op, err)
}

// pgTime normalizes a timestamp to the precision Postgres stores.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func pgTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := pgTime(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func pgNotFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return err
}

// pgArgs accumulates positional arguments for a dynamically built query.
type pgArgs struct {
	args []any
}

// add appends v and returns its placeholder.
func (a *pgArgs) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

func pgEntityExists(ctx context.Context, q pgx.Tx, ref model.EntityRef) (bool, error) {
	var one int
	err := q.QueryRow(ctx,
		`SELECT 1 FROM entities WHERE entity_type = $1 AND entity_id = $2`,
		string(ref.Type), ref.ID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lookup entity %s", ref)
	}
	return true, nil
}

func joinWhere(clauses []string) string {
	if len(clauses) == 0 {
		return "true"
	}
	return strings.Join(clauses, " AND ")
}
