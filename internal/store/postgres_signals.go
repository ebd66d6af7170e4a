package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

// signalAppendLock is the advisory lock key taken by every signal insert.
const signalAppendLock int64 = 0x5349474e414c

const pgSignalCols = `id, entity_type, entity_id, signal_type, source, subject, value,
	confidence, half_life_days, natural_key, created_at, superseded_by`

func (s *PostgresStore) RecordSignal(ctx context.Context, in model.SignalInput, now time.Time) (int64, bool, error) {
	in, err := in.Normalize()
	if err != nil {
		return 0, false, err
	}

	var (
		id       int64
		inserted bool
	)
	err = s.write(ctx, "record_signal", func(tx pgx.Tx) error {
		id, inserted = 0, false

		ok, err := pgEntityExists(ctx, tx, in.Entity)
		if err != nil {
			return err
		}
		if !ok {
			return unknownEntity(in.Entity)
		}

		var terminal int64
		if in.Supersedes > 0 {
			terminal, err = pgTerminalSignal(ctx, tx, in)
			if err != nil {
				return err
			}
		}

		// Ids must become visible in order for detector cursors, so
		// appends hold a transaction-scoped lock until commit.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, signalAppendLock); err != nil {
			return eris.Wrap(err, "postgres: lock signal appends")
		}

		var naturalKey *string
		if in.NaturalKey != "" {
			naturalKey = &in.NaturalKey
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO signals (entity_type, entity_id, signal_type, source, subject, value,
				confidence, half_life_days, natural_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (natural_key) DO NOTHING
			RETURNING id`,
			string(in.Entity.Type), in.Entity.ID, in.SignalType, in.Source, in.Subject, in.Value,
			in.Confidence, in.HalfLifeDays, naturalKey, pgTime(now),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `SELECT id FROM signals WHERE natural_key = $1`, in.NaturalKey).Scan(&id)
			return eris.Wrapf(err, "postgres: lookup natural key %s", in.NaturalKey)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: insert signal")
		}
		inserted = true

		if terminal > 0 {
			tag, err := tx.Exec(ctx,
				`UPDATE signals SET superseded_by = $1 WHERE id = $2 AND superseded_by IS NULL`,
				id, terminal,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: supersede signal %d", terminal)
			}
			if tag.RowsAffected() == 0 {
				return eris.Wrapf(model.ErrNotFound, "active signal %d", terminal)
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

// pgTerminalSignal locks each link of the chain so two writers cannot
// supersede the same terminal signal.
func pgTerminalSignal(ctx context.Context, tx pgx.Tx, in model.SignalInput) (int64, error) {
	current := in.Supersedes
	for depth := 0; depth < maxChainDepth; depth++ {
		var (
			typ, id, signalType string
			next                *int64
		)
		err := tx.QueryRow(ctx,
			`SELECT entity_type, entity_id, signal_type, superseded_by FROM signals WHERE id = $1 FOR UPDATE`,
			current,
		).Scan(&typ, &id, &signalType, &next)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.NewValidationError(model.CodeInvalidSupersession, "supersedes", "signal %d does not exist", current)
		}
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: load signal %d", current)
		}
		if model.EntityType(typ) != in.Entity.Type || id != in.Entity.ID || signalType != in.SignalType {
			return 0, model.NewValidationError(model.CodeInvalidSupersession, "supersedes",
				"signal %d describes %s:%s/%s, not %s/%s", current, typ, id, signalType, in.Entity, in.SignalType)
		}
		if next == nil {
			return current, nil
		}
		current = *next
	}
	return 0, model.NewValidationError(model.CodeInvalidSupersession, "supersedes", "supersession chain from %d is too long", in.Supersedes)
}

func (s *PostgresStore) GetSignal(ctx context.Context, id int64) (*model.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSignalCols+` FROM signals WHERE id = $1`, id)
	sig, err := scanPgSignal(row)
	if err != nil {
		return nil, pgNotFound(err, "signal", strconv.FormatInt(id, 10))
	}
	return sig, nil
}

func (s *PostgresStore) ActiveSignals(ctx context.Context, ref model.EntityRef, signalType string) ([]model.Signal, error) {
	var a pgArgs
	query := `SELECT ` + pgSignalCols + ` FROM signals
		WHERE entity_type = ` + a.add(string(ref.Type)) + ` AND entity_id = ` + a.add(ref.ID) + `
			AND superseded_by IS NULL`
	if signalType != "" {
		query += ` AND signal_type = ` + a.add(signalType)
	}
	query += ` ORDER BY id`
	return s.querySignals(ctx, query, a.args...)
}

func (s *PostgresStore) SignalsBySubject(ctx context.Context, subject string) ([]model.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+pgSignalCols+` FROM signals WHERE subject = $1 AND superseded_by IS NULL ORDER BY id`,
		subject,
	)
}

func (s *PostgresStore) SignalsSince(ctx context.Context, afterID int64, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.querySignals(ctx,
		`SELECT `+pgSignalCols+` FROM signals WHERE id > $1 AND superseded_by IS NULL ORDER BY id LIMIT $2`,
		afterID, limit,
	)
}

func (s *PostgresStore) SweepSignals(ctx context.Context, sw model.SignalSweep, afterID int64, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 500
	}
	var a pgArgs
	query := `SELECT ` + pgSignalCols + ` FROM signals WHERE id > ` + a.add(afterID) + ` AND superseded_by IS NULL`
	if len(sw.Types) > 0 {
		query += ` AND signal_type = ANY(` + a.add(sw.Types) + `)`
	}
	if !sw.Since.IsZero() {
		query += ` AND created_at >= ` + a.add(pgTime(sw.Since))
	}
	query += ` ORDER BY id LIMIT ` + a.add(limit)
	return s.querySignals(ctx, query, a.args...)
}

func (s *PostgresStore) AddDerivation(ctx context.Context, d model.SignalDerivation, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.write(ctx, "add_derivation", func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM signals WHERE id = ANY($1)`, []int64{d.SourceID, d.DerivedID},
		).Scan(&n); err != nil {
			return eris.Wrap(err, "postgres: check derivation signals")
		}
		if n != 2 {
			return model.NewValidationError(model.CodeInvalidDerivation, "",
				"signals %d and %d must both exist", d.SourceID, d.DerivedID)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO signal_derivations (source_signal_id, derived_signal_id, rule_name, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			d.SourceID, d.DerivedID, d.RuleName, pgTime(now),
		)
		return eris.Wrap(err, "postgres: insert derivation")
	})
}

func (s *PostgresStore) Derivations(ctx context.Context, signalID int64) ([]model.SignalDerivation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_signal_id, derived_signal_id, rule_name, created_at
		FROM signal_derivations
		WHERE source_signal_id = $1 OR derived_signal_id = $1
		ORDER BY source_signal_id, derived_signal_id, rule_name`,
		signalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: derivations")
	}
	defer rows.Close()

	var out []model.SignalDerivation
	for rows.Next() {
		var d model.SignalDerivation
		if err := rows.Scan(&d.SourceID, &d.DerivedID, &d.RuleName, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan derivation")
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate derivations")
}

func (s *PostgresStore) querySignals(ctx context.Context, query string, args ...any) ([]model.Signal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query signals")
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		sig, err := scanPgSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate signals")
}

func scanPgSignal(row pgx.Row) (*model.Signal, error) {
	var (
		sig        model.Signal
		typ        string
		naturalKey *string
	)
	err := row.Scan(&sig.ID, &typ, &sig.Entity.ID, &sig.SignalType, &sig.Source, &sig.Subject, &sig.Value,
		&sig.Confidence, &sig.HalfLifeDays, &naturalKey, &sig.CreatedAt, &sig.SupersededBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan signal")
	}
	sig.Entity.Type = model.EntityType(typ)
	if naturalKey != nil {
		sig.NaturalKey = *naturalKey
	}
	sig.CreatedAt = sig.CreatedAt.UTC()
	return &sig, nil
}
