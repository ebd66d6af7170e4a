package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

const sqliteSignalCols = `id, entity_type, entity_id, signal_type, source, subject, value,
	confidence, half_life_days, natural_key, created_at, superseded_by`

// RecordSignal appends a signal. A repeated natural key returns the existing
// id with inserted=false. When in.Supersedes is set, the terminal signal of
// that chain is marked superseded by the new row in the same transaction.
func (s *SQLiteStore) RecordSignal(ctx context.Context, in model.SignalInput, now time.Time) (int64, bool, error) {
	in, err := in.Normalize()
	if err != nil {
		return 0, false, err
	}

	var (
		id       int64
		inserted bool
	)
	err = s.write(ctx, "record_signal", func(tx *sql.Tx) error {
		id, inserted = 0, false

		ok, err := sqliteEntityExists(ctx, tx, in.Entity)
		if err != nil {
			return err
		}
		if !ok {
			return unknownEntity(in.Entity)
		}

		if in.NaturalKey != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM signals WHERE natural_key = ?`, in.NaturalKey,
			).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(err, "sqlite: lookup natural key %s", in.NaturalKey)
			}
		}

		var terminal int64
		if in.Supersedes > 0 {
			terminal, err = sqliteTerminalSignal(ctx, tx, in)
			if err != nil {
				return err
			}
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO signals (entity_type, entity_id, signal_type, source, subject, value,
				confidence, half_life_days, natural_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			string(in.Entity.Type), in.Entity.ID, in.SignalType, in.Source, in.Subject, in.Value,
			in.Confidence, in.HalfLifeDays, nullString(in.NaturalKey), fmtTime(now),
		).Scan(&id)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert signal")
		}
		inserted = true

		if terminal > 0 {
			res, err := tx.ExecContext(ctx,
				`UPDATE signals SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
				id, terminal,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: supersede signal %d", terminal)
			}
			if err := checkRowsAffected(res, "signal", strconv.FormatInt(terminal, 10)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

// sqliteTerminalSignal follows superseded_by links from in.Supersedes to the
// active end of the chain and checks it describes the same entity and type.
func sqliteTerminalSignal(ctx context.Context, tx *sql.Tx, in model.SignalInput) (int64, error) {
	current := in.Supersedes
	for depth := 0; depth < maxChainDepth; depth++ {
		var (
			typ, id, signalType string
			next                sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT entity_type, entity_id, signal_type, superseded_by FROM signals WHERE id = ?`,
			current,
		).Scan(&typ, &id, &signalType, &next)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, model.NewValidationError(model.CodeInvalidSupersession, "supersedes", "signal %d does not exist", current)
		}
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: load signal %d", current)
		}
		if model.EntityType(typ) != in.Entity.Type || id != in.Entity.ID || signalType != in.SignalType {
			return 0, model.NewValidationError(model.CodeInvalidSupersession, "supersedes",
				"signal %d describes %s:%s/%s, not %s/%s", current, typ, id, signalType, in.Entity, in.SignalType)
		}
		if !next.Valid {
			return current, nil
		}
		current = next.Int64
	}
	return 0, model.NewValidationError(model.CodeInvalidSupersession, "supersedes", "supersession chain from %d is too long", in.Supersedes)
}

func (s *SQLiteStore) GetSignal(ctx context.Context, id int64) (*model.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSignalCols+` FROM signals WHERE id = ?`, id)
	sig, err := scanSQLiteSignal(row)
	if err != nil {
		return nil, notFound(err, "signal", strconv.FormatInt(id, 10))
	}
	return sig, nil
}

// ActiveSignals returns the non-superseded signals of ref, optionally narrowed
// to one signal type, oldest first.
func (s *SQLiteStore) ActiveSignals(ctx context.Context, ref model.EntityRef, signalType string) ([]model.Signal, error) {
	query := `SELECT ` + sqliteSignalCols + ` FROM signals
		WHERE entity_type = ? AND entity_id = ? AND superseded_by IS NULL`
	args := []any{string(ref.Type), ref.ID}
	if signalType != "" {
		query += ` AND signal_type = ?`
		args = append(args, signalType)
	}
	query += ` ORDER BY id`
	return s.querySignals(ctx, query, args...)
}

func (s *SQLiteStore) SignalsBySubject(ctx context.Context, subject string) ([]model.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+sqliteSignalCols+` FROM signals
		WHERE subject = ? AND superseded_by IS NULL ORDER BY id`,
		subject,
	)
}

func (s *SQLiteStore) SignalsSince(ctx context.Context, afterID int64, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.querySignals(ctx,
		`SELECT `+sqliteSignalCols+` FROM signals
		WHERE id > ? AND superseded_by IS NULL ORDER BY id LIMIT ?`,
		afterID, limit,
	)
}

func (s *SQLiteStore) SweepSignals(ctx context.Context, sw model.SignalSweep, afterID int64, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + sqliteSignalCols + ` FROM signals WHERE id > ? AND superseded_by IS NULL`
	args := []any{afterID}
	if len(sw.Types) > 0 {
		query += ` AND signal_type IN (` + placeholders(len(sw.Types)) + `)`
		for _, t := range sw.Types {
			args = append(args, t)
		}
	}
	if !sw.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, fmtTime(sw.Since))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	return s.querySignals(ctx, query, args...)
}

func (s *SQLiteStore) AddDerivation(ctx context.Context, d model.SignalDerivation, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.write(ctx, "add_derivation", func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM signals WHERE id IN (?, ?)`, d.SourceID, d.DerivedID,
		).Scan(&n)
		if err != nil {
			return eris.Wrap(err, "sqlite: check derivation signals")
		}
		if n != 2 {
			return model.NewValidationError(model.CodeInvalidDerivation, "",
				"signals %d and %d must both exist", d.SourceID, d.DerivedID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO signal_derivations (source_signal_id, derived_signal_id, rule_name, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			d.SourceID, d.DerivedID, d.RuleName, fmtTime(now),
		)
		return eris.Wrap(err, "sqlite: insert derivation")
	})
}

// Derivations returns every lineage edge touching signalID.
func (s *SQLiteStore) Derivations(ctx context.Context, signalID int64) ([]model.SignalDerivation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_signal_id, derived_signal_id, rule_name, created_at
		FROM signal_derivations
		WHERE source_signal_id = ? OR derived_signal_id = ?
		ORDER BY source_signal_id, derived_signal_id, rule_name`,
		signalID, signalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: derivations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SignalDerivation
	for rows.Next() {
		var (
			d       model.SignalDerivation
			created string
		)
		if err := rows.Scan(&d.SourceID, &d.DerivedID, &d.RuleName, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan derivation")
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate derivations")
}

func (s *SQLiteStore) querySignals(ctx context.Context, query string, args ...any) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query signals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Signal
	for rows.Next() {
		sig, err := scanSQLiteSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate signals")
}

func scanSQLiteSignal(row scannable) (*model.Signal, error) {
	var (
		sig          model.Signal
		typ, created string
		naturalKey   sql.NullString
		superseded   sql.NullInt64
	)
	err := row.Scan(&sig.ID, &typ, &sig.Entity.ID, &sig.SignalType, &sig.Source, &sig.Subject, &sig.Value,
		&sig.Confidence, &sig.HalfLifeDays, &naturalKey, &created, &superseded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan signal")
	}
	sig.Entity.Type = model.EntityType(typ)
	sig.NaturalKey = naturalKey.String
	if superseded.Valid {
		v := superseded.Int64
		sig.SupersededBy = &v
	}
	if sig.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &sig, nil
}
