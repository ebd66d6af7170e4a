package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

const sqliteCalloutCols = `c.id, c.severity, c.created_at, c.surfaced_at, c.dismissed_at,
	i.id, i.detector_name, i.fingerprint, i.signal_id, i.entity_type, i.entity_id, i.signal_type,
	i.headline, i.detail, i.magnitude, i.created_at, i.expires_at, i.dismissed_at`

// InsertInsight claims the insight's fingerprint and, if no live instance
// holds it, writes the insight and its callout. inserted is false when the
// fingerprint is still active.
func (s *SQLiteStore) InsertInsight(ctx context.Context, ins model.ProactiveInsight, severity model.Severity) (*model.Callout, bool, error) {
	if err := validateInsight(ins); err != nil {
		return nil, false, err
	}
	severity, err := model.ParseSeverity(string(severity))
	if err != nil {
		return nil, false, err
	}
	if ins.ID == "" {
		ins.ID = uuid.New().String()
	}
	callout := model.Callout{
		ID:        uuid.New().String(),
		Severity:  severity,
		CreatedAt: ins.CreatedAt,
		Insight:   ins,
	}

	var inserted bool
	err = s.write(ctx, "insert_insight", func(tx *sql.Tx) error {
		inserted = false
		var claimed string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO insight_fingerprints (fingerprint, insight_id, active_until)
			VALUES (?, ?, ?)
			ON CONFLICT (fingerprint) DO UPDATE SET
				insight_id = excluded.insight_id,
				active_until = excluded.active_until
			WHERE insight_fingerprints.active_until <= ?
			RETURNING insight_id`,
			ins.Fingerprint, ins.ID, fmtTime(ins.ExpiresAt), fmtTime(ins.CreatedAt),
		).Scan(&claimed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: claim fingerprint %s", ins.Fingerprint)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO proactive_insights (id, detector_name, fingerprint, signal_id, entity_type, entity_id,
				signal_type, headline, detail, magnitude, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ins.ID, ins.DetectorName, ins.Fingerprint, nullSignalID(ins.SignalID), string(ins.Entity.Type),
			ins.Entity.ID, ins.SignalType, ins.Headline, ins.Detail, ins.Magnitude,
			fmtTime(ins.CreatedAt), fmtTime(ins.ExpiresAt),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert insight")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO briefing_callouts (id, insight_id, severity, severity_rank, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			callout.ID, ins.ID, string(severity), severity.Rank(), fmtTime(callout.CreatedAt),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert callout")
		}
		inserted = true
		return nil
	})
	if err != nil || !inserted {
		return nil, false, err
	}
	return &callout, true, nil
}

func (s *SQLiteStore) GetCallout(ctx context.Context, id string) (*model.Callout, error) {
	return sqliteGetCallout(ctx, s.db, id)
}

// ListActiveCallouts returns undismissed callouts of unexpired insights,
// most severe first, newest first within a severity.
func (s *SQLiteStore) ListActiveCallouts(ctx context.Context, f CalloutFilter, now time.Time) ([]model.Callout, error) {
	where := []string{"c.dismissed_at IS NULL", "i.dismissed_at IS NULL", "i.expires_at > ?"}
	args := []any{fmtTime(now)}
	if f.MinSeverity != "" {
		where = append(where, "c.severity_rank <= ?")
		args = append(args, f.MinSeverity.Rank())
	}
	if f.Entity != nil {
		where = append(where, "i.entity_type = ?", "i.entity_id = ?")
		args = append(args, string(f.Entity.Type), f.Entity.ID)
	}
	if f.UnsurfacedOnly {
		where = append(where, "c.surfaced_at IS NULL")
	}
	args = append(args, calloutLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteCalloutCols+`
		FROM briefing_callouts c JOIN proactive_insights i ON i.id = c.insight_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY c.severity_rank, c.created_at DESC, c.id
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list callouts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Callout
	for rows.Next() {
		c, err := scanSQLiteCallout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate callouts")
}

// SurfaceCallouts stamps surfaced_at on callouts that have not been surfaced.
// Already surfaced or dismissed callouts are left alone.
func (s *SQLiteStore) SurfaceCallouts(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{fmtTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.write(ctx, "surface_callouts", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE briefing_callouts SET surfaced_at = ?
			WHERE id IN (`+placeholders(len(ids))+`) AND surfaced_at IS NULL AND dismissed_at IS NULL`,
			args...,
		)
		return eris.Wrap(err, "sqlite: surface callouts")
	})
}

// DismissCallout terminally dismisses a callout and its insight, logs the
// relevance feedback and penalizes the detector for that entity type and
// signal type. changed is false when the callout was already dismissed.
func (s *SQLiteStore) DismissCallout(ctx context.Context, id string, fb model.RelevanceFeedback, now time.Time) (*model.Callout, bool, error) {
	var (
		callout *model.Callout
		changed bool
	)
	err := s.write(ctx, "dismiss_callout", func(tx *sql.Tx) error {
		changed = false
		c, err := sqliteGetCallout(ctx, tx, id)
		if err != nil {
			return err
		}
		callout = c
		if c.DismissedAt != nil {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE briefing_callouts SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`,
			fmtTime(now), id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: dismiss callout %s", id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE proactive_insights SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`,
			fmtTime(now), c.Insight.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: dismiss insight %s", c.Insight.ID)
		}

		logged, err := sqliteInsertRelevance(ctx, tx, dismissalFeedback(c, fb, now))
		if err != nil {
			return err
		}
		if logged {
			if err := sqliteApplyDelta(ctx, tx, dismissalDelta(c), now); err != nil {
				return err
			}
		}

		dismissed := now.UTC()
		callout.DismissedAt = &dismissed
		callout.Insight.DismissedAt = &dismissed
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return callout, changed, nil
}

func (s *SQLiteStore) DetectorCursor(ctx context.Context, detector string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_signal_id FROM detector_cursors WHERE detector_name = ?`, detector,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: detector cursor %s", detector)
	}
	return last, nil
}

// AdvanceDetectorCursor moves a detector's cursor forward. It never moves
// backwards.
func (s *SQLiteStore) AdvanceDetectorCursor(ctx context.Context, detector string, lastSignalID int64, now time.Time) error {
	return s.write(ctx, "advance_cursor", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO detector_cursors (detector_name, last_signal_id, last_run_at)
			VALUES (?, ?, ?)
			ON CONFLICT (detector_name) DO UPDATE SET
				last_signal_id = MAX(detector_cursors.last_signal_id, excluded.last_signal_id),
				last_run_at = excluded.last_run_at`,
			detector, lastSignalID, fmtTime(now),
		)
		return eris.Wrapf(err, "sqlite: advance cursor %s", detector)
	})
}

func sqliteGetCallout(ctx context.Context, q rowQuerier, id string) (*model.Callout, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteCalloutCols+`
		FROM briefing_callouts c JOIN proactive_insights i ON i.id = c.insight_id
		WHERE c.id = ?`,
		id,
	)
	c, err := scanSQLiteCallout(row)
	if err != nil {
		return nil, notFound(err, "callout", id)
	}
	return c, nil
}

func nullSignalID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func scanSQLiteCallout(row scannable) (*model.Callout, error) {
	var (
		c                          model.Callout
		severity, created          string
		surfaced, dismissed        sql.NullString
		signalID                   sql.NullInt64
		typ, insCreated, insExpire string
		insDismissed               sql.NullString
	)
	err := row.Scan(&c.ID, &severity, &created, &surfaced, &dismissed,
		&c.Insight.ID, &c.Insight.DetectorName, &c.Insight.Fingerprint, &signalID, &typ, &c.Insight.Entity.ID,
		&c.Insight.SignalType, &c.Insight.Headline, &c.Insight.Detail, &c.Insight.Magnitude,
		&insCreated, &insExpire, &insDismissed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan callout")
	}
	c.Severity = model.Severity(severity)
	c.Insight.Entity.Type = model.EntityType(typ)
	c.Insight.SignalID = signalID.Int64
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.SurfacedAt, err = parseNullTime(surfaced); err != nil {
		return nil, err
	}
	if c.DismissedAt, err = parseNullTime(dismissed); err != nil {
		return nil, err
	}
	if c.Insight.CreatedAt, err = parseTime(insCreated); err != nil {
		return nil, err
	}
	if c.Insight.ExpiresAt, err = parseTime(insExpire); err != nil {
		return nil, err
	}
	if c.Insight.DismissedAt, err = parseNullTime(insDismissed); err != nil {
		return nil, err
	}
	return &c, nil
}
