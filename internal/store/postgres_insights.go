package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

const pgCalloutCols = `c.id, c.severity, c.created_at, c.surfaced_at, c.dismissed_at,
	i.id, i.detector_name, i.fingerprint, i.signal_id, i.entity_type, i.entity_id, i.signal_type,
	i.headline, i.detail, i.magnitude, i.created_at, i.expires_at, i.dismissed_at`

func (s *PostgresStore) InsertInsight(ctx context.Context, ins model.ProactiveInsight, severity model.Severity) (*model.Callout, bool, error) {
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
	ins.CreatedAt = pgTime(ins.CreatedAt)
	ins.ExpiresAt = pgTime(ins.ExpiresAt)
	callout := model.Callout{
		ID:        uuid.New().String(),
		Severity:  severity,
		CreatedAt: ins.CreatedAt,
		Insight:   ins,
	}

	var inserted bool
	err = s.write(ctx, "insert_insight", func(tx pgx.Tx) error {
		inserted = false
		var claimed string
		err := tx.QueryRow(ctx,
			`INSERT INTO insight_fingerprints (fingerprint, insight_id, active_until)
			VALUES ($1, $2, $3)
			ON CONFLICT (fingerprint) DO UPDATE SET
				insight_id = EXCLUDED.insight_id,
				active_until = EXCLUDED.active_until
			WHERE insight_fingerprints.active_until <= $4
			RETURNING insight_id`,
			ins.Fingerprint, ins.ID, ins.ExpiresAt, ins.CreatedAt,
		).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: claim fingerprint %s", ins.Fingerprint)
		}

		var signalID *int64
		if ins.SignalID > 0 {
			signalID = &ins.SignalID
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO proactive_insights (id, detector_name, fingerprint, signal_id, entity_type, entity_id,
				signal_type, headline, detail, magnitude, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			ins.ID, ins.DetectorName, ins.Fingerprint, signalID, string(ins.Entity.Type), ins.Entity.ID,
			ins.SignalType, ins.Headline, ins.Detail, ins.Magnitude, ins.CreatedAt, ins.ExpiresAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert insight")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO briefing_callouts (id, insight_id, severity, severity_rank, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			callout.ID, ins.ID, string(severity), severity.Rank(), callout.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert callout")
		}
		inserted = true
		return nil
	})
	if err != nil || !inserted {
		return nil, false, err
	}
	return &callout, true, nil
}

func (s *PostgresStore) GetCallout(ctx context.Context, id string) (*model.Callout, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgCalloutCols+`
		FROM briefing_callouts c JOIN proactive_insights i ON i.id = c.insight_id
		WHERE c.id = $1`,
		id,
	)
	c, err := scanPgCallout(row)
	if err != nil {
		return nil, pgNotFound(err, "callout", id)
	}
	return c, nil
}

func (s *PostgresStore) ListActiveCallouts(ctx context.Context, f CalloutFilter, now time.Time) ([]model.Callout, error) {
	var a pgArgs
	where := []string{"c.dismissed_at IS NULL", "i.dismissed_at IS NULL", "i.expires_at > " + a.add(pgTime(now))}
	if f.MinSeverity != "" {
		where = append(where, "c.severity_rank <= "+a.add(f.MinSeverity.Rank()))
	}
	if f.Entity != nil {
		where = append(where,
			"i.entity_type = "+a.add(string(f.Entity.Type)),
			"i.entity_id = "+a.add(f.Entity.ID),
		)
	}
	if f.UnsurfacedOnly {
		where = append(where, "c.surfaced_at IS NULL")
	}
	limit := a.add(calloutLimit(f.Limit))

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgCalloutCols+`
		FROM briefing_callouts c JOIN proactive_insights i ON i.id = c.insight_id
		WHERE `+joinWhere(where)+`
		ORDER BY c.severity_rank, c.created_at DESC, c.id
		LIMIT `+limit,
		a.args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list callouts")
	}
	defer rows.Close()

	var out []model.Callout
	for rows.Next() {
		c, err := scanPgCallout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate callouts")
}

func (s *PostgresStore) SurfaceCallouts(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, "surface_callouts", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE briefing_callouts SET surfaced_at = $1
			WHERE id = ANY($2) AND surfaced_at IS NULL AND dismissed_at IS NULL`,
			pgTime(now), ids,
		)
		return eris.Wrap(err, "postgres: surface callouts")
	})
}

func (s *PostgresStore) DismissCallout(ctx context.Context, id string, fb model.RelevanceFeedback, now time.Time) (*model.Callout, bool, error) {
	var (
		callout *model.Callout
		changed bool
	)
	ts := pgTime(now)
	err := s.write(ctx, "dismiss_callout", func(tx pgx.Tx) error {
		changed = false
		c, err := scanPgCallout(tx.QueryRow(ctx,
			`SELECT `+pgCalloutCols+`
			FROM briefing_callouts c JOIN proactive_insights i ON i.id = c.insight_id
			WHERE c.id = $1
			FOR UPDATE OF c`,
			id,
		))
		if err != nil {
			return pgNotFound(err, "callout", id)
		}
		callout = c
		if c.DismissedAt != nil {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE briefing_callouts SET dismissed_at = $1 WHERE id = $2 AND dismissed_at IS NULL`,
			ts, id,
		); err != nil {
			return eris.Wrapf(err, "postgres: dismiss callout %s", id)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE proactive_insights SET dismissed_at = $1 WHERE id = $2 AND dismissed_at IS NULL`,
			ts, c.Insight.ID,
		); err != nil {
			return eris.Wrapf(err, "postgres: dismiss insight %s", c.Insight.ID)
		}

		logged, err := pgInsertRelevance(ctx, tx, dismissalFeedback(c, fb, now))
		if err != nil {
			return err
		}
		if logged {
			if err := pgApplyDelta(ctx, tx, dismissalDelta(c), now); err != nil {
				return err
			}
		}
		callout.DismissedAt = &ts
		callout.Insight.DismissedAt = &ts
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return callout, changed, nil
}

func (s *PostgresStore) DetectorCursor(ctx context.Context, detector string) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_signal_id FROM detector_cursors WHERE detector_name = $1`, detector,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: detector cursor %s", detector)
	}
	return last, nil
}

func (s *PostgresStore) AdvanceDetectorCursor(ctx context.Context, detector string, lastSignalID int64, now time.Time) error {
	return s.write(ctx, "advance_cursor", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO detector_cursors (detector_name, last_signal_id, last_run_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (detector_name) DO UPDATE SET
				last_signal_id = GREATEST(detector_cursors.last_signal_id, EXCLUDED.last_signal_id),
				last_run_at = EXCLUDED.last_run_at`,
			detector, lastSignalID, pgTime(now),
		)
		return eris.Wrapf(err, "postgres: advance cursor %s", detector)
	})
}

func scanPgCallout(row pgx.Row) (*model.Callout, error) {
	var (
		c             model.Callout
		severity, typ string
		signalID      *int64
	)
	err := row.Scan(&c.ID, &severity, &c.CreatedAt, &c.SurfacedAt, &c.DismissedAt,
		&c.Insight.ID, &c.Insight.DetectorName, &c.Insight.Fingerprint, &signalID, &typ, &c.Insight.Entity.ID,
		&c.Insight.SignalType, &c.Insight.Headline, &c.Insight.Detail, &c.Insight.Magnitude,
		&c.Insight.CreatedAt, &c.Insight.ExpiresAt, &c.Insight.DismissedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan callout")
	}
	c.Severity = model.Severity(severity)
	c.Insight.Entity.Type = model.EntityType(typ)
	if signalID != nil {
		c.Insight.SignalID = *signalID
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.SurfacedAt = utcPtr(c.SurfacedAt)
	c.DismissedAt = utcPtr(c.DismissedAt)
	c.Insight.CreatedAt = c.Insight.CreatedAt.UTC()
	c.Insight.ExpiresAt = c.Insight.ExpiresAt.UTC()
	c.Insight.DismissedAt = utcPtr(c.Insight.DismissedAt)
	return &c, nil
}
