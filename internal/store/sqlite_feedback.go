package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

const sqliteAssignmentCols = `record_id, entity_type, entity_id, confidence, status, stage, explicit,
	group_hash, candidates, assigned_at, reinforced_at`

const sqlitePatternCols = `group_hash, entity_type, entity_id, occurrence_count, confidence,
	first_seen_at, last_seen_at`

// SourceWeights returns the posterior for every key, falling back to the
// uninformative prior for keys that have no row yet.
func (s *SQLiteStore) SourceWeights(ctx context.Context, keys []model.WeightKey) (map[model.WeightKey]model.SourceWeight, error) {
	out := make(map[model.WeightKey]model.SourceWeight, len(keys))
	for _, key := range keys {
		if _, ok := out[key]; ok {
			continue
		}
		row := s.db.QueryRowContext(ctx,
			`SELECT source, entity_type, signal_type, alpha, beta, update_count, updated_at
			FROM source_weights WHERE source = ? AND entity_type = ? AND signal_type = ?`,
			key.Source, string(key.EntityType), key.SignalType,
		)
		w, err := scanSQLiteWeight(row)
		if errors.Is(err, sql.ErrNoRows) {
			out[key] = model.PriorWeight(key)
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = *w
	}
	return out, nil
}

func (s *SQLiteStore) ListSourceWeights(ctx context.Context) ([]model.SourceWeight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, entity_type, signal_type, alpha, beta, update_count, updated_at
		FROM source_weights ORDER BY source, entity_type, signal_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list source weights")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceWeight
	for rows.Next() {
		w, err := scanSQLiteWeight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate source weights")
}

// ApplyCorrection records a user correction. The planner sees the assignment
// as it is inside the transaction, so concurrent corrections never apply
// deltas computed from a stale trace.
func (s *SQLiteStore) ApplyCorrection(ctx context.Context, fb model.ResolutionFeedback, plan CorrectionPlanner) (*model.CorrectionPlan, error) {
	if err := validateFeedback(fb); err != nil {
		return nil, err
	}
	if fb.CorrectedAt.IsZero() {
		fb.CorrectedAt = time.Now().UTC()
	}

	var result model.CorrectionPlan
	err := s.write(ctx, "apply_correction", func(tx *sql.Tx) error {
		ok, err := sqliteEntityExists(ctx, tx, fb.NewEntity)
		if err != nil {
			return err
		}
		if !ok {
			return unknownEntity(fb.NewEntity)
		}

		current, err := sqliteGetAssignment(ctx, tx, fb.MeetingID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		p, err := plan(current)
		if err != nil {
			return err
		}
		if err := validateDeltas(p.Deltas); err != nil {
			return err
		}

		id := fb.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO resolution_feedback (id, meeting_id, old_entity_type, old_entity_id,
				new_entity_type, new_entity_id, signal_source, corrected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, fb.MeetingID, string(fb.OldEntity.Type), fb.OldEntity.ID,
			string(fb.NewEntity.Type), fb.NewEntity.ID, fb.SignalSource, fmtTime(fb.CorrectedAt),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert resolution feedback")
		}

		for _, d := range p.Deltas {
			if err := sqliteApplyDelta(ctx, tx, d, fb.CorrectedAt); err != nil {
				return err
			}
		}
		if err := sqliteReplaceAssignment(ctx, tx, p.Assignment); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RecordRelevanceFeedback logs a dismissal or rejection once per
// (action, item). Deltas apply only when the log row is new.
func (s *SQLiteStore) RecordRelevanceFeedback(ctx context.Context, fb model.RelevanceFeedback, deltas []model.WeightDelta) (bool, error) {
	if fb.Action == "" || fb.ItemType == "" || fb.ItemID == "" {
		return false, model.NewValidationError(model.CodeMissingField, "item", "action, item type and item id are required")
	}
	if err := validateDeltas(deltas); err != nil {
		return false, err
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	var inserted bool
	err := s.write(ctx, "record_relevance_feedback", func(tx *sql.Tx) error {
		var err error
		inserted, err = sqliteInsertRelevance(ctx, tx, fb)
		if err != nil || !inserted {
			return err
		}
		for _, d := range deltas {
			if err := sqliteApplyDelta(ctx, tx, d, fb.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *SQLiteStore) ListResolutionFeedback(ctx context.Context, meetingID string) ([]model.ResolutionFeedback, error) {
	query := `SELECT id, meeting_id, old_entity_type, old_entity_id, new_entity_type, new_entity_id,
		signal_source, corrected_at FROM resolution_feedback`
	var args []any
	if meetingID != "" {
		query += ` WHERE meeting_id = ?`
		args = append(args, meetingID)
	}
	query += ` ORDER BY corrected_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list resolution feedback")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ResolutionFeedback
	for rows.Next() {
		var (
			fb               model.ResolutionFeedback
			oldType, newType string
			corrected        string
		)
		if err := rows.Scan(&fb.ID, &fb.MeetingID, &oldType, &fb.OldEntity.ID, &newType, &fb.NewEntity.ID,
			&fb.SignalSource, &corrected); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resolution feedback")
		}
		fb.OldEntity.Type = model.EntityType(oldType)
		fb.NewEntity.Type = model.EntityType(newType)
		if fb.CorrectedAt, err = parseTime(corrected); err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate resolution feedback")
}

func (s *SQLiteStore) ListRelevanceFeedback(ctx context.Context, limit int) ([]model.RelevanceFeedback, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, item_type, item_id, detector_name, signal_type, source, sender_domain,
			entity_type, entity_id, reason, created_at
		FROM relevance_feedback ORDER BY created_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list relevance feedback")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RelevanceFeedback
	for rows.Next() {
		var (
			fb           model.RelevanceFeedback
			typ, created string
		)
		if err := rows.Scan(&fb.ID, &fb.Action, &fb.ItemType, &fb.ItemID, &fb.DetectorName, &fb.SignalType,
			&fb.Source, &fb.SenderDomain, &typ, &fb.Entity.ID, &fb.Reason, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan relevance feedback")
		}
		fb.Entity.Type = model.EntityType(typ)
		if fb.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate relevance feedback")
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, recordID string) (*model.Assignment, error) {
	return sqliteGetAssignment(ctx, s.db, recordID)
}

// SaveAssignment upserts the resolution of a record. When the entity is
// unchanged the original assigned_at, reinforced_at and explicit flag are
// kept so re-resolving never restarts the settle grace period.
func (s *SQLiteStore) SaveAssignment(ctx context.Context, a model.Assignment) error {
	if a.RecordID == "" {
		return model.NewValidationError(model.CodeMissingField, "record_id", "record id is required")
	}
	candidates, err := marshalCandidates(a.Candidates)
	if err != nil {
		return err
	}
	return s.write(ctx, "save_assignment", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_assignments (`+sqliteAssignmentCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (record_id) DO UPDATE SET
				confidence = excluded.confidence,
				status = excluded.status,
				stage = excluded.stage,
				group_hash = excluded.group_hash,
				candidates = excluded.candidates,
				explicit = CASE
					WHEN entity_assignments.entity_type = excluded.entity_type
						AND entity_assignments.entity_id = excluded.entity_id
					THEN MAX(entity_assignments.explicit, excluded.explicit)
					ELSE excluded.explicit END,
				assigned_at = CASE
					WHEN entity_assignments.entity_type = excluded.entity_type
						AND entity_assignments.entity_id = excluded.entity_id
					THEN entity_assignments.assigned_at
					ELSE excluded.assigned_at END,
				reinforced_at = CASE
					WHEN entity_assignments.entity_type = excluded.entity_type
						AND entity_assignments.entity_id = excluded.entity_id
					THEN entity_assignments.reinforced_at
					ELSE NULL END,
				entity_type = excluded.entity_type,
				entity_id = excluded.entity_id`,
			a.RecordID, string(a.Entity.Type), a.Entity.ID, a.Confidence, string(a.Status), a.Stage, a.Explicit,
			a.GroupHash, candidates, fmtTime(a.AssignedAt), fmtTimePtr(a.ReinforcedAt),
		)
		return eris.Wrapf(err, "sqlite: save assignment %s", a.RecordID)
	})
}

func (s *SQLiteStore) SettledAssignments(ctx context.Context, assignedBefore time.Time, limit int) ([]model.Assignment, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAssignmentCols+` FROM entity_assignments
		WHERE status = 'resolved' AND reinforced_at IS NULL AND group_hash <> '' AND assigned_at <= ?
		ORDER BY assigned_at, record_id LIMIT ?`,
		fmtTime(assignedBefore), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: settled assignments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Assignment
	for rows.Next() {
		a, err := scanSQLiteAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate settled assignments")
}

func (s *SQLiteStore) PatternsByHash(ctx context.Context, groupHash string) ([]model.AttendeeGroupPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePatternCols+` FROM attendee_group_patterns
		WHERE group_hash = ?
		ORDER BY confidence DESC, last_seen_at DESC, entity_id, entity_type`,
		groupHash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: patterns by hash")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AttendeeGroupPattern
	for rows.Next() {
		p, err := scanSQLitePattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate patterns")
}

// ReinforcePattern marks a settled assignment reinforced and bumps its
// attendee-group pattern. It returns reinforced=false, without error, when the
// assignment changed or was already reinforced since it was read.
func (s *SQLiteStore) ReinforcePattern(ctx context.Context, a model.Assignment, smoothingK float64, now time.Time) (*model.AttendeeGroupPattern, bool, error) {
	if a.GroupHash == "" || a.Entity.IsZero() {
		return nil, false, model.NewValidationError(model.CodeMissingField, "group_hash", "assignment %s has no group hash or entity", a.RecordID)
	}
	if smoothingK <= 0 {
		return nil, false, model.NewValidationError(model.CodeInvalidValue, "smoothing_k", "smoothing constant must be positive")
	}

	var (
		pattern    *model.AttendeeGroupPattern
		reinforced bool
	)
	err := s.write(ctx, "reinforce_pattern", func(tx *sql.Tx) error {
		pattern, reinforced = nil, false
		res, err := tx.ExecContext(ctx,
			`UPDATE entity_assignments SET reinforced_at = ?
			WHERE record_id = ? AND assigned_at = ? AND entity_type = ? AND entity_id = ?
				AND reinforced_at IS NULL AND status = 'resolved'`,
			fmtTime(now), a.RecordID, fmtTime(a.AssignedAt), string(a.Entity.Type), a.Entity.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark reinforced %s", a.RecordID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return nil
		}

		row := tx.QueryRowContext(ctx,
			`INSERT INTO attendee_group_patterns (`+sqlitePatternCols+`)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (group_hash, entity_type, entity_id) DO UPDATE SET
				occurrence_count = attendee_group_patterns.occurrence_count + 1,
				confidence = (attendee_group_patterns.occurrence_count + 1) * 1.0
					/ (attendee_group_patterns.occurrence_count + 1 + ?),
				last_seen_at = excluded.last_seen_at
			RETURNING `+sqlitePatternCols,
			a.GroupHash, string(a.Entity.Type), a.Entity.ID, model.PatternConfidence(1, smoothingK),
			fmtTime(now), fmtTime(now), smoothingK,
		)
		pattern, err = scanSQLitePattern(row)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert pattern %s", a.GroupHash)
		}
		reinforced = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pattern, reinforced, nil
}

func sqliteGetAssignment(ctx context.Context, q rowQuerier, recordID string) (*model.Assignment, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteAssignmentCols+` FROM entity_assignments WHERE record_id = ?`, recordID)
	a, err := scanSQLiteAssignment(row)
	if err != nil {
		return nil, notFound(err, "assignment", recordID)
	}
	return a, nil
}

// sqliteReplaceAssignment overwrites an assignment unconditionally; used by
// corrections, which always restart the settle clock.
func sqliteReplaceAssignment(ctx context.Context, tx *sql.Tx, a model.Assignment) error {
	candidates, err := marshalCandidates(a.Candidates)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_assignments (`+sqliteAssignmentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			entity_id = excluded.entity_id,
			confidence = excluded.confidence,
			status = excluded.status,
			stage = excluded.stage,
			explicit = excluded.explicit,
			group_hash = excluded.group_hash,
			candidates = excluded.candidates,
			assigned_at = excluded.assigned_at,
			reinforced_at = excluded.reinforced_at`,
		a.RecordID, string(a.Entity.Type), a.Entity.ID, a.Confidence, string(a.Status), a.Stage, a.Explicit,
		a.GroupHash, candidates, fmtTime(a.AssignedAt), fmtTimePtr(a.ReinforcedAt),
	)
	return eris.Wrapf(err, "sqlite: replace assignment %s", a.RecordID)
}

// sqliteApplyDelta creates the posterior at the (1,1) prior if needed and adds
// the increments in a single statement.
func sqliteApplyDelta(ctx context.Context, tx *sql.Tx, d model.WeightDelta, now time.Time) error {
	if d.Alpha == 0 && d.Beta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO source_weights (source, entity_type, signal_type, alpha, beta, update_count, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (source, entity_type, signal_type) DO UPDATE SET
			alpha = source_weights.alpha + ?,
			beta = source_weights.beta + ?,
			update_count = source_weights.update_count + 1,
			updated_at = excluded.updated_at`,
		d.Key.Source, string(d.Key.EntityType), d.Key.SignalType, 1+d.Alpha, 1+d.Beta, fmtTime(now),
		d.Alpha, d.Beta,
	)
	return eris.Wrapf(err, "sqlite: apply weight delta %s/%s/%s", d.Key.Source, d.Key.EntityType, d.Key.SignalType)
}

func sqliteInsertRelevance(ctx context.Context, tx *sql.Tx, fb model.RelevanceFeedback) (bool, error) {
	id := fb.ID
	if id == "" {
		id = uuid.New().String()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO relevance_feedback (id, action, item_type, item_id, detector_name, signal_type, source,
			sender_domain, entity_type, entity_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (action, item_type, item_id) DO NOTHING`,
		id, fb.Action, fb.ItemType, fb.ItemID, fb.DetectorName, fb.SignalType, fb.Source,
		fb.SenderDomain, string(fb.Entity.Type), fb.Entity.ID, fb.Reason, fmtTime(fb.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert relevance feedback")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func scanSQLiteWeight(row scannable) (*model.SourceWeight, error) {
	var (
		w            model.SourceWeight
		typ, updated string
	)
	if err := row.Scan(&w.Source, &typ, &w.SignalType, &w.Alpha, &w.Beta, &w.UpdateCount, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan source weight")
	}
	w.EntityType = model.EntityType(typ)
	var err error
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanSQLiteAssignment(row scannable) (*model.Assignment, error) {
	var (
		a                  model.Assignment
		typ, status        string
		candidates, assign string
		reinforced         sql.NullString
	)
	err := row.Scan(&a.RecordID, &typ, &a.Entity.ID, &a.Confidence, &status, &a.Stage, &a.Explicit,
		&a.GroupHash, &candidates, &assign, &reinforced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan assignment")
	}
	a.Entity.Type = model.EntityType(typ)
	a.Status = model.ResolutionStatus(status)
	if a.Candidates, err = unmarshalCandidates([]byte(candidates)); err != nil {
		return nil, err
	}
	if a.AssignedAt, err = parseTime(assign); err != nil {
		return nil, err
	}
	if a.ReinforcedAt, err = parseNullTime(reinforced); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSQLitePattern(row scannable) (*model.AttendeeGroupPattern, error) {
	var (
		p                model.AttendeeGroupPattern
		typ, first, last string
	)
	if err := row.Scan(&p.GroupHash, &typ, &p.Entity.ID, &p.OccurrenceCount, &p.Confidence, &first, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan pattern")
	}
	p.Entity.Type = model.EntityType(typ)
	var err error
	if p.FirstSeenAt, err = parseTime(first); err != nil {
		return nil, err
	}
	if p.LastSeenAt, err = parseTime(last); err != nil {
		return nil, err
	}
	return &p, nil
}
