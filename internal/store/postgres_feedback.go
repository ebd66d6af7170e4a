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

const pgAssignmentCols = `record_id, entity_type, entity_id, confidence, status, stage, explicit,
	group_hash, candidates, assigned_at, reinforced_at`

const pgPatternCols = `group_hash, entity_type, entity_id, occurrence_count, confidence,
	first_seen_at, last_seen_at`

func (s *PostgresStore) SourceWeights(ctx context.Context, keys []model.WeightKey) (map[model.WeightKey]model.SourceWeight, error) {
	out := make(map[model.WeightKey]model.SourceWeight, len(keys))
	for _, key := range keys {
		if _, ok := out[key]; ok {
			continue
		}
		row := s.pool.QueryRow(ctx,
			`SELECT source, entity_type, signal_type, alpha, beta, update_count, updated_at
			FROM source_weights WHERE source = $1 AND entity_type = $2 AND signal_type = $3`,
			key.Source, string(key.EntityType), key.SignalType,
		)
		w, err := scanPgWeight(row)
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListSourceWeights(ctx context.Context) ([]model.SourceWeight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, entity_type, signal_type, alpha, beta, update_count, updated_at
		FROM source_weights ORDER BY source, entity_type, signal_type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list source weights")
	}
	defer rows.Close()

	var out []model.SourceWeight
	for rows.Next() {
		w, err := scanPgWeight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate source weights")
}

func (s *PostgresStore) ApplyCorrection(ctx context.Context, fb model.ResolutionFeedback, plan CorrectionPlanner) (*model.CorrectionPlan, error) {
	if err := validateFeedback(fb); err != nil {
		return nil, err
	}
	if fb.CorrectedAt.IsZero() {
		fb.CorrectedAt = time.Now().UTC()
	}

	var result model.CorrectionPlan
	err := s.write(ctx, "apply_correction", func(tx pgx.Tx) error {
		ok, err := pgEntityExists(ctx, tx, fb.NewEntity)
		if err != nil {
			return err
		}
		if !ok {
			return unknownEntity(fb.NewEntity)
		}

		current, err := pgGetAssignment(ctx, tx, fb.MeetingID, true)
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
		_, err = tx.Exec(ctx,
			`INSERT INTO resolution_feedback (id, meeting_id, old_entity_type, old_entity_id,
				new_entity_type, new_entity_id, signal_source, corrected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, fb.MeetingID, string(fb.OldEntity.Type), fb.OldEntity.ID,
			string(fb.NewEntity.Type), fb.NewEntity.ID, fb.SignalSource, pgTime(fb.CorrectedAt),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert resolution feedback")
		}
		for _, d := range p.Deltas {
			if err := pgApplyDelta(ctx, tx, d, fb.CorrectedAt); err != nil {
				return err
			}
		}
		if err := pgReplaceAssignment(ctx, tx, p.Assignment); err != nil {
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

func (s *PostgresStore) RecordRelevanceFeedback(ctx context.Context, fb model.RelevanceFeedback, deltas []model.WeightDelta) (bool, error) {
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
	err := s.write(ctx, "record_relevance_feedback", func(tx pgx.Tx) error {
		var err error
		inserted, err = pgInsertRelevance(ctx, tx, fb)
		if err != nil || !inserted {
			return err
		}
		for _, d := range deltas {
			if err := pgApplyDelta(ctx, tx, d, fb.CreatedAt); err != nil {
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

func (s *PostgresStore) ListResolutionFeedback(ctx context.Context, meetingID string) ([]model.ResolutionFeedback, error) {
	var a pgArgs
	query := `SELECT id, meeting_id, old_entity_type, old_entity_id, new_entity_type, new_entity_id,
		signal_source, corrected_at FROM resolution_feedback`
	if meetingID != "" {
		query += ` WHERE meeting_id = ` + a.add(meetingID)
	}
	query += ` ORDER BY corrected_at, id`

	rows, err := s.pool.Query(ctx, query, a.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list resolution feedback")
	}
	defer rows.Close()

	var out []model.ResolutionFeedback
	for rows.Next() {
		var (
			fb               model.ResolutionFeedback
			oldType, newType string
		)
		if err := rows.Scan(&fb.ID, &fb.MeetingID, &oldType, &fb.OldEntity.ID, &newType, &fb.NewEntity.ID,
			&fb.SignalSource, &fb.CorrectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan resolution feedback")
		}
		fb.OldEntity.Type = model.EntityType(oldType)
		fb.NewEntity.Type = model.EntityType(newType)
		fb.CorrectedAt = fb.CorrectedAt.UTC()
		out = append(out, fb)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate resolution feedback")
}

func (s *PostgresStore) ListRelevanceFeedback(ctx context.Context, limit int) ([]model.RelevanceFeedback, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, item_type, item_id, detector_name, signal_type, source, sender_domain,
			entity_type, entity_id, reason, created_at
		FROM relevance_feedback ORDER BY created_at DESC, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list relevance feedback")
	}
	defer rows.Close()

	var out []model.RelevanceFeedback
	for rows.Next() {
		var (
			fb  model.RelevanceFeedback
			typ string
		)
		if err := rows.Scan(&fb.ID, &fb.Action, &fb.ItemType, &fb.ItemID, &fb.DetectorName, &fb.SignalType,
			&fb.Source, &fb.SenderDomain, &typ, &fb.Entity.ID, &fb.Reason, &fb.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan relevance feedback")
		}
		fb.Entity.Type = model.EntityType(typ)
		fb.CreatedAt = fb.CreatedAt.UTC()
		out = append(out, fb)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate relevance feedback")
}

func (s *PostgresStore) GetAssignment(ctx context.Context, recordID string) (*model.Assignment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgAssignmentCols+` FROM entity_assignments WHERE record_id = $1`, recordID)
	a, err := scanPgAssignment(row)
	if err != nil {
		return nil, pgNotFound(err, "assignment", recordID)
	}
	return a, nil
}

func (s *PostgresStore) SaveAssignment(ctx context.Context, a model.Assignment) error {
	if a.RecordID == "" {
		return model.NewValidationError(model.CodeMissingField, "record_id", "record id is required")
	}
	candidates, err := marshalCandidates(a.Candidates)
	if err != nil {
		return err
	}
	return s.write(ctx, "save_assignment", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO entity_assignments (`+pgAssignmentCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (record_id) DO UPDATE SET
				confidence = EXCLUDED.confidence,
				status = EXCLUDED.status,
				stage = EXCLUDED.stage,
				group_hash = EXCLUDED.group_hash,
				candidates = EXCLUDED.candidates,
				explicit = CASE
					WHEN entity_assignments.entity_type = EXCLUDED.entity_type
						AND entity_assignments.entity_id = EXCLUDED.entity_id
					THEN entity_assignments.explicit OR EXCLUDED.explicit
					ELSE EXCLUDED.explicit END,
				assigned_at = CASE
					WHEN entity_assignments.entity_type = EXCLUDED.entity_type
						AND entity_assignments.entity_id = EXCLUDED.entity_id
					THEN entity_assignments.assigned_at
					ELSE EXCLUDED.assigned_at END,
				reinforced_at = CASE
					WHEN entity_assignments.entity_type = EXCLUDED.entity_type
						AND entity_assignments.entity_id = EXCLUDED.entity_id
					THEN entity_assignments.reinforced_at
					ELSE NULL END,
				entity_type = EXCLUDED.entity_type,
				entity_id = EXCLUDED.entity_id`,
			a.RecordID, string(a.Entity.Type), a.Entity.ID, a.Confidence, string(a.Status), a.Stage, a.Explicit,
			a.GroupHash, []byte(candidates), pgTime(a.AssignedAt), pgTimePtr(a.ReinforcedAt),
		)
		return eris.Wrapf(err, "postgres: save assignment %s", a.RecordID)
	})
}

func (s *PostgresStore) SettledAssignments(ctx context.Context, assignedBefore time.Time, limit int) ([]model.Assignment, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgAssignmentCols+` FROM entity_assignments
		WHERE status = 'resolved' AND reinforced_at IS NULL AND group_hash <> '' AND assigned_at <= $1
		ORDER BY assigned_at, record_id LIMIT $2`,
		pgTime(assignedBefore), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: settled assignments")
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		a, err := scanPgAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate settled assignments")
}

func (s *PostgresStore) PatternsByHash(ctx context.Context, groupHash string) ([]model.AttendeeGroupPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPatternCols+` FROM attendee_group_patterns
		WHERE group_hash = $1
		ORDER BY confidence DESC, last_seen_at DESC, entity_id, entity_type`,
		groupHash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: patterns by hash")
	}
	defer rows.Close()

	var out []model.AttendeeGroupPattern
	for rows.Next() {
		p, err := scanPgPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate patterns")
}

func (s *PostgresStore) ReinforcePattern(ctx context.Context, a model.Assignment, smoothingK float64, now time.Time) (*model.AttendeeGroupPattern, bool, error) {
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
	err := s.write(ctx, "reinforce_pattern", func(tx pgx.Tx) error {
		pattern, reinforced = nil, false
		tag, err := tx.Exec(ctx,
			`UPDATE entity_assignments SET reinforced_at = $1
			WHERE record_id = $2 AND assigned_at = $3 AND entity_type = $4 AND entity_id = $5
				AND reinforced_at IS NULL AND status = 'resolved'`,
			pgTime(now), a.RecordID, pgTime(a.AssignedAt), string(a.Entity.Type), a.Entity.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark reinforced %s", a.RecordID)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO attendee_group_patterns (`+pgPatternCols+`)
			VALUES ($1, $2, $3, 1, $4, $5, $5)
			ON CONFLICT (group_hash, entity_type, entity_id) DO UPDATE SET
				occurrence_count = attendee_group_patterns.occurrence_count + 1,
				confidence = (attendee_group_patterns.occurrence_count + 1)::double precision
					/ (attendee_group_patterns.occurrence_count + 1 + $6::double precision),
				last_seen_at = EXCLUDED.last_seen_at
			RETURNING `+pgPatternCols,
			a.GroupHash, string(a.Entity.Type), a.Entity.ID, model.PatternConfidence(1, smoothingK),
			pgTime(now), smoothingK,
		)
		pattern, err = scanPgPattern(row)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert pattern %s", a.GroupHash)
		}
		reinforced = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return pattern, reinforced, nil
}

func pgGetAssignment(ctx context.Context, tx pgx.Tx, recordID string, lock bool) (*model.Assignment, error) {
	query := `SELECT ` + pgAssignmentCols + ` FROM entity_assignments WHERE record_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	a, err := scanPgAssignment(tx.QueryRow(ctx, query, recordID))
	if err != nil {
		return nil, pgNotFound(err, "assignment", recordID)
	}
	return a, nil
}

func pgReplaceAssignment(ctx context.Context, tx pgx.Tx, a model.Assignment) error {
	candidates, err := marshalCandidates(a.Candidates)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO entity_assignments (`+pgAssignmentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (record_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			entity_id = EXCLUDED.entity_id,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			explicit = EXCLUDED.explicit,
			group_hash = EXCLUDED.group_hash,
			candidates = EXCLUDED.candidates,
			assigned_at = EXCLUDED.assigned_at,
			reinforced_at = EXCLUDED.reinforced_at`,
		a.RecordID, string(a.Entity.Type), a.Entity.ID, a.Confidence, string(a.Status), a.Stage, a.Explicit,
		a.GroupHash, []byte(candidates), pgTime(a.AssignedAt), pgTimePtr(a.ReinforcedAt),
	)
	return eris.Wrapf(err, "postgres: replace assignment %s", a.RecordID)
}

func pgApplyDelta(ctx context.Context, tx pgx.Tx, d model.WeightDelta, now time.Time) error {
	if d.Alpha == 0 && d.Beta == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO source_weights (source, entity_type, signal_type, alpha, beta, update_count, updated_at)
		VALUES ($1, $2, $3, 1 + $4::double precision, 1 + $5::double precision, 1, $6)
		ON CONFLICT (source, entity_type, signal_type) DO UPDATE SET
			alpha = source_weights.alpha + $4::double precision,
			beta = source_weights.beta + $5::double precision,
			update_count = source_weights.update_count + 1,
			updated_at = EXCLUDED.updated_at`,
		d.Key.Source, string(d.Key.EntityType), d.Key.SignalType, d.Alpha, d.Beta, pgTime(now),
	)
	return eris.Wrapf(err, "postgres: apply weight delta %s/%s/%s", d.Key.Source, d.Key.EntityType, d.Key.SignalType)
}

func pgInsertRelevance(ctx context.Context, tx pgx.Tx, fb model.RelevanceFeedback) (bool, error) {
	id := fb.ID
	if id == "" {
		id = uuid.New().String()
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO relevance_feedback (id, action, item_type, item_id, detector_name, signal_type, source,
			sender_domain, entity_type, entity_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (action, item_type, item_id) DO NOTHING`,
		id, fb.Action, fb.ItemType, fb.ItemID, fb.DetectorName, fb.SignalType, fb.Source,
		fb.SenderDomain, string(fb.Entity.Type), fb.Entity.ID, fb.Reason, pgTime(fb.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert relevance feedback")
	}
	return tag.RowsAffected() == 1, nil
}

func scanPgWeight(row pgx.Row) (*model.SourceWeight, error) {
	var (
		w   model.SourceWeight
		typ string
	)
	if err := row.Scan(&w.Source, &typ, &w.SignalType, &w.Alpha, &w.Beta, &w.UpdateCount, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan source weight")
	}
	w.EntityType = model.EntityType(typ)
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func scanPgAssignment(row pgx.Row) (*model.Assignment, error) {
	var (
		a           model.Assignment
		typ, status string
		candidates  []byte
	)
	err := row.Scan(&a.RecordID, &typ, &a.Entity.ID, &a.Confidence, &status, &a.Stage, &a.Explicit,
		&a.GroupHash, &candidates, &a.AssignedAt, &a.ReinforcedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan assignment")
	}
	a.Entity.Type = model.EntityType(typ)
	a.Status = model.ResolutionStatus(status)
	if a.Candidates, err = unmarshalCandidates(candidates); err != nil {
		return nil, err
	}
	a.AssignedAt = a.AssignedAt.UTC()
	a.ReinforcedAt = utcPtr(a.ReinforcedAt)
	return &a, nil
}

func scanPgPattern(row pgx.Row) (*model.AttendeeGroupPattern, error) {
	var (
		p   model.AttendeeGroupPattern
		typ string
	)
	if err := row.Scan(&p.GroupHash, &typ, &p.Entity.ID, &p.OccurrenceCount, &p.Confidence,
		&p.FirstSeenAt, &p.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan pattern")
	}
	p.Entity.Type = model.EntityType(typ)
	p.FirstSeenAt = p.FirstSeenAt.UTC()
	p.LastSeenAt = p.LastSeenAt.UTC()
	return &p, nil
}
