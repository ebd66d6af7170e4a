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

const sqliteSyncCols = `id, target_id, source, state, attempts, max_attempts, next_attempt_at, last_attempt_at,
	completed_at, error_message, result_payload, created_at, updated_at`

// EnqueueSync creates a pending sync row for (targetID, source). If an active
// row already exists it is returned unchanged with created=false.
func (s *SQLiteStore) EnqueueSync(ctx context.Context, targetID, source string, maxAttempts int, now time.Time) (*model.SyncState, bool, error) {
	if err := validateSyncKey(targetID, source, maxAttempts); err != nil {
		return nil, false, err
	}
	var (
		st      *model.SyncState
		created bool
	)
	err := s.write(ctx, "enqueue_sync", func(tx *sql.Tx) error {
		created = false
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sync_states (id, target_id, source, state, attempts, max_attempts,
				next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)
			ON CONFLICT (target_id, source) WHERE state IN ('pending', 'in_progress') DO NOTHING`,
			uuid.New().String(), targetID, source, maxAttempts, fmtTime(now), fmtTime(now), fmtTime(now),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: enqueue sync %s/%s", targetID, source)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		created = n == 1

		row := tx.QueryRowContext(ctx,
			`SELECT `+sqliteSyncCols+` FROM sync_states
			WHERE target_id = ? AND source = ? AND state IN ('pending', 'in_progress')`,
			targetID, source,
		)
		st, err = scanSQLiteSync(row)
		if err != nil {
			return eris.Wrapf(err, "sqlite: load active sync %s/%s", targetID, source)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return st, created, nil
}

// ClaimDueSyncs moves up to limit due pending rows to in_progress and returns
// them. A row is handed to at most one caller.
func (s *SQLiteStore) ClaimDueSyncs(ctx context.Context, limit int, now time.Time) ([]model.SyncState, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []model.SyncState
	err := s.write(ctx, "claim_syncs", func(tx *sql.Tx) error {
		claimed = nil
		rows, err := tx.QueryContext(ctx,
			`UPDATE sync_states SET state = 'in_progress', last_attempt_at = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM sync_states
				WHERE state = 'pending' AND next_attempt_at <= ?
				ORDER BY next_attempt_at, id
				LIMIT ?
			)
			RETURNING `+sqliteSyncCols,
			fmtTime(now), fmtTime(now), fmtTime(now), limit,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: claim syncs")
		}
		defer rows.Close() //nolint:errcheck
		for rows.Next() {
			st, err := scanSQLiteSync(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, *st)
		}
		return eris.Wrap(rows.Err(), "sqlite: iterate claimed syncs")
	})
	if err != nil {
		return nil, err
	}
	sortSyncs(claimed)
	return claimed, nil
}

// CompleteSync records a successful attempt. It is accepted from pending or
// in_progress.
func (s *SQLiteStore) CompleteSync(ctx context.Context, id string, payload []byte, now time.Time) (*model.SyncState, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	var st *model.SyncState
	err := s.write(ctx, "complete_sync", func(tx *sql.Tx) error {
		cur, err := sqliteGetSync(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.State.Terminal() {
			return eris.Wrapf(model.ErrSyncTerminal, "sync %s is %s", id, cur.State)
		}
		var body any
		if len(payload) > 0 {
			body = string(payload)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_states SET state = 'completed', completed_at = ?, next_attempt_at = NULL,
				error_message = '', result_payload = ?, updated_at = ?
			WHERE id = ?`,
			fmtTime(now), body, fmtTime(now), id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: complete sync %s", id)
		}
		st, err = sqliteGetSync(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// FailSync records a failed attempt: the row is rescheduled with backoff, or
// goes terminal once its attempts are exhausted.
func (s *SQLiteStore) FailSync(ctx context.Context, id, message string, backoff BackoffFunc, now time.Time) (*model.SyncState, error) {
	var st *model.SyncState
	err := s.write(ctx, "fail_sync", func(tx *sql.Tx) error {
		cur, err := sqliteGetSync(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.State.Terminal() {
			return eris.Wrapf(model.ErrSyncTerminal, "sync %s is %s", id, cur.State)
		}
		next := failTransition(*cur, message, backoff, now)
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_states SET state = ?, attempts = ?, next_attempt_at = ?, error_message = ?, updated_at = ?
			WHERE id = ?`,
			string(next.State), next.Attempts, fmtTimePtr(next.NextAttemptAt), next.ErrorMessage, fmtTime(now), id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: fail sync %s", id)
		}
		st, err = sqliteGetSync(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ExpireSyncClaim fails the claim of row id taken at claimedAt, the same way
// FailSync does. It reports false and changes nothing when the row is no
// longer that in-progress claim: it was reported, re-claimed or finished.
func (s *SQLiteStore) ExpireSyncClaim(ctx context.Context, id string, claimedAt time.Time, message string, backoff BackoffFunc, now time.Time) (*model.SyncState, bool, error) {
	var (
		st      *model.SyncState
		expired bool
	)
	err := s.write(ctx, "expire_sync_claim", func(tx *sql.Tx) error {
		expired = false
		cur, err := sqliteGetSync(ctx, tx, id)
		if err != nil {
			return err
		}
		st = cur
		if !sameClaim(*cur, claimedAt) {
			return nil
		}
		next := failTransition(*cur, message, backoff, now)
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_states SET state = ?, attempts = ?, next_attempt_at = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND state = 'in_progress' AND last_attempt_at = ?`,
			string(next.State), next.Attempts, fmtTimePtr(next.NextAttemptAt), next.ErrorMessage, fmtTime(now),
			id, fmtTime(claimedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: expire sync claim %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return nil
		}
		expired = true
		st, err = sqliteGetSync(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return st, expired, nil
}

func (s *SQLiteStore) GetSync(ctx context.Context, id string) (*model.SyncState, error) {
	return sqliteGetSync(ctx, s.db, id)
}

// StaleSyncs lists in-progress rows claimed at or before claimedBefore.
func (s *SQLiteStore) StaleSyncs(ctx context.Context, claimedBefore time.Time) ([]model.SyncState, error) {
	return s.querySyncs(ctx,
		`SELECT `+sqliteSyncCols+` FROM sync_states
		WHERE state = 'in_progress' AND last_attempt_at <= ?
		ORDER BY last_attempt_at, id`,
		fmtTime(claimedBefore),
	)
}

func (s *SQLiteStore) ListSyncs(ctx context.Context, f SyncFilter) ([]model.SyncState, error) {
	query := `SELECT ` + sqliteSyncCols + ` FROM sync_states WHERE 1 = 1`
	var args []any
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, limit)
	return s.querySyncs(ctx, query, args...)
}

func (s *SQLiteStore) querySyncs(ctx context.Context, query string, args ...any) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query syncs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncState
	for rows.Next() {
		st, err := scanSQLiteSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate syncs")
}

func sqliteGetSync(ctx context.Context, q rowQuerier, id string) (*model.SyncState, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteSyncCols+` FROM sync_states WHERE id = ?`, id)
	st, err := scanSQLiteSync(row)
	if err != nil {
		return nil, notFound(err, "sync", id)
	}
	return st, nil
}

func scanSQLiteSync(row scannable) (*model.SyncState, error) {
	var (
		st                         model.SyncState
		state, created, updated    string
		next, last, completed, pay sql.NullString
	)
	err := row.Scan(&st.ID, &st.TargetID, &st.Source, &state, &st.Attempts, &st.MaxAttempts,
		&next, &last, &completed, &st.ErrorMessage, &pay, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan sync")
	}
	st.State = model.SyncStatus(state)
	if pay.Valid && pay.String != "" {
		st.ResultPayload = []byte(pay.String)
	}
	if st.NextAttemptAt, err = parseNullTime(next); err != nil {
		return nil, err
	}
	if st.LastAttemptAt, err = parseNullTime(last); err != nil {
		return nil, err
	}
	if st.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &st, nil
}
