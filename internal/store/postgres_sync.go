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

const pgSyncCols = `id, target_id, source, state, attempts, max_attempts, next_attempt_at, last_attempt_at,
	completed_at, error_message, result_payload, created_at, updated_at`

func (s *PostgresStore) EnqueueSync(ctx context.Context, targetID, source string, maxAttempts int, now time.Time) (*model.SyncState, bool, error) {
	if err := validateSyncKey(targetID, source, maxAttempts); err != nil {
		return nil, false, err
	}
	var (
		st      *model.SyncState
		created bool
	)
	ts := pgTime(now)
	err := s.write(ctx, "enqueue_sync", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO sync_states (id, target_id, source, state, attempts, max_attempts,
				next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, 'pending', 0, $4, $5, $5, $5)
			ON CONFLICT (target_id, source) WHERE state IN ('pending', 'in_progress') DO NOTHING`,
			uuid.New().String(), targetID, source, maxAttempts, ts,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: enqueue sync %s/%s", targetID, source)
		}
		created = tag.RowsAffected() == 1

		st, err = scanPgSync(tx.QueryRow(ctx,
			`SELECT `+pgSyncCols+` FROM sync_states
			WHERE target_id = $1 AND source = $2 AND state IN ('pending', 'in_progress')`,
			targetID, source,
		))
		return eris.Wrapf(err, "postgres: load active sync %s/%s", targetID, source)
	})
	if err != nil {
		return nil, false, err
	}
	return st, created, nil
}

// ClaimDueSyncs locks due rows with SKIP LOCKED so concurrent pollers never
// claim the same row.
func (s *PostgresStore) ClaimDueSyncs(ctx context.Context, limit int, now time.Time) ([]model.SyncState, error) {
	if limit <= 0 {
		return nil, nil
	}
	ts := pgTime(now)
	var claimed []model.SyncState
	err := s.write(ctx, "claim_syncs", func(tx pgx.Tx) error {
		claimed = nil
		rows, err := tx.Query(ctx,
			`UPDATE sync_states SET state = 'in_progress', last_attempt_at = $1, updated_at = $1
			WHERE id IN (
				SELECT id FROM sync_states
				WHERE state = 'pending' AND next_attempt_at <= $1
				ORDER BY next_attempt_at, id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+pgSyncCols,
			ts, limit,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: claim syncs")
		}
		defer rows.Close()
		for rows.Next() {
			st, err := scanPgSync(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, *st)
		}
		return eris.Wrap(rows.Err(), "postgres: iterate claimed syncs")
	})
	if err != nil {
		return nil, err
	}
	sortSyncs(claimed)
	return claimed, nil
}

func (s *PostgresStore) CompleteSync(ctx context.Context, id string, payload []byte, now time.Time) (*model.SyncState, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	ts := pgTime(now)
	var st *model.SyncState
	err := s.write(ctx, "complete_sync", func(tx pgx.Tx) error {
		cur, err := pgLockSync(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.State.Terminal() {
			return eris.Wrapf(model.ErrSyncTerminal, "sync %s is %s", id, cur.State)
		}
		var body []byte
		if len(payload) > 0 {
			body = payload
		}
		st, err = scanPgSync(tx.QueryRow(ctx,
			`UPDATE sync_states SET state = 'completed', completed_at = $1, next_attempt_at = NULL,
				error_message = '', result_payload = $2, updated_at = $1
			WHERE id = $3
			RETURNING `+pgSyncCols,
			ts, body, id,
		))
		return eris.Wrapf(err, "postgres: complete sync %s", id)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) FailSync(ctx context.Context, id, message string, backoff BackoffFunc, now time.Time) (*model.SyncState, error) {
	ts := pgTime(now)
	var st *model.SyncState
	err := s.write(ctx, "fail_sync", func(tx pgx.Tx) error {
		cur, err := pgLockSync(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.State.Terminal() {
			return eris.Wrapf(model.ErrSyncTerminal, "sync %s is %s", id, cur.State)
		}
		next := failTransition(*cur, message, backoff, ts)
		st, err = scanPgSync(tx.QueryRow(ctx,
			`UPDATE sync_states SET state = $1, attempts = $2, next_attempt_at = $3, error_message = $4, updated_at = $5
			WHERE id = $6
			RETURNING `+pgSyncCols,
			string(next.State), next.Attempts, pgTimePtr(next.NextAttemptAt), next.ErrorMessage, ts, id,
		))
		return eris.Wrapf(err, "postgres: fail sync %s", id)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) ExpireSyncClaim(ctx context.Context, id string, claimedAt time.Time, message string, backoff BackoffFunc, now time.Time) (*model.SyncState, bool, error) {
	ts := pgTime(now)
	var (
		st      *model.SyncState
		expired bool
	)
	err := s.write(ctx, "expire_sync_claim", func(tx pgx.Tx) error {
		expired = false
		cur, err := pgLockSync(ctx, tx, id)
		if err != nil {
			return err
		}
		st = cur
		if !sameClaim(*cur, pgTime(claimedAt)) {
			return nil
		}
		next := failTransition(*cur, message, backoff, ts)
		st, err = scanPgSync(tx.QueryRow(ctx,
			`UPDATE sync_states SET state = $1, attempts = $2, next_attempt_at = $3, error_message = $4, updated_at = $5
			WHERE id = $6 AND state = 'in_progress' AND last_attempt_at = $7
			RETURNING `+pgSyncCols,
			string(next.State), next.Attempts, pgTimePtr(next.NextAttemptAt), next.ErrorMessage, ts, id, pgTime(claimedAt),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			st = cur
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: expire sync claim %s", id)
		}
		expired = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return st, expired, nil
}

func (s *PostgresStore) GetSync(ctx context.Context, id string) (*model.SyncState, error) {
	st, err := scanPgSync(s.pool.QueryRow(ctx, `SELECT `+pgSyncCols+` FROM sync_states WHERE id = $1`, id))
	if err != nil {
		return nil, pgNotFound(err, "sync", id)
	}
	return st, nil
}

func (s *PostgresStore) StaleSyncs(ctx context.Context, claimedBefore time.Time) ([]model.SyncState, error) {
	return s.querySyncs(ctx,
		`SELECT `+pgSyncCols+` FROM sync_states
		WHERE state = 'in_progress' AND last_attempt_at <= $1
		ORDER BY last_attempt_at, id`,
		pgTime(claimedBefore),
	)
}

func (s *PostgresStore) ListSyncs(ctx context.Context, f SyncFilter) ([]model.SyncState, error) {
	var (
		a     pgArgs
		where []string
	)
	if f.State != "" {
		where = append(where, "state = "+a.add(string(f.State)))
	}
	if f.Source != "" {
		where = append(where, "source = "+a.add(f.Source))
	}
	if f.TargetID != "" {
		where = append(where, "target_id = "+a.add(f.TargetID))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.querySyncs(ctx,
		`SELECT `+pgSyncCols+` FROM sync_states
		WHERE `+joinWhere(where)+`
		ORDER BY updated_at DESC, id LIMIT `+a.add(limit),
		a.args...,
	)
}

func (s *PostgresStore) querySyncs(ctx context.Context, query string, args ...any) ([]model.SyncState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query syncs")
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		st, err := scanPgSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate syncs")
}

func pgLockSync(ctx context.Context, tx pgx.Tx, id string) (*model.SyncState, error) {
	st, err := scanPgSync(tx.QueryRow(ctx, `SELECT `+pgSyncCols+` FROM sync_states WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, pgNotFound(err, "sync", id)
	}
	return st, nil
}

func scanPgSync(row pgx.Row) (*model.SyncState, error) {
	var (
		st      model.SyncState
		state   string
		payload []byte
	)
	err := row.Scan(&st.ID, &st.TargetID, &st.Source, &state, &st.Attempts, &st.MaxAttempts,
		&st.NextAttemptAt, &st.LastAttemptAt, &st.CompletedAt, &st.ErrorMessage, &payload,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan sync")
	}
	st.State = model.SyncStatus(state)
	if len(payload) > 0 {
		st.ResultPayload = payload
	}
	st.NextAttemptAt = utcPtr(st.NextAttemptAt)
	st.LastAttemptAt = utcPtr(st.LastAttemptAt)
	st.CompletedAt = utcPtr(st.CompletedAt)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}
