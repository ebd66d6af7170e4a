package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// sqliteBusy returns the error a second writer gets while another
// connection holds the write lock.
func sqliteBusy(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "busy.db") + "?_pragma=busy_timeout(0)"

	holder, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { holder.Close() }) //nolint:errcheck
	other, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() }) //nolint:errcheck

	_, err = holder.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)

	tx, err := holder.BeginTx(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() }) //nolint:errcheck
	_, err = tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.NoError(t, err)

	_, err = other.ExecContext(ctx, "INSERT INTO t (v) VALUES (2)")
	require.Error(t, err)
	return err
}

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("syntax error"), false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"wrapped pg", fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40001"}), true},
		{"message mentioning a code", errors.New("retry budget (5) exhausted (6)"), false},
		{"lock text without a driver error", errors.New("database is locked"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConflict(tt.err))
		})
	}
}

func TestIsConflict_SQLiteBusy(t *testing.T) {
	busy := sqliteBusy(t)
	assert.True(t, IsConflict(busy))
	assert.True(t, IsConflict(eris.Wrap(busy, "sqlite: record signal")))
}

func TestIsConflict_SQLiteConstraint(t *testing.T) {
	ctx := context.Background()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "unique.db"))
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	_, err = conn.ExecContext(ctx, "CREATE TABLE t (v INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.Error(t, err)
	assert.False(t, IsConflict(err))
}
