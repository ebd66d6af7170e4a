package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/sells-group/signal-engine/internal/db"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// sqliteTimeLayout is fixed width so TEXT columns compare chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens a SQLite database at the given path with WAL mode, a busy
// timeout and immediate write transactions.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := conn.Ping(); err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: conn, opts: buildOptions(opts)}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") || strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_txlock=immediate"
}

// Migrate applies the embedded goose migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: migrations fs")
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return eris.Wrap(err, "sqlite: goose provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	for _, r := range results {
		zap.L().Info("sqlite: applied migration",
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// write runs fn in one immediate transaction, retrying lock conflicts.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	rc := s.opts.retry
	if rc.OnRetry == nil {
		rc.OnRetry = resilience.RetryLogger("sqlite", op)
	}
	err := resilience.Do(ctx, rc, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrapf(err, "sqlite: %s: begin", op)
		}
		if err := fn(tx); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if err := tx.Commit(); err != nil {
			return eris.Wrapf(err, "sqlite: %s: commit", op)
		}
		return nil
	})
	return contention(op, err)
}

// contention maps a conflict that outlasted the retry budget to
// model.ErrContention. Everything else passes through untouched.
func contention(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.IsValidation(err); ok {
		return err
	}
	if db.IsConflict(err) {
		return eris.Wrapf(model.ErrContention, "%s: %v", op, err)
	}
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return err
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// sqliteEntityExists reports whether ref is registered.
func sqliteEntityExists(ctx context.Context, q rowQuerier, ref model.EntityRef) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(ref.Type), ref.ID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lookup entity %s", ref)
	}
	return true, nil
}

func unknownEntity(ref model.EntityRef) error {
	return model.NewValidationError(model.CodeUnknownEntity, "entity", "entity %s is not registered", ref)
}
