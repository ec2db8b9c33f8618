package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"

	"github.com/wispberry-tech/wispy-accounts/accounts"
)

// SQLiteStorage is an accounts.Storage backed by SQLite.
type SQLiteStorage struct {
	*sqlStore
}

var _ accounts.Storage = (*SQLiteStorage)(nil)

var sqliteDialect = dialect{
	name: "sqlite",
	encodeTime: func(t time.Time) any {
		return t.UTC().UnixMicro()
	},
	uniqueViolation: func(err error) (string, bool) {
		if !errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) && !errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
			return "", false
		}
		return fieldFromConstraint(err.Error()), true
	},
}

// sqliteDSN turns a file path into a URI with the connection pragmas applied.
func sqliteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// NewSQLiteStorage opens the database at path and applies pending migrations.
func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	return NewSQLiteStorageFromDB(ctx, db)
}

// NewSQLiteStorageFromDB wraps an existing connection and applies pending
// migrations. The caller's pragmas are kept as they are.
func NewSQLiteStorageFromDB(ctx context.Context, db *sql.DB) (*SQLiteStorage, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if _, err := Migrate(ctx, db, goose.DialectSQLite3); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStorage{sqlStore: &sqlStore{db: db, dialect: sqliteDialect}}, nil
}

// NewInMemorySQLiteStorage creates a migrated in-memory database for tests and
// local development.
func NewInMemorySQLiteStorage(ctx context.Context) (*SQLiteStorage, error) {
	return NewSQLiteStorage(ctx, ":memory:")
}
