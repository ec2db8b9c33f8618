package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/wispberry-tech/wispy-accounts/accounts"
)

// pgUniqueViolation is the SQLSTATE of unique_violation.
const pgUniqueViolation = "23505"

// PostgresStorage is an accounts.Storage backed by PostgreSQL.
type PostgresStorage struct {
	*sqlStore
}

var _ accounts.Storage = (*PostgresStorage)(nil)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	encodeTime: func(t time.Time) any {
		return t.UTC()
	},
	uniqueViolation: func(err error) (string, bool) {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
			return "", false
		}
		return fieldFromConstraint(pgErr.ConstraintName), true
	},
}

// ErrInvalidDSN is returned when a connection string cannot be parsed.
var ErrInvalidDSN = errors.New("invalid database DSN")

// NewPostgresStorage connects to databaseDSN and applies pending migrations.
func NewPostgresStorage(ctx context.Context, databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}

	db := stdlib.OpenDB(*config)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresStorageFromDB(ctx, db)
}

// NewPostgresStorageFromDB wraps an existing pgx connection pool and applies
// pending migrations.
func NewPostgresStorageFromDB(ctx context.Context, db *sql.DB) (*PostgresStorage, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := Migrate(ctx, db, goose.DialectPostgres); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStorage{sqlStore: &sqlStore{db: db, dialect: postgresDialect}}, nil
}
