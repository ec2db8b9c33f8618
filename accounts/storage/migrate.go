package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

func migrationsFor(d goose.Dialect) (fs.FS, error) {
	var dir string
	switch d {
	case goose.DialectSQLite3:
		dir = "migrations/sqlite"
	case goose.DialectPostgres:
		dir = "migrations/postgres"
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", d)
	}
	return fs.Sub(migrations, dir)
}

// Migrate applies every pending migration for d and returns the versions it
// applied.
func Migrate(ctx context.Context, db *sql.DB, d goose.Dialect) ([]int64, error) {
	fsys, err := migrationsFor(d)
	if err != nil {
		return nil, err
	}

	provider, err := goose.NewProvider(d, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
		slog.Info("Applied migration", "dialect", string(d), "version", r.Source.Version, "duration", r.Duration)
	}
	return applied, nil
}

// SchemaVersion returns the current migration version of db.
func SchemaVersion(ctx context.Context, db *sql.DB, d goose.Dialect) (int64, error) {
	fsys, err := migrationsFor(d)
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(d, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider.GetDBVersion(ctx)
}
