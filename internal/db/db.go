// Package db is the bookkeeping store for uploads, API tokens and missing
// symbol accounting. It runs on SQLite for development and tests and
// PostgreSQL in production.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var embeddedMigrations embed.FS

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
)

// Open opens the database identified by driver ("sqlite" or "postgres") and
// dsn, applies pending migrations and returns a ready Store.
func Open(ctx context.Context, logger logr.Logger, driver, dsn string) (*Store, error) {
	driverName := driver
	// The pgx stdlib driver registers itself as "pgx".
	if driver == "postgres" {
		driverName = "pgx"
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen, maxIdle := defaultMaxOpenConns, defaultMaxIdleConns
	// An in-memory SQLite database exists per connection; pin the pool to a
	// single connection so every query sees the same schema.
	if driver == "sqlite" && strings.Contains(dsn, ":memory:") {
		maxOpen, maxIdle = 1, 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	start := time.Now()
	applied, err := migrate(ctx, sqlDB, driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("Database ready", "driver", driver, "migrations_applied", applied, "elapsed", time.Since(start))

	var bunDB *bun.DB
	switch driver {
	case "postgres":
		bunDB = bun.NewDB(sqlDB, pgdialect.New())
	default:
		bunDB = bun.NewDB(sqlDB, sqlitedialect.New())
	}

	return &Store{db: bunDB}, nil
}

// migrate applies the embedded .up.sql files for driver that have not been
// applied yet, tracking them in schema_migrations. It returns the number of
// migrations applied.
func migrate(ctx context.Context, sqlDB *sql.DB, driver string) (int, error) {
	dir := "migrations/" + driver

	entries, err := fs.ReadDir(embeddedMigrations, dir)
	if err != nil {
		return 0, fmt.Errorf("read embedded migrations %s: %w", dir, err)
	}

	var ups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	_, err = sqlDB.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	placeholder := "?"
	if driver == "postgres" {
		placeholder = "$1"
	}

	var applied int
	for _, name := range ups {
		version := strings.TrimSuffix(name, ".up.sql")

		var one int
		err := sqlDB.QueryRowContext(ctx,
			"SELECT 1 FROM schema_migrations WHERE version = "+placeholder, version).Scan(&one)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}

		raw, err := embeddedMigrations.ReadFile(dir + "/" + name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, string(raw)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("apply migration %s: %w", version, err)
		}
		insert := "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"
		if driver == "postgres" {
			insert = "INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)"
		}
		if _, err := tx.ExecContext(ctx, insert, version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied++
	}

	return applied, nil
}
