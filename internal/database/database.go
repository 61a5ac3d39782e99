package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dbFileName = "calltrack.db"

// sqlitePragmas are applied to every connection. _time_format=sqlite stores
// times as "YYYY-MM-DD HH:MM:SS.SSS+00:00" so range filters compare as text.
var sqlitePragmas = []string{
	"_pragma=journal_mode(wal)",
	"_pragma=busy_timeout(5000)",
	"_pragma=foreign_keys(on)",
	"_time_format=sqlite",
}

// DB is the calltrack SQLite handle.
type DB struct {
	*sql.DB
}

// Querier is the subset of *sql.DB and *sql.Tx used by the repositories.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating when needed) calltrack.db under dataDir and brings
// its schema up to date.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, dbFileName)

	sqlDB, err := sql.Open("sqlite", "file:"+dbPath+"?"+strings.Join(sqlitePragmas, "&"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite has a single writer and ingestion relies on
	// its transactions being serialised.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.init(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}

	slog.Info("database opened", "path", dbPath)
	return db, nil
}

func (db *DB) init(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	applied, err := db.migrate(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, v := range applied {
		slog.Info("applied migration", "version", v)
	}
	return nil
}

// Store returns repositories bound to the connection pool.
func (db *DB) Store() *Store {
	return NewStore(db)
}

// WithTx runs fn with repositories bound to a single transaction, committing
// when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(st *Store) error) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return fn(NewStore(tx))
	})
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type migration struct {
	version string
	file    string
}

// migrations lists the embedded .sql files ordered by name. The version is
// the file name without its extension.
func migrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}
	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		out = append(out, migration{
			version: strings.TrimSuffix(name, ".sql"),
			file:    path.Join("migrations", name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

// migrate applies every migration not yet recorded in schema_migrations,
// each in its own transaction, and returns the versions it applied.
func (db *DB) migrate(ctx context.Context) ([]string, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`); err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	all, err := migrations()
	if err != nil {
		return nil, err
	}
	done, err := db.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range all {
		if done[m.version] {
			continue
		}
		script, err := migrationsFS.ReadFile(m.file)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", m.version, err)
		}
		err = db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.version, err)
		}
		applied = append(applied, m.version)
	}
	return applied, nil
}
