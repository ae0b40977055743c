// Package store keeps chat history, in memory or in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/soyeahso/parley/internal/logging"
)

// memoryPath opens a private, process-local history.
const memoryPath = ":memory:"

// historyPragmas run on every pooled connection. busy_timeout lets a second
// parley process on the same history file wait instead of failing with
// SQLITE_BUSY; synchronous=NORMAL is durable enough under WAL for a chat log.
var historyPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// DB is a SQLite history database with its schema brought up to date.
type DB struct {
	sql  *sql.DB
	path string
	log  *logging.Logger
}

// Open opens (or creates) the history database at path and runs migrations.
// memoryPath (":memory:") gives an empty database that lives as long as the DB.
func Open(path string, log *logging.Logger) (*DB, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Every pooled connection to ":memory:" would see its own empty database.
	if path == memoryPath {
		sqlDB.SetMaxOpenConns(1)
	}
	// Pragmas apply on connect, so surface their errors here.
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}

	db := &DB{sql: sqlDB, path: path, log: log.Sub("store")}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	version, err := db.SchemaVersion()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	db.log.Info().Str("path", path).Int("schema", version).Msg("history database opened")
	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range historyPragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.log.Debug().Str("path", db.path).Msg("closing history database")
	return db.sql.Close()
}

// SQL returns the underlying *sql.DB for direct queries.
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// SchemaVersion is the highest applied migration, 0 for an empty database.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.sql.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration newer than the schema version, each in
// its own transaction.
func (db *DB) migrate() error {
	if _, err := db.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	current, err := db.SchemaVersion()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	db.log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

	tx, err := db.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}
