// Package database opens the SQLite stores (PDT ledger, execution history)
// and applies their embedded schemas.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// schemas maps a database name onto its embedded schema file
var schemas = map[string]string{
	"pdt":        "pdt_schema.sql",
	"executions": "executions_schema.sql",
}

// DatabaseProfile selects the durability PRAGMAs for a database
type DatabaseProfile string

const (
	// ProfileLedger fsyncs every write and never shrinks the file.
	// Used for the PDT ledger, which gates real trades.
	ProfileLedger DatabaseProfile = "ledger"
	// ProfileStandard fsyncs at checkpoints and reclaims space incrementally
	ProfileStandard DatabaseProfile = "standard"
)

// pragmas per profile, applied after journal_mode(WAL)
var profilePragmas = map[DatabaseProfile][]string{
	ProfileLedger:   {"synchronous(FULL)", "auto_vacuum(NONE)"},
	ProfileStandard: {"synchronous(NORMAL)", "auto_vacuum(INCREMENTAL)", "temp_store(MEMORY)"},
}

// pragmas shared by every profile
var commonPragmas = []string{"foreign_keys(1)", "wal_autocheckpoint(1000)", "cache_size(-64000)"}

// DB is one opened SQLite database
type DB struct {
	conn *sql.DB
	name string
}

// Config describes a database to open
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string // Schema lookup key and log name ("pdt", "executions")
}

// New opens the database at cfg.Path, creating its directory when needed,
// and verifies the connection.
func New(cfg Config) (*DB, error) {
	path := cfg.Path
	// file: URIs (in-memory databases) are passed through untouched
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = abs
	}
	profile := cfg.Profile
	if profile == "" {
		profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", buildConnectionString(path, profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}
	configureConnectionPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, name: cfg.Name}, nil
}

// buildConnectionString appends the profile's PRAGMAs to path as _pragma
// query parameters understood by modernc.org/sqlite.
func buildConnectionString(path string, profile DatabaseProfile) string {
	var b strings.Builder
	b.WriteString(path)
	if strings.Contains(path, "?") {
		b.WriteString("&")
	} else {
		b.WriteString("?")
	}
	b.WriteString("_pragma=journal_mode(WAL)")

	pragmas := append(append([]string{}, profilePragmas[profile]...), commonPragmas...)
	for _, p := range pragmas {
		b.WriteString("&_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// configureConnectionPool sizes the pool for a long-running daemon
func configureConnectionPool(conn *sql.DB) {
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the pool the stores query through
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the database name
func (db *DB) Name() string {
	return db.name
}

// Migrate applies the embedded schema registered for this database name.
// Schemas use CREATE ... IF NOT EXISTS so running it again is harmless.
// Names without a schema are left alone.
func (db *DB) Migrate() error {
	file, ok := schemas[db.name]
	if !ok {
		return nil
	}
	content, err := schemaFS.ReadFile("schemas/" + file)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", file, err)
	}
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to apply schema %s to %s: %w", file, db.name, err)
		}
		return nil
	})
}

// WithTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back when it returns an error or panics; a panic
// comes back as an error.
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	if conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback: %v)", err, rbErr)
				return
			}
			err = fmt.Errorf("transaction failed: %w", err)
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cErr)
		}
	}()

	return fn(tx)
}

// HealthCheck pings the database and runs PRAGMA integrity_check
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, result)
	}
	return nil
}

// WALCheckpoint runs PRAGMA wal_checkpoint in the given mode
// (PASSIVE, FULL, RESTART or TRUNCATE; empty means TRUNCATE).
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}
