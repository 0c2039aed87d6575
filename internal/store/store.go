// Package store provides the embedded relational store backing the
// knowledge core: one SQLite file under the data root, schema and
// migrations, and allow-listed CRUD.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
)

// Store wraps the single database connection shared by every engine.
// Writes serialize on the connection; WAL keeps readers unblocked.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the store at the given path. The parent directory is
// created, a fresh database file is restricted to the owner, and an
// integrity check runs before any schema work. The path is derived from
// configuration, never from user input.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	created := false
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, qerr.Wrap(qerr.CodeConfiguration, err, "failed to create data directory %s", dir)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			created = true
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if created {
		// Force file creation before tightening permissions.
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to create database file")
		}
		if err := os.Chmod(path, 0o600); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to restrict database permissions: %v", err)
		}
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Pragma failed (%s): %v", pragma, err)
		}
	}

	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil || check != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("integrity_check returned %q", check)
		}
		return nil, qerr.Wrap(qerr.CodeConfiguration, err, "database failed integrity check")
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	// Refresh planner statistics after schema creation.
	if _, err := db.Exec("ANALYZE"); err != nil {
		logging.StoreDebug("ANALYZE failed: %v", err)
	}

	logging.Store("Store ready (schema v%d)", CurrentSchemaVersion)
	return s, nil
}

// initialize creates the schema and applies additive migrations.
func (s *Store) initialize() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to create schema")
		}
	}
	if err := RunMigrations(s.db); err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to run migrations")
	}
	if err := s.recordSchemaVersion(); err != nil {
		return err
	}
	return nil
}

func (s *Store) recordSchemaVersion() error {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&v)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to read schema version")
	}
	if v < CurrentSchemaVersion {
		_, err = s.db.Exec("INSERT INTO schema_versions (version) VALUES (?)", CurrentSchemaVersion)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to record schema version")
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// DB exposes the underlying connection for the engines in this module.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.dbPath
}

// WithTx runs fn inside a single transaction. Any error rolls the whole
// transaction back; multi-table updates must go through here.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logging.Get(logging.CategoryStore).Warn("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to commit transaction")
	}
	return nil
}

// nullString maps a nil pointer to NULL for optional text columns.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// likeEscape escapes LIKE wildcards in a user-supplied needle.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
