// Package db opens the SQLite session history store.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// migrations are applied in order. The database's user_version is the
// number already applied; append new steps, never edit old ones.
var migrations = []string{
	`CREATE TABLE sessions (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		pid INTEGER,
		shell TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		close_reason TEXT,
		exit_code INTEGER,
		preview_line TEXT,
		recording_path TEXT,
		created_at DATETIME NOT NULL,
		closed_at DATETIME
	);
	CREATE INDEX idx_sessions_id ON sessions(id);
	CREATE INDEX idx_sessions_created_at ON sessions(created_at);`,

	`CREATE INDEX idx_sessions_status ON sessions(status);`,
}

// InitDB opens the history database at dbPath, creating its directory, and
// brings the schema up to date. Later calls return the same connection.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		db, initErr = open(dbPath)
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

func open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets history reads run while a session close is being written.
	dsn := dbPath + "?" + url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
	}.Encode()

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// migrate applies the migrations the database has not seen yet, each in its
// own transaction.
func migrate(conn *sql.DB) error {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this server (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// ResetDB closes the shared connection and allows InitDB to run again.
func ResetDB() {
	if db != nil {
		db.Close()
	}
	once = sync.Once{}
	db = nil
}

// NewTestDB creates a fresh, migrated in-memory database. It bypasses the
// shared connection.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection to :memory: is a separate database.
	testDB.SetMaxOpenConns(1)

	if err := migrate(testDB); err != nil {
		testDB.Close()
		return nil, err
	}
	return testDB, nil
}
