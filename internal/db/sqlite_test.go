package db

import (
	"path/filepath"
	"testing"
)

func TestInitDB(t *testing.T) {
	defer ResetDB()

	path := filepath.Join(t.TempDir(), "nested", "history.db")
	conn, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}

	again, err := InitDB(path)
	if err != nil || again != conn {
		t.Error("Expected InitDB to return the same connection")
	}

	var mode string
	if err := conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL mode, got %q", mode)
	}

	var name string
	err = conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='sessions'").Scan(&name)
	if err != nil {
		t.Errorf("Expected sessions table: %v", err)
	}
}

func TestNewTestDB(t *testing.T) {
	conn, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Exec(`INSERT INTO sessions (id, shell, created_at) VALUES ('a', '/bin/sh', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var status string
	if err := conn.QueryRow(`SELECT status FROM sessions WHERE id = 'a'`).Scan(&status); err != nil {
		t.Fatalf("select: %v", err)
	}
	if status != "running" {
		t.Errorf("Expected default status running, got %q", status)
	}
}

// TestMigrationsResume tests that reopening a database applies nothing twice
func TestMigrationsResume(t *testing.T) {
	defer ResetDB()
	path := filepath.Join(t.TempDir(), "history.db")

	conn, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO sessions (id, shell, created_at) VALUES ('kept', '/bin/sh', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ResetDB()
	conn, err = InitDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	var version int
	conn.QueryRow("PRAGMA user_version").Scan(&version)
	if version != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), version)
	}

	var count int
	conn.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = 'kept'`).Scan(&count)
	if count != 1 {
		t.Errorf("Expected the row to survive reopening, got %d", count)
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	defer ResetDB()
	path := filepath.Join(t.TempDir(), "history.db")

	conn, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if _, err := conn.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set version: %v", err)
	}

	ResetDB()
	if _, err := InitDB(path); err == nil {
		t.Error("Expected a newer schema to be rejected")
	}
}
