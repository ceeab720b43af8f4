package db

import (
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"
)

func schemaVersion(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var text string
	if err := conn.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&text); err != nil {
		t.Fatalf("read schema version failed: %v", err)
	}
	version, err := strconv.Atoi(text)
	if err != nil {
		t.Fatalf("parse schema version %q: %v", text, err)
	}
	return version
}

func TestNewSQLiteDBCreatesSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	database, err := NewSQLiteDB(dir)
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	defer database.Close()

	if version := schemaVersion(t, database.conn); version != currentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", currentSchemaVersion, version)
	}

	for _, table := range []string{"approvals", "approval_broadcasts", "conversations", "messages", "trace_cache"} {
		var name string
		err := database.conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	database, err := NewSQLiteDB(dir)
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}

	_, err = database.conn.Exec(
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES ('c-1', 'u-1', 'keep me', 1, 1)`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteDB(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	var title string
	if err := reopened.conn.QueryRow(`SELECT title FROM conversations WHERE id = 'c-1'`).Scan(&title); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if title != "keep me" {
		t.Fatalf("unexpected title: %q", title)
	}

	if version := schemaVersion(t, reopened.conn); version != currentSchemaVersion {
		t.Fatalf("reopen changed schema version: %d", version)
	}
}
