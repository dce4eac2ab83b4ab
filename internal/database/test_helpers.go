package database

import (
	"path/filepath"
	"testing"
)

// NewTestDB opens a fresh sqlite database under t.TempDir.
func NewTestDB(t testing.TB) *DB {
	t.Helper()

	db, err := NewDB(Config{Type: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
