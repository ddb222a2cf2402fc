// Package storagetest opens throwaway migrated databases for tests.
package storagetest

import (
	"path/filepath"
	"testing"

	"agentchat/internal/config"
	"agentchat/internal/storage"
)

// Open returns a migrated SQLite database in a temp dir. It is closed when
// the test ends.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "agentchat.db") +
		"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1&_txlock=immediate"
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: dsn},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
