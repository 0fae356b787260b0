// Package dbtest opens throwaway migrated SQLite stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"keyauth/internal/platform/config"
	"keyauth/internal/platform/database"
)

// NewSQLite returns a ready handle over a fresh file database in t.TempDir().
func NewSQLite(t testing.TB) *database.Handle {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:            config.DriverSQLite,
		URL:               "file:" + filepath.Join(t.TempDir(), "keyauth.db") + "?_journal_mode=WAL",
		MaxOpenConns:      5,
		MaxIdleConns:      5,
		ConnMaxLifetime:   time.Hour,
		ConnectTimeout:    5 * time.Second,
		AcquireTimeout:    10 * time.Second,
		BootstrapAttempts: 1,
		AutoMigrate:       true,
	}

	handle, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { handle.Close() })

	if err := handle.Ensure(context.Background()); err != nil {
		t.Fatalf("bootstrap sqlite: %v", err)
	}
	return handle
}
