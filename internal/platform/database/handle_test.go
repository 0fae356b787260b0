package database

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"keyauth/internal/platform/config"
)

func testConfig(attempts int) config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:            config.DriverSQLite,
		URL:               "file::memory:",
		BootstrapAttempts: attempts,
		BootstrapBackoff:  time.Millisecond,
		ConnectTimeout:    time.Second,
		AcquireTimeout:    time.Second,
	}
}

func TestEnsure_RetriesUntilReady(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing()

	var migrations int32
	h := New(db, testConfig(5), WithMigrations(func(ctx context.Context, _ *sql.DB) error {
		atomic.AddInt32(&migrations, 1)
		return nil
	}))

	if err := h.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !h.Ready() {
		t.Error("handle should be ready")
	}
	// A ready handle does not ping again.
	if err := h.Ensure(context.Background()); err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if got := atomic.LoadInt32(&migrations); got != 1 {
		t.Errorf("migrations ran %d times, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnsure_BootstrapErrorThenLazyRetry(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("down"))
	mock.ExpectPing().WillReturnError(errors.New("down"))

	h := New(db, testConfig(2))

	err = h.Ensure(context.Background())
	var bootErr *BootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("Ensure() error = %v, want *BootstrapError", err)
	}
	if bootErr.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", bootErr.Attempts)
	}
	if !IsUnavailable(err) {
		t.Error("bootstrap failures should classify as unavailable")
	}
	if h.Ready() {
		t.Error("handle should not be ready")
	}

	mock.ExpectPing()
	if err := h.Ensure(context.Background()); err != nil {
		t.Fatalf("retry Ensure() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnsure_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	h := New(db, testConfig(1), WithMigrations(func(context.Context, *sql.DB) error {
		return errors.New("bad migration")
	}))

	err = h.Ensure(context.Background())
	var bootErr *BootstrapError
	if !errors.As(err, &bootErr) || bootErr.Attempts != 1 {
		t.Fatalf("Ensure() error = %v, want BootstrapError after 1 attempt", err)
	}
}

func TestAcquire(t *testing.T) {
	h := New(nil, testConfig(1))
	ctx, cancel := h.Acquire(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if remaining := time.Until(deadline); remaining > time.Second {
		t.Errorf("deadline too far: %v", remaining)
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "sqlite adds pragmas",
			cfg:  config.DatabaseConfig{Driver: config.DriverSQLite, URL: "file:keyauth.db"},
			want: "file:keyauth.db?_foreign_keys=on&_busy_timeout=5000",
		},
		{
			name: "sqlite keeps explicit pragmas",
			cfg:  config.DatabaseConfig{Driver: config.DriverSQLite, URL: "file:k.db?_fk=1&_timeout=100"},
			want: "file:k.db?_fk=1&_timeout=100",
		},
		{
			name: "postgres url",
			cfg:  config.DatabaseConfig{Driver: config.DriverPostgres, URL: "postgres://u@h/db?sslmode=require", ConnectTimeout: 30 * time.Second},
			want: "postgres://u@h/db?sslmode=require&connect_timeout=30",
		},
		{
			name: "postgres keyword dsn",
			cfg:  config.DatabaseConfig{Driver: config.DriverPostgres, URL: "host=h dbname=db", ConnectTimeout: 10 * time.Second},
			want: "host=h dbname=db connect_timeout=10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
