package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"keyauth/internal/platform/config"
	"keyauth/internal/platform/metrics"
)

// MigrateFunc brings the schema up to date during bootstrap.
type MigrateFunc func(ctx context.Context, db *sql.DB) error

// BootstrapError reports that the store could not be made ready.
type BootstrapError struct {
	Attempts int
	Err      error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("store bootstrap failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Handle owns the connection pool. The pool is opened once; readiness
// (ping plus migrations) is established lazily and retried on the next
// call to Ensure after a failed bootstrap.
type Handle struct {
	db      *sql.DB
	cfg     config.DatabaseConfig
	migrate MigrateFunc
	metrics *metrics.Metrics

	mu    sync.Mutex
	ready atomic.Bool
}

type Option func(*Handle)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handle) { h.metrics = m }
}

func WithMigrations(fn MigrateFunc) Option {
	return func(h *Handle) { h.migrate = fn }
}

// Open creates the pool for cfg.Driver. No connection is made until Ensure.
func Open(cfg config.DatabaseConfig, opts ...Option) (*Handle, error) {
	db, err := sql.Open(cfg.Driver, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		driver := cfg.Driver
		opts = append([]Option{WithMigrations(func(ctx context.Context, db *sql.DB) error {
			return Migrate(ctx, db, driver)
		})}, opts...)
	}

	return New(db, cfg, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, cfg config.DatabaseConfig, opts ...Option) *Handle {
	h := &Handle{db: db, cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) DB() *sql.DB { return h.db }

func (h *Handle) Driver() string { return h.cfg.Driver }

func (h *Handle) Ready() bool { return h.ready.Load() }

// Ensure bootstraps the store if it is not ready yet.
func (h *Handle) Ensure(ctx context.Context) error {
	if h.ready.Load() {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Double-check after acquiring the lock
	if h.ready.Load() {
		return nil
	}

	if err := h.bootstrap(ctx); err != nil {
		return err
	}
	h.ready.Store(true)
	return nil
}

func (h *Handle) bootstrap(ctx context.Context) error {
	attempts := h.cfg.BootstrapAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = h.bootstrapOnce(ctx)
		h.metrics.IncBootstrap(lastErr == nil)
		if lastErr == nil {
			log.Info().Int("attempt", attempt).Str("driver", h.cfg.Driver).Msg("store ready")
			return nil
		}

		log.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", attempts).Msg("store bootstrap failed")
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return &BootstrapError{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(h.cfg.BootstrapBackoff):
		}
	}

	return &BootstrapError{Attempts: attempts, Err: lastErr}
}

func (h *Handle) bootstrapOnce(ctx context.Context) error {
	pingCtx := ctx
	if h.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := h.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	if h.migrate != nil {
		if err := h.migrate(ctx, h.db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Acquire bounds ctx by the configured acquire timeout.
func (h *Handle) Acquire(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.cfg.AcquireTimeout)
}

func (h *Handle) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (h *Handle) Close() error {
	h.ready.Store(false)
	return h.db.Close()
}

// DSN returns the driver connection string for cfg. SQLite connections
// always enforce foreign keys so application deletes cascade to keys.
func DSN(cfg config.DatabaseConfig) string {
	dsn := cfg.URL
	switch cfg.Driver {
	case config.DriverSQLite:
		if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk=") {
			dsn = appendParam(dsn, "_foreign_keys", "on")
		}
		if !strings.Contains(dsn, "_busy_timeout") && !strings.Contains(dsn, "_timeout=") {
			dsn = appendParam(dsn, "_busy_timeout", "5000")
		}
	case config.DriverPostgres:
		if cfg.ConnectTimeout > 0 && !strings.Contains(dsn, "connect_timeout") {
			seconds := fmt.Sprintf("%d", int(cfg.ConnectTimeout.Seconds()))
			if strings.Contains(dsn, "://") {
				dsn = appendParam(dsn, "connect_timeout", seconds)
			} else {
				dsn = strings.TrimSpace(dsn + " connect_timeout=" + seconds)
			}
		}
	}
	return dsn
}

func appendParam(dsn, key, value string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + url.QueryEscape(value)
}
