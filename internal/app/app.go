package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"keyauth/internal/api"
	"keyauth/internal/api/handlers"
	"keyauth/internal/api/middleware"
	"keyauth/internal/engine/access"
	"keyauth/internal/engine/applications"
	"keyauth/internal/engine/keys"
	"keyauth/internal/engine/redemption"
	"keyauth/internal/engine/support"
	"keyauth/internal/platform/audit"
	"keyauth/internal/platform/auth"
	"keyauth/internal/platform/config"
	"keyauth/internal/platform/database"
	"keyauth/internal/platform/metrics"
	"keyauth/internal/platform/repositories"
	"keyauth/internal/workers"
)

const auditBuffer = 256

// Application holds the wired service.
type Application struct {
	Router    http.Handler
	Store     *database.Handle
	Metrics   *metrics.Metrics
	Collector *workers.KeyStatsCollector

	audit   *audit.Logger
	limiter *middleware.LocalLimiter
	redis   *redis.Client
}

type Options struct {
	// Registry receives the service collectors. Nil disables metrics.
	Registry *prometheus.Registry
	// Redis, when set, backs the shared rate limiter.
	Redis *redis.Client
}

// New wires repositories, engines and transport on top of store.
func New(cfg *config.Config, store *database.Handle, m *metrics.Metrics, opts Options) *Application {
	db := store.DB()

	appRepo := repositories.NewApplicationRepository(db)
	keyRepo := repositories.NewKeyRepository(db)
	supportRepo := repositories.NewSupportRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	auditLog := audit.NewLogger(auditRepo, auditBuffer)

	evaluator := access.NewEvaluator(cfg.Admin.MainAdminID, cfg.Licensing.MaxAppsPerOwner, appRepo, supportRepo)
	apps := applications.NewService(appRepo, evaluator, applications.NewCredentialCache(cfg.Cache.ApplicationTTL), auditLog)
	keySvc := keys.NewService(keyRepo, apps, evaluator, keys.Options{
		CodeLength:         cfg.Licensing.KeyCodeLength,
		DefaultDeviceLimit: cfg.Licensing.DefaultDeviceLimit,
		Audit:              auditLog,
	})
	roster := support.NewRoster(supportRepo, evaluator, auditLog)
	validator := redemption.NewValidator(keyRepo, apps, redemption.Options{
		MaxAttempts: cfg.Licensing.RedeemMaxAttempts,
		Tokens:      auth.NewTokenService(cfg.Token),
		Metrics:     m,
	})

	a := &Application{
		Store:     store,
		Metrics:   m,
		Collector: workers.NewKeyStatsCollector(keyRepo, appRepo, m, cfg.Metrics.StatsInterval),
		audit:     auditLog,
		redis:     opts.Redis,
	}

	var limiter handlers.Limiter
	var cache handlers.Pinger
	if opts.Redis != nil {
		limiter = middleware.NewRedisLimiter(opts.Redis)
		cache = handlers.PingFunc(func(ctx context.Context) error { return opts.Redis.Ping(ctx).Err() })
	} else {
		a.limiter = middleware.NewLocalLimiter()
		limiter = a.limiter
	}

	var gatherer prometheus.Gatherer = prometheus.NewRegistry()
	if opts.Registry != nil {
		gatherer = opts.Registry
	}

	a.Router = api.NewRouter(&api.Dependencies{
		ActionHandler: handlers.NewActionHandler(handlers.ActionDeps{
			Apps:       apps,
			Keys:       keySvc,
			Roster:     roster,
			Access:     evaluator,
			Redemption: validator,
			Audit:      auditLog,
			Store:      store,
			Limiter:    limiter,
			Limits:     cfg.RateLimit,
			Metrics:    m,
		}),
		HealthHandler:   handlers.NewHealthHandler(store, cache),
		MetricsHandler:  handlers.NewMetricsHandler(gatherer),
		StoreMiddleware: middleware.NewStoreMiddleware(store),
		CORS:            middleware.NewCORS(cfg.CORS),
		ClientIPs:       middleware.NewClientIPResolver(cfg.Server.TrustedProxies),
	})
	return a
}

// RunBackground runs the stats collector and limiter sweeps until ctx ends.
func (a *Application) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Collector.Run(ctx) })
	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close flushes the audit trail and releases connections.
func (a *Application) Close() error {
	a.audit.Close()

	var err error
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	return multierr.Append(err, a.Store.Close())
}
