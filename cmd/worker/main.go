package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"keyauth/internal/pkg/logger"
	"keyauth/internal/platform/config"
	"keyauth/internal/platform/database"
	"keyauth/internal/platform/metrics"
	"keyauth/internal/platform/repositories"
	"keyauth/internal/workers"
)

// The worker publishes key statistics for deployments where the API runs
// as short-lived functions.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := database.Open(cfg.Database, database.WithMetrics(m))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	if err := store.Ensure(ctx); err != nil {
		log.Fatal().Err(err).Msg("store bootstrap failed")
	}

	collector := workers.NewKeyStatsCollector(
		repositories.NewKeyRepository(store.DB()),
		repositories.NewApplicationRepository(store.DB()),
		m,
		cfg.Metrics.StatsInterval,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Metrics.WorkerAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Info().Str("addr", cfg.Metrics.WorkerAddr).Dur("interval", cfg.Metrics.StatsInterval).Msg("starting key stats worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return collector.Run(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err = multierr.Append(err, store.Close()); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
}
