package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"keyauth/internal/pkg/logger"
	"keyauth/internal/platform/config"
	"keyauth/internal/platform/database"
)

func main() {
	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|to")
	target := flag.String("version", "", "target version for -cmd=to")
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)

	// Migrations are applied explicitly here, never as a side effect of opening.
	cfg.Database.AutoMigrate = false
	store, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ensure(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}

	provider, err := database.NewMigrator(store.DB(), cfg.Database.Driver)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load migrations")
	}

	if err := run(ctx, provider, *cmd, *target); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", *cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, provider *goose.Provider, cmd, target string) error {
	switch cmd {
	case "up":
		results, err := provider.Up(ctx)
		logResults(results)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			logResults([]*goose.MigrationResult{result})
		}
		return err
	case "to":
		version, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid -version %q: %w", target, err)
		}
		results, err := provider.UpTo(ctx, version)
		logResults(results)
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			log.Info().Int64("version", s.Source.Version).Str("file", s.Source.Path).Str("state", string(s.State)).Msg("migration")
		}
		return nil
	case "version":
		version, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		log.Info().Int64("version", version).Msg("current schema version")
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func logResults(results []*goose.MigrationResult) {
	for _, r := range results {
		log.Info().Int64("version", r.Source.Version).Str("direction", r.Direction).Dur("duration", r.Duration).Msg("migration applied")
	}
}
