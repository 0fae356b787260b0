package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"keyauth/internal/platform/metrics"
	"keyauth/internal/platform/models"
)

const (
	keyStatsJob          = "key_stats"
	defaultStatsInterval = time.Minute
)

type KeyCounter interface {
	Stats(ctx context.Context, now time.Time) (models.KeyStats, error)
}

type ApplicationCounter interface {
	Count(ctx context.Context) (int64, error)
}

// KeyStatsCollector periodically refreshes the key state gauges.
type KeyStatsCollector struct {
	keys     KeyCounter
	apps     ApplicationCounter
	metrics  *metrics.Metrics
	interval time.Duration
	now      func() time.Time
}

func NewKeyStatsCollector(keys KeyCounter, apps ApplicationCounter, m *metrics.Metrics, interval time.Duration) *KeyStatsCollector {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &KeyStatsCollector{
		keys:     keys,
		apps:     apps,
		metrics:  m,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Collect takes one snapshot and publishes it.
func (c *KeyStatsCollector) Collect(ctx context.Context) (models.KeyStats, error) {
	start := time.Now()
	stats, err := c.collect(ctx)
	c.metrics.ObserveJob(keyStatsJob, time.Since(start), err)
	if err != nil {
		return stats, err
	}

	c.metrics.SetKeyStates(stats.States(), stats.Applications)
	return stats, nil
}

func (c *KeyStatsCollector) collect(ctx context.Context) (models.KeyStats, error) {
	stats, err := c.keys.Stats(ctx, c.now())
	if err != nil {
		return stats, fmt.Errorf("counting keys: %w", err)
	}
	stats.Applications, err = c.apps.Count(ctx)
	if err != nil {
		return stats, fmt.Errorf("counting applications: %w", err)
	}
	return stats, nil
}

// Run collects immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (c *KeyStatsCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if stats, err := c.Collect(ctx); err != nil {
			log.Warn().Err(err).Str("job", keyStatsJob).Msg("key stats collection failed")
		} else {
			log.Debug().Int64("total", stats.Total).Int64("active", stats.Active).Str("job", keyStatsJob).Msg("key stats collected")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
