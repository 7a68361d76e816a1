package metrics

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/catalog"
)

// DefaultCollectInterval is used when CollectorConfig.Interval is zero.
const DefaultCollectInterval = 30 * time.Second

// CatalogStats interface for reading catalog totals.
type CatalogStats interface {
	Stats(ctx context.Context) (catalog.Stats, error)
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Catalog  CatalogStats
	Interval time.Duration
	Timeout  time.Duration // per sample; defaults to Interval
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

// Collector periodically samples catalog totals into the catalog gauges.
// The totals come from aggregate queries, so they are sampled rather than
// maintained on every upload.
type Collector struct {
	metrics  *Metrics
	catalog  CatalogStats
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger

	failures int
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCollectInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Collector{
		metrics:  m,
		catalog:  cfg.Catalog,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		log:      cfg.Logger.With().Str("component", "metrics").Logger(),
	}
}

// Collect samples the catalog once. On failure the gauges keep their last
// values.
func (c *Collector) Collect(ctx context.Context) error {
	if c.catalog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.catalog.Stats(ctx)
	if err != nil {
		c.failures++
		// Only the first failure of a run is logged at warn
		ev := c.log.Debug()
		if c.failures == 1 {
			ev = c.log.Warn()
		}
		ev.Err(err).Int("failures", c.failures).Msg("Catalog stats collection failed")
		return err
	}
	if c.failures > 0 {
		c.log.Info().Int("failures", c.failures).Msg("Catalog stats collection recovered")
		c.failures = 0
	}

	c.metrics.CatalogDrives.Set(float64(s.Drives))
	c.metrics.CatalogFiles.Set(float64(s.Files))
	c.metrics.CatalogBytes.Set(float64(s.Bytes))
	return nil
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect immediately on start
	_ = c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = c.Collect(ctx)
		}
	}
}
