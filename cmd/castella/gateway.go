package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/allocator"
	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/internal/backend/gdrive"
	"github.com/castella/castella/internal/backend/memory"
	"github.com/castella/castella/internal/backend/s3"
	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
	"github.com/castella/castella/internal/config"
	"github.com/castella/castella/internal/governor"
	"github.com/castella/castella/internal/logging/audit"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/transfer"
)

// gateway is the assembled storage stack shared by serve and the operator
// commands.
type gateway struct {
	cfg      *config.Config
	log      zerolog.Logger
	catalog  *catalog.Catalog
	redis    redis.UniversalClient
	governor *governor.Governor
	backend  *transfer.Governed
	purge    *transfer.PurgeQueue
	service  *transfer.Service
	audit    *audit.Logger
	metrics  *metrics.Metrics
}

// openCatalog opens the catalog named by cfg.
func openCatalog(cfg *config.Config, log zerolog.Logger) (*catalog.Catalog, error) {
	cat, err := catalog.Open(cfg.Catalog, catalog.WithLogger(log.With().Str("component", "catalog").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return cat, nil
}

// openBackend builds the configured storage backend.
func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case config.BackendGDrive:
		c, err := gdrive.New(cfg.Backend.GDrive, cfg.HTTPClient())
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendS3:
		c, err := s3.New(cfg.Backend.S3, cfg.HTTPClient().Transport)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendMemory:
		return memory.New(int64(cfg.Backend.PartSize)), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// openGateway assembles the stack. The master key is required; the catalog
// schema must already exist unless migrate is set. Metrics register with reg.
func openGateway(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, log zerolog.Logger, migrate bool) (*gateway, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	sealer, err := codec.NewSealer(key)
	if err != nil {
		return nil, err
	}

	g := &gateway{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(reg),
		audit:   audit.NewLogger(log),
	}
	ok := false
	defer func() {
		if !ok {
			g.Close()
		}
	}()

	if g.catalog, err = openCatalog(cfg, log); err != nil {
		return nil, err
	}
	if err := g.catalog.Ping(ctx); err != nil {
		return nil, fmt.Errorf("catalog unreachable: %w", err)
	}
	if migrate {
		if err := g.catalog.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate catalog: %w", err)
		}
	}

	requests, bytes, err := cfg.GovernorLimits()
	if err != nil {
		return nil, err
	}
	gc := governor.Config{Requests: requests, Bytes: bytes}
	if rc := cfg.Governor.Redis; rc.Addr != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := g.redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis %s unreachable: %w", rc.Addr, err)
		}
		gc.Redis = g.redis
		gc.KeyPrefix = rc.KeyPrefix
	}
	g.governor, err = governor.New(gc,
		governor.WithLogger(log.With().Str("component", "governor").Logger()),
		governor.WithMetrics(g.metrics))
	if err != nil {
		return nil, err
	}

	be, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	g.backend = transfer.NewGoverned(be, g.governor, cfg.Transfer.Retry, log, g.metrics)
	g.purge = transfer.NewPurgeQueue(g.backend, cfg.Purge, nil, log, g.metrics)

	alloc := allocator.New(g.catalog, g.backend, cfg.Allocator, log, g.metrics)
	g.service = transfer.New(transfer.Deps{
		Catalog:   g.catalog,
		Allocator: alloc,
		Backend:   g.backend,
		Sealer:    sealer,
		Purge:     g.purge,
		Audit:     g.audit,
		Log:       log,
		Metrics:   g.metrics,
	}, cfg.Transfer)

	ok = true
	return g, nil
}

// tokens builds the token issuer and validator from cfg.
func tokens(cfg *config.Config) (*auth.Tokens, error) {
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth.secret is required")
	}
	return auth.NewTokens([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, nil)
}

// drainPurge gives queued deletions one bounded attempt. Operator commands
// call it before exiting, since their queue does not outlive the process.
func (g *gateway) drainPurge(ctx context.Context) int {
	if g.purge.Len() == 0 {
		return 0
	}
	dctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	g.purge.Drain(dctx)
	return g.purge.Len()
}

// Close releases the gateway's resources.
func (g *gateway) Close() {
	if g.governor != nil {
		g.governor.Close()
	}
	if g.redis != nil {
		_ = g.redis.Close()
	}
	if g.catalog != nil {
		if err := g.catalog.Close(); err != nil {
			g.log.Warn().Err(err).Msg("Failed to close catalog")
		}
	}
}
