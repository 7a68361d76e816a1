package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castella/castella/internal/admin"
	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/config"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/server"
	"github.com/castella/castella/internal/svc"
)

var (
	serveListen string
	serviceRun  bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the file gateway",
		Long: `Run the HTTP file gateway.

The catalog schema is migrated on startup. The gateway refuses to start
without a master key, and without a token secret unless auth.disabled is set.

Examples:
  castella serve --config /etc/castella/castella.yaml
  CASTELLA_BACKEND=memory CASTELLA_AUTH_DISABLED=true castella serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&serviceRun, "service-run", false, "run under the system service manager")
	cmd.Flags().StringVar(&serviceName, "service-name", svc.DefaultName, "service name under the service manager")
	_ = cmd.Flags().MarkHidden("service-run")
	_ = cmd.Flags().MarkHidden("service-name")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	if serviceRun {
		m, err := svc.New(svc.Config{Name: serviceName, ConfigPath: cfgFile}, &svc.Program{
			Run: func(ctx context.Context) error { return serve(ctx, cfg) },
		})
		if err != nil {
			return err
		}
		return m.Run()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return serve(ctx, cfg)
}

// serve runs the gateway until ctx ends.
func serve(ctx context.Context, cfg *config.Config) error {
	if lw := withLoki(os.Stderr, cfg); lw != nil {
		lctx, lcancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			lw.Run(lctx)
		}()
		// Runs last, so the final flush includes shutdown logs
		defer func() {
			lcancel()
			<-done
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	log.Info().
		Str("version", Version).
		Str("backend", cfg.Backend.Type).
		Str("catalog", cfg.Catalog.Driver).
		Msg("Starting castella")

	g, err := openGateway(ctx, cfg, metrics.Registry, log.Logger, true)
	if err != nil {
		return err
	}
	defer g.Close()

	var tok *auth.Tokens
	if !cfg.Auth.Disabled {
		if tok, err = tokens(cfg); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("Authentication is disabled; every client has full access")
	}

	srv, err := server.New(cfg.Server, server.Deps{
		Service:  g.service,
		Tokens:   tok,
		Audit:    g.audit,
		Metrics:  g.metrics,
		Gatherer: metrics.Registry,
		Log:      log.Logger,
		Version:  Version,
	})
	if err != nil {
		return err
	}

	var adm *admin.Server
	if cfg.Admin.Listen != "" {
		adm, err = admin.New(cfg.Admin, admin.Deps{
			Gatherer: metrics.Registry,
			Ready:    g.catalog.Ping,
			Log:      log.Logger,
		})
		if err != nil {
			return err
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	if adm != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adm.Run(bgCtx); err != nil {
				log.Error().Err(err).Msg("Admin server failed")
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.purge.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		metrics.NewCollector(g.metrics, metrics.CollectorConfig{
			Catalog:  g.catalog,
			Interval: cfg.Metrics.CollectInterval,
			Logger:   log.Logger,
		}).Run(bgCtx)
	}()

	err = srv.Run(ctx)

	// In-flight requests are done; the purge queue gets its final drain
	// before the catalog and governor close.
	bgCancel()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	if n := g.purge.Len(); n > 0 {
		log.Warn().Int("objects", n).Msg("Purge queue not empty at shutdown; remote objects left orphaned")
	}
	log.Info().Msg("Gateway stopped")
	return nil
}
