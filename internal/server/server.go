// Package server exposes the transfer service over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/logging/audit"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/transfer"
)

// Banner is the body of GET /.
const Banner = "castella file server"

// ErrNoAuth is returned by New when no token validator is configured and
// authentication has not been disabled explicitly.
var ErrNoAuth = errors.New("server: auth secret required (set auth.disabled to run without authentication)")

// Config holds the HTTP listener settings.
type Config struct {
	Listen            string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies    []string      `yaml:"trusted_proxies"`
	AuthDisabled      bool          `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of a Server.
type Deps struct {
	Service  *transfer.Service
	Tokens   *auth.Tokens // nil only with Config.AuthDisabled
	Audit    *audit.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // served at /metrics; nil disables the route
	Log      zerolog.Logger
	Version  string
}

// Server is the castella HTTP API.
type Server struct {
	cfg     Config
	svc     *transfer.Service
	tokens  *auth.Tokens
	audit   *audit.Logger
	metrics *metrics.Metrics
	log     zerolog.Logger
	version string
	engine  *gin.Engine
}

// New creates a Server and registers its routes.
func New(cfg Config, d Deps) (*Server, error) {
	cfg = cfg.withDefaults()
	if d.Tokens == nil && !cfg.AuthDisabled {
		return nil, ErrNoAuth
	}
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}

	s := &Server{
		cfg:     cfg,
		svc:     d.Service,
		tokens:  d.Tokens,
		audit:   d.Audit,
		metrics: d.Metrics,
		log:     d.Log.With().Str("component", "http").Logger(),
		version: d.Version,
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	engine.Use(s.recovery, s.observe)
	engine.NoRoute(func(c *gin.Context) { s.jsonError(c, http.StatusNotFound, "not found") })
	engine.NoMethod(func(c *gin.Context) { s.jsonError(c, http.StatusMethodNotAllowed, "method not allowed") })
	s.engine = engine
	s.setupRoutes(d.Gatherer)

	return s, nil
}

func (s *Server) setupRoutes(g prometheus.Gatherer) {
	r := s.engine

	r.GET("/", s.handleBanner)
	r.GET("/healthz", s.handleHealth)
	if g != nil {
		r.GET("/metrics", gin.WrapH(metrics.HandlerFor(g)))
	}

	r.POST("/", s.require(auth.ScopeWrite), s.handleUpload)
	r.GET("/:key", s.require(auth.ScopeRead), s.handleDownload)
	r.HEAD("/:key", s.require(auth.ScopeRead), s.handleDownload)
	r.DELETE("/:key", s.require(auth.ScopeWrite), s.handleDelete)

	admin := r.Group("/", s.require(auth.ScopeAdmin))
	{
		admin.GET("/files", s.handleListFiles)
		admin.GET("/drives", s.handleListDrives)
		admin.DELETE("/drives/:key", s.handleDecommission)
		admin.GET("/stats", s.handleStats)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", ln.Addr().String()).Msg("starting castella server")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down castella server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
