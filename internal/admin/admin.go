// Package admin serves the operator listener: liveness and readiness probes,
// prometheus metrics, pprof and runtime trace snapshots. It is meant to be
// bound to a private address, apart from the public file API.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/tracing"
	"github.com/castella/castella/pkg/bytesize"
)

// Config holds operator listener settings. An empty Listen disables it.
type Config struct {
	Listen          string        `yaml:"listen"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	Pprof           bool          `yaml:"pprof"`
	Trace           bool          `yaml:"trace"`
	TraceBufferSize bytesize.Size `yaml:"trace_buffer_size"`
	TraceMinAge     time.Duration `yaml:"trace_min_age"`
}

// Deps are the handles the listener reports on.
type Deps struct {
	Gatherer prometheus.Gatherer // nil serves metrics.Registry
	Ready    func(ctx context.Context) error
	Log      zerolog.Logger
}

// Server is the operator HTTP server.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	ready    func(ctx context.Context) error
	recorder *tracing.Recorder
	log      zerolog.Logger
}

// New creates the operator server and, when configured, starts the trace
// recorder.
func New(cfg Config, d Deps) (*Server, error) {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("admin: cert_file and key_file must be set together")
	}
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		ready:    d.Ready,
		recorder: &tracing.Recorder{},
		log:      d.Log.With().Str("component", "admin").Logger(),
	}
	if cfg.Trace {
		if err := s.recorder.Start(int64(cfg.TraceBufferSize), cfg.TraceMinAge); err != nil {
			return nil, fmt.Errorf("admin: start trace recorder: %w", err)
		}
	}

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = metrics.Registry
	}

	s.mux.HandleFunc("GET /healthz", healthHandler)
	s.mux.HandleFunc("GET /readyz", s.readyHandler)
	s.mux.Handle("GET /metrics", metrics.HandlerFor(gatherer))
	s.mux.HandleFunc("GET /debug/trace", s.traceHandler)
	if cfg.Pprof {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run listens on cfg.Listen until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.recorder.Stop()
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. TLS is used when a certificate is
// configured. The trace recorder is stopped on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.recorder.Stop()

	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // pprof profiles run for 30s by default
		IdleTimeout:  60 * time.Second,
	}
	if s.cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin: load certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", ln.Addr().String()).Bool("tls", s.cfg.CertFile != "").Msg("starting admin server")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// healthHandler reports liveness.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// readyHandler reports whether the gateway's dependencies answer.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	healthHandler(w, r)
}

// traceHandler returns a runtime trace snapshot for `go tool trace`.
func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.recorder.Enabled() {
		http.Error(w, "tracing not enabled (set admin.trace)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")
	if err := s.recorder.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
