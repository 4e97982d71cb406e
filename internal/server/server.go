// Package server exposes metrics, health and profiling endpoints on a
// single observability listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/health"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
)

// Config holds server configuration
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	MetricsPath   string `yaml:"metrics_path"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
	// Profiling mounts net/http/pprof under /debug/pprof/
	Profiling bool `yaml:"profiling"`
}

// DefaultConfig returns the default observability server configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Address:       "0.0.0.0:9090",
		MetricsPath:   "/metrics",
		LivenessPath:  "/health/live",
		ReadinessPath: "/health/ready",
	}
}

// Server serves observability endpoints
type Server struct {
	cfg     Config
	handler http.Handler
	server  *http.Server
	logger  *logging.Logger
}

// New creates the server. A nil registry or checker leaves those endpoints
// unmounted.
func New(cfg Config, registry *prometheus.Registry, checker *health.Checker, logger *logging.Logger) *Server {
	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = d.MetricsPath
	}
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = d.LivenessPath
	}
	if cfg.ReadinessPath == "" {
		cfg.ReadinessPath = d.ReadinessPath
	}
	if logger == nil {
		logger = logging.Nop()
	}

	mux := http.NewServeMux()
	if registry != nil {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	if checker != nil {
		mux.HandleFunc(cfg.LivenessPath, checker.LivenessHandler())
		mux.HandleFunc(cfg.ReadinessPath, checker.ReadinessHandler())
		mux.HandleFunc("/health", checker.HTTPHandler())
	}
	if cfg.Profiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return &Server{
		cfg:     cfg,
		handler: mux,
		logger:  logger.WithComponent("observability"),
	}
}

// Handler returns the mux
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Name identifies the server to the shutdown manager
func (s *Server) Name() string { return "observability" }

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("observability server: failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if s.cfg.Profiling {
		// profile and trace stream for up to 30s by default
		s.server.WriteTimeout = 60 * time.Second
	}

	s.logger.Info().
		Str("address", ln.Addr().String()).
		Bool("profiling", s.cfg.Profiling).
		Msg("Starting observability server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Observability server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down observability server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down observability server")
		return err
	}
	return nil
}
