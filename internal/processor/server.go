// Package processor is the enrichment service: it receives decoded events
// over HTTP, enriches them and forwards them to the indexer chain.
package processor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/security"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
)

// ServiceName is reported by the root endpoint
const ServiceName = "Mini SOC Processor"

// Config holds the service configuration
type Config struct {
	Address string `yaml:"address"`
	// RateLimit is requests per second per client address; zero disables it
	RateLimit    int   `yaml:"rate_limit"`
	MaxBodySize  int64 `yaml:"max_body_size"`
	BatchWorkers int   `yaml:"batch_workers"`
	// APIKeys enables key authentication on the processing routes
	APIKeys      []string           `yaml:"api_keys"`
	TLS          security.TLSConfig `yaml:"tls"`
	ReadTimeout  time.Duration      `yaml:"read_timeout"`
	WriteTimeout time.Duration      `yaml:"write_timeout"`
}

// DefaultConfig returns the default service configuration
func DefaultConfig() Config {
	return Config{
		Address:      "0.0.0.0:8001",
		MaxBodySize:  32 * 1024 * 1024,
		BatchWorkers: 1,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
}

// SplunkInfo is echoed by the root endpoint
type SplunkInfo struct {
	Host   string
	Port   int
	Scheme string
}

// Prober reports backend reachability for the health endpoint
type Prober interface {
	Probe(ctx context.Context) indexer.ProbeStatus
}

// DeadLetters receives events no transport accepted
type DeadLetters interface {
	Enqueue(event enrich.Enriched, cause error) error
}

// Server serves the enrichment API
type Server struct {
	cfg       Config
	info      SplunkInfo
	indexer   indexer.Indexer
	enricher  *enrich.Enricher
	prober    Prober
	dlq       DeadLetters
	extractor *metrics.Extractor
	logger    *logging.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Provider

	handler http.Handler
	server  *http.Server

	limMu       sync.Mutex
	limiters    map[string]*clientLimiter
	lastSweep   time.Time
	idleLimiter time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l.WithComponent("processor") }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(s *Server) { s.tracer = p }
}

// WithProber sets the backend prober used by /health
func WithProber(p Prober) Option {
	return func(s *Server) { s.prober = p }
}

// WithDeadLetters enables dead-lettering of undeliverable events
func WithDeadLetters(d DeadLetters) Option {
	return func(s *Server) { s.dlq = d }
}

// WithExtractor derives metrics from every processed event
func WithExtractor(e *metrics.Extractor) Option {
	return func(s *Server) { s.extractor = e }
}

// WithEnricher replaces the default enricher
func WithEnricher(e *enrich.Enricher) Option {
	return func(s *Server) { s.enricher = e }
}

// New creates the service. ix receives every enriched event.
func New(cfg Config, ix indexer.Indexer, info SplunkInfo, opts ...Option) *Server {
	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = d.MaxBodySize
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = d.BatchWorkers
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}

	s := &Server{
		cfg:         cfg,
		info:        info,
		indexer:     ix,
		enricher:    enrich.NewEnricher(nil),
		logger:      logging.Nop(),
		tracer:      tracing.Noop(),
		limiters:    make(map[string]*clientLimiter),
		idleLimiter: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.handler = s.routes()
	return s
}

// Handler returns the service's HTTP handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /process/zeek", s.handleProcess)
	mux.HandleFunc("POST /process/batch", s.handleBatch)
	mux.HandleFunc("GET /test/enrich", s.handleTestEnrich)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.recoverMiddleware(
		s.corsMiddleware(
			s.instrumentMiddleware(
				s.rateLimitMiddleware(
					s.authMiddleware(mux)))))
}

// Name identifies the service to the shutdown manager
func (s *Server) Name() string { return "processor" }

// Start begins listening. Startup errors such as a taken port are returned;
// errors after that are logged.
func (s *Server) Start() error {
	tlsConfig, err := security.LoadTLSConfig(s.cfg.TLS)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		TLSConfig:    tlsConfig,
	}

	s.logger.Info().
		Str("address", ln.Addr().String()).
		Bool("tls", tlsConfig != nil).
		Msg("Processor listening")

	go func() {
		if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Processor server error")
		}
	}()
	return nil
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down processor")
	return s.server.Shutdown(ctx)
}
