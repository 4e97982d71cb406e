package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/reliability"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
)

// Transport names accepted in Config.Transports
const (
	TransportHEC           = "hec"
	TransportREST          = "rest"
	TransportElasticsearch = "elasticsearch"
	TransportKafka         = "kafka"
	TransportS3            = "s3"
)

// BreakerSettings enables a circuit breaker on the primary transport
type BreakerSettings struct {
	Enabled                   bool `yaml:"enabled"`
	reliability.BreakerConfig `yaml:",inline"`
}

// Config selects and configures the transports of a chain
type Config struct {
	// Transports lists transport names, primary first
	Transports    []string            `yaml:"transports"`
	Splunk        SplunkConfig        `yaml:"splunk"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	S3            S3Config            `yaml:"s3"`
	Breaker       BreakerSettings     `yaml:"circuit_breaker"`
}

// DefaultConfig sends to the event collector and falls back to the REST
// receiver
func DefaultConfig() Config {
	return Config{
		Transports:    []string{TransportHEC, TransportREST},
		Splunk:        DefaultSplunkConfig(),
		Elasticsearch: DefaultElasticsearchConfig(),
		Kafka:         DefaultKafkaConfig(),
		S3:            DefaultS3Config(),
		Breaker: BreakerSettings{
			Enabled:       true,
			BreakerConfig: reliability.DefaultBreakerConfig(TransportHEC),
		},
	}
}

// Validate reports configuration errors without connecting anywhere
func (c Config) Validate() error {
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one indexer transport is required")
	}
	seen := make(map[string]bool, len(c.Transports))
	for _, name := range c.Transports {
		switch name {
		case TransportHEC, TransportREST, TransportElasticsearch, TransportKafka, TransportS3:
		default:
			return fmt.Errorf("unknown indexer transport %q", name)
		}
		if seen[name] {
			return fmt.Errorf("indexer transport %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// Option configures Build
type Option func(*buildOptions)

type buildOptions struct {
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *tracing.Provider
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(o *buildOptions) { o.metrics = m }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(o *buildOptions) { o.tracer = p }
}

// Build constructs the configured chain. Each transport is instrumented;
// the primary is additionally guarded by a breaker when enabled.
func Build(ctx context.Context, cfg Config, opts ...Option) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	built := make([]Indexer, 0, len(cfg.Transports))
	closeAll := func() {
		for _, ix := range built {
			_ = ix.Close()
		}
	}

	for i, name := range cfg.Transports {
		ix, err := newTransport(ctx, name, cfg, o.logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to build %s indexer: %w", name, err)
		}
		ix = Instrument(ix, o.metrics, o.tracer)
		if i == 0 && cfg.Breaker.Enabled {
			ix = Guard(ix, cfg.Breaker.BreakerConfig, o.metrics, o.logger)
		}
		built = append(built, ix)
	}

	o.logger.Info().Strs("transports", cfg.Transports).Msg("Indexer chain ready")
	return NewChain(o.logger, o.metrics, built[0], built[1:]...), nil
}

func newTransport(ctx context.Context, name string, cfg Config, logger *logging.Logger) (Indexer, error) {
	switch name {
	case TransportHEC:
		return NewHEC(cfg.Splunk, logger), nil
	case TransportREST:
		return NewREST(cfg.Splunk, logger), nil
	case TransportElasticsearch:
		return NewElasticsearch(cfg.Elasticsearch, logger)
	case TransportKafka:
		return NewKafka(cfg.Kafka, logger)
	case TransportS3:
		return NewS3(ctx, cfg.S3, logger)
	default:
		return nil, errors.New("unknown transport")
	}
}
