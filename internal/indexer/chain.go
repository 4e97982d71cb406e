package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/reliability"
)

// Chain tries its transports in order and stops at the first that accepts
type Chain struct {
	indexers []Indexer
	logger   *logging.Logger
	metrics  *metrics.Collector
	closed   atomic.Bool
}

// NewChain creates a chain with primary first and fallbacks after it
func NewChain(logger *logging.Logger, m *metrics.Collector, primary Indexer, fallbacks ...Indexer) *Chain {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Chain{
		indexers: append([]Indexer{primary}, fallbacks...),
		logger:   logger.WithComponent("indexer"),
		metrics:  m,
	}
}

// Name implements Indexer
func (c *Chain) Name() string { return "chain" }

// Names lists the transports in the order they are tried
func (c *Chain) Names() []string {
	names := make([]string, len(c.indexers))
	for i, ix := range c.indexers {
		names[i] = ix.Name()
	}
	return names
}

// Index implements Indexer. When every transport fails the returned error
// matches ErrAllFailed and wraps each transport's error.
func (c *Chain) Index(ctx context.Context, event enrich.Enriched) error {
	if c.closed.Load() {
		return fmt.Errorf("indexer chain is closed")
	}

	var errs []error
	for i, ix := range c.indexers {
		if i > 0 {
			c.logger.Info().
				Str("transport", ix.Name()).
				Str("uid", event.UID()).
				Msg("Trying fallback")
			if c.metrics != nil {
				c.metrics.IndexerFallbacks.WithLabelValues(ix.Name()).Inc()
			}
		}

		err := ix.Index(ctx, event)
		if err == nil {
			return nil
		}

		c.logger.Warn().
			Err(err).
			Str("transport", ix.Name()).
			Str("uid", event.UID()).
			Msg("Indexer rejected event")
		errs = append(errs, fmt.Errorf("%s: %w", ix.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Close closes every transport
func (c *Chain) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, ix := range c.indexers {
		if err := ix.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ix.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Guarded puts a circuit breaker in front of a transport. While the breaker
// is open calls fail immediately with reliability.ErrCircuitOpen, which lets
// a chain move straight on to its fallbacks.
type Guarded struct {
	Indexer
	breaker *reliability.CircuitBreaker
}

// Guard wraps ix with a breaker built from cfg. The breaker state is
// exported on m when it is non-nil.
func Guard(ix Indexer, cfg reliability.BreakerConfig, m *metrics.Collector, logger *logging.Logger) *Guarded {
	if logger == nil {
		logger = logging.Nop()
	}
	log := logger.WithComponent("indexer")

	cfg.Name = ix.Name()
	next := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to reliability.State) {
		log.Warn().
			Str("transport", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
		if m != nil {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
		if next != nil {
			next(name, from, to)
		}
	}

	g := &Guarded{Indexer: ix, breaker: reliability.NewCircuitBreaker(cfg)}
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(cfg.Name).Set(float64(reliability.StateClosed))
	}
	return g
}

// Index implements Indexer
func (g *Guarded) Index(ctx context.Context, event enrich.Enriched) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Indexer.Index(ctx, event)
	})
}

// Breaker returns the underlying breaker
func (g *Guarded) Breaker() *reliability.CircuitBreaker {
	return g.breaker
}
