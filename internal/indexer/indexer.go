// Package indexer delivers enriched events to the search backend. Every
// transport implements Indexer; Chain tries them in order until one accepts.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
)

// ErrAllFailed means no transport in a chain accepted the event
var ErrAllFailed = errors.New("all indexers failed")

// Indexer sends one enriched event to a backend
type Indexer interface {
	// Index delivers the event; a nil error means the backend accepted it
	Index(ctx context.Context, event enrich.Enriched) error

	// Name returns the transport name used in logs and metrics
	Name() string

	// Close releases the transport's resources
	Close() error
}

// StatusError reports a response the backend did not accept
type StatusError struct {
	Transport string
	Status    int
	Body      string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Transport, e.Status)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Transport, e.Status, e.Body)
}

// instrumented records metrics and a span around every Index call
type instrumented struct {
	Indexer
	metrics *metrics.Collector
	tracer  *tracing.Provider
}

// Instrument wraps ix so each call is timed, counted and traced. Nil
// collectors disable the respective concern.
func Instrument(ix Indexer, m *metrics.Collector, tp *tracing.Provider) Indexer {
	if m == nil && tp == nil {
		return ix
	}
	if tp == nil {
		tp = tracing.Noop()
	}
	return &instrumented{Indexer: ix, metrics: m, tracer: tp}
}

func (i *instrumented) Index(ctx context.Context, event enrich.Enriched) error {
	name := i.Indexer.Name()
	ctx, span := i.tracer.TraceIndex(ctx, name, event.UID())
	defer span.End()

	start := time.Now()
	err := i.Indexer.Index(ctx, event)

	if i.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		i.metrics.IndexerRequests.WithLabelValues(name, status).Inc()
		i.metrics.IndexerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// Unwrap returns the wrapped transport
func (i *instrumented) Unwrap() Indexer {
	return i.Indexer
}

// eventTime picks the time used for index rotation and object keys: the
// connection timestamp when present, the processing time otherwise
func eventTime(event enrich.Enriched) time.Time {
	if v, ok := event.Event.Get("ts"); ok {
		if f, ok := v.AsFloat(); ok && f > 0 {
			return unixFloat(f)
		}
		if n, ok := v.AsInt(); ok && n > 0 {
			return time.Unix(n, 0).UTC()
		}
	}
	if event.ProcessedAt > 0 {
		return unixFloat(event.ProcessedAt)
	}
	return time.Now().UTC()
}

func unixFloat(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
