package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "socpipe"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tail metrics
	TailLinesRead    *prometheus.CounterVec
	TailBytesRead    *prometheus.CounterVec
	TailReadErrors   *prometheus.CounterVec
	FilesPolled      prometheus.Counter
	SchemaMissing    prometheus.Counter
	WatchTicks       prometheus.Counter
	WatchTickPanics  prometheus.Counter
	WatchTickSeconds prometheus.Histogram

	// Decoder metrics
	RecordsDecoded  *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec

	// Dispatch metrics
	DispatchChunks   *prometheus.CounterVec
	DispatchEvents   *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Processor metrics
	ProcessorRequests    *prometheus.CounterVec
	ProcessorEvents      *prometheus.CounterVec
	ProcessorRateLimited prometheus.Counter

	// Indexer metrics
	IndexerRequests  *prometheus.CounterVec
	IndexerDuration  *prometheus.HistogramVec
	IndexerFallbacks *prometheus.CounterVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Dead letter queue metrics
	DLQEventsWritten  prometheus.Counter
	DLQEventsReplayed *prometheus.CounterVec
	DLQSize           prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector backed by a private registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initTailMetrics()
	c.initDecoderMetrics()
	c.initDispatchMetrics()
	c.initProcessorMetrics()
	c.initIndexerMetrics()
	c.initSystemMetrics()
	c.initDLQMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailMetrics() {
	c.TailLinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read from log files",
		},
		[]string{"file"},
	)

	c.TailBytesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "bytes_read_total",
			Help:      "Total bytes consumed from log files",
		},
		[]string{"file"},
	)

	c.TailReadErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "read_errors_total",
			Help:      "Total number of failed polls",
		},
		[]string{"file"},
	)

	c.FilesPolled = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "files_polled_total",
			Help:      "Total number of file polls",
		},
	)

	c.SchemaMissing = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "schema_missing_total",
			Help:      "Total number of files skipped for lack of a #fields header",
		},
	)

	c.WatchTicks = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "ticks_total",
			Help:      "Total number of completed watch ticks",
		},
	)

	c.WatchTickPanics = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "tick_panics_total",
			Help:      "Total number of recovered panics inside a watch tick",
		},
	)

	c.WatchTickSeconds = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "tick_duration_seconds",
			Help:      "Time taken by one watch tick",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
		},
	)
}

func (c *Collector) initDecoderMetrics() {
	c.RecordsDecoded = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "records_decoded_total",
			Help:      "Total number of data lines decoded into events",
		},
		[]string{"file"},
	)

	c.RecordsRejected = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "records_rejected_total",
			Help:      "Total number of data lines dropped",
		},
		[]string{"file", "reason"},
	)
}

func (c *Collector) initDispatchMetrics() {
	c.DispatchChunks = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "chunks_total",
			Help:      "Total number of chunk requests by outcome",
		},
		[]string{"status"},
	)

	c.DispatchEvents = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Total number of events by sink-reported outcome",
		},
		[]string{"status"},
	)

	c.DispatchDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "chunk_duration_seconds",
			Help:      "Time taken to deliver one chunk",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
		},
		[]string{"status"},
	)
}

func (c *Collector) initProcessorMetrics() {
	c.ProcessorRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the enrichment service",
		},
		[]string{"route", "code"},
	)

	c.ProcessorEvents = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "events_total",
			Help:      "Total number of events processed by outcome",
		},
		[]string{"status"},
	)

	c.ProcessorRateLimited = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "rate_limited_total",
			Help:      "Total number of rate-limited requests",
		},
	)
}

func (c *Collector) initIndexerMetrics() {
	c.IndexerRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "requests_total",
			Help:      "Total number of index attempts by transport and outcome",
		},
		[]string{"transport", "status"},
	)

	c.IndexerDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "duration_seconds",
			Help:      "Time taken to index one event",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"transport"},
	)

	c.IndexerFallbacks = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "fallbacks_total",
			Help:      "Total number of times a fallback transport was tried",
		},
		[]string{"transport"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEventsWritten = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "events_written_total",
			Help:      "Total number of events written to dead letter queue",
		},
	)

	c.DLQEventsReplayed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "events_replayed_total",
			Help:      "Total number of dead-lettered events replayed by outcome",
		},
		[]string{"status"},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries",
			Help:      "Current number of entries held in the dead letter queue",
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the system metrics loop
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)
}

// Started reports whether the system metrics loop is running
func (c *Collector) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
