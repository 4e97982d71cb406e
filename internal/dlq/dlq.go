// Package dlq keeps events no indexer accepted so they can be replayed once
// the backend recovers.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/reliability"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// FileName is the queue file inside the configured directory
const FileName = "dlq.json"

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

// Config holds configuration for the Dead Letter Queue
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	MaxSize       int           `yaml:"max_size"`
	MaxAge        time.Duration `yaml:"max_age"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the default queue settings
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Dir:           "/app/dlq",
		MaxSize:       10000,
		MaxAge:        24 * time.Hour,
		FlushInterval: 5 * time.Second,
	}
}

// Entry is one undelivered event
type Entry struct {
	Event            types.Event     `json:"event"`
	OrigGeo          *enrich.GeoInfo `json:"orig_geoip,omitempty"`
	RespGeo          *enrich.GeoInfo `json:"resp_geoip,omitempty"`
	ProcessedAt      float64         `json:"processed_at"`
	ProcessorVersion string          `json:"processor_version"`

	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// NewEntry captures an enriched event and the error that kept it from
// being delivered
func NewEntry(event enrich.Enriched, cause error, now time.Time) *Entry {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Entry{
		Event:            event.Event,
		OrigGeo:          event.OrigGeo,
		RespGeo:          event.RespGeo,
		ProcessedAt:      event.ProcessedAt,
		ProcessorVersion: event.ProcessorVersion,
		Error:            msg,
		Timestamp:        now,
	}
}

// Enriched rebuilds the event as it was when it failed
func (e *Entry) Enriched() enrich.Enriched {
	return enrich.Enriched{
		Event:            e.Event,
		OrigGeo:          e.OrigGeo,
		RespGeo:          e.RespGeo,
		ProcessedAt:      e.ProcessedAt,
		ProcessorVersion: e.ProcessorVersion,
	}
}

// Option configures a queue
type Option func(*DeadLetterQueue)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(q *DeadLetterQueue) { q.logger = l.WithComponent("dlq") }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(q *DeadLetterQueue) { q.metrics = m }
}

// DeadLetterQueue stores failed events in memory and mirrors them to an
// NDJSON file
type DeadLetterQueue struct {
	config  Config
	path    string
	logger  *logging.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.Mutex
	entries []*Entry
	dirty   bool
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// New opens the queue in cfg.Dir, loading entries left by a previous run
func New(cfg Config, opts ...Option) (*DeadLetterQueue, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	d := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = d.MaxAge
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	q := &DeadLetterQueue{
		config:  cfg,
		path:    filepath.Join(cfg.Dir, FileName),
		logger:  logging.Nop(),
		now:     time.Now,
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}
	q.expire()
	q.updateGauge()

	q.wg.Add(1)
	go q.flushLoop()

	return q, nil
}

// Enqueue records an event that every transport rejected
func (q *DeadLetterQueue) Enqueue(event enrich.Enriched, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDLQClosed
	}
	if len(q.entries) >= q.config.MaxSize {
		q.dropped.Add(1)
		q.logger.Error().Str("uid", event.UID()).Msg("Dead letter queue full, dropping event")
		return ErrDLQFull
	}

	q.entries = append(q.entries, NewEntry(event, cause, q.now()))
	q.dirty = true
	q.enqueued.Add(1)

	if q.metrics != nil {
		q.metrics.DLQEventsWritten.Inc()
	}
	q.updateGaugeLocked()

	q.logger.Warn().
		Str("uid", event.UID()).
		Str("error", fmt.Sprint(cause)).
		Msg("Event written to dead letter queue")
	return nil
}

// Entries returns a copy of the queued entries, oldest first
func (q *DeadLetterQueue) Entries() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the number of queued entries
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns queue counters
func (q *DeadLetterQueue) Stats() Stats {
	return Stats{
		Enqueued:    q.enqueued.Load(),
		Dropped:     q.dropped.Load(),
		CurrentSize: q.Size(),
		MaxSize:     q.config.MaxSize,
	}
}

// Stats holds DLQ statistics
type Stats struct {
	Enqueued    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int
}

// Utilization returns the DLQ utilization percentage (0-100)
func (s Stats) Utilization() float64 {
	if s.MaxSize == 0 {
		return 0
	}
	return float64(s.CurrentSize) / float64(s.MaxSize) * 100.0
}

// ReplayResult summarises one replay pass
type ReplayResult struct {
	Attempted int
	Replayed  int
	Remaining int
}

// Replay re-sends every queued entry through ix, retrying each with
// backoff. Entries that still fail stay queued with their retry count and
// error updated. A cancelled context stops the pass; untried entries are
// kept.
func (q *DeadLetterQueue) Replay(ctx context.Context, ix indexer.Indexer, cfg reliability.RetryConfig) (ReplayResult, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ReplayResult{}, ErrDLQClosed
	}
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	var (
		result ReplayResult
		failed []*Entry
	)

	for i, entry := range pending {
		if ctx.Err() != nil {
			failed = append(failed, pending[i:]...)
			break
		}
		result.Attempted++

		err := reliability.RetryNotify(ctx, cfg, func(ctx context.Context) error {
			return ix.Index(ctx, entry.Enriched())
		}, func(attempt int, err error, wait time.Duration) {
			q.logger.Debug().
				Err(err).
				Str("uid", entry.Event.Str("uid")).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Replay attempt failed")
		})

		if err == nil {
			result.Replayed++
			q.recordReplay("success")
			continue
		}

		entry.Retries++
		entry.Error = err.Error()
		failed = append(failed, entry)
		q.recordReplay("failure")
	}

	q.mu.Lock()
	q.entries = append(failed, q.entries...)
	q.dirty = true
	result.Remaining = len(q.entries)
	q.updateGaugeLocked()
	flushErr := q.flushLocked()
	q.mu.Unlock()

	q.logger.Info().
		Int("attempted", result.Attempted).
		Int("replayed", result.Replayed).
		Int("remaining", result.Remaining).
		Msg("Dead letter replay finished")

	if flushErr != nil {
		return result, flushErr
	}
	return result, ctx.Err()
}

func (q *DeadLetterQueue) recordReplay(status string) {
	if q.metrics != nil {
		q.metrics.DLQEventsReplayed.WithLabelValues(status).Inc()
	}
}

// Expire drops entries older than MaxAge and returns how many were removed
func (q *DeadLetterQueue) Expire() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.expireLocked()
	q.updateGaugeLocked()
	return n
}

func (q *DeadLetterQueue) expire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked()
}

func (q *DeadLetterQueue) expireLocked() int {
	cutoff := q.now().Add(-q.config.MaxAge)
	remaining := q.entries[:0]
	for _, entry := range q.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		}
	}
	removed := len(q.entries) - len(remaining)
	if removed > 0 {
		q.dirty = true
		q.logger.Info().Int("expired", removed).Msg("Dropped expired dead letter entries")
	}
	q.entries = remaining
	return removed
}

// Flush persists all entries to disk
func (q *DeadLetterQueue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirty = true
	return q.flushLocked()
}

// Close stops the background loop and writes the final state
func (q *DeadLetterQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrDLQClosed
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirty = true
	return q.flushLocked()
}

// flushLocked writes a temp file and renames it over the queue file so a
// crash never leaves a half-written queue
func (q *DeadLetterQueue) flushLocked() error {
	if !q.dirty {
		return nil
	}

	tempFile := q.path + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range q.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempFile, q.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	q.dirty = false
	return nil
}

func (q *DeadLetterQueue) load() error {
	file, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry %d: %w", len(q.entries)+1, err)
		}
		q.entries = append(q.entries, &entry)
	}

	if len(q.entries) > 0 {
		q.logger.Info().Int("entries", len(q.entries)).Str("path", q.path).Msg("Loaded dead letter queue")
	}
	return nil
}

func (q *DeadLetterQueue) flushLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			q.expireLocked()
			q.updateGaugeLocked()
			if err := q.flushLocked(); err != nil {
				q.logger.Error().Err(err).Msg("Failed to flush dead letter queue")
			}
			q.mu.Unlock()
		case <-q.closeCh:
			return
		}
	}
}

func (q *DeadLetterQueue) updateGauge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateGaugeLocked()
}

func (q *DeadLetterQueue) updateGaugeLocked() {
	if q.metrics != nil {
		q.metrics.DLQSize.Set(float64(len(q.entries)))
	}
}
