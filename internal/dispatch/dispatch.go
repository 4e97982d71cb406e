// Package dispatch ships decoded events to the enrichment service in
// bounded chunks and accounts for the outcome of every chunk.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

const (
	DefaultChunkSize     = 1000
	DefaultTimeout       = 30 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	BatchPath  = "/process/batch"
	SinglePath = "/process/zeek"
	HealthPath = "/health"

	// RequestIDHeader correlates one chunk across both services' logs
	RequestIDHeader = "X-Request-ID"

	maxErrorBody = 512
)

// ErrTransport matches every chunk failure: non-200 status, timeout,
// connection error or unreadable response
var ErrTransport = errors.New("transport failure")

// ChunkError describes the chunk that aborted a dispatch
type ChunkError struct {
	Index  int
	Status int // zero when no response arrived
	Err    error
}

func (e *ChunkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chunk %d: unexpected status %d: %v", e.Index, e.Status, e.Err)
	}
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrTransport
func (e *ChunkError) Is(target error) bool {
	return target == ErrTransport
}

// Config holds dispatcher configuration
type Config struct {
	Endpoint      string        `yaml:"endpoint"`
	ChunkSize     int           `yaml:"chunk_size"`
	Timeout       time.Duration `yaml:"timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Endpoint:      "http://127.0.0.1:8001",
		ChunkSize:     DefaultChunkSize,
		Timeout:       DefaultTimeout,
		HealthTimeout: DefaultHealthTimeout,
	}
}

// BatchResponse is the enrichment service's answer to one chunk
type BatchResponse struct {
	TotalEvents int                 `json:"total_events"`
	Successful  int                 `json:"successful"`
	Failed      int                 `json:"failed"`
	Results     []types.ItemOutcome `json:"results"`
}

// Client talks to the enrichment service
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *tracing.Provider
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l.WithComponent("dispatch") }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(c *Client) { c.tracer = p }
}

// New creates a client for the service at cfg.Endpoint
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid processor endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid processor endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid processor endpoint %q: missing host", cfg.Endpoint)
	}

	c := &Client{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		http:   &http.Client{},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector()
	}
	if c.tracer == nil {
		c.tracer = tracing.Noop()
	}

	return c, nil
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.cfg
}

// Dispatch delivers events in chunks; see the package-level Dispatch
func (c *Client) Dispatch(ctx context.Context, events []types.Event) types.BatchResult {
	return Dispatch(ctx, c, events)
}

// Partition splits records into consecutive slices of at most size elements.
// The slices share records' backing array.
func Partition[T any](records []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}

	chunks := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end:end])
	}
	return chunks
}

// Dispatch sends records to the batch endpoint one chunk at a time. The
// first failing chunk aborts the call: later chunks are never sent, while
// counts from chunks already accepted are kept in the result.
func Dispatch[T any](ctx context.Context, c *Client, records []T) types.BatchResult {
	result := types.BatchResult{Total: len(records)}

	for i, chunk := range Partition(records, c.cfg.ChunkSize) {
		result.Chunks++

		resp, err := sendChunk(ctx, c, i, chunk)
		if err != nil {
			result.Err = err
			c.logger.Error().
				Err(err).
				Int("chunk", i).
				Int("events", len(chunk)).
				Int("sent", result.Sent).
				Msg("Chunk failed, aborting dispatch")
			return result
		}

		result.Sent += len(chunk)
		result.Succeeded += resp.Successful
		result.Failed += resp.Failed
		result.Outcomes = append(result.Outcomes, resp.Results...)

		c.metrics.DispatchEvents.WithLabelValues(types.OutcomeSuccess).Add(float64(resp.Successful))
		c.metrics.DispatchEvents.WithLabelValues(types.OutcomeFailed).Add(float64(resp.Failed))

		c.logger.Info().
			Int("chunk", i).
			Int("events", len(chunk)).
			Int("successful", resp.Successful).
			Int("failed", resp.Failed).
			Msg("Chunk delivered")
	}

	return result
}

func sendChunk[T any](ctx context.Context, c *Client, index int, chunk []T) (resp *BatchResponse, err error) {
	start := time.Now()
	ctx, span := c.tracer.TraceDispatchChunk(ctx, index, len(chunk))
	defer func() {
		status := types.OutcomeSuccess
		if err != nil {
			status = types.OutcomeFailed
			tracing.RecordError(ctx, err)
		}
		c.metrics.DispatchChunks.WithLabelValues(status).Inc()
		c.metrics.DispatchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		span.End()
	}()

	body, err := json.Marshal(chunk)
	if err != nil {
		return nil, &ChunkError{Index: index, Err: fmt.Errorf("failed to encode chunk: %w", err)}
	}

	var decoded BatchResponse
	status, err := c.do(ctx, http.MethodPost, BatchPath, body, c.cfg.Timeout, &decoded)
	if err != nil {
		return nil, &ChunkError{Index: index, Status: status, Err: err}
	}
	return &decoded, nil
}

// do runs one bounded request and decodes a 200 body into out. The returned
// status is zero when no response arrived.
func (c *Client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	tracing.Inject(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, errors.New(msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("malformed response body: %w", err)
	}
	return resp.StatusCode, nil
}

// SingleResponse is the enrichment service's answer to one event
type SingleResponse struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	EnrichedEvent json.RawMessage `json:"enriched_event,omitempty"`
	SplunkStatus  string          `json:"splunk_status,omitempty"`
}

// SendOne posts a single event to the per-event endpoint
func (c *Client) SendOne(ctx context.Context, event types.Event) (*SingleResponse, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	var resp SingleResponse
	status, err := c.do(ctx, http.MethodPost, SinglePath, body, c.cfg.Timeout, &resp)
	if err != nil {
		if status != 0 {
			return nil, fmt.Errorf("%w: status %d: %v", ErrTransport, status, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &resp, nil
}

// HealthResponse is the enrichment service's health report
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
	Splunk    string  `json:"splunk"`
	Version   string  `json:"version"`
}

// Health probes the service's health endpoint
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	status, err := c.do(ctx, http.MethodGet, HealthPath, nil, c.cfg.HealthTimeout, &resp)
	if err != nil {
		if status != 0 {
			return nil, fmt.Errorf("health check returned %d: %w", status, err)
		}
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &resp, nil
}
