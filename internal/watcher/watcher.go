// Package watcher drives the ingestion loop: on every tick it polls each log
// file in a directory, decodes the new lines and dispatches the events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/parser"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tailer"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// Sender delivers a batch of decoded events
type Sender interface {
	Dispatch(ctx context.Context, events []types.Event) types.BatchResult
}

// State is the loop state
type State int32

const (
	StatePolling State = iota
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds watcher configuration
type Config struct {
	Dir              string        `yaml:"dir"`
	Pattern          string        `yaml:"pattern"`
	Exclude          []string      `yaml:"exclude"`
	Interval         time.Duration `yaml:"interval"`
	Concurrency      int           `yaml:"concurrency"`
	Notify           bool          `yaml:"notify"`
	DetectTruncation bool          `yaml:"detect_truncation"`
}

// DefaultConfig returns the default watcher configuration
func DefaultConfig() Config {
	return Config{
		Dir:         "/app/logs",
		Pattern:     "*.log",
		Exclude:     []string{".status", "log_watcher.log"},
		Interval:    5 * time.Second,
		Concurrency: 1,
	}
}

// FileReport summarises one file's share of a tick
type FileReport struct {
	Path     string
	Lines    int
	Events   int
	Rejected int64
	Skipped  bool
	Result   *types.BatchResult
}

type stamp struct {
	size    int64
	modTime time.Time
}

// Watcher owns the tail tracker and per-file schemas for one directory
type Watcher struct {
	cfg     Config
	tracker *tailer.Tracker
	sender  Sender
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *tracing.Provider

	mu      sync.Mutex
	schemas map[string]types.FieldSchema
	missing map[string]stamp

	state atomic.Int32
	wake  chan struct{}
}

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l.WithComponent("watcher") }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(w *Watcher) { w.tracer = p }
}

// WithTracker replaces the tail tracker
func WithTracker(t *tailer.Tracker) Option {
	return func(w *Watcher) { w.tracker = t }
}

// New creates a watcher. The directory must exist and be readable.
func New(cfg Config, sender Sender, opts ...Option) (*Watcher, error) {
	if sender == nil {
		return nil, errors.New("watcher needs a sender")
	}

	defaults := DefaultConfig()
	if cfg.Pattern == "" {
		cfg.Pattern = defaults.Pattern
	}
	if cfg.Exclude == nil {
		cfg.Exclude = defaults.Exclude
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", cfg.Pattern, err)
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("logs directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("logs directory unavailable: %s is not a directory", cfg.Dir)
	}
	if _, err := os.ReadDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("logs directory unreadable: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		sender:  sender,
		logger:  logging.Nop(),
		schemas: make(map[string]types.FieldSchema),
		missing: make(map[string]stamp),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.NewCollector()
	}
	if w.tracer == nil {
		w.tracer = tracing.Noop()
	}
	if w.tracker == nil {
		var topts []tailer.Option
		if cfg.DetectTruncation {
			topts = append(topts, tailer.WithTruncationCheck())
		}
		w.tracker = tailer.NewTracker(w.logger, topts...)
	}
	w.state.Store(int32(StatePolling))

	return w, nil
}

// State returns the loop state
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Tracker exposes the tail tracker
func (w *Watcher) Tracker() *tailer.Tracker {
	return w.tracker
}

// Run ticks immediately and then every Interval until ctx is cancelled. A
// tick already in progress finishes on a context detached from ctx. Run
// returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.state.Store(int32(StateStopped))

	tickCtx := context.WithoutCancel(ctx)

	if w.cfg.Notify {
		fsw, err := w.startNotify(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("File notifications unavailable, polling only")
		} else {
			defer fsw.Close()
		}
	}

	w.logger.Info().
		Str("dir", w.cfg.Dir).
		Str("pattern", w.cfg.Pattern).
		Dur("interval", w.cfg.Interval).
		Int("concurrency", w.cfg.Concurrency).
		Msg("Watching log directory")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.safeTick(tickCtx)

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watcher stopped")
			return nil
		case <-ticker.C:
		case <-w.wake:
		}

		// cancellation wins over a pending tick
		if ctx.Err() != nil {
			w.logger.Info().Msg("Watcher stopped")
			return nil
		}
	}
}

func (w *Watcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.WatchTickPanics.Inc()
			w.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic in watch tick")
		}
	}()
	w.Tick(ctx)
}

// Tick processes every matching file once and returns the per-file reports
// in path order. Per-file failures are logged and never stop the tick.
func (w *Watcher) Tick(ctx context.Context) []FileReport {
	start := time.Now()
	ctx, span := w.tracer.TraceWatchTick(ctx, w.cfg.Dir)
	defer span.End()

	files, err := w.listFiles()
	if err != nil {
		tracing.RecordError(ctx, err)
		w.logger.Error().Err(err).Str("dir", w.cfg.Dir).Msg("Failed to list log directory")
		return nil
	}

	reports := make([]FileReport, len(files))

	if w.cfg.Concurrency <= 1 {
		for i, path := range files {
			reports[i] = w.processLogged(ctx, path)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(w.cfg.Concurrency)
		for i, path := range files {
			g.Go(func() error {
				reports[i] = w.processLogged(ctx, path)
				return nil
			})
		}
		g.Wait()
	}

	w.metrics.WatchTicks.Inc()
	w.metrics.WatchTickSeconds.Observe(time.Since(start).Seconds())
	return reports
}

func (w *Watcher) processLogged(ctx context.Context, path string) (report FileReport) {
	report.Path = path
	defer func() {
		if r := recover(); r != nil {
			w.metrics.WatchTickPanics.Inc()
			w.logger.WithFile(path).Error().
				Interface("panic", r).
				Msg("Recovered panic while processing file")
		}
	}()

	report, err := w.ProcessFile(ctx, path)
	if err != nil && !errors.Is(err, parser.ErrSchemaMissing) && !errors.Is(err, parser.ErrHeaderIncomplete) {
		w.logger.WithFile(path).Error().Err(err).Msg("Failed to process file")
	}
	return report
}

// ProcessFile runs one poll-decode-dispatch cycle for path. A file without
// a #fields header returns parser.ErrSchemaMissing and is left alone until
// its size or modification time changes. A header caught mid-write returns
// parser.ErrHeaderIncomplete and is read again on the next call.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (FileReport, error) {
	report := FileReport{Path: path}
	label := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		w.metrics.TailReadErrors.WithLabelValues(label).Inc()
		return report, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if w.stillMissing(path, info) {
		report.Skipped = true
		return report, parser.ErrSchemaMissing
	}

	schema, err := w.schemaFor(path, info)
	if err != nil {
		report.Skipped = true
		return report, err
	}

	before := w.tracker.Offset(path)
	records, err := w.tracker.Poll(path)
	w.metrics.FilesPolled.Inc()
	if err != nil {
		w.metrics.TailReadErrors.WithLabelValues(label).Inc()
		return report, err
	}
	report.Lines = len(records)
	if len(records) == 0 {
		return report, nil
	}

	if records[0].Offset < before {
		// the tracker restarted the file, so its header may have changed
		w.forgetSchema(path)
		if schema, err = w.schemaFor(path, info); err != nil {
			report.Skipped = true
			return report, err
		}
	}

	var bytesRead int64
	for _, r := range records {
		bytesRead += int64(r.Length)
	}
	w.metrics.TailLinesRead.WithLabelValues(label).Add(float64(len(records)))
	w.metrics.TailBytesRead.WithLabelValues(label).Add(float64(bytesRead))

	dec := parser.NewDecoder(schema, path, w.logger)
	events := make([]types.Event, 0, len(records))
	for _, r := range records {
		if event, ok := dec.Decode(r.Text); ok {
			events = append(events, event)
		}
	}

	stats := dec.Stats()
	report.Events = len(events)
	report.Rejected = stats.Rejected
	w.metrics.RecordsDecoded.WithLabelValues(label).Add(float64(stats.Parsed))
	if stats.Rejected > 0 {
		w.metrics.RecordsRejected.WithLabelValues(label, "arity").Add(float64(stats.Rejected))
	}

	if len(events) == 0 {
		return report, nil
	}

	result := w.sender.Dispatch(ctx, events)
	report.Result = &result

	flog := w.logger.WithFile(path)
	logEvent := flog.Info()
	if !result.Success() {
		logEvent = flog.Error().Err(result.Err)
	}
	logEvent.
		Int64("offset", w.tracker.Offset(path)).
		Int("events", len(events)).
		Int("sent", result.Sent).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Bool("success", result.Success()).
		Msg("Dispatched events")

	return report, nil
}

func (w *Watcher) listFiles() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !w.matches(entry.Name()) || !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(w.cfg.Dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (w *Watcher) matches(name string) bool {
	for _, ex := range w.cfg.Exclude {
		if name == ex {
			return false
		}
	}
	ok, _ := filepath.Match(w.cfg.Pattern, name)
	return ok
}

func (w *Watcher) stillMissing(path string, info os.FileInfo) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.missing[path]
	if !ok {
		return false
	}
	if s.size == info.Size() && s.modTime.Equal(info.ModTime()) {
		return true
	}
	delete(w.missing, path)
	return false
}

func (w *Watcher) schemaFor(path string, info os.FileInfo) (types.FieldSchema, error) {
	w.mu.Lock()
	schema, ok := w.schemas[path]
	w.mu.Unlock()
	if ok {
		return schema, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	schema, err = parser.ReadHeader(f)
	if errors.Is(err, parser.ErrSchemaMissing) {
		w.mu.Lock()
		w.missing[path] = stamp{size: info.Size(), modTime: info.ModTime()}
		w.mu.Unlock()

		w.metrics.SchemaMissing.Inc()
		w.logger.Warn().Str("path", path).Msg("No #fields header found, skipping file until it changes")
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if errors.Is(err, parser.ErrHeaderIncomplete) {
		// nothing cached: the next tick reads the header again
		w.logger.Debug().Str("path", path).Msg("Header still being written, retrying next tick")
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	w.mu.Lock()
	w.schemas[path] = schema
	w.mu.Unlock()

	w.logger.Info().
		Str("path", path).
		Int("fields", len(schema)).
		Msg("Parsed header")
	return schema, nil
}

func (w *Watcher) forgetSchema(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.schemas, path)
}

// startNotify wakes the loop early when a matching file is written
func (w *Watcher) startNotify(ctx context.Context) (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", w.cfg.Dir, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !w.matches(filepath.Base(event.Name)) {
					continue
				}
				w.logger.Debug().Str("path", event.Name).Msg("File change event")
				select {
				case w.wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error().Err(err).Msg("File watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()

	return fsw, nil
}
