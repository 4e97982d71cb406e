package dlq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/reliability"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

func testConfig(dir string) Config {
	return Config{
		Enabled:       true,
		Dir:           dir,
		MaxSize:       100,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
	}
}

func enrichedEvent(uid string) enrich.Enriched {
	ev := enrich.SampleEvent()
	ev.Set("uid", types.String(uid))
	return enrich.NewEnricher(nil).Enrich(ev)
}

// fastRetry keeps replay tests quick
var fastRetry = reliability.RetryConfig{
	MaxRetries:     1,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     time.Millisecond,
	Multiplier:     1,
}

type stubIndexer struct {
	fail  func(uid string) bool
	calls atomic.Int32
}

func (s *stubIndexer) Name() string { return "stub" }
func (s *stubIndexer) Close() error { return nil }

func (s *stubIndexer) Index(ctx context.Context, event enrich.Enriched) error {
	s.calls.Add(1)
	if s.fail != nil && s.fail(event.UID()) {
		return errors.New("backend down")
	}
	return nil
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without directory")
	}
}

func TestEnqueueAndPersist(t *testing.T) {
	dir := t.TempDir()
	m := metrics.NewCollector()

	q, err := New(testConfig(dir), WithMetrics(m))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, uid := range []string{"C1", "C2"} {
		if err := q.Enqueue(enrichedEvent(uid), errors.New("all indexers failed")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if q.Size() != 2 {
		t.Errorf("Size() = %d, want 2", q.Size())
	}
	if got := testutil.ToFloat64(m.DLQEventsWritten); got != 2 {
		t.Errorf("expected 2 written, got %v", got)
	}
	if got := testutil.ToFloat64(m.DLQSize); got != 2 {
		t.Errorf("expected size gauge 2, got %v", got)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("failed to read queue file: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("expected 2 NDJSON lines, got %d", lines)
	}

	reopened, err := New(testConfig(dir))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	entries := reopened.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 loaded entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Event.Str("uid") != "C1" {
		t.Errorf("expected oldest entry first, got %s", first.Event.Str("uid"))
	}
	if first.Error != "all indexers failed" {
		t.Errorf("unexpected error %q", first.Error)
	}
	if first.RespGeo == nil || first.RespGeo.Country != "US" {
		t.Errorf("expected resp geo to survive the round trip, got %+v", first.RespGeo)
	}
	port, _ := first.Event.Get("id.resp_p")
	if n, ok := port.AsInt(); !ok || n != 53 {
		t.Errorf("expected integer port 53, got %v", port)
	}
}

func TestEnqueueFull(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxSize = 1

	q, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	if err := q.Enqueue(enrichedEvent("C1"), errors.New("x")); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := q.Enqueue(enrichedEvent("C2"), errors.New("x")); !errors.Is(err, ErrDLQFull) {
		t.Errorf("expected ErrDLQFull, got %v", err)
	}

	stats := q.Stats()
	if stats.Dropped != 1 || stats.Utilization() != 100 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	q.Close()

	if err := q.Enqueue(enrichedEvent("C1"), errors.New("x")); !errors.Is(err, ErrDLQClosed) {
		t.Errorf("expected ErrDLQClosed, got %v", err)
	}
	if err := q.Close(); !errors.Is(err, ErrDLQClosed) {
		t.Errorf("expected ErrDLQClosed on second close, got %v", err)
	}
}

func TestExpire(t *testing.T) {
	q, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	start := time.Now()
	q.now = func() time.Time { return start }
	q.Enqueue(enrichedEvent("old"), errors.New("x"))

	q.now = func() time.Time { return start.Add(30 * time.Minute) }
	q.Enqueue(enrichedEvent("new"), errors.New("x"))

	q.now = func() time.Time { return start.Add(90 * time.Minute) }
	if removed := q.Expire(); removed != 1 {
		t.Errorf("expected 1 expired entry, got %d", removed)
	}

	entries := q.Entries()
	if len(entries) != 1 || entries[0].Event.Str("uid") != "new" {
		t.Errorf("unexpected remaining entries %v", entries)
	}
}

func TestReplay(t *testing.T) {
	m := metrics.NewCollector()
	q, err := New(testConfig(t.TempDir()), WithMetrics(m))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	for _, uid := range []string{"C1", "C2", "C3"} {
		q.Enqueue(enrichedEvent(uid), errors.New("all indexers failed"))
	}

	ix := &stubIndexer{fail: func(uid string) bool { return uid == "C2" }}
	result, err := q.Replay(context.Background(), ix, fastRetry)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if result.Attempted != 3 || result.Replayed != 2 || result.Remaining != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	// C2 is tried once plus one retry
	if ix.calls.Load() != 4 {
		t.Errorf("expected 4 index calls, got %d", ix.calls.Load())
	}

	entries := q.Entries()
	if len(entries) != 1 || entries[0].Event.Str("uid") != "C2" {
		t.Fatalf("expected only C2 to remain, got %v", entries)
	}
	if entries[0].Retries != 1 {
		t.Errorf("expected retry count 1, got %d", entries[0].Retries)
	}
	if !strings.Contains(entries[0].Error, "backend down") {
		t.Errorf("expected updated error, got %q", entries[0].Error)
	}

	if got := testutil.ToFloat64(m.DLQEventsReplayed.WithLabelValues("success")); got != 2 {
		t.Errorf("expected 2 replayed, got %v", got)
	}
	if got := testutil.ToFloat64(m.DLQSize); got != 1 {
		t.Errorf("expected size gauge 1, got %v", got)
	}
}

func TestReplayCancelledKeepsEntries(t *testing.T) {
	q, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	q.Enqueue(enrichedEvent("C1"), errors.New("x"))
	q.Enqueue(enrichedEvent("C2"), errors.New("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix := &stubIndexer{}
	result, err := q.Replay(ctx, ix, fastRetry)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if result.Attempted != 0 || ix.calls.Load() != 0 {
		t.Errorf("expected nothing attempted, got %+v", result)
	}
	if q.Size() != 2 {
		t.Errorf("expected entries to be kept, got %d", q.Size())
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := New(testConfig(dir)); err == nil {
		t.Error("expected error for corrupt queue file")
	}
}
