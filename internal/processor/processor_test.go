package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
)

type fakeIndexer struct {
	mu     sync.Mutex
	failOn map[string]bool
	seen   []string
	calls  atomic.Int32
}

func (f *fakeIndexer) Name() string { return "fake" }
func (f *fakeIndexer) Close() error { return nil }

func (f *fakeIndexer) Index(ctx context.Context, event enrich.Enriched) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, event.UID())
	if f.failOn[event.UID()] {
		return indexer.ErrAllFailed
	}
	return nil
}

type fakeProber struct{ status indexer.ProbeStatus }

func (p fakeProber) Probe(ctx context.Context) indexer.ProbeStatus { return p.status }

type fakeDLQ struct {
	mu      sync.Mutex
	entries []string
}

func (d *fakeDLQ) Enqueue(event enrich.Enriched, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, event.UID())
	return nil
}

func newTestServer(t *testing.T, cfg Config, ix indexer.Indexer, opts ...Option) *httptest.Server {
	t.Helper()
	s := New(cfg, ix, SplunkInfo{Host: "splunk", Port: 8088, Scheme: "https"}, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

const connEvent = `{"ts":1700000000.5,"uid":"C1","id.orig_h":"10.0.0.1","id.orig_p":5000,"id.resp_h":"8.8.8.8","id.resp_p":53,"proto":"udp","service":null}`

func TestRoot(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeIndexer{})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body RootResponse
	decode(t, resp, &body)
	if body.Status != "healthy" || body.Service != ServiceName || body.Version != enrich.Version {
		t.Errorf("unexpected root response %+v", body)
	}
	if body.SplunkHost != "splunk" || body.SplunkPort != 8088 || body.SplunkScheme != "https" {
		t.Errorf("unexpected splunk info %+v", body)
	}
}

func TestProcessSuccess(t *testing.T) {
	ix := &fakeIndexer{}
	srv := newTestServer(t, Config{}, ix)

	resp := postJSON(t, srv.URL+"/process/zeek", connEvent)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status        string                 `json:"status"`
		Message       string                 `json:"message"`
		EnrichedEvent map[string]interface{} `json:"enriched_event"`
		SplunkStatus  string                 `json:"splunk_status"`
	}
	decode(t, resp, &body)

	if body.Status != "success" || body.Message != MsgProcessed || body.SplunkStatus != "" {
		t.Errorf("unexpected response %+v", body)
	}
	if body.EnrichedEvent["uid"] != "C1" {
		t.Errorf("expected uid C1, got %v", body.EnrichedEvent["uid"])
	}
	orig, ok := body.EnrichedEvent["orig_geoip"].(map[string]interface{})
	if !ok || orig["country"] != "Private" {
		t.Errorf("expected private orig_geoip, got %v", body.EnrichedEvent["orig_geoip"])
	}
	if body.EnrichedEvent["processor_version"] != enrich.Version {
		t.Errorf("expected processor_version, got %v", body.EnrichedEvent["processor_version"])
	}
	if ix.calls.Load() != 1 {
		t.Errorf("expected 1 index call, got %d", ix.calls.Load())
	}
}

func TestProcessEnrichedOnly(t *testing.T) {
	ix := &fakeIndexer{failOn: map[string]bool{"C1": true}}
	dlq := &fakeDLQ{}
	m := metrics.NewCollector()
	srv := newTestServer(t, Config{}, ix, WithDeadLetters(dlq), WithMetrics(m))

	resp := postJSON(t, srv.URL+"/process/zeek", connEvent)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body ProcessResponse
	var raw map[string]interface{}
	decode(t, resp, &raw)
	body.Status, _ = raw["status"].(string)
	body.Message, _ = raw["message"].(string)
	body.SplunkStatus, _ = raw["splunk_status"].(string)

	if body.Status != StatusEnrichedOnly || body.Message != MsgEnrichedOnly || body.SplunkStatus != "failed" {
		t.Errorf("unexpected response %+v", body)
	}
	if len(dlq.entries) != 1 || dlq.entries[0] != "C1" {
		t.Errorf("expected C1 to be dead-lettered, got %v", dlq.entries)
	}
	if got := testutil.ToFloat64(m.ProcessorEvents.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed event, got %v", got)
	}
}

func TestProcessInvalidBody(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeIndexer{})

	for _, body := range []string{`not json`, `[1,2]`, `{"nested":{"a":1}}`} {
		resp := postJSON(t, srv.URL+"/process/zeek", body)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("body %q: expected 422, got %d", body, resp.StatusCode)
		}
	}
}

func TestProcessBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, Config{MaxBodySize: 64}, &fakeIndexer{})

	resp := postJSON(t, srv.URL+"/process/zeek", `{"uid":"`+strings.Repeat("x", 200)+`"}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestProcessWrongMethod(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeIndexer{})

	resp, err := http.Get(srv.URL + "/process/zeek")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestBatch(t *testing.T) {
	ix := &fakeIndexer{failOn: map[string]bool{"C2": true}}
	dlq := &fakeDLQ{}
	srv := newTestServer(t, Config{}, ix, WithDeadLetters(dlq))

	batch := `[{"uid":"C1","id.orig_h":"10.0.0.1"},{"uid":"C2","id.orig_h":"10.0.0.2"},{"uid":"C3"}]`
	resp := postJSON(t, srv.URL+"/process/batch", batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body BatchResponse
	decode(t, resp, &body)

	if body.TotalEvents != 3 || body.Successful != 2 || body.Failed != 1 {
		t.Errorf("unexpected counts %+v", body)
	}
	if len(body.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(body.Results))
	}
	want := []struct{ status, uid, err string }{
		{"success", "C1", ""},
		{"failed", "C2", MsgSendFailed},
		{"success", "C3", ""},
	}
	for i, w := range want {
		got := body.Results[i]
		if got.Status != w.status || got.UID != w.uid || got.Error != w.err {
			t.Errorf("result %d: got %+v, want %+v", i, got, w)
		}
	}
	if len(dlq.entries) != 1 {
		t.Errorf("expected 1 dead letter, got %d", len(dlq.entries))
	}
}

func TestBatchParallelKeepsOrder(t *testing.T) {
	ix := &fakeIndexer{}
	srv := newTestServer(t, Config{BatchWorkers: 4}, ix)

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i < 50; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"uid":"C` + string(rune('A'+i%26)) + string(rune('a'+i/26)) + `"}`)
	}
	buf.WriteByte(']')

	resp := postJSON(t, srv.URL+"/process/batch", buf.String())
	var body BatchResponse
	decode(t, resp, &body)

	if body.Successful != 50 {
		t.Fatalf("expected 50 successes, got %d", body.Successful)
	}
	for i, res := range body.Results {
		want := "C" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		if res.UID != want {
			t.Fatalf("result %d: expected uid %s, got %s", i, want, res.UID)
		}
	}
}

func TestBatchEmptyAndInvalid(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeIndexer{})

	resp := postJSON(t, srv.URL+"/process/batch", `[]`)
	var body BatchResponse
	decode(t, resp, &body)
	if body.TotalEvents != 0 || body.Successful != 0 {
		t.Errorf("unexpected response for empty batch %+v", body)
	}

	resp = postJSON(t, srv.URL+"/process/batch", `{"uid":"C1"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for non-array, got %d", resp.StatusCode)
	}
}

func TestTestEnrich(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeIndexer{})

	resp, err := http.Get(srv.URL + "/test/enrich")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	decode(t, resp, &body)
	if body["status"] != "success" || body["message"] != MsgTestEnrich {
		t.Errorf("unexpected response %v", body)
	}
	original := body["original_event"].(map[string]interface{})
	if original["uid"] != "C1234567890" {
		t.Errorf("unexpected original event %v", original)
	}
	if _, ok := original["resp_geoip"]; ok {
		t.Error("original event must not carry enrichment")
	}
	enriched := body["enriched_event"].(map[string]interface{})
	respGeo := enriched["resp_geoip"].(map[string]interface{})
	if respGeo["country"] != "US" {
		t.Errorf("unexpected resp geo %v", respGeo)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		prober Prober
		want   indexer.ProbeStatus
	}{
		{"connected", fakeProber{indexer.ProbeConnected}, indexer.ProbeConnected},
		{"error", fakeProber{indexer.ProbeError}, indexer.ProbeError},
		{"no prober", nil, indexer.ProbeDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.prober != nil {
				opts = append(opts, WithProber(tt.prober))
			}
			srv := newTestServer(t, Config{}, &fakeIndexer{}, opts...)

			resp, err := http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			var body HealthResponse
			decode(t, resp, &body)
			if body.Status != "healthy" || body.Splunk != tt.want || body.Version != enrich.Version {
				t.Errorf("unexpected health %+v", body)
			}
			if body.Timestamp <= 0 {
				t.Errorf("expected timestamp, got %v", body.Timestamp)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeIndexer{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/process/batch", nil)
	req.Header.Set("Origin", "http://dashboard")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected permissive origin header")
	}
}

func TestRateLimit(t *testing.T) {
	m := metrics.NewCollector()
	srv := newTestServer(t, Config{RateLimit: 1}, &fakeIndexer{}, WithMetrics(m))

	var limited int
	for i := 0; i < 5; i++ {
		resp := postJSON(t, srv.URL+"/process/zeek", connEvent)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Error("expected some requests to be rate limited")
	}
	if got := testutil.ToFloat64(m.ProcessorRateLimited); got != float64(limited) {
		t.Errorf("expected %d rate-limited, got %v", limited, got)
	}

	// health is never limited
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected health 200, got %d", resp.StatusCode)
		}
	}
}

func TestAPIKeys(t *testing.T) {
	srv := newTestServer(t, Config{APIKeys: []string{"k1"}}, &fakeIndexer{})

	resp := postJSON(t, srv.URL+"/process/zeek", connEvent)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/process/zeek", strings.NewReader(connEvent))
	req.Header.Set("X-API-Key", "k1")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", authed.StatusCode)
	}
}

func TestRequestMetrics(t *testing.T) {
	m := metrics.NewCollector()
	srv := newTestServer(t, Config{}, &fakeIndexer{}, WithMetrics(m))

	postJSON(t, srv.URL+"/process/zeek", connEvent)
	postJSON(t, srv.URL+"/process/zeek", `bad`)
	resp, _ := http.Get(srv.URL + "/nope")
	resp.Body.Close()

	if got := testutil.ToFloat64(m.ProcessorRequests.WithLabelValues("/process/zeek", "200")); got != 1 {
		t.Errorf("expected 1 ok request, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProcessorRequests.WithLabelValues("/process/zeek", "422")); got != 1 {
		t.Errorf("expected 1 rejected request, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProcessorRequests.WithLabelValues("other", "404")); got != 1 {
		t.Errorf("expected 1 unknown route, got %v", got)
	}
}

func TestExtractorWired(t *testing.T) {
	m := metrics.NewCollector()
	ex, err := metrics.NewExtractor(m, metrics.ConnectionRules())
	if err != nil {
		t.Fatalf("failed to build extractor: %v", err)
	}
	srv := newTestServer(t, Config{}, &fakeIndexer{}, WithExtractor(ex))

	postJSON(t, srv.URL+"/process/zeek", connEvent)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "socpipe_events_connections_total" {
			return
		}
	}
	t.Error("expected connections_total to be registered and observed")
}

func TestStartStop(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0"}, &fakeIndexer{}, SplunkInfo{})
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("stop failed: %v", err)
	}

	if err := New(Config{Address: "256.0.0.1:bad"}, &fakeIndexer{}, SplunkInfo{}).Start(); err == nil {
		t.Error("expected listen error")
	}
}
