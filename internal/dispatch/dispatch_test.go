package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

func makeEvents(n int) []types.Event {
	events := make([]types.Event, n)
	for i := range events {
		ev := types.NewEvent(2)
		ev.Set("ts", types.Float(float64(i)))
		ev.Set("uid", types.String(fmt.Sprintf("C%d", i)))
		events[i] = ev
	}
	return events
}

// sink answers like the enrichment service, failing the chunks listed in failOn
func sink(t *testing.T, calls *int32, failOn map[int32]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)

		if r.URL.Path != BatchPath {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get(RequestIDHeader) == "" {
			t.Error("Missing request ID header")
		}

		if code, ok := failOn[n]; ok {
			http.Error(w, "indexer down", code)
			return
		}

		var events []types.Event
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			t.Errorf("Failed to decode chunk: %v", err)
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		resp := BatchResponse{TotalEvents: len(events), Successful: len(events)}
		for _, ev := range events {
			resp.Results = append(resp.Results, types.ItemOutcome{Status: types.OutcomeSuccess, UID: ev.Str("uid")})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newClient(t *testing.T, endpoint string, chunk int) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: endpoint, ChunkSize: chunk, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size int
		sizes   []int
	}{
		{0, 1000, nil},
		{1, 1000, []int{1}},
		{1000, 1000, []int{1000}},
		{1001, 1000, []int{1000, 1}},
		{2500, 1000, []int{1000, 1000, 500}},
		{7, 3, []int{3, 3, 1}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.size), func(t *testing.T) {
			chunks := Partition(make([]int, tt.n), tt.size)
			want := (tt.n + tt.size - 1) / tt.size
			if len(chunks) != want {
				t.Fatalf("Expected %d chunks, got %d", want, len(chunks))
			}
			for i, c := range chunks {
				if len(c) != tt.sizes[i] {
					t.Errorf("Chunk %d: expected %d, got %d", i, tt.sizes[i], len(c))
				}
			}
		})
	}
}

func TestPartitionPreservesOrder(t *testing.T) {
	records := []int{1, 2, 3, 4, 5}
	var flat []int
	for _, c := range Partition(records, 2) {
		flat = append(flat, c...)
	}
	for i := range records {
		if flat[i] != records[i] {
			t.Fatalf("Order changed: %v", flat)
		}
	}
}

func TestDispatchAllChunksAccepted(t *testing.T) {
	var calls int32
	srv := sink(t, &calls, nil)
	defer srv.Close()

	c := newClient(t, srv.URL, 1000)
	result := c.Dispatch(context.Background(), makeEvents(2500))

	if !result.Success() {
		t.Fatalf("Expected success, got %v", result.Err)
	}
	if !result.AllAccepted() {
		t.Errorf("Expected every event accepted: %+v", result)
	}
	if calls != 3 || result.Chunks != 3 {
		t.Errorf("Expected 3 chunk requests, got %d (result %d)", calls, result.Chunks)
	}
	if result.Sent != 2500 || result.Succeeded != 2500 {
		t.Errorf("Expected 2500 sent and succeeded, got %d/%d", result.Sent, result.Succeeded)
	}
	if len(result.Outcomes) != 2500 {
		t.Errorf("Expected 2500 outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[2499].UID != "C2499" {
		t.Errorf("Expected outcomes in order, last is %q", result.Outcomes[2499].UID)
	}
}

func TestDispatchAbortsOnFailedChunk(t *testing.T) {
	var calls int32
	srv := sink(t, &calls, map[int32]int{2: http.StatusInternalServerError})
	defer srv.Close()

	c := newClient(t, srv.URL, 1000)
	result := c.Dispatch(context.Background(), makeEvents(2500))

	if result.Success() {
		t.Fatal("Expected overall failure")
	}
	if calls != 2 {
		t.Errorf("Expected chunk 3 never to be sent, got %d requests", calls)
	}
	if result.Sent != 1000 || result.Succeeded != 1000 {
		t.Errorf("Expected chunk 1 to stay counted, got sent=%d succeeded=%d", result.Sent, result.Succeeded)
	}
	if result.Total != 2500 {
		t.Errorf("Expected total 2500, got %d", result.Total)
	}

	if !errors.Is(result.Err, ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", result.Err)
	}
	var chunkErr *ChunkError
	if !errors.As(result.Err, &chunkErr) {
		t.Fatalf("Expected *ChunkError, got %T", result.Err)
	}
	if chunkErr.Index != 1 || chunkErr.Status != http.StatusInternalServerError {
		t.Errorf("Expected chunk 1 with status 500, got %+v", chunkErr)
	}
}

func TestDispatchPartialItemFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var events []types.Event
		json.NewDecoder(r.Body).Decode(&events)
		json.NewEncoder(w).Encode(BatchResponse{
			TotalEvents: len(events),
			Successful:  len(events) - 1,
			Failed:      1,
			Results:     []types.ItemOutcome{{Status: types.OutcomeFailed, UID: "C0", Error: "splunk"}},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 10)
	result := c.Dispatch(context.Background(), makeEvents(10))

	if !result.Success() {
		t.Fatalf("Expected transport success, got %v", result.Err)
	}
	if result.AllAccepted() {
		t.Error("Expected item failures to prevent AllAccepted")
	}
	if result.Failed != 1 || result.Succeeded != 9 {
		t.Errorf("Expected 9/1, got %d/%d", result.Succeeded, result.Failed)
	}
}

func TestDispatchNonStringOutcomeFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_events":2,"successful":1,"failed":1,"results":[` +
			`{"status":"success","uid":123},` +
			`{"status":"failed","uid":null,"error":{"code":503}}]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 10)
	result := c.Dispatch(context.Background(), makeEvents(2))

	if !result.Success() {
		t.Fatalf("Expected the chunk to count as delivered, got %v", result.Err)
	}
	if result.Sent != 2 || result.Succeeded != 1 || result.Failed != 1 {
		t.Errorf("Unexpected counters %+v", result)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].UID != "123" {
		t.Errorf("Expected numeric uid kept as text, got %q", result.Outcomes[0].UID)
	}
	if result.Outcomes[1].UID != "" || result.Outcomes[1].Error != `{"code":503}` {
		t.Errorf("Unexpected failed outcome %+v", result.Outcomes[1])
	}
}

func TestDispatchMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 10)
	result := c.Dispatch(context.Background(), makeEvents(5))

	if result.Success() {
		t.Fatal("Expected malformed 200 body to be a failure")
	}
	if result.Sent != 0 {
		t.Errorf("Expected nothing counted as sent, got %d", result.Sent)
	}
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{Endpoint: srv.URL, ChunkSize: 10, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	start := time.Now()
	result := c.Dispatch(context.Background(), makeEvents(20))
	if result.Success() {
		t.Fatal("Expected timeout to be a failure")
	}
	if result.Chunks != 1 {
		t.Errorf("Expected abort after first chunk, got %d chunks", result.Chunks)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Timeout not honoured, took %v", time.Since(start))
	}
}

func TestDispatchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url, 10)
	result := c.Dispatch(context.Background(), makeEvents(3))

	var chunkErr *ChunkError
	if !errors.As(result.Err, &chunkErr) {
		t.Fatalf("Expected *ChunkError, got %v", result.Err)
	}
	if chunkErr.Status != 0 {
		t.Errorf("Expected no status for transport error, got %d", chunkErr.Status)
	}
}

func TestDispatchEmpty(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1", 10)
	result := c.Dispatch(context.Background(), nil)

	if !result.Success() || result.Chunks != 0 || result.Total != 0 {
		t.Errorf("Expected empty success, got %+v", result)
	}
}

func TestDispatchGeneric(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var raw []json.RawMessage
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(BatchResponse{TotalEvents: len(raw), Successful: len(raw)})
	}))
	defer srv.Close()

	type record struct {
		UID string `json:"uid"`
	}
	records := []record{{"a"}, {"b"}, {"c"}}

	c := newClient(t, srv.URL, 2)
	result := Dispatch(context.Background(), c, records)
	if !result.AllAccepted() {
		t.Errorf("Expected all accepted, got %+v", result)
	}
	if calls != 2 {
		t.Errorf("Expected 2 requests, got %d", calls)
	}
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://host", "http://", "://bad"} {
		if _, err := New(Config{Endpoint: endpoint}); err == nil {
			t.Errorf("Expected error for endpoint %q", endpoint)
		}
	}
}

func TestSendOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != SinglePath {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var ev types.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "success",
			"message":        "Event processed and sent to Splunk",
			"enriched_event": ev,
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 10)
	resp, err := c.SendOne(context.Background(), makeEvents(1)[0])
	if err != nil {
		t.Fatalf("SendOne failed: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("Expected success, got %q", resp.Status)
	}
	if len(resp.EnrichedEvent) == 0 {
		t.Error("Expected enriched event in response")
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != HealthPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Splunk: "connected", Version: "1.0.0"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 10)
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Status != "healthy" || h.Splunk != "connected" {
		t.Errorf("Unexpected health %+v", h)
	}
}
