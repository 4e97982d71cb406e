package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/health"
)

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "socpipe_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Add(3)

	s := New(Config{}, registry, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "socpipe_test_total 3") {
		t.Errorf("Expected counter in output, got:\n%s", rec.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	checker := health.NewChecker(time.Second)
	checker.Register("dlq", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUnhealthy, Message: "disk full"}
	})

	s := New(Config{}, nil, checker, nil)

	tests := []struct {
		path string
		code int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
		{"/health", http.StatusServiceUnavailable},
		{"/metrics", http.StatusNotFound},
		{"/debug/pprof/", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

func TestProfilingEndpoint(t *testing.T) {
	s := New(Config{Profiling: true}, nil, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from pprof index, got %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0"}, prometheus.NewRegistry(), health.NewChecker(time.Second), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Failed to stop: %v", err)
	}

	if s.Name() != "observability" {
		t.Errorf("Unexpected name %q", s.Name())
	}
}

func TestStartListenError(t *testing.T) {
	ln := httptest.NewServer(http.NotFoundHandler())
	defer ln.Close()

	addr := strings.TrimPrefix(ln.URL, "http://")
	s := New(Config{Address: addr}, nil, nil, nil)
	if err := s.Start(); err == nil {
		t.Error("Expected error for taken address")
		_ = s.Stop(context.Background())
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
