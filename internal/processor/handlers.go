package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// Response messages
const (
	MsgProcessed    = "Event processed and sent to Splunk"
	MsgEnrichedOnly = "Event enriched but failed to send to Splunk"
	MsgTestEnrich   = "Enrichment test successful"
	MsgSendFailed   = "Splunk send failed"

	StatusEnrichedOnly = "enriched_only"
)

// ProcessResponse answers a single event
type ProcessResponse struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	EnrichedEvent enrich.Enriched `json:"enriched_event"`
	SplunkStatus  string          `json:"splunk_status,omitempty"`
}

// BatchResponse answers a batch
type BatchResponse struct {
	TotalEvents int                 `json:"total_events"`
	Successful  int                 `json:"successful"`
	Failed      int                 `json:"failed"`
	Results     []types.ItemOutcome `json:"results"`
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp float64             `json:"timestamp"`
	Splunk    indexer.ProbeStatus `json:"splunk"`
	Version   string              `json:"version"`
}

// RootResponse is the / body
type RootResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Version      string `json:"version"`
	SplunkHost   string `json:"splunk_host"`
	SplunkPort   int    `json:"splunk_port"`
	SplunkScheme string `json:"splunk_scheme"`
}

// TestEnrichResponse is the /test/enrich body
type TestEnrichResponse struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	OriginalEvent types.Event     `json:"original_event"`
	EnrichedEvent enrich.Enriched `json:"enriched_event"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, detailResponse{Detail: detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{
		Status:       "healthy",
		Service:      ServiceName,
		Version:      enrich.Version,
		SplunkHost:   s.info.Host,
		SplunkPort:   s.info.Port,
		SplunkScheme: s.info.Scheme,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := indexer.ProbeDisconnected
	if s.prober != nil {
		status = s.prober.Probe(r.Context())
	}

	now := time.Now()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: float64(now.Unix()) + float64(now.Nanosecond())/1e9,
		Splunk:    status,
		Version:   enrich.Version,
	})
}

func (s *Server) handleTestEnrich(w http.ResponseWriter, r *http.Request) {
	sample := enrich.SampleEvent()
	writeJSON(w, http.StatusOK, TestEnrichResponse{
		Status:        types.OutcomeSuccess,
		Message:       MsgTestEnrich,
		OriginalEvent: sample,
		EnrichedEvent: s.enricher.Enrich(sample),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var event types.Event
	if err := s.decodeBody(w, r, &event); err != nil {
		s.rejectBody(w, err)
		return
	}

	enriched, err := s.process(r.Context(), event)
	if err != nil {
		writeJSON(w, http.StatusOK, ProcessResponse{
			Status:        StatusEnrichedOnly,
			Message:       MsgEnrichedOnly,
			EnrichedEvent: enriched,
			SplunkStatus:  types.OutcomeFailed,
		})
		return
	}

	writeJSON(w, http.StatusOK, ProcessResponse{
		Status:        types.OutcomeSuccess,
		Message:       MsgProcessed,
		EnrichedEvent: enriched,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var events []types.Event
	if err := s.decodeBody(w, r, &events); err != nil {
		s.rejectBody(w, err)
		return
	}

	ctx, span := s.tracer.TraceProcessorBatch(r.Context(), len(events))
	defer span.End()

	resp := s.ProcessBatch(ctx, events)

	s.logger.Info().
		Int("events", resp.TotalEvents).
		Int("successful", resp.Successful).
		Int("failed", resp.Failed).
		Msg("Batch processed")

	writeJSON(w, http.StatusOK, resp)
}

// ProcessBatch enriches and indexes every event. Up to BatchWorkers events
// are in flight at once; results keep the input order.
func (s *Server) ProcessBatch(ctx context.Context, events []types.Event) BatchResponse {
	results := make([]types.ItemOutcome, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchWorkers)
	for i, event := range events {
		g.Go(func() error {
			results[i] = s.processItem(gctx, event)
			return nil
		})
	}
	_ = g.Wait()

	resp := BatchResponse{TotalEvents: len(events), Results: results}
	for _, res := range results {
		if res.Status == types.OutcomeSuccess {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}
	return resp
}

func (s *Server) processItem(ctx context.Context, event types.Event) types.ItemOutcome {
	enriched, err := s.process(ctx, event)
	if err != nil {
		return types.ItemOutcome{Status: types.OutcomeFailed, UID: enriched.UID(), Error: MsgSendFailed}
	}
	return types.ItemOutcome{Status: types.OutcomeSuccess, UID: enriched.UID()}
}

// process enriches event and hands it to the indexer. A rejected event is
// dead-lettered when a queue is configured.
func (s *Server) process(ctx context.Context, event types.Event) (enrich.Enriched, error) {
	enriched := s.enricher.Enrich(event)
	if s.extractor != nil {
		s.extractor.Extract(event)
	}

	err := s.indexer.Index(ctx, enriched)
	status := types.OutcomeSuccess
	if err != nil {
		status = types.OutcomeFailed
		s.logger.Warn().Err(err).Str("uid", enriched.UID()).Msg("Failed to index event")
		if s.dlq != nil {
			if qerr := s.dlq.Enqueue(enriched, err); qerr != nil {
				s.logger.Error().Err(qerr).Str("uid", enriched.UID()).Msg("Failed to dead-letter event")
			}
		}
	}
	if s.metrics != nil {
		s.metrics.ProcessorEvents.WithLabelValues(status).Inc()
	}
	return enriched, err
}

// errBody wraps every request body problem
var errBody = errors.New("invalid request body")

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", errBody, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	return nil
}

func (s *Server) rejectBody(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeDetail(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	s.logger.Warn().Err(err).Msg("Rejected request body")
	writeDetail(w, http.StatusUnprocessableEntity, err.Error())
}
