package indexer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
)

const (
	HECEventPath  = "/services/collector/event"
	HECHealthPath = "/services/collector/health"
	RESTPath      = "/services/receivers/simple"

	EventSource     = "zeek_processor"
	EventSourcetype = "zeek_conn_enriched"

	DefaultSplunkTimeout = 10 * time.Second
	DefaultProbeTimeout  = 5 * time.Second

	maxErrorBody = 512
)

// ProbeStatus is the reachability verdict for the HEC endpoint
type ProbeStatus string

const (
	ProbeConnected    ProbeStatus = "connected"
	ProbeError        ProbeStatus = "error"
	ProbeDisconnected ProbeStatus = "disconnected"
)

// SplunkConfig holds connection settings shared by the HEC and REST transports
type SplunkConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Scheme string `yaml:"scheme"`
	Token  string `yaml:"token"`
	Index  string `yaml:"index"`

	// REST fallback receiver
	RESTPort   int    `yaml:"rest_port"`
	RESTScheme string `yaml:"rest_scheme"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	VerifyTLS    bool          `yaml:"verify_tls"`
	Timeout      time.Duration `yaml:"timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultSplunkConfig returns the settings used when nothing is configured
func DefaultSplunkConfig() SplunkConfig {
	return SplunkConfig{
		Host:         "splunk",
		Port:         8088,
		Scheme:       "https",
		Token:        "00000000-0000-0000-0000-000000000000",
		Index:        "main",
		RESTPort:     8089,
		RESTScheme:   "https",
		Username:     "admin",
		Password:     "admin",
		VerifyTLS:    false,
		Timeout:      DefaultSplunkTimeout,
		ProbeTimeout: DefaultProbeTimeout,
	}
}

func (c SplunkConfig) withDefaults() SplunkConfig {
	d := DefaultSplunkConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Scheme == "" {
		c.Scheme = d.Scheme
	}
	if c.Index == "" {
		c.Index = d.Index
	}
	if c.RESTPort == 0 {
		c.RESTPort = d.RESTPort
	}
	if c.RESTScheme == "" {
		c.RESTScheme = d.RESTScheme
	}
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

func baseURL(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// HECURL returns the event collector base URL
func (c SplunkConfig) HECURL() string {
	return baseURL(c.Scheme, c.Host, c.Port)
}

// RESTURL returns the management API base URL
func (c SplunkConfig) RESTURL() string {
	return baseURL(c.RESTScheme, c.Host, c.RESTPort)
}

func newSplunkHTTPClient(cfg SplunkConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS} //nolint:gosec
	return &http.Client{Transport: transport}
}

// hecPayload wraps an event the way the collector endpoint expects
type hecPayload struct {
	Event      enrich.Enriched `json:"event"`
	Source     string          `json:"source"`
	Sourcetype string          `json:"sourcetype"`
	Index      string          `json:"index"`
}

// HEC sends events to the HTTP Event Collector
type HEC struct {
	cfg    SplunkConfig
	base   string
	http   *http.Client
	logger *logging.Logger
}

// NewHEC creates an event collector transport
func NewHEC(cfg SplunkConfig, logger *logging.Logger) *HEC {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &HEC{
		cfg:    cfg,
		base:   cfg.HECURL(),
		http:   newSplunkHTTPClient(cfg),
		logger: logger.WithComponent("indexer.hec"),
	}
}

// Name implements Indexer
func (h *HEC) Name() string { return "hec" }

// Index implements Indexer
func (h *HEC) Index(ctx context.Context, event enrich.Enriched) error {
	body, err := json.Marshal(hecPayload{
		Event:      event,
		Source:     EventSource,
		Sourcetype: EventSourcetype,
		Index:      h.cfg.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal hec payload: %w", err)
	}

	req, cancel, err := newRequest(ctx, http.MethodPost, h.base+HECEventPath, body, h.cfg.Timeout)
	if err != nil {
		return err
	}
	defer cancel()
	req.Header.Set("Authorization", "Splunk "+h.cfg.Token)

	if err := send(h.http, req, h.Name()); err != nil {
		return err
	}

	h.logger.Debug().Str("uid", event.UID()).Msg("Event accepted by collector")
	return nil
}

// Probe checks the collector health endpoint. Any answer of 200 or 401
// proves the collector is up; other statuses are errors and transport
// failures mean it is unreachable.
func (h *HEC) Probe(ctx context.Context) ProbeStatus {
	req, cancel, err := newRequest(ctx, http.MethodGet, h.base+HECHealthPath, nil, h.cfg.ProbeTimeout)
	if err != nil {
		return ProbeDisconnected
	}
	defer cancel()

	resp, err := h.http.Do(req)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Collector unreachable")
		return ProbeDisconnected
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized:
		return ProbeConnected
	default:
		return ProbeError
	}
}

// Close implements Indexer
func (h *HEC) Close() error {
	h.http.CloseIdleConnections()
	return nil
}

// REST sends events to the simple receiver of the management API
type REST struct {
	cfg    SplunkConfig
	base   string
	http   *http.Client
	logger *logging.Logger
}

// NewREST creates a REST receiver transport
func NewREST(cfg SplunkConfig, logger *logging.Logger) *REST {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &REST{
		cfg:    cfg,
		base:   cfg.RESTURL(),
		http:   newSplunkHTTPClient(cfg),
		logger: logger.WithComponent("indexer.rest"),
	}
}

// Name implements Indexer
func (r *REST) Name() string { return "rest" }

// Index implements Indexer
func (r *REST) Index(ctx context.Context, event enrich.Enriched) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, cancel, err := newRequest(ctx, http.MethodPost, r.base+RESTPath, body, r.cfg.Timeout)
	if err != nil {
		return err
	}
	defer cancel()
	req.SetBasicAuth(r.cfg.Username, r.cfg.Password)

	if err := send(r.http, req, r.Name()); err != nil {
		return err
	}

	r.logger.Debug().Str("uid", event.UID()).Msg("Event accepted by receiver")
	return nil
}

// Close implements Indexer
func (r *REST) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

func newRequest(ctx context.Context, method, url string, body []byte, timeout time.Duration) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, cancel, nil
}

// send performs req and treats anything but 200 as a rejection
func send(client *http.Client, req *http.Request, transport string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", transport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Transport: transport,
		Status:    resp.StatusCode,
		Body:      strings.TrimSpace(string(snippet)),
	}
}
