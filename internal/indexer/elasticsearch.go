package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// Index is the index name prefix
	Index string `yaml:"index"`

	// IndexRotation specifies how often to rotate indices (daily, weekly, monthly, yearly, none)
	IndexRotation string `yaml:"index_rotation,omitempty"`

	// Pipeline is the ingest pipeline to use
	Pipeline string `yaml:"pipeline,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	CloudID  string `yaml:"cloud_id,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		Addresses:     []string{"http://localhost:9200"},
		Index:         "zeek-conn",
		IndexRotation: "daily",
		Timeout:       DefaultSplunkTimeout,
	}
}

// Elasticsearch indexes events as documents
type Elasticsearch struct {
	cfg    ElasticsearchConfig
	client *elasticsearch.Client
	logger *logging.Logger
}

// NewElasticsearch creates an Elasticsearch transport. No request is made
// until the first event arrives.
func NewElasticsearch(cfg ElasticsearchConfig, logger *logging.Logger) (*Elasticsearch, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSplunkTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		CloudID:   cfg.CloudID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &Elasticsearch{
		cfg:    cfg,
		client: client,
		logger: logger.WithComponent("indexer.elasticsearch"),
	}, nil
}

// Name implements Indexer
func (e *Elasticsearch) Name() string { return "elasticsearch" }

// Index implements Indexer. The connection uid doubles as document id so a
// redelivered event overwrites rather than duplicates.
func (e *Elasticsearch) Index(ctx context.Context, event enrich.Enriched) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := esapi.IndexRequest{
		Index:      e.IndexName(eventTime(event)),
		DocumentID: event.UID(),
		Body:       bytes.NewReader(doc),
		Refresh:    "false",
		Pipeline:   e.cfg.Pipeline,
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{
			Transport: e.Name(),
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(snippet)),
		}
	}

	e.logger.Debug().Str("uid", event.UID()).Str("index", req.Index).Msg("Document indexed")
	return nil
}

// IndexName returns the index for an event recorded at ts
func (e *Elasticsearch) IndexName(ts time.Time) string {
	var suffix string
	switch e.cfg.IndexRotation {
	case "none":
		return e.cfg.Index
	case "weekly":
		year, week := ts.ISOWeek()
		suffix = fmt.Sprintf("%d.%02d", year, week)
	case "monthly":
		suffix = ts.Format("2006.01")
	case "yearly":
		suffix = ts.Format("2006")
	default:
		suffix = ts.Format("2006.01.02")
	}
	return e.cfg.Index + "-" + suffix
}

// Close implements Indexer
func (e *Elasticsearch) Close() error {
	return nil
}
