package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/dispatch"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/dlq"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/processor"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/reliability"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/security"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/server"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/watcher"
)

// Config represents the complete pipeline configuration
type Config struct {
	Logging       LoggingConfig           `yaml:"logging"`
	Watcher       watcher.Config          `yaml:"watcher"`
	Dispatch      dispatch.Config         `yaml:"dispatch"`
	Processor     processor.Config        `yaml:"processor"`
	Indexer       indexer.Config          `yaml:"indexer"`
	DLQ           dlq.Config              `yaml:"dlq"`
	Replay        reliability.RetryConfig `yaml:"replay"`
	Tracing       tracing.Config          `yaml:"tracing"`
	Observability server.Config           `yaml:"observability"`
	Shutdown      ShutdownConfig          `yaml:"shutdown"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ShutdownConfig bounds graceful shutdown
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default values
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Watcher:       watcher.DefaultConfig(),
		Dispatch:      dispatch.DefaultConfig(),
		Processor:     processor.DefaultConfig(),
		Indexer:       indexer.DefaultConfig(),
		DLQ:           dlq.DefaultConfig(),
		Replay:        reliability.DefaultRetryConfig(),
		Tracing:       tracing.Config{SampleRate: 1.0},
		Observability: server.DefaultConfig(),
		Shutdown:      ShutdownConfig{Timeout: DefaultShutdownTimeout},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any) with ${VAR} expansion, then environment overrides. Secret references
// are resolved last and the result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := []byte(os.ExpandEnv(string(data)))

		if err := yaml.Unmarshal(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays the recognised environment variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("LOGS_DIR", &c.Watcher.Dir)
	str("PROCESSOR_URL", &c.Dispatch.Endpoint)
	str("PROCESSOR_ADDRESS", &c.Processor.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("POLL_INTERVAL"); ok && v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		c.Watcher.Interval = d
	}

	splunk := &c.Indexer.Splunk
	str("SPLUNK_HOST", &splunk.Host)
	str("SPLUNK_TOKEN", &splunk.Token)
	str("SPLUNK_INDEX", &splunk.Index)
	str("SPLUNK_PASSWORD", &splunk.Password)
	str("SPLUNK_SCHEME", &splunk.Scheme)
	if err := num("SPLUNK_PORT", &splunk.Port); err != nil {
		return err
	}
	if v, ok := lookup("SPLUNK_VERIFY_SSL"); ok {
		splunk.VerifyTLS = parseBool(v)
	}

	return nil
}

// parseInterval accepts a duration ("5s") or a bare number of seconds
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// applyDefaults fills values a file may have zeroed
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Shutdown.Timeout <= 0 {
		c.Shutdown.Timeout = d.Shutdown.Timeout
	}
	if c.Dispatch.ChunkSize <= 0 {
		c.Dispatch.ChunkSize = d.Dispatch.ChunkSize
	}
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = d.Dispatch.Timeout
	}
	if len(c.Indexer.Transports) == 0 {
		c.Indexer.Transports = d.Indexer.Transports
	}
}

// resolveSecrets replaces env: and file: references with their values
func (c *Config) resolveSecrets() error {
	secrets := []struct {
		name string
		ref  *string
	}{
		{"indexer.splunk.token", &c.Indexer.Splunk.Token},
		{"indexer.splunk.password", &c.Indexer.Splunk.Password},
		{"indexer.elasticsearch.password", &c.Indexer.Elasticsearch.Password},
		{"indexer.elasticsearch.api_key", &c.Indexer.Elasticsearch.APIKey},
		{"indexer.kafka.sasl_password", &c.Indexer.Kafka.SASLPassword},
	}
	for _, s := range secrets {
		if *s.ref == "" {
			continue
		}
		v, err := security.ResolveSecret(*s.ref)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", s.name, err)
		}
		*s.ref = v
	}

	for i, key := range c.Processor.APIKeys {
		v, err := security.ResolveSecret(key)
		if err != nil {
			return fmt.Errorf("failed to resolve processor.api_keys[%d]: %w", i, err)
		}
		c.Processor.APIKeys[i] = v
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Watcher.Dir == "" {
		return fmt.Errorf("watcher dir is required")
	}
	if c.Watcher.Interval <= 0 {
		return fmt.Errorf("watcher interval must be positive, got %v", c.Watcher.Interval)
	}
	if c.Watcher.Concurrency < 0 {
		return fmt.Errorf("watcher concurrency must not be negative")
	}

	if !strings.HasPrefix(c.Dispatch.Endpoint, "http://") && !strings.HasPrefix(c.Dispatch.Endpoint, "https://") {
		return fmt.Errorf("processor url must be http or https: %q", c.Dispatch.Endpoint)
	}

	if err := c.Indexer.Validate(); err != nil {
		return err
	}
	if p := c.Indexer.Splunk.Port; p <= 0 || p > 65535 {
		return fmt.Errorf("invalid splunk port: %d", p)
	}
	switch c.Indexer.Splunk.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid splunk scheme: %q", c.Indexer.Splunk.Scheme)
	}

	if c.DLQ.Enabled && c.DLQ.Dir == "" {
		return fmt.Errorf("dlq dir is required when the dlq is enabled")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be within [0, 1], got %v", c.Tracing.SampleRate)
	}

	return nil
}

// Redacted returns a copy safe to log
func (c *Config) Redacted() Config {
	r := *c
	r.Indexer.Splunk.Token = security.Redact(r.Indexer.Splunk.Token)
	r.Indexer.Splunk.Password = security.Redact(r.Indexer.Splunk.Password)
	r.Indexer.Elasticsearch.Password = security.Redact(r.Indexer.Elasticsearch.Password)
	r.Indexer.Elasticsearch.APIKey = security.Redact(r.Indexer.Elasticsearch.APIKey)
	r.Indexer.Kafka.SASLPassword = security.Redact(r.Indexer.Kafka.SASLPassword)
	keys := make([]string, len(c.Processor.APIKeys))
	for i, k := range c.Processor.APIKeys {
		keys[i] = security.Redact(k)
	}
	r.Processor.APIKeys = keys
	return r
}
