package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// Topic receives every enriched event
	Topic string `yaml:"topic"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string `yaml:"compression_codec,omitempty"`

	MaxMessageBytes int    `yaml:"max_message_bytes,omitempty"`
	ClientID        string `yaml:"client_id,omitempty"`
	Version         string `yaml:"version,omitempty"`

	EnableTLS     bool   `yaml:"enable_tls,omitempty"`
	SASLEnabled   bool   `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		Topic:            "zeek-conn-enriched",
		RequiredAcks:     1,
		CompressionCodec: "none",
		MaxMessageBytes:  1000000,
		ClientID:         "socpipe",
		Version:          "3.0.0",
	}
}

// SaramaConfig translates cfg into a producer configuration
func (cfg KafkaConfig) SaramaConfig() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	switch cfg.CompressionCodec {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		sc.Version = version
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
		switch cfg.SASLMechanism {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	sc.Net.TLS.Enable = cfg.EnableTLS

	return sc, nil
}

// Kafka publishes events to a topic, keyed by connection uid so every
// record of one connection lands in the same partition
type Kafka struct {
	topic    string
	producer sarama.SyncProducer
	logger   *logging.Logger
	closed   atomic.Bool
}

// NewKafka connects a synchronous producer to the configured brokers
func NewKafka(cfg KafkaConfig, logger *logging.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	sc, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaWithProducer(cfg.Topic, producer, logger)
}

// NewKafkaWithProducer uses an existing producer
func NewKafkaWithProducer(topic string, producer sarama.SyncProducer, logger *logging.Logger) (*Kafka, error) {
	if topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Kafka{
		topic:    topic,
		producer: producer,
		logger:   logger.WithComponent("indexer.kafka"),
	}, nil
}

// Name implements Indexer
func (k *Kafka) Name() string { return "kafka" }

// Index implements Indexer
func (k *Kafka) Index(ctx context.Context, event enrich.Enriched) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka indexer is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(value),
	}
	if uid := event.UID(); uid != "" {
		msg.Key = sarama.StringEncoder(uid)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}

	k.logger.Debug().
		Str("uid", event.UID()).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Event published")
	return nil
}

// Close implements Indexer
func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.producer.Close()
}
