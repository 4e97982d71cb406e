package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
)

// S3Config contains S3-specific configuration
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Prefix is the key prefix for objects
	Prefix string `yaml:"prefix,omitempty"`

	Compression          CompressionType `yaml:"compression,omitempty"`
	StorageClass         string          `yaml:"storage_class,omitempty"`
	ServerSideEncryption string          `yaml:"server_side_encryption,omitempty"`

	// Endpoint for S3-compatible services (e.g., MinIO)
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultS3Config returns default S3 configuration
func DefaultS3Config() S3Config {
	return S3Config{
		Region:       "us-east-1",
		Prefix:       "zeek/conn",
		Compression:  CompressionNone,
		StorageClass: "STANDARD",
		Timeout:      30 * time.Second,
	}
}

// PutObjectAPI is the part of the S3 client the archive transport needs
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 archives every event as its own object
type S3 struct {
	cfg        S3Config
	client     PutObjectAPI
	compressor Compressor
	logger     *logging.Logger
	newID      func() string
}

// NewS3 creates an archive transport using the default AWS credential chain
func NewS3(ctx context.Context, cfg S3Config, logger *logging.Logger) (*S3, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewS3WithClient(cfg, s3.NewFromConfig(awsCfg, opts...), logger)
}

// NewS3WithClient uses an existing client
func NewS3WithClient(cfg S3Config, client PutObjectAPI, logger *logging.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	compressor, err := GetCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &S3{
		cfg:        cfg,
		client:     client,
		compressor: compressor,
		logger:     logger.WithComponent("indexer.s3"),
		newID:      uuid.NewString,
	}, nil
}

// Name implements Indexer
func (s *S3) Name() string { return "s3" }

// Index implements Indexer
func (s *S3) Index(ctx context.Context, event enrich.Enriched) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	data, err = s.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress data: %w", err)
	}

	key := s.Key(eventTime(event))
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}
	if s.cfg.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.cfg.ServerSideEncryption)
	}
	if s.cfg.Compression != CompressionNone && s.cfg.Compression != "" {
		input.ContentEncoding = aws.String(string(s.cfg.Compression))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.Debug().Str("uid", event.UID()).Str("key", key).Msg("Event archived")
	return nil
}

// Key returns a fresh object key for an event recorded at ts:
// prefix/YYYY/MM/DD/<id>.json plus the compression extension
func (s *S3) Key(ts time.Time) string {
	var b strings.Builder
	if prefix := strings.Trim(s.cfg.Prefix, "/"); prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('/')
	}
	b.WriteString(ts.Format("2006/01/02"))
	b.WriteByte('/')
	b.WriteString(s.newID())
	b.WriteString(".json")
	b.WriteString(s.compressor.Extension())
	return b.String()
}

// Close implements Indexer
func (s *S3) Close() error {
	return nil
}
