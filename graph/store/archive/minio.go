package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig describes an S3-compatible endpoint and the bucket segments go to.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Validate checks that the config can produce a client.
func (c MinIOConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinIOSink writes segments to a MinIO or S3 bucket.
type MinIOSink struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewMinIOSink builds a client from cfg. It does not contact the server; call
// EnsureBucket before the first checkpoint.
func NewMinIOSink(cfg MinIOConfig) (*MinIOSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	sink, err := NewMinIOSinkWithClient(client, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	sink.region = cfg.Region
	return sink, nil
}

// NewMinIOSinkWithClient wraps an existing client.
func NewMinIOSinkWithClient(client *minio.Client, bucket, prefix string) (*MinIOSink, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &MinIOSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinIOSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ObjectKey returns the key name is stored under.
func (s *MinIOSink) ObjectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put uploads data as an NDJSON object.
func (s *MinIOSink) Put(ctx context.Context, name string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/x-ndjson"}
	_, err := s.client.PutObject(ctx, s.bucket, s.ObjectKey(name), bytes.NewReader(data), int64(len(data)), opts)
	return err
}
