package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// Backend stores mirrored objects.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3 mirrors objects into an S3-compatible bucket.
type S3 struct {
	client s3Client
	bucket string
	prefix string
}

// NewS3 builds an S3 backend with static credentials.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 mirror needs bucket, access key and secret key")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3{client: s3.New(opts), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3) Name() string { return "s3" }

func (b *S3) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(path.Join(b.prefix, key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3: %w", key, err)
	}
	return nil
}

// GCSConfig holds Google Cloud Storage configuration. An empty
// CredentialsFile falls back to Application Default Credentials.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Prefix          string
}

// objectWriters opens a writer for an object name.
type objectWriters interface {
	NewWriter(ctx context.Context, name string) io.WriteCloser
}

type bucketWriters struct {
	bucket *storage.BucketHandle
}

func (b bucketWriters) NewWriter(ctx context.Context, name string) io.WriteCloser {
	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

// GCS mirrors objects into a Cloud Storage bucket.
type GCS struct {
	client  *storage.Client
	writers objectWriters
	prefix  string
}

// NewGCS opens a Cloud Storage client for cfg.Bucket.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs mirror needs a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		client:  client,
		writers: bucketWriters{bucket: client.Bucket(cfg.Bucket)},
		prefix:  cfg.Prefix,
	}, nil
}

func (b *GCS) Name() string { return "gcs" }

func (b *GCS) Put(ctx context.Context, key string, body io.Reader, _ int64) error {
	w := b.writers.NewWriter(ctx, path.Join(b.prefix, key))
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s to gcs: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload %s to gcs: %w", key, err)
	}
	return nil
}

// Close releases the Cloud Storage client.
func (b *GCS) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
