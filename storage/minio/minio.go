// Package minio stores objects in an S3-compatible bucket through
// minio-go.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xraph/imgdispatch/storage"
)

// Compile-time interface check.
var _ storage.Storage = (*Storage)(nil)

// Opts configures the client.
type Opts func(c *config)

type config struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	region          string
	useSSL          bool
}

// WithEndpoint sets the host:port of the server.
func WithEndpoint(endpoint string) Opts {
	return func(c *config) { c.endpoint = endpoint }
}

// WithBucket sets the bucket objects live in.
func WithBucket(bucket string) Opts {
	return func(c *config) { c.bucket = bucket }
}

// WithAccessKey sets the access key id.
func WithAccessKey(accessKey string) Opts {
	return func(c *config) { c.accessKey = accessKey }
}

// WithSecretKey sets the secret access key.
func WithSecretKey(secretKey string) Opts {
	return func(c *config) { c.secretAccessKey = secretKey }
}

// WithRegion sets the bucket region used when creating it.
func WithRegion(region string) Opts {
	return func(c *config) { c.region = region }
}

// WithSSL enables TLS.
func WithSSL(useSSL bool) Opts {
	return func(c *config) { c.useSSL = useSSL }
}

// Storage keeps each ref as an object key in one bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a client. It does not contact the server; call EnsureBucket
// for that.
func New(opts ...Opts) (*Storage, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.bucket == "" {
		return nil, fmt.Errorf("imgdispatch/minio: bucket is required")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/minio: new client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.bucket, region: cfg.region}, nil
}

// Client returns the underlying minio client.
func (s *Storage) Client() *minio.Client { return s.client }

// EnsureBucket creates the bucket if it does not exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("imgdispatch/minio: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("imgdispatch/minio: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Get downloads the object at ref.
func (s *Storage) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := storage.CleanRef(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, ref)
	}

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", ref, err)
	}
	defer object.Close()

	// GetObject is lazy; errors such as a missing key surface on first read.
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, s.wrap("get", ref, err)
	}
	return data, nil
}

// Put uploads data at ref with a content type guessed from its extension.
func (s *Storage) Put(ctx context.Context, ref string, data []byte) error {
	key, err := storage.CleanRef(ref)
	if err != nil {
		return fmt.Errorf("%w: %q", err, ref)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: storage.ContentType(key)})
	if err != nil {
		return s.wrap("put", ref, err)
	}
	return nil
}

// Delete removes the object at ref. S3 deletes are idempotent.
func (s *Storage) Delete(ctx context.Context, ref string) error {
	key, err := storage.CleanRef(ref)
	if err != nil {
		return fmt.Errorf("%w: %q", err, ref)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("delete", ref, err)
	}
	return nil
}

func (s *Storage) wrap(op, ref string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
	}
	return fmt.Errorf("imgdispatch/minio: %s %s: %w", op, ref, err)
}
