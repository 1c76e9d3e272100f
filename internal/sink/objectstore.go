package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig locates an S3-compatible bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Validate checks that the config is complete.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// NewMinIOClient builds a client for cfg.
func NewMinIOClient(cfg ObjectStoreConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// objectPutter is the part of *minio.Client the sink uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStore uploads results to <origin>/<job id>.<ext> in a bucket.
type ObjectStore struct {
	client objectPutter
	bucket string
	logger *slog.Logger
}

// NewObjectStore creates an object store sink backed by client.
func NewObjectStore(client objectPutter, bucket string, logger *slog.Logger) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, logger: logger}
}

// OnJobSuccess uploads the result image.
func (o *ObjectStore) OnJobSuccess(ctx context.Context, s Success) error {
	contentType := http.DetectContentType(s.Image)
	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	key := string(s.Origin) + "/" + s.JobID + ext

	if _, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(s.Image), int64(len(s.Image)),
		minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	o.logger.Info("result uploaded", "job_id", s.JobID, "bucket", o.bucket, "key", key)
	return nil
}

// OnJobFailure is a no-op.
func (o *ObjectStore) OnJobFailure(context.Context, Failure) {}
