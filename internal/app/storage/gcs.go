package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hickar/mailpost/internal/app/config"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// The interfaces below cover the part of the GCS client used by GCSStore,
// so that it can be tested with fakes.

type gcsClient interface {
	Bucket(name string) gcsBucketHandle
	Close() error
}

type gcsBucketHandle interface {
	Object(name string) gcsObjectHandle
}

type gcsObjectHandle interface {
	Attrs(ctx context.Context) (*gcs.ObjectAttrs, error)
	IfDoesNotExist() gcsObjectHandle
	NewWriter(ctx context.Context, contentType string) io.WriteCloser
}

type gcsClientAdapter struct {
	client *gcs.Client
}

func (a *gcsClientAdapter) Bucket(name string) gcsBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

func (a *gcsClientAdapter) Close() error {
	return a.client.Close()
}

type gcsBucketHandleAdapter struct {
	handle *gcs.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) gcsObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *gcs.ObjectHandle
}

func (a *gcsObjectHandleAdapter) Attrs(ctx context.Context) (*gcs.ObjectAttrs, error) {
	return a.handle.Attrs(ctx)
}

func (a *gcsObjectHandleAdapter) IfDoesNotExist() gcsObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.If(gcs.Conditions{DoesNotExist: true})}
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context, contentType string) io.WriteCloser {
	w := a.handle.NewWriter(ctx)
	w.ContentType = contentType
	return w
}

type GCSStore struct {
	client      gcsClient
	bucket      gcsBucketHandle
	name        string
	conditional bool
	logger      *slog.Logger
}

// NewGCS connects with application default credentials or, when set,
// the configured service account file.
func NewGCS(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.GCS.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCS.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return newGCSStore(&gcsClientAdapter{client: client}, cfg.Bucket, cfg.ConditionalPut, logger), nil
}

func newGCSStore(client gcsClient, bucket string, conditional bool, logger *slog.Logger) *GCSStore {
	return &GCSStore{
		client:      client,
		bucket:      client.Bucket(bucket),
		name:        bucket,
		conditional: conditional,
		logger:      logger,
	}
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gcs.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("get object attrs: %w", err)
	}
}

// Put uploads body. With conditional puts enabled the write is made with a
// does-not-exist precondition and a taken key yields ErrObjectExists.
func (s *GCSStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	obj := s.bucket.Object(key)
	if s.conditional {
		obj = obj.IfDoesNotExist()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(ctx, contentType)
	if _, err := io.Copy(w, body); err != nil {
		// Cancelling the context aborts the upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("write object: %w", err)
	}

	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if s.conditional && errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return fmt.Errorf("close object writer: %w", err)
	}

	s.logger.DebugContext(ctx, "stored object", slog.String("bucket", s.name), slog.String("key", key))
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
