// Package storage uploads photos to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hickar/mailpost/internal/app/config"
)

// ErrObjectExists is returned by a conditional Put when the key is taken.
var ErrObjectExists = errors.New("object already exists")

type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Close() error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		store, err := NewS3(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "gcs":
		store, err := NewGCS(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(cfg.ConditionalPut), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
