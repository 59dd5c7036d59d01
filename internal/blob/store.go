package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"monkchat/internal/config"
)

// ErrNotFound is returned by Open when the key holds no object.
var ErrNotFound = errors.New("blob not found")

// Store holds uploaded image bytes by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Blob.Driver.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Blob.Driver {
	case "", "disk":
		return NewDiskStore(cfg.BasicConfig.FileBaseDir)
	case "minio":
		return NewMinIOStore(ctx, cfg.Blob.MinIO)
	default:
		return nil, fmt.Errorf("unsupported blob driver: %s", cfg.Blob.Driver)
	}
}
