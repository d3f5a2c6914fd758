// Package storage publishes datasets to S3-compatible object stores
// (Cloudflare R2, AWS S3, MinIO) or to a local directory standing in for one.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/config"
)

// Sentinel causes wrapped by backend errors.
var (
	ErrUploadFailed = errors.New("upload failed")
	ErrDeleteFailed = errors.New("delete failed")
	ErrListFailed   = errors.New("list failed")
)

// ObjectStorage is the subset of object store operations a publish needs.
// Keys use forward slashes.
type ObjectStorage interface {
	// Upload stores the local file at localPath under key, overwriting it.
	Upload(ctx context.Context, localPath, key string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListObjects returns every key starting with prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// BatchDeleter is implemented by stores that remove many keys per request.
type BatchDeleter interface {
	DeleteObjects(ctx context.Context, keys []string) error
}

// New creates the object storage selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ObjectStorage, error) {
	switch cfg.Type {
	case config.StorageLocal:
		return NewLocalStorage(cfg.Path)
	case config.StorageS3:
		return NewS3Storage(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("storage: unsupported type %q", cfg.Type)
	}
}
