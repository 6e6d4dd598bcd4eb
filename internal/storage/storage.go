// Package storage provides the object storage the sink archives replayed
// journal segments to.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkilian/sink/internal/config"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts object storage operations.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to the local file at localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// FromConfig opens the archive backend. It returns nil for type "none".
func FromConfig(ctx context.Context, cfg config.ArchiveConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		return NewS3Storage(ctx, cfg.S3.Bucket, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.Endpoint != "",
			MaxRetries:   3,
		})
	}
	return nil, fmt.Errorf("storage: unknown archive type %q", cfg.Type)
}
