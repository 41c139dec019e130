// Package storage provides object storage abstractions for segment files.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts where segment objects live.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put uploads an object. Writing the same path twice replaces the
	// object; callers rely on this for idempotent commit retries.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get downloads an object in full.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Exists checks whether an object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
