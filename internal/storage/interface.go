package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no blob exists at a path
var ErrNotFound = errors.New("file not found")

// BlobStorage defines the interface for chunk and file storage.
// Paths are slash-separated and relative to the backend's root.
type BlobStorage interface {
	// Store saves content at the given path, replacing any previous blob
	Store(ctx context.Context, path string, content io.Reader, contentType string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path; missing blobs are not an error
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every blob under prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Promote moves src to dst unless dst already exists. It reports
	// false, leaving src untouched, when dst was already present.
	Promote(ctx context.Context, src, dst string) (bool, error)
}
