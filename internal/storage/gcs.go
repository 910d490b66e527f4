package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSStorage implements BlobStorage on a Google Cloud Storage bucket under a prefix
type GCSStorage struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStorage creates a storage rooted at prefix inside bucket
func NewGCSStorage(client *storage.Client, bucket, prefix string) *GCSStorage {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStorage{
		bucket: client.Bucket(bucket),
		prefix: prefix,
	}
}

func (g *GCSStorage) object(path string) *storage.ObjectHandle {
	return g.bucket.Object(g.prefix + strings.TrimPrefix(path, "/"))
}

func isGCSPreconditionFailed(err error) bool {
	var e *googleapi.Error
	return errors.As(err, &e) && e.Code == http.StatusPreconditionFailed
}

func (g *GCSStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	w := g.object(path).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		log.Error().Err(err).Str("path", path).Msg("failed to write object")
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to finish object write")
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

func (g *GCSStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := g.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return r, nil
}

func (g *GCSStorage) Delete(ctx context.Context, path string) error {
	err := g.object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		log.Error().Err(err).Str("path", path).Msg("failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (g *GCSStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return fmt.Errorf("prefix cannot be empty")
	}
	paths, err := g.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := g.Delete(ctx, p); err != nil {
			return err
		}
	}
	log.Debug().Str("prefix", prefix).Int("total_deleted", len(paths)).Msg("prefix deleted")
	return nil
}

func (g *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.object(path).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check file existence: %w", err)
}

func (g *GCSStorage) GetSize(ctx context.Context, path string) (int64, error) {
	attrs, err := g.object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("failed to get object attrs: %w", err)
	}
	return attrs.Size, nil
}

func (g *GCSStorage) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix + strings.TrimPrefix(prefix, "/")})

	var paths []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		paths = append(paths, strings.TrimPrefix(attrs.Name, g.prefix))
	}
	return paths, nil
}

// Promote copies src to dst on the condition that dst does not exist yet
func (g *GCSStorage) Promote(ctx context.Context, src, dst string) (bool, error) {
	dstObj := g.object(dst).If(storage.Conditions{DoesNotExist: true})

	if _, err := dstObj.CopierFrom(g.object(src)).Run(ctx); err != nil {
		if isGCSPreconditionFailed(err) {
			return false, nil
		}
		var apiErr *googleapi.Error
		if errors.Is(err, storage.ErrObjectNotExist) || (errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		log.Error().Err(err).Str("src", src).Str("dst", dst).Msg("failed to copy object")
		return false, fmt.Errorf("failed to copy object: %w", err)
	}

	if err := g.Delete(ctx, src); err != nil {
		log.Warn().Err(err).Str("path", src).Msg("failed to remove promoted source")
	}
	return true, nil
}
