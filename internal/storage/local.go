package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements BlobStorage for the local filesystem. Writes go to a
// temp file in the target directory and are renamed into place, so readers never
// observe partial content and unrelated paths are never serialized.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath: filepath.Clean(basePath),
	}, nil
}

// resolve maps a storage path to a filesystem path inside basePath
func (ls *LocalStorage) resolve(path string) (string, error) {
	fullPath := filepath.Join(ls.basePath, filepath.FromSlash(path))
	rel, err := filepath.Rel(ls.basePath, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage path: %q", path)
	}
	return fullPath, nil
}

// Store saves content to the local filesystem with atomic writes
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	startTime := time.Now()

	// Check if context is cancelled before starting
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	// Ensure the directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create directory")
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Create temporary file for atomic write
	tempFile, err := os.CreateTemp(dir, filepath.Base(fullPath)+".tmp.*")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := tempFile.Name()

	// Ensure cleanup of temp file on failure
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	multiWriter := io.MultiWriter(tempFile, hasher)

	bytesWritten, err := io.Copy(multiWriter, &ctxReader{ctx: ctx, r: content})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write content to temporary file")
		return fmt.Errorf("failed to write content: %w", err)
	}

	// Ensure data is flushed to disk
	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	tempFile.Close()

	// Atomic move from temp to final location
	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Debug().
		Str("path", path).
		Str("content_type", contentType).
		Int64("bytes_written", bytesWritten).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Dur("duration", time.Since(startTime)).
		Msg("file stored successfully")

	return nil
}

// Retrieve gets content from the local filesystem. Reads on the returned
// reader fail once ctx is done.
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file not found")
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open file")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return &ctxReadCloser{ctxReader: ctxReader{ctx: ctx, r: file}, c: file}, nil
}

// Delete removes content from the local filesystem
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file already deleted or does not exist")
			return nil // Already deleted
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	log.Debug().Str("path", path).Msg("file deleted successfully")
	return nil
}

// DeletePrefix removes a directory prefix, or every file whose path starts with prefix
func (ls *LocalStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(prefix)
	if err != nil {
		return err
	}

	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		if err := os.RemoveAll(fullPath); err != nil {
			log.Error().Err(err).Str("prefix", prefix).Msg("failed to delete prefix")
			return fmt.Errorf("failed to delete prefix: %w", err)
		}
		log.Debug().Str("prefix", prefix).Msg("prefix deleted")
		return nil
	}

	paths, err := ls.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ls.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Exists checks if content exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check file existence")
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// GetSize returns the size of content in the local filesystem
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file not found when getting size")
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to get file info")
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}

	return info.Size(), nil
}

// List returns slash-separated paths under prefix. A prefix naming a directory
// lists its whole subtree; otherwise paths are matched by string prefix.
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	searchPath, err := ls.resolve(prefix)
	if err != nil {
		return nil, err
	}

	matchPrefix := ""
	if info, err := os.Stat(searchPath); err != nil || !info.IsDir() {
		matchPrefix = filepath.ToSlash(prefix)
		searchPath = filepath.Dir(searchPath)
	}

	var paths []string
	err = filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		// Check for context cancellation during walk
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			// Skip directories that don't exist or are inaccessible
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(ls.basePath, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to get relative path")
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if matchPrefix == "" || strings.HasPrefix(relPath, matchPrefix) {
			paths = append(paths, relPath)
		}
		return nil
	})

	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(paths)).
		Dur("duration", time.Since(startTime)).
		Msg("files listed successfully")

	return paths, nil
}

// Promote hard-links src to dst and removes src. Linking fails when dst exists,
// which gives first-writer-wins semantics without a lock.
func (ls *LocalStorage) Promote(ctx context.Context, src, dst string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	srcPath, err := ls.resolve(src)
	if err != nil {
		return false, err
	}
	dstPath, err := ls.resolve(dst)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.Link(srcPath, dstPath); err != nil {
		switch {
		case os.IsExist(err):
			log.Debug().Str("src", src).Str("dst", dst).Msg("promote target already exists")
			return false, nil
		case os.IsNotExist(err):
			return false, fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		log.Error().Err(err).Str("src", src).Str("dst", dst).Msg("failed to promote file")
		return false, fmt.Errorf("failed to promote file: %w", err)
	}

	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", src).Msg("failed to remove promoted source")
	}

	log.Debug().Str("src", src).Str("dst", dst).Msg("file promoted")
	return true, nil
}

// ctxReader stops reading once its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

type ctxReadCloser struct {
	ctxReader
	c io.Closer
}

func (crc *ctxReadCloser) Close() error {
	return crc.c.Close()
}
