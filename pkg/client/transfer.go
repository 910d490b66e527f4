package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lgulliver/freight/pkg/types"
	"github.com/lgulliver/freight/pkg/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// chunkAttempts bounds resends of a chunk the gateway rejected as corrupt
const chunkAttempts = 3

// UploadOptions tune UploadFile
type UploadOptions struct {
	// Filename defaults to the base name of the local path
	Filename string
	// ChunkSize of zero uses the gateway default
	ChunkSize int64
}

// UploadFile sends the file at path in parallel chunks and finalizes it
func (c *Client) UploadFile(ctx context.Context, path string, opts UploadOptions) (*types.FinalizeResult, error) {
	file, size, checksum, err := openLocal(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	filename := opts.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}

	session, err := c.Initiate(ctx, types.InitiateRequest{
		Filename:  filename,
		TotalSize: size,
		ChunkSize: opts.ChunkSize,
		Checksum:  checksum,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("upload_id", session.UploadID).
		Str("filename", session.Filename).
		Int64("size", size).
		Int("total_chunks", session.TotalChunks).
		Msg("upload started")

	indices := make([]int, session.TotalChunks)
	for i := range indices {
		indices[i] = i
	}
	if err := c.sendChunks(ctx, session.UploadID, file, size, session.ChunkSize, indices); err != nil {
		return nil, fmt.Errorf("upload %s: %w", session.UploadID, err)
	}

	return c.Finalize(ctx, session.UploadID, checksum)
}

// ResumeFile sends the chunks an existing session is still missing and
// finalizes it. The local file must match the session's declared size.
func (c *Client) ResumeFile(ctx context.Context, uploadID, path string) (*types.FinalizeResult, error) {
	file, size, checksum, err := openLocal(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	status, err := c.Status(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if status.TotalSize != size {
		return nil, fmt.Errorf("local file is %d bytes, upload %s expects %d", size, uploadID, status.TotalSize)
	}

	log.Info().
		Str("upload_id", uploadID).
		Int("missing", len(status.MissingChunks)).
		Int("total_chunks", status.TotalChunks).
		Msg("resuming upload")

	if err := c.sendChunks(ctx, uploadID, file, size, status.ChunkSize, status.MissingChunks); err != nil {
		return nil, fmt.Errorf("upload %s: %w", uploadID, err)
	}

	return c.Finalize(ctx, uploadID, checksum)
}

func (c *Client) sendChunks(ctx context.Context, uploadID string, file io.ReaderAt, size, chunkSize int64, indices []int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, index := range indices {
		index := index
		offset := int64(index) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}

		g.Go(func() error {
			return c.sendChunk(gctx, uploadID, index, io.NewSectionReader(file, offset, length), length)
		})
	}
	return g.Wait()
}

// sendChunk resends a chunk the gateway reported as corrupted in transit
func (c *Client) sendChunk(ctx context.Context, uploadID string, index int, chunk *io.SectionReader, length int64) error {
	var err error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		_, err = c.UploadChunk(ctx, uploadID, index, chunk, length)
		if err == nil {
			return nil
		}

		var ue *types.UploadError
		if !errors.As(err, &ue) || !ue.Retryable() {
			return err
		}
		log.Warn().Err(err).Str("upload_id", uploadID).Int("chunk_index", index).Int("attempt", attempt).Msg("retrying chunk")
	}
	return err
}

// openLocal opens path and computes its size and SHA-256
func openLocal(path string) (*os.File, int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, "", err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, "", err
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, "", fmt.Errorf("%s is a directory", path)
	}

	checksum, err := utils.ComputeSHA256FromReader(io.NewSectionReader(file, 0, info.Size()))
	if err != nil {
		file.Close()
		return nil, 0, "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return file, info.Size(), checksum, nil
}
