package upload

import (
	"context"
	"errors"
	"io"

	"github.com/lgulliver/freight/internal/session"
	"github.com/lgulliver/freight/internal/storage"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const octetStream = "application/octet-stream"

// ChunkRequest is one chunk transfer
type ChunkRequest struct {
	UploadID string
	Index    int
	Body     io.Reader
	Checksum string
}

// Receiver admits chunks: it streams them to a private temp address, verifies
// length and checksum, and promotes verified bytes to the chunk address.
type Receiver struct {
	registry *session.Registry
	temp     storage.BlobStorage
	slots    *semaphore.Weighted
}

// NewReceiver creates a receiver allowing maxConcurrent transfers in flight
func NewReceiver(registry *session.Registry, temp storage.BlobStorage, maxConcurrent int) *Receiver {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Receiver{
		registry: registry,
		temp:     temp,
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Receive admits one chunk. Re-sending an admitted index is a no-op that
// reports ChunkAlreadyUploaded.
func (r *Receiver) Receive(ctx context.Context, req ChunkRequest) (*types.ChunkResult, error) {
	expected, err := ParseChecksum(req.Checksum)
	if err != nil {
		return nil, err
	}

	s, err := r.registry.Get(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}
	if req.Index < 0 || req.Index >= s.TotalChunks {
		return nil, types.InvalidChunkIndex(req.Index, s.TotalChunks)
	}

	length := s.ChunkLength(req.Index)
	if s.UploadedChunks.Contains(req.Index) {
		if req.Body != nil {
			io.CopyN(io.Discard, req.Body, length)
		}
		log.Debug().
			Str("upload_id", req.UploadID).
			Int("chunk_index", req.Index).
			Msg("chunk already uploaded")
		return chunkResult(s, req.Index, types.ChunkAlreadyUploaded, length, ""), nil
	}
	if req.Body == nil {
		return nil, types.NewError(types.KindInvalidRequest, "chunk body is required")
	}

	if !r.slots.TryAcquire(1) {
		return nil, types.NewError(types.KindServerBusy, "too many chunk uploads in progress")
	}
	defer r.slots.Release(1)

	digester := NewDigester(expected)
	tempPath := TempChunkPath(req.UploadID, req.Index)
	body := digestReader(io.LimitReader(req.Body, length+1), digester)

	if err := r.temp.Store(ctx, tempPath, body, octetStream); err != nil {
		r.discard(ctx, tempPath)
		return nil, r.failure(ctx, req.UploadID, "store chunk", err)
	}

	if digester.Size() != length {
		r.discard(ctx, tempPath)
		return nil, types.ChunkSizeMismatch(req.Index, length, digester.Size())
	}

	if err := digester.Verify(expected); err != nil {
		r.discard(ctx, tempPath)
		log.Warn().
			Str("upload_id", req.UploadID).
			Int("chunk_index", req.Index).
			Str("expected", expected.String()).
			Msg("chunk checksum mismatch")
		return nil, err
	}

	chunkPath := ChunkPath(req.UploadID, req.Index)
	promoted, err := r.temp.Promote(ctx, tempPath, chunkPath)
	if err != nil {
		r.discard(ctx, tempPath)
		return nil, r.failure(ctx, req.UploadID, "promote chunk", err)
	}
	if !promoted {
		// a verified copy is already in place; only the record may be missing
		r.discard(ctx, tempPath)
	}

	updated, added, err := r.registry.RecordChunk(ctx, req.UploadID, req.Index)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			r.discard(ctx, chunkPath)
		}
		return nil, err
	}

	status := types.ChunkUploaded
	if !added {
		status = types.ChunkAlreadyUploaded
	}

	log.Debug().
		Str("upload_id", req.UploadID).
		Int("chunk_index", req.Index).
		Int64("size", length).
		Str("status", string(status)).
		Int("uploaded_chunks", len(updated.UploadedChunks)).
		Int("total_chunks", updated.TotalChunks).
		Msg("chunk received")

	return chunkResult(updated, req.Index, status, length, digester.SHA256()), nil
}

// failure reports a storage error, unless the session was cancelled or expired
// while the chunk was in flight and its blobs were purged underneath it
func (r *Receiver) failure(ctx context.Context, uploadID, op string, err error) error {
	if _, gerr := r.registry.Get(context.WithoutCancel(ctx), uploadID); errors.Is(gerr, types.ErrSessionNotFound) {
		return gerr
	}
	return types.StorageFailure(op, err)
}

// discard removes a blob even when the request context is already done
func (r *Receiver) discard(ctx context.Context, path string) {
	if err := r.temp.Delete(context.WithoutCancel(ctx), path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to delete chunk blob")
	}
}

func chunkResult(s *types.UploadSession, index int, status types.ChunkStatus, size int64, checksum string) *types.ChunkResult {
	return &types.ChunkResult{
		UploadID:       s.UploadID,
		ChunkIndex:     index,
		Status:         status,
		Size:           size,
		Checksum:       checksum,
		UploadedChunks: len(s.UploadedChunks),
		TotalChunks:    s.TotalChunks,
		Progress:       s.Progress(),
		State:          s.State,
	}
}
