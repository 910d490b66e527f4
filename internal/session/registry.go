package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/lgulliver/freight/pkg/utils"
	"github.com/rs/zerolog/log"
)

// DefaultMaxChunks bounds the chunk count of a session when Options.MaxChunks is unset
const DefaultMaxChunks = 10000

// Options are the limits and timings the registry enforces
type Options struct {
	MaxFileSize        int64
	MaxChunks          int
	DefaultChunkSize   int64
	MinChunkSize       int64
	MaxChunkSize       int64
	Timeout            time.Duration
	CompletedRetention time.Duration
	FinalizeLease      time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// OptionsFromConfig maps upload configuration onto registry options
func OptionsFromConfig(cfg *config.UploadConfig) Options {
	return Options{
		MaxFileSize:        cfg.MaxFileSize,
		MaxChunks:          cfg.MaxChunks,
		DefaultChunkSize:   cfg.ChunkSize,
		MinChunkSize:       cfg.MinChunkSize,
		MaxChunkSize:       cfg.MaxChunkSize,
		Timeout:            cfg.Timeout,
		CompletedRetention: cfg.CompletedRetention,
		FinalizeLease:      cfg.FinalizeLease,
	}
}

// CreateRequest describes a new upload
type CreateRequest struct {
	Filename  string
	TotalSize int64
	ChunkSize int64
	Checksum  string
}

// Registry is the single authority on session state. Expired and cancelled
// sessions are reported as missing; every mutation refreshes the expiry.
type Registry struct {
	store Store
	opts  Options
}

// NewRegistry creates a registry over store
func NewRegistry(store Store, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	return &Registry{store: store, opts: opts}
}

func (r *Registry) now() time.Time {
	return r.opts.Now().UTC()
}

func (r *Registry) live(s *types.UploadSession, now time.Time) bool {
	return s.State != types.StateCancelled && now.Before(s.ExpiresAt)
}

func (r *Registry) touch(s *types.UploadSession, now time.Time) {
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(r.opts.Timeout)
}

// Create validates req and persists a new session
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*types.UploadSession, error) {
	filename := utils.SanitizeFilename(req.Filename)
	if filename == "" {
		return nil, types.NewError(types.KindInvalidRequest, "invalid filename: %q", req.Filename)
	}
	if req.TotalSize < 0 {
		return nil, types.NewError(types.KindInvalidRequest, "total size must not be negative")
	}
	if req.TotalSize > r.opts.MaxFileSize {
		return nil, types.NewError(types.KindSizeLimitExceeded,
			"file size %s exceeds limit of %s", utils.FormatBytes(req.TotalSize), utils.FormatBytes(r.opts.MaxFileSize))
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = r.opts.DefaultChunkSize
	}
	if chunkSize < r.opts.MinChunkSize || chunkSize > r.opts.MaxChunkSize {
		return nil, types.NewError(types.KindInvalidRequest,
			"chunk size %d outside allowed range [%d, %d]", chunkSize, r.opts.MinChunkSize, r.opts.MaxChunkSize)
	}
	totalChunks := utils.CeilDiv(req.TotalSize, chunkSize)
	if totalChunks > int64(r.opts.MaxChunks) {
		return nil, types.NewError(types.KindInvalidRequest,
			"upload needs %d chunks at chunk size %d, limit is %d", totalChunks, chunkSize, r.opts.MaxChunks)
	}

	now := r.now()
	s := &types.UploadSession{
		Filename:         filename,
		TotalSize:        req.TotalSize,
		ChunkSize:        chunkSize,
		TotalChunks:      int(totalChunks),
		UploadedChunks:   types.ChunkSet{},
		State:            types.StateInitiated,
		OriginalChecksum: req.Checksum,
		CreatedAt:        now,
	}
	if s.TotalChunks == 0 {
		s.State = types.StateReadyToFinalize
	}
	r.touch(s, now)

	for attempt := 0; attempt < 3; attempt++ {
		s.UploadID = uuid.NewString()
		err := r.store.Create(ctx, s)
		if err == nil {
			log.Info().
				Str("upload_id", s.UploadID).
				Str("filename", s.Filename).
				Int64("total_size", s.TotalSize).
				Int("total_chunks", s.TotalChunks).
				Msg("upload session created")
			return s, nil
		}
		if !errors.Is(err, ErrExists) {
			return nil, types.StorageFailure("create session", err)
		}
	}
	return nil, types.NewError(types.KindStorageFailure, "could not allocate upload id")
}

// Get returns a live session
func (r *Registry) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	s, err := r.store.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.SessionNotFound(uploadID)
		}
		return nil, types.StorageFailure("load session", err)
	}
	if !r.live(s, r.now()) {
		return nil, types.SessionNotFound(uploadID)
	}
	return s, nil
}

// RecordChunk admits index. It reports whether the index was new; re-recording
// an admitted index leaves the session untouched.
func (r *Registry) RecordChunk(ctx context.Context, uploadID string, index int) (*types.UploadSession, bool, error) {
	var added bool
	s, err := r.update(ctx, uploadID, func(s *types.UploadSession) error {
		now := r.now()
		if !r.live(s, now) {
			return types.SessionNotFound(uploadID)
		}
		if index < 0 || index >= s.TotalChunks {
			return types.InvalidChunkIndex(index, s.TotalChunks)
		}

		s.UploadedChunks, added = s.UploadedChunks.Add(index)
		if !added {
			return ErrSkipUpdate
		}

		if s.IsComplete() {
			s.State = types.StateReadyToFinalize
		} else {
			s.State = types.StateUploading
		}
		r.touch(s, now)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return s, added, nil
}

// AcquireFinalizeLease grants the exclusive right to finalize a complete
// session until the lease times out
func (r *Registry) AcquireFinalizeLease(ctx context.Context, uploadID string) (*types.UploadSession, string, error) {
	lease := uuid.NewString()
	s, err := r.update(ctx, uploadID, func(s *types.UploadSession) error {
		now := r.now()
		if !r.live(s, now) {
			return types.SessionNotFound(uploadID)
		}
		switch {
		case s.State == types.StateCompleted:
			return types.NewError(types.KindAlreadyFinalized, "upload %s already finalized", uploadID)
		case s.State != types.StateReadyToFinalize:
			return types.IncompleteUpload(s.MissingChunks())
		case s.HasActiveLease(now):
			return types.NewError(types.KindFinalizeInProgress, "upload %s is being finalized", uploadID)
		}

		s.FinalizeLeaseID = lease
		s.FinalizeLeaseUntil = now.Add(r.opts.FinalizeLease)
		r.touch(s, now)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return s, lease, nil
}

// ReleaseFinalizeLease gives up a lease after a failed finalize
func (r *Registry) ReleaseFinalizeLease(ctx context.Context, uploadID, lease string) error {
	_, err := r.update(ctx, uploadID, func(s *types.UploadSession) error {
		if s.FinalizeLeaseID != lease {
			return ErrSkipUpdate
		}
		s.FinalizeLeaseID = ""
		s.FinalizeLeaseUntil = time.Time{}
		return nil
	})
	return err
}

// MarkCompleted records the finalize result. The record is retained for the
// completed retention period so repeated finalize calls can be answered.
func (r *Registry) MarkCompleted(ctx context.Context, uploadID, lease string, result *types.FinalizeResult) (*types.UploadSession, error) {
	return r.update(ctx, uploadID, func(s *types.UploadSession) error {
		now := r.now()
		if !r.live(s, now) {
			return types.SessionNotFound(uploadID)
		}
		if s.State == types.StateCompleted {
			return ErrSkipUpdate
		}
		if s.FinalizeLeaseID != lease {
			return types.NewError(types.KindFinalizeInProgress, "finalize lease for %s was lost", uploadID)
		}

		s.State = types.StateCompleted
		s.FinalSize = result.Size
		s.FinalChecksum = result.Checksum
		s.FinalLocation = result.Location
		s.CompletedAt = &now
		s.FinalizeLeaseID = ""
		s.FinalizeLeaseUntil = time.Time{}
		s.UpdatedAt = now
		s.ExpiresAt = now.Add(r.opts.CompletedRetention)
		return nil
	})
}

// MarkCancelled cancels an unfinished session and makes it due for reaping
func (r *Registry) MarkCancelled(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	return r.update(ctx, uploadID, func(s *types.UploadSession) error {
		now := r.now()
		if !r.live(s, now) {
			return types.SessionNotFound(uploadID)
		}
		if s.State == types.StateCompleted {
			return types.NewError(types.KindAlreadyFinalized, "upload %s already finalized", uploadID)
		}
		if s.HasActiveLease(now) {
			return types.NewError(types.KindFinalizeInProgress, "upload %s is being finalized", uploadID)
		}

		s.State = types.StateCancelled
		s.UpdatedAt = now
		s.ExpiresAt = now
		return nil
	})
}

// Delete removes the record
func (r *Registry) Delete(ctx context.Context, uploadID string) error {
	if err := r.store.Delete(ctx, uploadID); err != nil {
		return types.StorageFailure("delete session", err)
	}
	return nil
}

// ListExpired returns ids of sessions due for reaping
func (r *Registry) ListExpired(ctx context.Context, limit int) ([]string, error) {
	ids, err := r.store.ListExpired(ctx, r.now(), limit)
	if err != nil {
		return nil, types.StorageFailure("list expired sessions", err)
	}
	return ids, nil
}

// Reapable reports whether a session's blobs may be removed: its record is
// gone, cancelled, or past its deadline. Such a session can never become live
// again, so acting on the answer is race free.
func (r *Registry) Reapable(ctx context.Context, uploadID string) (bool, error) {
	s, err := r.store.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}
		return false, types.StorageFailure("load session", err)
	}
	return !r.live(s, r.now()), nil
}

// Ping checks the backing store
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Registry) update(ctx context.Context, uploadID string, fn UpdateFunc) (*types.UploadSession, error) {
	s, err := r.store.Update(ctx, uploadID, fn)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.SessionNotFound(uploadID)
		}
		var ue *types.UploadError
		if errors.As(err, &ue) {
			return nil, err
		}
		return nil, types.StorageFailure("update session", err)
	}
	return s, nil
}
