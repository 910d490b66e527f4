package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lgulliver/freight/internal/session"
	"github.com/lgulliver/freight/internal/storage"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog/log"
)

const cleanupAttempts = 3

// Service is the upload contract: initiate, upload chunks, query status,
// finalize, and cancel.
type Service struct {
	registry  *session.Registry
	receiver  *Receiver
	assembler *Assembler
	cleanup   *CleanupQueue
	reaper    *Reaper
	blobs     blobSet

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the upload components over a registry and the temp and
// final blob storages
func NewService(registry *session.Registry, temp, final storage.BlobStorage, cfg *config.UploadConfig) *Service {
	cleanup := NewCleanupQueue(cfg.CleanupWorkers, cleanupAttempts)
	return &Service{
		registry:  registry,
		receiver:  NewReceiver(registry, temp, cfg.MaxConcurrentUploads),
		assembler: NewAssembler(registry, temp, final, cleanup),
		cleanup:   cleanup,
		reaper:    NewReaper(registry, temp, final, cfg.ReaperInterval, cfg.ReaperOrphanScan),
		blobs:     blobSet{temp: temp, final: final},
	}
}

// Start runs the cleanup workers and the reaper until Shutdown
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.cleanup.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reaper.Run(ctx)
	}()
}

// Shutdown stops the reaper and waits for queued cleanup
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	err := s.cleanup.Shutdown(ctx)
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return err
}

// Initiate creates a session
func (s *Service) Initiate(ctx context.Context, req types.InitiateRequest) (*types.InitiateResult, error) {
	checksum, err := ParseChecksum(req.Checksum)
	if err != nil {
		return nil, err
	}

	sess, err := s.registry.Create(ctx, session.CreateRequest{
		Filename:  req.Filename,
		TotalSize: req.TotalSize,
		ChunkSize: req.ChunkSize,
		Checksum:  checksum.String(),
	})
	if err != nil {
		return nil, err
	}

	return &types.InitiateResult{
		UploadID:    sess.UploadID,
		Filename:    sess.Filename,
		TotalChunks: sess.TotalChunks,
		ChunkSize:   sess.ChunkSize,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// UploadChunk admits one chunk
func (s *Service) UploadChunk(ctx context.Context, req ChunkRequest) (*types.ChunkResult, error) {
	return s.receiver.Receive(ctx, req)
}

// Status reports session progress
func (s *Service) Status(ctx context.Context, uploadID string) (*types.StatusResult, error) {
	sess, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	return &types.StatusResult{
		UploadID:       sess.UploadID,
		Filename:       sess.Filename,
		State:          sess.State,
		TotalSize:      sess.TotalSize,
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks,
		UploadedChunks: append([]int{}, sess.UploadedChunks...),
		MissingChunks:  sess.MissingChunks(),
		Progress:       sess.Progress(),
		ExpiresAt:      sess.ExpiresAt,
	}, nil
}

// Finalize assembles and verifies a complete upload
func (s *Service) Finalize(ctx context.Context, uploadID string, req types.FinalizeRequest) (*types.FinalizeResult, error) {
	return s.assembler.Finalize(ctx, uploadID, req.Checksum)
}

// Cancel abandons an upload. Its chunk blobs and record are gone once Cancel
// returns without error; if cleanup fails the reaper finishes it.
func (s *Service) Cancel(ctx context.Context, uploadID string) (*types.CancelResult, error) {
	if _, err := s.registry.MarkCancelled(ctx, uploadID); err != nil {
		return nil, err
	}

	task := s.cleanup.Submit(s.blobs.purgeJob(uploadID, func(ctx context.Context) error {
		return s.registry.Delete(ctx, uploadID)
	}))
	if err := task.Wait(ctx); err != nil {
		if errors.Is(err, ErrQueueClosed) {
			err = s.purgeNow(ctx, uploadID)
		}
		if err != nil {
			return nil, types.StorageFailure("cancel cleanup", err)
		}
	}

	log.Info().Str("upload_id", uploadID).Msg("upload cancelled")
	return &types.CancelResult{UploadID: uploadID, State: types.StateCancelled}, nil
}

func (s *Service) purgeNow(ctx context.Context, uploadID string) error {
	if err := s.blobs.purge(ctx, uploadID); err != nil {
		return err
	}
	return s.registry.Delete(ctx, uploadID)
}

// Sweep runs one reaper pass
func (s *Service) Sweep(ctx context.Context) ReapReport {
	return s.reaper.Sweep(ctx)
}

// CleanupStats reports background cleanup counters
func (s *Service) CleanupStats() CleanupStats {
	return s.cleanup.Stats()
}

// DrainCleanup waits for queued cleanup jobs
func (s *Service) DrainCleanup(ctx context.Context) error {
	return s.cleanup.Drain(ctx)
}

// Ping checks the session store
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.registry.Ping(ctx)
}
