package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lgulliver/freight/internal/session"
	"github.com/lgulliver/freight/internal/storage"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const copyBufferSize = 32 * 1024

// Assembler concatenates the admitted chunks of a complete upload into its
// final file and verifies the result.
type Assembler struct {
	registry *session.Registry
	blobs    blobSet
	cleanup  *CleanupQueue
}

// NewAssembler creates an assembler. Chunk cleanup after a successful
// finalize is submitted to cleanup.
func NewAssembler(registry *session.Registry, temp, final storage.BlobStorage, cleanup *CleanupQueue) *Assembler {
	return &Assembler{
		registry: registry,
		blobs:    blobSet{temp: temp, final: final},
		cleanup:  cleanup,
	}
}

// Finalize assembles uploadID. declared overrides the checksum given at
// initiation. Finalizing a completed upload re-verifies the final file and
// returns its result with AlreadyFinalized set.
func (a *Assembler) Finalize(ctx context.Context, uploadID, declared string) (*types.FinalizeResult, error) {
	expected, err := ParseChecksum(declared)
	if err != nil {
		return nil, err
	}

	s, err := a.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if expected.IsZero() {
		// validated when the session was created
		expected, _ = ParseChecksum(s.OriginalChecksum)
	}
	if s.State == types.StateCompleted {
		return a.reconfirm(ctx, s, expected)
	}

	s, lease, err := a.registry.AcquireFinalizeLease(ctx, uploadID)
	if err != nil {
		if errors.Is(err, types.ErrAlreadyFinalized) {
			if s, err = a.registry.Get(ctx, uploadID); err == nil {
				return a.reconfirm(ctx, s, expected)
			}
		}
		return nil, err
	}

	start := time.Now()
	result, promoted, err := a.assemble(ctx, s, expected)
	if err == nil {
		_, err = a.registry.MarkCompleted(ctx, uploadID, lease, result)
		if promoted && errors.Is(err, types.ErrSessionNotFound) {
			// cancelled or expired after the lease lapsed; nothing will own the file
			a.discardFinal(ctx, uploadID, result.Location)
		}
	}
	if err != nil {
		// a promoted final file is adopted by the next attempt
		if rerr := a.registry.ReleaseFinalizeLease(context.WithoutCancel(ctx), uploadID, lease); rerr != nil {
			log.Warn().Err(rerr).Str("upload_id", uploadID).Msg("failed to release finalize lease")
		}
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("finalize failed")
		return nil, err
	}

	a.cleanup.Submit(a.blobs.purgeJob(uploadID, nil))

	log.Info().
		Str("upload_id", uploadID).
		Str("filename", result.Filename).
		Int64("size", result.Size).
		Str("checksum", result.Checksum).
		Dur("duration", time.Since(start)).
		Msg("upload finalized")

	return result, nil
}

// discardFinal removes a final file this attempt promoted but could not record
func (a *Assembler) discardFinal(ctx context.Context, uploadID, location string) {
	if err := a.blobs.final.Delete(context.WithoutCancel(ctx), location); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Str("path", location).Msg("failed to delete unrecorded final file")
		return
	}
	log.Info().Str("upload_id", uploadID).Str("path", location).Msg("deleted final file of a session that ended during finalize")
}

// assemble writes the chunks into a staging blob, verifies it, and promotes
// it to the final address. It reports whether this call created the final file.
func (a *Assembler) assemble(ctx context.Context, s *types.UploadSession, expected Checksum) (*types.FinalizeResult, bool, error) {
	staging := StagingPath(s.UploadID)
	discardStaging := func() {
		if err := a.blobs.final.Delete(context.WithoutCancel(ctx), staging); err != nil {
			log.Warn().Err(err).Str("path", staging).Msg("failed to delete staging blob")
		}
	}

	if err := a.writeStaging(ctx, s, staging); err != nil {
		discardStaging()
		return nil, false, err
	}

	digester, err := a.digest(ctx, staging, expected)
	if err != nil {
		discardStaging()
		return nil, false, err
	}
	if digester.Size() != s.TotalSize {
		discardStaging()
		return nil, false, types.StorageFailure("assemble file",
			fmt.Errorf("assembled %d bytes, expected %d", digester.Size(), s.TotalSize))
	}
	if err := digester.Verify(expected); err != nil {
		discardStaging()
		return nil, false, err
	}

	finalPath := FinalPath(s.Filename)
	promoted, err := a.blobs.final.Promote(ctx, staging, finalPath)
	if err != nil {
		discardStaging()
		return nil, false, types.StorageFailure("promote final file", err)
	}
	if !promoted {
		discardStaging()
		// adopt a file this upload already promoted before failing to complete
		existing, err := a.digest(ctx, finalPath, Checksum{})
		if err != nil {
			return nil, false, err
		}
		if existing.SHA256() != digester.SHA256() {
			return nil, false, types.NewError(types.KindFileExists, "file %s already exists", s.Filename)
		}
	}

	return &types.FinalizeResult{
		UploadID: s.UploadID,
		Filename: s.Filename,
		Size:     digester.Size(),
		Checksum: digester.SHA256(),
		Location: finalPath,
		State:    types.StateCompleted,
	}, promoted, nil
}

// writeStaging streams chunks 0..n-1 in order into the staging blob
func (a *Assembler) writeStaging(ctx context.Context, s *types.UploadSession, staging string) error {
	pr, pw := io.Pipe()

	var g errgroup.Group
	g.Go(func() error {
		err := a.copyChunks(ctx, s, pw)
		pw.CloseWithError(err)
		return err
	})

	storeErr := a.blobs.final.Store(ctx, staging, pr, octetStream)
	pr.CloseWithError(io.ErrClosedPipe)

	if err := g.Wait(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	if storeErr != nil {
		return types.StorageFailure("write staging file", storeErr)
	}
	return nil
}

func (a *Assembler) copyChunks(ctx context.Context, s *types.UploadSession, w io.Writer) error {
	buf := make([]byte, copyBufferSize)
	for index := 0; index < s.TotalChunks; index++ {
		rc, err := a.blobs.temp.Retrieve(ctx, ChunkPath(s.UploadID, index))
		if err != nil {
			return types.StorageFailure(fmt.Sprintf("read chunk %d", index), err)
		}
		_, err = io.CopyBuffer(w, rc, buf)
		rc.Close()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return err
			}
			return types.StorageFailure(fmt.Sprintf("copy chunk %d", index), err)
		}
	}
	return nil
}

// digest reads a blob back from final storage and hashes it
func (a *Assembler) digest(ctx context.Context, path string, expected Checksum) (*Digester, error) {
	rc, err := a.blobs.final.Retrieve(ctx, path)
	if err != nil {
		return nil, types.StorageFailure("read "+path, err)
	}
	defer rc.Close()

	digester := NewDigester(expected)
	if _, err := io.CopyBuffer(digester, rc, make([]byte, copyBufferSize)); err != nil {
		return nil, types.StorageFailure("read "+path, err)
	}
	return digester, nil
}

// reconfirm answers a repeated finalize from the retained record
func (a *Assembler) reconfirm(ctx context.Context, s *types.UploadSession, expected Checksum) (*types.FinalizeResult, error) {
	digester, err := a.digest(ctx, s.FinalLocation, expected)
	if err != nil {
		return nil, err
	}
	if digester.SHA256() != s.FinalChecksum {
		return nil, types.ChecksumMismatch(s.FinalChecksum, digester.SHA256())
	}
	if err := digester.Verify(expected); err != nil {
		return nil, err
	}

	return &types.FinalizeResult{
		UploadID:         s.UploadID,
		Filename:         s.Filename,
		Size:             s.FinalSize,
		Checksum:         s.FinalChecksum,
		Location:         s.FinalLocation,
		State:            types.StateCompleted,
		AlreadyFinalized: true,
	}, nil
}
