package upload

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lgulliver/freight/internal/session"
	"github.com/lgulliver/freight/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	reapBatchSize   = 500
	reapConcurrency = 8
)

// ReapReport summarizes one sweep
type ReapReport struct {
	Sessions int `json:"sessions"`
	Orphans  int `json:"orphans"`
	Failed   int `json:"failed"`
}

// Reaper removes expired and cancelled sessions along with their chunk blobs,
// and chunk blobs whose session no longer exists. Final files are never touched.
type Reaper struct {
	registry   *session.Registry
	blobs      blobSet
	interval   time.Duration
	orphanScan bool
}

// NewReaper creates a reaper sweeping every interval
func NewReaper(registry *session.Registry, temp, final storage.BlobStorage, interval time.Duration, orphanScan bool) *Reaper {
	return &Reaper{
		registry:   registry,
		blobs:      blobSet{temp: temp, final: final},
		interval:   interval,
		orphanScan: orphanScan,
	}
}

// Run sweeps on a ticker until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reaping pass. Failures are logged and retried next sweep.
func (r *Reaper) Sweep(ctx context.Context) ReapReport {
	start := time.Now()
	var sessions, orphans, failed atomic.Int64

	reaped := make(map[string]bool)
	ids, err := r.registry.ListExpired(ctx, reapBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list expired sessions")
		failed.Add(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reapConcurrency)
	for _, id := range ids {
		id := id
		reaped[id] = true
		g.Go(func() error {
			ok, err := r.reap(gctx, id)
			switch {
			case err != nil:
				log.Warn().Err(err).Str("upload_id", id).Msg("failed to reap session")
				failed.Add(1)
			case ok:
				sessions.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	if r.orphanScan {
		candidates, err := r.orphanCandidates(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to scan for orphaned chunks")
			failed.Add(1)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reapConcurrency)
		for id := range candidates {
			if reaped[id] {
				continue
			}
			id := id
			g.Go(func() error {
				ok, err := r.reap(gctx, id)
				switch {
				case err != nil:
					log.Warn().Err(err).Str("upload_id", id).Msg("failed to remove orphaned chunks")
					failed.Add(1)
				case ok:
					orphans.Add(1)
				}
				return nil
			})
		}
		g.Wait()
	}

	report := ReapReport{
		Sessions: int(sessions.Load()),
		Orphans:  int(orphans.Load()),
		Failed:   int(failed.Load()),
	}
	if report.Sessions > 0 || report.Orphans > 0 || report.Failed > 0 {
		log.Info().
			Int("sessions", report.Sessions).
			Int("orphans", report.Orphans).
			Int("failed", report.Failed).
			Dur("duration", time.Since(start)).
			Msg("reaper sweep finished")
	}
	return report
}

// reap purges an upload's blobs and record if it can no longer become live.
// It reports whether anything was reaped.
func (r *Reaper) reap(ctx context.Context, uploadID string) (bool, error) {
	reapable, err := r.registry.Reapable(ctx, uploadID)
	if err != nil || !reapable {
		return false, err
	}
	if err := r.blobs.purge(ctx, uploadID); err != nil {
		return false, err
	}
	if err := r.registry.Delete(ctx, uploadID); err != nil {
		return false, err
	}
	return true, nil
}

// orphanCandidates collects the upload ids that own chunk, in-flight, or staging blobs
func (r *Reaper) orphanCandidates(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	add := func(paths []string) {
		for _, p := range paths {
			if id, ok := uploadIDFromPath(p); ok {
				ids[id] = true
			}
		}
	}

	for _, prefix := range []string{chunkRoot, tempRoot} {
		paths, err := r.blobs.temp.List(ctx, prefix)
		if err != nil {
			return ids, err
		}
		add(paths)
	}

	paths, err := r.blobs.final.List(ctx, stagingRoot)
	if err != nil {
		return ids, err
	}
	add(paths)
	return ids, nil
}
