package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lgulliver/freight/internal/storage"
	"github.com/rs/zerolog/log"
)

// ErrQueueClosed is reported by tasks submitted after Shutdown
var ErrQueueClosed = errors.New("cleanup queue closed")

// CleanupJob is a unit of background cleanup
type CleanupJob struct {
	Name string
	Run  func(ctx context.Context) error
}

// CleanupTask tracks a submitted job until it finishes
type CleanupTask struct {
	job  CleanupJob
	done chan struct{}
	err  error
}

// Done is closed once the job has succeeded or given up
func (t *CleanupTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the final error; valid after Done is closed
func (t *CleanupTask) Err() error {
	return t.err
}

// Wait blocks until the job finishes or ctx is done
func (t *CleanupTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *CleanupTask) finish(err error) {
	t.err = err
	close(t.done)
}

// CleanupStats counts jobs by outcome
type CleanupStats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
}

// CleanupQueue runs cleanup jobs on a fixed pool of workers, retrying each a
// bounded number of times.
type CleanupQueue struct {
	tasks       chan *CleanupTask
	workers     int
	maxAttempts int
	retryDelay  time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewCleanupQueue creates a queue. Workers run once Start is called.
func NewCleanupQueue(workers, maxAttempts int) *CleanupQueue {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &CleanupQueue{
		tasks:       make(chan *CleanupTask, 1024),
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  time.Second,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (q *CleanupQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for task := range q.tasks {
				q.execute(ctx, task)
			}
		}()
	}

	log.Debug().Int("workers", q.workers).Msg("cleanup queue started")
}

// Submit enqueues job. Before Start, or when the buffer is full, the job runs
// on the caller's goroutine instead.
func (q *CleanupQueue) Submit(job CleanupJob) *CleanupTask {
	task := &CleanupTask{job: job, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		task.finish(ErrQueueClosed)
		return task
	}
	q.submitted.Add(1)
	if !q.started {
		q.mu.Unlock()
		q.execute(context.Background(), task)
		return task
	}
	select {
	case q.tasks <- task:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		q.execute(context.Background(), task)
	}
	return task
}

// Drain waits until every submitted job has finished
func (q *CleanupQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for q.Stats().Pending > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stats returns a snapshot of job counters
func (q *CleanupQueue) Stats() CleanupStats {
	succeeded, failed := q.succeeded.Load(), q.failed.Load()
	submitted := q.submitted.Load()
	return CleanupStats{
		Submitted: submitted,
		Succeeded: succeeded,
		Failed:    failed,
		Pending:   submitted - succeeded - failed,
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. Jobs
// still running when ctx is done are cancelled.
func (q *CleanupQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *CleanupQueue) execute(ctx context.Context, task *CleanupTask) {
	var err error
retry:
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if err = task.job.Run(ctx); err == nil {
			break
		}
		log.Warn().Err(err).
			Str("job", task.job.Name).
			Int("attempt", attempt).
			Msg("cleanup job failed")

		if attempt == q.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(q.retryDelay * time.Duration(attempt)):
		}
	}
	q.complete(task, err)
}

func (q *CleanupQueue) complete(task *CleanupTask, err error) {
	if err != nil {
		q.failed.Add(1)
		log.Error().Err(err).Str("job", task.job.Name).Msg("cleanup job gave up")
	} else {
		q.succeeded.Add(1)
	}
	task.finish(err)
}

// blobSet is the pair of storages an upload leaves blobs in
type blobSet struct {
	temp  storage.BlobStorage
	final storage.BlobStorage
}

// purge removes every chunk, in-flight and staging blob of an upload. Final
// blobs are never touched.
func (b blobSet) purge(ctx context.Context, uploadID string) error {
	var errs []error
	for _, prefix := range []string{ChunkPrefix(uploadID), TempPrefix(uploadID)} {
		if err := b.temp.DeletePrefix(ctx, prefix); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", prefix, err))
		}
	}
	if err := b.final.DeletePrefix(ctx, StagingPrefix(uploadID)); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", StagingPrefix(uploadID), err))
	}
	return errors.Join(errs...)
}

// purgeJob is the cleanup job run after finalize or cancel
func (b blobSet) purgeJob(uploadID string, after func(ctx context.Context) error) CleanupJob {
	return CleanupJob{
		Name: "purge " + uploadID,
		Run: func(ctx context.Context) error {
			if err := b.purge(ctx, uploadID); err != nil {
				return err
			}
			if after != nil {
				return after(ctx)
			}
			return nil
		},
	}
}
