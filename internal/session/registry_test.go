package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lgulliver/freight/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	registry := NewRegistry(NewMemoryStore(), Options{
		MaxFileSize:        1000,
		DefaultChunkSize:   100,
		MinChunkSize:       10,
		MaxChunkSize:       500,
		Timeout:            time.Hour,
		CompletedRetention: 10 * time.Minute,
		FinalizeLease:      time.Minute,
		Now:                clock.Now,
	})
	return registry, clock
}

func createSession(t *testing.T, r *Registry, size int64) *types.UploadSession {
	t.Helper()
	s, err := r.Create(context.Background(), CreateRequest{Filename: "data.bin", TotalSize: size})
	require.NoError(t, err)
	return s
}

func TestRegistry_Create(t *testing.T) {
	tests := []struct {
		name           string
		req            CreateRequest
		expectedKind   types.ErrorKind
		expectedChunks int
		expectedState  types.UploadState
	}{
		{
			name:           "default chunk size",
			req:            CreateRequest{Filename: "data.bin", TotalSize: 250},
			expectedChunks: 3,
			expectedState:  types.StateInitiated,
		},
		{
			name:           "explicit chunk size",
			req:            CreateRequest{Filename: "data.bin", TotalSize: 250, ChunkSize: 50},
			expectedChunks: 5,
			expectedState:  types.StateInitiated,
		},
		{
			name:           "exact multiple",
			req:            CreateRequest{Filename: "data.bin", TotalSize: 300},
			expectedChunks: 3,
			expectedState:  types.StateInitiated,
		},
		{
			name:           "empty file is ready immediately",
			req:            CreateRequest{Filename: "empty.txt", TotalSize: 0},
			expectedChunks: 0,
			expectedState:  types.StateReadyToFinalize,
		},
		{
			name:           "at size limit",
			req:            CreateRequest{Filename: "data.bin", TotalSize: 1000},
			expectedChunks: 10,
			expectedState:  types.StateInitiated,
		},
		{
			name:         "over size limit",
			req:          CreateRequest{Filename: "data.bin", TotalSize: 1001},
			expectedKind: types.KindSizeLimitExceeded,
		},
		{
			name:         "negative size",
			req:          CreateRequest{Filename: "data.bin", TotalSize: -1},
			expectedKind: types.KindInvalidRequest,
		},
		{
			name:         "chunk size too small",
			req:          CreateRequest{Filename: "data.bin", TotalSize: 100, ChunkSize: 5},
			expectedKind: types.KindInvalidRequest,
		},
		{
			name:         "chunk size too large",
			req:          CreateRequest{Filename: "data.bin", TotalSize: 100, ChunkSize: 501},
			expectedKind: types.KindInvalidRequest,
		},
		{
			name:         "unusable filename",
			req:          CreateRequest{Filename: "../", TotalSize: 100},
			expectedKind: types.KindInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, clock := setupTestRegistry(t)

			s, err := registry.Create(context.Background(), tt.req)
			if tt.expectedKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.expectedKind, types.KindOf(err))
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, s.UploadID)
			assert.Equal(t, tt.expectedChunks, s.TotalChunks)
			assert.Equal(t, tt.expectedState, s.State)
			assert.Equal(t, clock.Now().Add(time.Hour), s.ExpiresAt)
		})
	}
}

func TestRegistry_CreateChunkLimit(t *testing.T) {
	registry := NewRegistry(NewMemoryStore(), Options{
		MaxFileSize:      1 << 40,
		MaxChunks:        100,
		DefaultChunkSize: 1 << 20,
		MinChunkSize:     1,
		MaxChunkSize:     1 << 30,
		Timeout:          time.Hour,
	})
	ctx := context.Background()

	s, err := registry.Create(ctx, CreateRequest{Filename: "data.bin", TotalSize: 100, ChunkSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 100, s.TotalChunks)

	// a tiny chunk size on a large file would otherwise track billions of chunks
	_, err = registry.Create(ctx, CreateRequest{Filename: "huge.bin", TotalSize: 10 << 30, ChunkSize: 1})
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidRequest, types.KindOf(err))
	assert.Contains(t, err.Error(), "limit is 100")

	_, err = registry.Create(ctx, CreateRequest{Filename: "data.bin", TotalSize: 101, ChunkSize: 1})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestRegistry_DefaultChunkLimit(t *testing.T) {
	registry := NewRegistry(NewMemoryStore(), Options{
		MaxFileSize:  1 << 40,
		MinChunkSize: 1,
		MaxChunkSize: 1 << 30,
		Timeout:      time.Hour,
	})

	_, err := registry.Create(context.Background(), CreateRequest{
		Filename:  "data.bin",
		TotalSize: DefaultMaxChunks + 1,
		ChunkSize: 1,
	})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestRegistry_CreateSanitizesFilename(t *testing.T) {
	registry, _ := setupTestRegistry(t)

	s, err := registry.Create(context.Background(), CreateRequest{Filename: "../../etc/passwd", TotalSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "passwd", s.Filename)
}

func TestRegistry_UniqueIDs(t *testing.T) {
	registry, _ := setupTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s := createSession(t, registry, 10)
		assert.False(t, seen[s.UploadID])
		seen[s.UploadID] = true
	}
}

func TestRegistry_RecordChunk(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()
	s := createSession(t, registry, 250)

	updated, added, err := registry.RecordChunk(ctx, s.UploadID, 1)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, types.StateUploading, updated.State)
	assert.Equal(t, []int{0, 2}, updated.MissingChunks())

	t.Run("duplicate is a no-op", func(t *testing.T) {
		again, added, err := registry.RecordChunk(ctx, s.UploadID, 1)
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, updated.Version, again.Version)
	})

	t.Run("out of range", func(t *testing.T) {
		for _, index := range []int{-1, 3, 100} {
			_, _, err := registry.RecordChunk(ctx, s.UploadID, index)
			assert.ErrorIs(t, err, types.ErrInvalidChunkIndex)
		}
	})

	t.Run("last chunk makes it ready", func(t *testing.T) {
		_, _, err := registry.RecordChunk(ctx, s.UploadID, 0)
		require.NoError(t, err)
		final, added, err := registry.RecordChunk(ctx, s.UploadID, 2)
		require.NoError(t, err)
		assert.True(t, added)
		assert.Equal(t, types.StateReadyToFinalize, final.State)
		assert.Empty(t, final.MissingChunks())
	})

	t.Run("unknown session", func(t *testing.T) {
		_, _, err := registry.RecordChunk(ctx, "does-not-exist", 0)
		assert.ErrorIs(t, err, types.ErrSessionNotFound)
	})
}

func TestRegistry_ConcurrentRecordChunk(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()
	s, err := registry.Create(ctx, CreateRequest{Filename: "data.bin", TotalSize: 1000, ChunkSize: 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < s.TotalChunks; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, _, err := registry.RecordChunk(ctx, s.UploadID, index)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := registry.Get(ctx, s.UploadID)
	require.NoError(t, err)
	assert.Len(t, got.UploadedChunks, 100)
	assert.Equal(t, types.StateReadyToFinalize, got.State)
}

func TestRegistry_Expiry(t *testing.T) {
	registry, clock := setupTestRegistry(t)
	ctx := context.Background()
	s := createSession(t, registry, 250)

	clock.Advance(50 * time.Minute)
	_, _, err := registry.RecordChunk(ctx, s.UploadID, 0)
	require.NoError(t, err)

	// activity pushes the deadline out
	clock.Advance(50 * time.Minute)
	_, err = registry.Get(ctx, s.UploadID)
	require.NoError(t, err)

	reapable, err := registry.Reapable(ctx, s.UploadID)
	require.NoError(t, err)
	assert.False(t, reapable)

	clock.Advance(11 * time.Minute)
	_, err = registry.Get(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, _, err = registry.RecordChunk(ctx, s.UploadID, 1)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	reapable, err = registry.Reapable(ctx, s.UploadID)
	require.NoError(t, err)
	assert.True(t, reapable)

	ids, err := registry.ListExpired(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, s.UploadID)
}

func TestRegistry_FinalizeLease(t *testing.T) {
	registry, clock := setupTestRegistry(t)
	ctx := context.Background()
	s := createSession(t, registry, 150)

	_, _, err := registry.AcquireFinalizeLease(ctx, s.UploadID)
	require.Error(t, err)
	var ue *types.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, types.KindIncompleteUpload, ue.Kind)
	assert.Equal(t, []int{0, 1}, ue.MissingChunks)

	for _, i := range []int{0, 1} {
		_, _, err := registry.RecordChunk(ctx, s.UploadID, i)
		require.NoError(t, err)
	}

	_, lease, err := registry.AcquireFinalizeLease(ctx, s.UploadID)
	require.NoError(t, err)
	assert.NotEmpty(t, lease)

	_, _, err = registry.AcquireFinalizeLease(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrFinalizeInProgress)

	_, err = registry.MarkCancelled(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrFinalizeInProgress)

	t.Run("lease lapses", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		_, second, err := registry.AcquireFinalizeLease(ctx, s.UploadID)
		require.NoError(t, err)
		assert.NotEqual(t, lease, second)

		_, err = registry.MarkCompleted(ctx, s.UploadID, lease, &types.FinalizeResult{})
		assert.ErrorIs(t, err, types.ErrFinalizeInProgress)

		require.NoError(t, registry.ReleaseFinalizeLease(ctx, s.UploadID, second))
		_, third, err := registry.AcquireFinalizeLease(ctx, s.UploadID)
		require.NoError(t, err)
		require.NoError(t, registry.ReleaseFinalizeLease(ctx, s.UploadID, third))
	})
}

func TestRegistry_ConcurrentLeaseSingleWinner(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()
	s := createSession(t, registry, 50)
	_, _, err := registry.RecordChunk(ctx, s.UploadID, 0)
	require.NoError(t, err)

	const numGoroutines = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := registry.AcquireFinalizeLease(ctx, s.UploadID)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, types.ErrFinalizeInProgress)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestRegistry_MarkCompleted(t *testing.T) {
	registry, clock := setupTestRegistry(t)
	ctx := context.Background()
	s := createSession(t, registry, 0)

	_, lease, err := registry.AcquireFinalizeLease(ctx, s.UploadID)
	require.NoError(t, err)

	result := &types.FinalizeResult{Size: 0, Checksum: "abc", Location: "uploads/empty.txt"}
	done, err := registry.MarkCompleted(ctx, s.UploadID, lease, result)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, done.State)
	assert.Equal(t, "abc", done.FinalChecksum)
	assert.Empty(t, done.FinalizeLeaseID)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, clock.Now().Add(10*time.Minute), done.ExpiresAt)

	// completing again is harmless
	again, err := registry.MarkCompleted(ctx, s.UploadID, lease, result)
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)

	_, _, err = registry.AcquireFinalizeLease(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrAlreadyFinalized)

	_, err = registry.MarkCancelled(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrAlreadyFinalized)

	clock.Advance(11 * time.Minute)
	_, err = registry.Get(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestRegistry_MarkCancelled(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()
	s := createSession(t, registry, 250)

	cancelled, err := registry.MarkCancelled(ctx, s.UploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, cancelled.State)

	_, err = registry.Get(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, _, err = registry.RecordChunk(ctx, s.UploadID, 0)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = registry.MarkCancelled(ctx, s.UploadID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	reapable, err := registry.Reapable(ctx, s.UploadID)
	require.NoError(t, err)
	assert.True(t, reapable)

	ids, err := registry.ListExpired(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, s.UploadID)

	require.NoError(t, registry.Delete(ctx, s.UploadID))
	reapable, err = registry.Reapable(ctx, s.UploadID)
	require.NoError(t, err)
	assert.True(t, reapable)
}
