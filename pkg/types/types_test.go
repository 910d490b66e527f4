package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSet_Add(t *testing.T) {
	var set ChunkSet
	for _, index := range []int{3, 1, 2, 1} {
		set, _ = set.Add(index)
	}
	assert.Equal(t, ChunkSet{1, 2, 3}, set)

	_, added := set.Add(2)
	assert.False(t, added)
	assert.True(t, set.Contains(3))
	assert.False(t, set.Contains(0))
}

func TestChunkSet_Missing(t *testing.T) {
	tests := []struct {
		name     string
		set      ChunkSet
		total    int
		expected []int
	}{
		{name: "none uploaded", set: nil, total: 3, expected: []int{0, 1, 2}},
		{name: "gaps", set: ChunkSet{0, 2}, total: 4, expected: []int{1, 3}},
		{name: "complete", set: ChunkSet{0, 1}, total: 2, expected: []int{}},
		{name: "empty file", set: nil, total: 0, expected: []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.set.Missing(tt.total))
		})
	}
}

func TestChunkSet_ValueScan(t *testing.T) {
	value, err := ChunkSet(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", value)

	var set ChunkSet
	require.NoError(t, set.Scan([]byte("[4,1,1,2]")))
	assert.Equal(t, ChunkSet{1, 2, 4}, set)

	require.NoError(t, set.Scan("[0]"))
	assert.Equal(t, ChunkSet{0}, set)

	assert.Error(t, set.Scan(42))
}

func TestUploadSession_ChunkLength(t *testing.T) {
	s := &UploadSession{TotalSize: 250, ChunkSize: 100, TotalChunks: 3}

	assert.Equal(t, int64(100), s.ChunkLength(0))
	assert.Equal(t, int64(100), s.ChunkLength(1))
	assert.Equal(t, int64(50), s.ChunkLength(2))
	assert.Equal(t, int64(0), s.ChunkLength(3))
	assert.Equal(t, int64(0), s.ChunkLength(-1))
}

func TestUploadSession_Clone(t *testing.T) {
	now := time.Now()
	s := &UploadSession{UploadedChunks: ChunkSet{1}, CompletedAt: &now}

	c := s.Clone()
	c.UploadedChunks[0] = 9
	*c.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, ChunkSet{1}, s.UploadedChunks)
	assert.Equal(t, now, *s.CompletedAt)
}

func TestUploadError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", SessionNotFound("abc"))

	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.False(t, errors.Is(err, ErrFileExists))
	assert.Equal(t, KindSessionNotFound, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestUploadError_Retryable(t *testing.T) {
	assert.True(t, ChecksumMismatch("a", "b").Retryable())
	assert.True(t, ChunkSizeMismatch(0, 10, 5).Retryable())
	assert.False(t, IncompleteUpload([]int{1}).Retryable())
	assert.False(t, SessionNotFound("x").Retryable())
}

func TestChunkSizeMismatch_Message(t *testing.T) {
	assert.Equal(t, "chunk 2: expected 10 bytes, got 4", ChunkSizeMismatch(2, 10, 4).Error())
	assert.Equal(t, "chunk 2: expected 10 bytes, got more than 10", ChunkSizeMismatch(2, 10, 11).Error())
}

func TestStorageFailure_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := StorageFailure("write chunk", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "write chunk: disk full", err.Error())
}
