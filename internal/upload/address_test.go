package upload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddresses(t *testing.T) {
	id := "3f1c0d1e-5a57-4a53-9df4-7c1b4b8f2a11"

	assert.Equal(t, "chunks/"+id+"/00000000.part", ChunkPath(id, 0))
	assert.Equal(t, "chunks/"+id+"/00000042.part", ChunkPath(id, 42))
	assert.True(t, strings.HasPrefix(ChunkPath(id, 7), ChunkPrefix(id)))
	assert.True(t, strings.HasPrefix(TempChunkPath(id, 7), TempPrefix(id)))
	assert.True(t, strings.HasPrefix(StagingPath(id), StagingPrefix(id)))
	assert.Equal(t, "report.pdf", FinalPath("report.pdf"))

	// chunk paths sort in index order
	assert.Less(t, ChunkPath(id, 9), ChunkPath(id, 10))

	// temp and staging addresses are unique per call
	assert.NotEqual(t, TempChunkPath(id, 1), TempChunkPath(id, 1))
	assert.NotEqual(t, StagingPath(id), StagingPath(id))
}

func TestUploadIDFromPath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
		ok       bool
	}{
		{path: "chunks/abc/00000000.part", expected: "abc", ok: true},
		{path: "tmp/abc/0.nonce", expected: "abc", ok: true},
		{path: ".staging/abc/nonce", expected: "abc", ok: true},
		{path: "chunks/abc", ok: false},
		{path: "chunks//x", ok: false},
		{path: "report.pdf", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, ok := uploadIDFromPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, id)
		})
	}
}
