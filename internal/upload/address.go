// Package upload implements chunk admission, reassembly, and cleanup of
// resumable uploads on top of the session registry and blob storage.
package upload

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Temp storage layout
const (
	chunkRoot   = "chunks/"
	tempRoot    = "tmp/"
	stagingRoot = ".staging/"
)

// ChunkPath is where an admitted chunk lives in temp storage
func ChunkPath(uploadID string, index int) string {
	return fmt.Sprintf("%s%s/%08d.part", chunkRoot, uploadID, index)
}

// ChunkPrefix covers every admitted chunk of an upload
func ChunkPrefix(uploadID string) string {
	return chunkRoot + uploadID + "/"
}

// TempChunkPath is a unique in-flight write address for a chunk
func TempChunkPath(uploadID string, index int) string {
	return fmt.Sprintf("%s%s/%d.%s", tempRoot, uploadID, index, uuid.NewString())
}

// TempPrefix covers every in-flight write of an upload
func TempPrefix(uploadID string) string {
	return tempRoot + uploadID + "/"
}

// StagingPath is where an upload is assembled on final storage before promotion
func StagingPath(uploadID string) string {
	return stagingRoot + uploadID + "/" + uuid.NewString()
}

// StagingPrefix covers every staging blob of an upload
func StagingPrefix(uploadID string) string {
	return stagingRoot + uploadID + "/"
}

// FinalPath is the address of a finalized file. filename must already be sanitized.
func FinalPath(filename string) string {
	return filename
}

// uploadIDFromPath extracts the upload id from a chunks/ or tmp/ path
func uploadIDFromPath(path string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(path, chunkRoot):
		rest = path[len(chunkRoot):]
	case strings.HasPrefix(path, tempRoot):
		rest = path[len(tempRoot):]
	case strings.HasPrefix(path, stagingRoot):
		rest = path[len(stagingRoot):]
	default:
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
