package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, client-visible classification of an upload failure
type ErrorKind string

const (
	KindSizeLimitExceeded  ErrorKind = "size-limit-exceeded"
	KindSessionNotFound    ErrorKind = "session-not-found"
	KindInvalidChunkIndex  ErrorKind = "invalid-chunk-index"
	KindChecksumMismatch   ErrorKind = "checksum-mismatch"
	KindChunkSizeMismatch  ErrorKind = "chunk-size-mismatch"
	KindIncompleteUpload   ErrorKind = "incomplete-upload"
	KindAlreadyFinalized   ErrorKind = "already-finalized"
	KindFinalizeInProgress ErrorKind = "finalize-in-progress"
	KindFileExists         ErrorKind = "file-exists"
	KindInvalidRequest     ErrorKind = "invalid-request"
	KindServerBusy         ErrorKind = "server-busy"
	KindStorageFailure     ErrorKind = "storage-failure"
)

// Sentinels for errors.Is matching; any UploadError of the same kind matches.
var (
	ErrSizeLimitExceeded  = &UploadError{Kind: KindSizeLimitExceeded}
	ErrSessionNotFound    = &UploadError{Kind: KindSessionNotFound}
	ErrInvalidChunkIndex  = &UploadError{Kind: KindInvalidChunkIndex}
	ErrChecksumMismatch   = &UploadError{Kind: KindChecksumMismatch}
	ErrChunkSizeMismatch  = &UploadError{Kind: KindChunkSizeMismatch}
	ErrIncompleteUpload   = &UploadError{Kind: KindIncompleteUpload}
	ErrAlreadyFinalized   = &UploadError{Kind: KindAlreadyFinalized}
	ErrFinalizeInProgress = &UploadError{Kind: KindFinalizeInProgress}
	ErrFileExists         = &UploadError{Kind: KindFileExists}
	ErrInvalidRequest     = &UploadError{Kind: KindInvalidRequest}
	ErrServerBusy         = &UploadError{Kind: KindServerBusy}
	ErrStorageFailure     = &UploadError{Kind: KindStorageFailure}
)

// UploadError is the typed failure returned by every upload operation
type UploadError struct {
	Kind          ErrorKind
	Message       string
	MissingChunks []int
	Expected      string
	Actual        string
	Err           error
}

func (e *UploadError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Is matches any UploadError with the same kind
func (e *UploadError) Is(target error) bool {
	t, ok := target.(*UploadError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the same request may succeed if simply resent
func (e *UploadError) Retryable() bool {
	switch e.Kind {
	case KindChecksumMismatch, KindChunkSizeMismatch, KindServerBusy, KindFinalizeInProgress:
		return true
	}
	return false
}

// KindOf returns the kind of the first UploadError in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// NewError creates an UploadError with a formatted message
func NewError(kind ErrorKind, format string, args ...interface{}) *UploadError {
	return &UploadError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// SessionNotFound reports a missing, cancelled, or expired session
func SessionNotFound(uploadID string) *UploadError {
	return NewError(KindSessionNotFound, "upload session not found: %s", uploadID)
}

// InvalidChunkIndex reports an index outside [0, total)
func InvalidChunkIndex(index, total int) *UploadError {
	return NewError(KindInvalidChunkIndex, "chunk index %d out of range [0, %d)", index, total)
}

// ChecksumMismatch reports a failed integrity check
func ChecksumMismatch(expected, actual string) *UploadError {
	return &UploadError{
		Kind:     KindChecksumMismatch,
		Message:  fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual),
		Expected: expected,
		Actual:   actual,
	}
}

// ChunkSizeMismatch reports a chunk body of the wrong length. actual may be
// expected+1 when the body was cut off at the limit.
func ChunkSizeMismatch(index int, expected, actual int64) *UploadError {
	got := fmt.Sprintf("%d", actual)
	if actual > expected {
		got = fmt.Sprintf("more than %d", expected)
	}
	return NewError(KindChunkSizeMismatch, "chunk %d: expected %d bytes, got %s", index, expected, got)
}

// IncompleteUpload reports the chunks still missing before finalize
func IncompleteUpload(missing []int) *UploadError {
	return &UploadError{
		Kind:          KindIncompleteUpload,
		Message:       fmt.Sprintf("upload incomplete: %d chunk(s) missing", len(missing)),
		MissingChunks: missing,
	}
}

// StorageFailure wraps an I/O error from blob storage
func StorageFailure(op string, err error) *UploadError {
	return &UploadError{Kind: KindStorageFailure, Message: op, Err: err}
}
