// Package session keeps upload session records and enforces their lifecycle.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/lgulliver/freight/pkg/types"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
	ErrConflict = errors.New("session update conflict")

	// ErrSkipUpdate may be returned by an UpdateFunc to leave the record
	// untouched; Update then returns the current session and no error.
	ErrSkipUpdate = errors.New("skip update")
)

// maxUpdateAttempts bounds optimistic retries before ErrConflict
const maxUpdateAttempts = 16

// UpdateFunc mutates a private copy of a session. Returning an error aborts
// the update and the error is passed through to the caller.
type UpdateFunc func(s *types.UploadSession) error

// Store persists session records. Implementations must make Update atomic per
// upload id: concurrent updates of one session never lose writes.
type Store interface {
	Create(ctx context.Context, s *types.UploadSession) error
	Get(ctx context.Context, uploadID string) (*types.UploadSession, error)
	Update(ctx context.Context, uploadID string, fn UpdateFunc) (*types.UploadSession, error)
	Delete(ctx context.Context, uploadID string) error

	// ListExpired returns up to limit ids whose ExpiresAt is not after before
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// applyUpdate runs fn on a copy of current and reports whether it should be written
func applyUpdate(current *types.UploadSession, fn UpdateFunc) (*types.UploadSession, bool, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return current.Clone(), false, nil
		}
		return nil, false, err
	}
	next.UploadID = current.UploadID
	next.Version = current.Version + 1
	next.UploadedChunks = next.UploadedChunks.Normalize()
	return next, true, nil
}
