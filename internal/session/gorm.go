package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/freight/internal/common"
	"github.com/lgulliver/freight/pkg/types"
	"gorm.io/gorm"
)

// GormStore keeps sessions in a SQL table. Updates are conditioned on the
// version column and retried when another writer won.
type GormStore struct {
	db *common.Database
}

// NewGormStore creates a store on an open database; the schema must exist
func NewGormStore(db *common.Database) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Create(ctx context.Context, s *types.UploadSession) error {
	record := s.Clone()
	if err := g.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrExists
		}
		if _, getErr := g.Get(ctx, s.UploadID); getErr == nil {
			return ErrExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (g *GormStore) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	var s types.UploadSession
	if err := g.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

func (g *GormStore) Update(ctx context.Context, uploadID string, fn UpdateFunc) (*types.UploadSession, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := g.Get(ctx, uploadID)
		if err != nil {
			return nil, err
		}

		next, write, err := applyUpdate(current, fn)
		if err != nil {
			return nil, err
		}
		if !write {
			return next, nil
		}

		res := g.db.WithContext(ctx).
			Model(&types.UploadSession{}).
			Where("upload_id = ? AND version = ?", uploadID, current.Version).
			Select("*").
			Updates(next)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update session: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
	}
	return nil, ErrConflict
}

func (g *GormStore) Delete(ctx context.Context, uploadID string) error {
	if err := g.db.WithContext(ctx).Where("upload_id = ?", uploadID).Delete(&types.UploadSession{}).Error; err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (g *GormStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	q := g.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("expires_at <= ?", before).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var ids []string
	if err := q.Pluck("upload_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return ids, nil
}

func (g *GormStore) Ping(ctx context.Context) error {
	return g.db.Ping()
}

func (g *GormStore) Close() error {
	return g.db.Close()
}
