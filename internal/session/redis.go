package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lgulliver/freight/pkg/types"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "freight:session:"
	redisExpiryKey = "freight:sessions:expiry"

	// records outlive ExpiresAt by this much so late reads still see them
	redisTTLGrace = time.Hour
)

// RedisStore keeps each session as a JSON value with a key TTL, plus a sorted
// set of ids scored by ExpiresAt so expired sessions can still be listed after
// their keys have lapsed.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(uploadID string) string {
	return redisKeyPrefix + uploadID
}

func redisTTL(s *types.UploadSession) time.Duration {
	ttl := s.ExpiresAt.Sub(s.UpdatedAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + redisTTLGrace
}

func (r *RedisStore) Create(ctx context.Context, s *types.UploadSession) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, redisKey(s.UploadID), payload, redisTTL(s)).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return ErrExists
	}

	if err := r.client.ZAdd(ctx, redisExpiryKey, redis.Z{
		Score:  float64(s.ExpiresAt.Unix()),
		Member: s.UploadID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index session expiry: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	data, err := r.client.Get(ctx, redisKey(uploadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s types.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// Update uses WATCH/MULTI and retries when another writer got in between
func (r *RedisStore) Update(ctx context.Context, uploadID string, fn UpdateFunc) (*types.UploadSession, error) {
	key := redisKey(uploadID)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var result *types.UploadSession

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}

			var current types.UploadSession
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}

			next, write, err := applyUpdate(&current, fn)
			if err != nil {
				return err
			}
			result = next
			if !write {
				return nil
			}

			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redisTTL(next))
				pipe.ZAdd(ctx, redisExpiryKey, redis.Z{
					Score:  float64(next.ExpiresAt.Unix()),
					Member: uploadID,
				})
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}

	return nil, ErrConflict
}

func (r *RedisStore) Delete(ctx context.Context, uploadID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey(uploadID))
		pipe.ZRem(ctx, redisExpiryKey, uploadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.Unix(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, redisExpiryKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
