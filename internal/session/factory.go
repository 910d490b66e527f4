package session

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/lgulliver/freight/internal/common"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/rs/zerolog/log"
)

// NewStore creates the session store selected by cfg.Session.Store
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Session.Store {
	case "memory", "":
		log.Warn().Msg("using in-memory session store; sessions do not survive restarts")
		return NewMemoryStore(), nil

	case "redis":
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(cache.Client()), nil

	case "postgres":
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate session table: %w", err)
		}
		return NewGormStore(db), nil

	case "sqlite":
		db, err := common.NewSQLiteDatabase(cfg.Session.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate session table: %w", err)
		}
		return NewGormStore(db), nil

	case "dynamodb":
		awsCfg, err := common.LoadAWSConfig(ctx, cfg.Session.DynamoDBRegion, cfg.Storage.AccessKey, cfg.Storage.SecretKey)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Session.DynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Session.DynamoDBEndpoint)
			}
		})
		store := NewDynamoStore(client, cfg.Session.DynamoDBTable)
		if cfg.Session.DynamoDBEndpoint != "" {
			// local endpoints start empty
			if err := store.EnsureTable(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported session store: %s", cfg.Session.Store)
	}
}
