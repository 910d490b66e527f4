package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lgulliver/freight/internal/common"
	"github.com/lgulliver/freight/pkg/config"
	"google.golang.org/api/option"
)

// StorageFactory creates storage instances based on configuration. Each
// location (temp chunks, final uploads) gets its own storage rooted at a
// directory or key prefix; cloud clients are shared between them.
type StorageFactory struct {
	config *config.StorageConfig

	mu        sync.Mutex
	s3Client  *s3.Client
	gcsClient *gcs.Client
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates a storage instance for location based on the configured type
func (sf *StorageFactory) CreateStorage(ctx context.Context, location string) (BlobStorage, error) {
	switch sf.config.Type {
	case "local":
		return NewLocalStorage(filepath.Join(sf.config.LocalPath, location))
	case "s3":
		client, err := sf.s3()
		if err != nil {
			return nil, err
		}
		return NewS3Storage(client, sf.config.Bucket, location), nil
	case "gcs":
		client, err := sf.gcs(ctx)
		if err != nil {
			return nil, err
		}
		return NewGCSStorage(client, sf.config.Bucket, location), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}

func (sf *StorageFactory) s3() (*s3.Client, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.s3Client != nil {
		return sf.s3Client, nil
	}
	if sf.config.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsCfg, err := common.LoadAWSConfig(context.Background(), sf.config.Region, sf.config.AccessKey, sf.config.SecretKey)
	if err != nil {
		return nil, err
	}

	sf.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sf.config.Endpoint != "" {
			o.BaseEndpoint = aws.String(sf.config.Endpoint)
			o.UsePathStyle = true
		}
	})
	return sf.s3Client, nil
}

func (sf *StorageFactory) gcs(ctx context.Context) (*gcs.Client, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.gcsClient != nil {
		return sf.gcsClient, nil
	}
	if sf.config.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	var opts []option.ClientOption
	if sf.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(sf.config.Endpoint), option.WithoutAuthentication())
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	sf.gcsClient = client
	return client, nil
}

// Close releases cloud clients
func (sf *StorageFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.gcsClient != nil {
		err := sf.gcsClient.Close()
		sf.gcsClient = nil
		return err
	}
	return nil
}
