package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"
)

// S3Storage implements BlobStorage on an S3 bucket under a key prefix
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Storage creates a storage rooted at prefix inside bucket
func NewS3Storage(client *s3.Client, bucket, prefix string) *S3Storage {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Storage{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 10 * 1024 * 1024
		}),
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Storage) key(path string) string {
	return s.prefix + strings.TrimPrefix(path, "/")
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// Store uploads content; the uploader handles streams of unknown length
func (s *S3Storage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   content,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		log.Error().Err(err).Str("bucket", s.bucket).Str("key", s.key(path)).Msg("failed to upload object")
		return fmt.Errorf("failed to upload object: %w", err)
	}

	log.Debug().Str("bucket", s.bucket).Str("key", s.key(path)).Msg("object stored")
	return nil
}

func (s *S3Storage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return out.Body, nil
}

func (s *S3Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil && !isS3NotFound(err) {
		log.Error().Err(err).Str("key", s.key(path)).Msg("failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// DeletePrefix removes objects page by page with batch deletes
func (s *S3Storage) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			log.Error().Err(err).Str("prefix", prefix).Msg("failed to list objects for deletion")
			return fmt.Errorf("failed to list objects for deletion: %w", err)
		}

		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			log.Error().Err(err).Str("prefix", prefix).Int("batch_size", len(objects)).Msg("failed to delete objects")
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		totalDeleted += len(objects)
	}

	log.Debug().Str("prefix", prefix).Int("total_deleted", totalDeleted).Msg("prefix deleted")
	return nil
}

func (s *S3Storage) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
}

func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.head(ctx, path)
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check file existence: %w", err)
}

func (s *S3Storage) GetSize(ctx context.Context, path string) (int64, error) {
	out, err := s.head(ctx, path)
	if err != nil {
		if isS3NotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("failed to get object info: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	var paths []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			paths = append(paths, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return paths, nil
}

// Promote rewrites src to dst with an If-None-Match precondition, so only the
// first writer of dst succeeds, then deletes src
func (s *S3Storage) Promote(ctx context.Context, src, dst string) (bool, error) {
	exists, err := s.Exists(ctx, dst)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(src)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return false, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Body.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(dst)),
		Body:        obj.Body,
		ContentType: obj.ContentType,
	}, manager.WithUploaderRequestOptions(s3.WithAPIOptions(createOnly)))
	if err != nil {
		if isS3PreconditionFailed(err) {
			log.Debug().Str("src", src).Str("dst", dst).Msg("promote lost to an existing object")
			return false, nil
		}
		log.Error().Err(err).Str("src", src).Str("dst", dst).Msg("failed to promote object")
		return false, fmt.Errorf("failed to promote object: %w", err)
	}

	if err := s.Delete(ctx, src); err != nil {
		log.Warn().Err(err).Str("key", s.key(src)).Msg("failed to remove promoted source")
	}
	return true, nil
}

// ifNoneMatch makes object creation fail with 412 when the key exists. Only
// the requests that commit an object carry the precondition.
var ifNoneMatch = middleware.BuildMiddlewareFunc("IfNoneMatch", func(
	ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler,
) (middleware.BuildOutput, middleware.Metadata, error) {
	switch awsmiddleware.GetOperationName(ctx) {
	case "PutObject", "CompleteMultipartUpload":
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			req.Header.Set("If-None-Match", "*")
		}
	}
	return next.HandleBuild(ctx, in)
})

func createOnly(stack *middleware.Stack) error {
	return stack.Build.Add(ifNoneMatch, middleware.After)
}

func isS3PreconditionFailed(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
