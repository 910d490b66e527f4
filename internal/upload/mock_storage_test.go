package upload

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStorage implements storage.BlobStorage for testing
type MockBlobStorage struct {
	mock.Mock
}

func (m *MockBlobStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	args := m.Called(ctx, path, content, contentType)
	return args.Error(0)
}

func (m *MockBlobStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBlobStorage) Delete(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockBlobStorage) DeletePrefix(ctx context.Context, prefix string) error {
	args := m.Called(ctx, prefix)
	return args.Error(0)
}

func (m *MockBlobStorage) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlobStorage) GetSize(ctx context.Context, path string) (int64, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBlobStorage) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBlobStorage) Promote(ctx context.Context, src, dst string) (bool, error) {
	args := m.Called(ctx, src, dst)
	return args.Bool(0), args.Error(1)
}
