package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of Provider for failure injection in tests.
type MockProvider struct {
	mock.Mock
}

// Get is the mock implementation of Provider.Get.
func (m *MockProvider) Get(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}

// Put is the mock implementation of Provider.Put.
func (m *MockProvider) Put(ctx context.Context, path string, data []byte) error {
	args := m.Called(ctx, path, data)
	return args.Error(0) //nolint:wrapcheck
}

// List is the mock implementation of Provider.List.
func (m *MockProvider) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	paths, _ := args.Get(0).([]string)
	return paths, args.Error(1) //nolint:wrapcheck
}
