package workflow

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/store"
)

type MockHandleSource struct {
	mock.Mock
}

func (m *MockHandleSource) Get(ctx context.Context) (sandbox.Handle, error) {
	args := m.Called(ctx)
	if h := args.Get(0); h != nil {
		return h.(sandbox.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockHandleSource) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) CreateRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRunStore) UpdateRunStatus(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

func (m *MockRunStore) SetRunProject(id string, kind, framework, sandboxID string) error {
	args := m.Called(id, kind, framework, sandboxID)
	return args.Error(0)
}

func (m *MockRunStore) SetRunDeadline(id string, deadline time.Time) error {
	args := m.Called(id, deadline)
	return args.Error(0)
}

func (m *MockRunStore) SetRunReady(id string, previewURL string, heuristic bool) error {
	args := m.Called(id, previewURL, heuristic)
	return args.Error(0)
}

func (m *MockRunStore) SetRunError(id string, message string) error {
	args := m.Called(id, message)
	return args.Error(0)
}

func (m *MockRunStore) FinishRun(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

// newMockStore returns a MockRunStore that accepts every call, for tests
// that assert on events rather than persistence.
func newMockStore() *MockRunStore {
	st := &MockRunStore{}
	st.On("CreateRun", mock.Anything).Return(nil)
	st.On("UpdateRunStatus", mock.Anything, mock.Anything).Return(nil)
	st.On("SetRunProject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	st.On("SetRunDeadline", mock.Anything, mock.Anything).Return(nil)
	st.On("SetRunReady", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	st.On("SetRunError", mock.Anything, mock.Anything).Return(nil)
	st.On("FinishRun", mock.Anything, mock.Anything).Return(nil)
	return st
}
