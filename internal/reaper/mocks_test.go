package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/protocol"
)

// MockRunStore mocks the RunStore interface.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) ListOverdueRuns(now time.Time) ([]*store.Run, error) {
	args := m.Called(now)
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRunStore) ListUnfinishedRuns() ([]*store.Run, error) {
	args := m.Called()
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRunStore) FinishRun(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

// MockWorkspace mocks the Workspace interface.
type MockWorkspace struct {
	mock.Mock
}

func (m *MockWorkspace) Current() (protocol.RunSnapshot, bool) {
	args := m.Called()
	return args.Get(0).(protocol.RunSnapshot), args.Bool(1)
}

func (m *MockWorkspace) Teardown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockOrphanRemover mocks the OrphanRemover interface.
type MockOrphanRemover struct {
	mock.Mock
}

func (m *MockOrphanRemover) RemoveOrphans(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
