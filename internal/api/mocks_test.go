package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/vorschau/internal/deploy"
	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/internal/workflow"
	"github.com/p-arndt/vorschau/protocol"
)

type MockPreviewService struct {
	mock.Mock
}

func (m *MockPreviewService) Launch(ctx context.Context, spec workflow.LaunchSpec) (protocol.RunSnapshot, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(protocol.RunSnapshot), args.Error(1)
}

func (m *MockPreviewService) Current() (protocol.RunSnapshot, bool) {
	args := m.Called()
	return args.Get(0).(protocol.RunSnapshot), args.Bool(1)
}

func (m *MockPreviewService) Teardown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPreviewService) Events() (<-chan protocol.Event, func()) {
	args := m.Called()
	return args.Get(0).(<-chan protocol.Event), args.Get(1).(func())
}

type MockRunReader struct {
	mock.Mock
}

func (m *MockRunReader) GetRun(id string) (*store.Run, error) {
	args := m.Called(id)
	if run := args.Get(0); run != nil {
		return run.(*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRunReader) ListRuns(limit int) ([]*store.Run, error) {
	args := m.Called(limit)
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockDeployService struct {
	mock.Mock
}

func (m *MockDeployService) Create(ctx context.Context, req protocol.DeployRequest) (deploy.Deployment, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(deploy.Deployment), args.Error(1)
}

func (m *MockDeployService) Status(ctx context.Context, deployID string) (deploy.Deployment, error) {
	args := m.Called(ctx, deployID)
	return args.Get(0).(deploy.Deployment), args.Error(1)
}

func (m *MockDeployService) Delete(ctx context.Context, site string) error {
	args := m.Called(ctx, site)
	return args.Error(0)
}
