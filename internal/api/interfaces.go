package api

import (
	"context"

	"github.com/p-arndt/vorschau/internal/deploy"
	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/internal/workflow"
	"github.com/p-arndt/vorschau/protocol"
)

// PreviewService abstracts the orchestrator operations the handlers need.
type PreviewService interface {
	Launch(ctx context.Context, spec workflow.LaunchSpec) (protocol.RunSnapshot, error)
	Current() (protocol.RunSnapshot, bool)
	Teardown(ctx context.Context) error
	Events() (<-chan protocol.Event, func())
}

// RunReader reads persisted run records.
type RunReader interface {
	GetRun(id string) (*store.Run, error)
	ListRuns(limit int) ([]*store.Run, error)
}

// DeployService relays deployment operations to the hosting upstream.
type DeployService interface {
	Create(ctx context.Context, req protocol.DeployRequest) (deploy.Deployment, error)
	Status(ctx context.Context, deployID string) (deploy.Deployment, error)
	Delete(ctx context.Context, site string) error
}
