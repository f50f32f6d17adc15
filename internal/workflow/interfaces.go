package workflow

import (
	"context"
	"time"

	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/store"
)

// HandleSource hands out the singleton sandbox handle. Implemented by
// boot.Manager.
type HandleSource interface {
	Get(ctx context.Context) (sandbox.Handle, error)
	Release(ctx context.Context) error
}

// RunStore persists run records. Implemented by store.Store.
type RunStore interface {
	CreateRun(run *store.Run) error
	UpdateRunStatus(id string, status string) error
	SetRunProject(id string, kind, framework, sandboxID string) error
	SetRunDeadline(id string, deadline time.Time) error
	SetRunReady(id string, previewURL string, heuristic bool) error
	SetRunError(id string, message string) error
	FinishRun(id string, status string) error
}
