package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/protocol"
)

// RunStore abstracts the store operations the reaper needs.
type RunStore interface {
	ListOverdueRuns(now time.Time) ([]*store.Run, error)
	ListUnfinishedRuns() ([]*store.Run, error)
	FinishRun(id string, status string) error
}

// Workspace is the orchestrator surface the reaper drives.
type Workspace interface {
	Current() (protocol.RunSnapshot, bool)
	Teardown(ctx context.Context) error
}

// OrphanRemover clears provider resources a previous daemon process left
// behind. The docker provider implements it; host runs have none.
type OrphanRemover interface {
	RemoveOrphans(ctx context.Context) (int, error)
}
