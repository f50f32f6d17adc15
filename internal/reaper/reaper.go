// Package reaper is the belt behind the execution timer: a periodic sweep
// that expires overdue runs, plus a startup reconcile that clears sandboxes
// and run records orphaned by a daemon crash. In normal operation the
// orchestrator's own timer fires first and the sweep finds nothing.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

type Reaper struct {
	store    RunStore
	ws       Workspace
	orphans  OrphanRemover
	interval time.Duration
	logger   *slog.Logger
}

func New(st RunStore, ws Workspace, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		ws:       ws,
		interval: interval,
		logger:   logger,
	}
}

// SetOrphanRemover wires provider-level orphan cleanup into the startup
// reconcile. Optional; host runs skip it.
func (r *Reaper) SetOrphanRemover(or OrphanRemover) {
	r.orphans = or
}

// Run reconciles once, then sweeps until the context ends.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapOverdue(ctx)
		}
	}
}

func (r *Reaper) reapOverdue(ctx context.Context) {
	overdue, err := r.store.ListOverdueRuns(time.Now().UTC())
	if err != nil {
		r.logger.Error("reaper: list overdue", "error", err)
		return
	}

	for _, run := range overdue {
		r.logger.Info("reaping overdue run", "run_id", run.ID, "deadline", run.DeadlineAt)

		// the live run gets a full teardown; anything else is a stale row
		if cur, ok := r.ws.Current(); ok && cur.ID == run.ID {
			if err := r.ws.Teardown(ctx); err != nil {
				r.logger.Error("reaper: teardown", "run_id", run.ID, "error", err)
			}
		}

		if err := r.store.FinishRun(run.ID, "expired"); err != nil {
			r.logger.Error("reaper: finish run", "run_id", run.ID, "error", err)
		}
	}

	if len(overdue) > 0 {
		r.logger.Info("reaper: expired runs", "count", len(overdue))
	}
}

// reconcile clears what a previous daemon process left behind: provider
// sandboxes with no owner and run records that will never finish.
func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	if r.orphans != nil {
		n, err := r.orphans.RemoveOrphans(ctx)
		if err != nil {
			r.logger.Warn("reconcile: remove orphans", "error", err)
		} else if n > 0 {
			r.logger.Info("reconcile: removed orphaned sandboxes", "count", n)
		}
	}

	unfinished, err := r.store.ListUnfinishedRuns()
	if err != nil {
		r.logger.Error("reconcile: list unfinished runs", "error", err)
		return
	}

	for _, run := range unfinished {
		if cur, ok := r.ws.Current(); ok && cur.ID == run.ID {
			continue // owned by this process
		}
		r.logger.Warn("reconcile: run has no live owner, marking crashed",
			"run_id", run.ID, "status", run.Status)
		if err := r.store.FinishRun(run.ID, "crashed"); err != nil {
			r.logger.Error("reconcile: finish run", "run_id", run.ID, "error", err)
		}
	}

	r.logger.Info("reconciliation complete")
}
