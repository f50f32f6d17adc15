// Package workflow drives one preview run end to end: boot, mount, classify
// branch, install/build/run pipeline, readiness arbitration, execution
// budget. One run is active per Orchestrator; status moves strictly forward
// and every fatal failure surfaces as exactly one error event.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/vorschau/internal/config"
	"github.com/p-arndt/vorschau/internal/manifest"
	"github.com/p-arndt/vorschau/internal/project"
	"github.com/p-arndt/vorschau/internal/readiness"
	"github.com/p-arndt/vorschau/internal/runner"
	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/protocol"
)

var (
	// ErrRunActive is returned by Launch while another run holds the
	// workspace and the caller did not ask to replace it.
	ErrRunActive = errors.New("a preview run is already active")

	// ErrClassificationMismatch means a repository classified as runnable
	// is missing the manifest that classification implies.
	ErrClassificationMismatch = errors.New("manifest missing for runnable project")

	// ErrNoRunScript means the manifest declares no script that could
	// plausibly start a server.
	ErrNoRunScript = errors.New("no run script in manifest")

	// ErrRunExited means the run script ended before any readiness signal.
	ErrRunExited = errors.New("run process exited before readiness")
)

// fallbackPort is assumed when a textual readiness match names no port.
const fallbackPort = 3000

// LaunchSpec names the repository a run should preview.
type LaunchSpec struct {
	Repo    source.Repo
	Replace bool // tear down an active run first
}

type Orchestrator struct {
	handles HandleSource
	store   RunStore
	source  source.ContentSource
	runner  *runner.Runner
	cfg     *config.Config
	logger  *slog.Logger
	hub     *hub

	mu      sync.Mutex
	current *run
}

// run is the live state of one launch. Mutable fields are guarded by the
// Orchestrator mutex; the pipeline goroutine is the only writer of the
// pointer-typed fields after Launch.
type run struct {
	id        string
	repo      source.Repo
	status    protocol.Status
	kind      project.Kind
	framework manifest.Framework
	url       string
	heuristic bool
	errMsg    string
	createdAt time.Time
	readyAt   time.Time
	deadline  time.Time

	cancel   context.CancelFunc
	timer    *time.Timer
	detector *readiness.Detector
	done     chan struct{}
}

func New(handles HandleSource, st RunStore, src source.ContentSource, r *runner.Runner, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		handles: handles,
		store:   st,
		source:  src,
		runner:  r,
		cfg:     cfg,
		logger:  logger,
		hub:     newHub(),
	}
}

// Launch starts the pipeline for a repository and returns immediately with
// the initial run snapshot. Progress streams through Events subscriptions.
// With an active run, Launch fails with ErrRunActive unless spec.Replace is
// set, in which case the active run is torn down first.
func (o *Orchestrator) Launch(ctx context.Context, spec LaunchSpec) (protocol.RunSnapshot, error) {
	o.mu.Lock()
	// an errored run is finished; only a live one blocks the workspace
	if r := o.current; r != nil && r.status != protocol.StatusIdle && r.status != protocol.StatusError {
		if !spec.Replace {
			snap := r.snapshot()
			o.mu.Unlock()
			return snap, ErrRunActive
		}
		o.mu.Unlock()
		if err := o.Teardown(ctx); err != nil {
			return protocol.RunSnapshot{}, fmt.Errorf("replace active run: %w", err)
		}
		o.mu.Lock()
	}
	if old := o.current; old != nil {
		old.cancel()
	}

	pctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.New().String()[:12],
		repo:      spec.Repo,
		status:    protocol.StatusIdle,
		createdAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.current = r
	o.mu.Unlock()

	rec := &store.Run{
		ID:        r.id,
		Repo:      spec.Repo.String(),
		Ref:       spec.Repo.Ref,
		Status:    string(protocol.StatusIdle),
		CreatedAt: r.createdAt,
	}
	if err := o.store.CreateRun(rec); err != nil {
		cancel()
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		return protocol.RunSnapshot{}, fmt.Errorf("record run: %w", err)
	}

	o.logger.Info("run launched", "run_id", r.id, "repo", spec.Repo.String(), "ref", spec.Repo.Ref)

	// the pipeline runs on its own context so it survives the HTTP request
	// that triggered it
	go o.pipeline(pctx, r)

	o.mu.Lock()
	defer o.mu.Unlock()
	return r.snapshot(), nil
}

// Current returns the snapshot of the active run, if any.
func (o *Orchestrator) Current() (protocol.RunSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return protocol.RunSnapshot{}, false
	}
	return o.current.snapshot(), true
}

// Teardown stops the active run: execution timer, readiness detector, and
// spawned processes are cancelled, the handle is released, and the
// workspace returns to idle. Safe to call with no active run.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	return o.teardown(ctx, r, "idle")
}

func (o *Orchestrator) teardown(ctx context.Context, r *run, finalStatus string) error {
	o.mu.Lock()
	if o.current != r {
		o.mu.Unlock()
		return nil
	}
	o.current = nil
	wasError := r.status == protocol.StatusError
	r.status = protocol.StatusIdle
	timer := r.timer
	r.timer = nil
	det := r.detector
	r.detector = nil
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if det != nil {
		det.Stop()
	}
	r.cancel()

	// let the pipeline goroutine notice the cancellation before the handle
	// goes away under it
	select {
	case <-r.done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	o.publish(protocol.Event{Type: protocol.EventStatus, Status: protocol.StatusIdle})
	o.publish(protocol.Event{Type: protocol.EventDone})

	// an errored run already carries its terminal record state
	if !wasError {
		if err := o.store.FinishRun(r.id, finalStatus); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("finish run record", "run_id", r.id, "error", err)
		}
	}

	err := o.handles.Release(ctx)
	if err != nil {
		o.logger.Warn("release sandbox", "run_id", r.id, "error", err)
	}
	o.logger.Info("run torn down", "run_id", r.id, "final", finalStatus)
	return err
}

// expire enforces the execution budget: notice, then full teardown, even
// from ready.
func (o *Orchestrator) expire(r *run) {
	o.mu.Lock()
	active := o.current == r && r.status != protocol.StatusIdle
	o.mu.Unlock()
	if !active {
		return
	}

	o.notice(r, "execution time limit reached, shutting the preview down")
	o.logger.Info("execution budget expired", "run_id", r.id)
	if err := o.teardown(context.Background(), r, "expired"); err != nil {
		o.logger.Warn("expiry teardown", "run_id", r.id, "error", err)
	}
}

// armTimer starts the execution budget clock for a runnable project and
// records the deadline for the reaper.
func (o *Orchestrator) armTimer(r *run) {
	budget := time.Duration(o.cfg.Workflow.ExecutionBudgetSeconds) * time.Second
	deadline := time.Now().UTC().Add(budget)

	o.mu.Lock()
	r.deadline = deadline
	r.timer = time.AfterFunc(budget, func() { o.expire(r) })
	o.mu.Unlock()

	if err := o.store.SetRunDeadline(r.id, deadline); err != nil {
		o.logger.Warn("record deadline", "run_id", r.id, "error", err)
	}
}

// setStatus advances the run status. Regressions are dropped, which keeps a
// late goroutine from rewinding a terminal state.
func (o *Orchestrator) setStatus(r *run, next protocol.Status) {
	o.mu.Lock()
	if !protocol.Forward(r.status, next) {
		o.mu.Unlock()
		return
	}
	r.status = next
	o.mu.Unlock()

	if err := o.store.UpdateRunStatus(r.id, string(next)); err != nil {
		o.logger.Warn("record status", "run_id", r.id, "status", next, "error", err)
	}
	o.publish(protocol.Event{Type: protocol.EventStatus, Status: next})
	o.logger.Debug("status", "run_id", r.id, "status", next)
}

// setReady resolves the run. An empty URL means a browse-only mount: the
// status still moves to ready but no ready event fires.
func (o *Orchestrator) setReady(r *run, sig readiness.Signal) {
	o.mu.Lock()
	if !protocol.Forward(r.status, protocol.StatusReady) {
		o.mu.Unlock()
		return
	}
	r.status = protocol.StatusReady
	r.url = sig.URL
	r.heuristic = sig.Heuristic
	r.readyAt = time.Now().UTC()
	o.mu.Unlock()

	if err := o.store.SetRunReady(r.id, sig.URL, sig.Heuristic); err != nil {
		o.logger.Warn("record ready", "run_id", r.id, "error", err)
	}
	o.publish(protocol.Event{Type: protocol.EventStatus, Status: protocol.StatusReady})
	if sig.URL != "" {
		o.publish(protocol.Event{
			Type:      protocol.EventReady,
			URL:       sig.URL,
			Port:      sig.Port,
			Heuristic: sig.Heuristic,
		})
	}
	o.logger.Info("run ready", "run_id", r.id, "url", sig.URL, "heuristic", sig.Heuristic)
}

// fail moves the run to error with exactly one error event. Later calls for
// the same run are dropped by the forward check.
func (o *Orchestrator) fail(r *run, msg string, cause error) {
	o.mu.Lock()
	if !protocol.Forward(r.status, protocol.StatusError) {
		o.mu.Unlock()
		return
	}
	r.status = protocol.StatusError
	r.errMsg = msg
	timer := r.timer
	r.timer = nil
	det := r.detector
	r.detector = nil
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if det != nil {
		det.Stop()
	}

	if err := o.store.SetRunError(r.id, msg); err != nil {
		o.logger.Warn("record error", "run_id", r.id, "error", err)
	}
	o.publish(protocol.Event{Type: protocol.EventStatus, Status: protocol.StatusError})
	o.publish(protocol.Event{Type: protocol.EventError, Message: msg})
	o.publish(protocol.Event{Type: protocol.EventDone})
	o.logger.Error("run failed", "run_id", r.id, "message", msg, "cause", cause)
}

// output forwards a chunk of process output to subscribers.
func (o *Orchestrator) output(r *run, chunk []byte) {
	o.publish(protocol.Event{Type: protocol.EventOutput, Chunk: string(chunk)})
}

// notice appends a daemon-side diagnostic line to the output stream, in the
// same dress the runner uses for its hints.
func (o *Orchestrator) notice(r *run, msg string) {
	o.output(r, []byte("\n[vorschau] "+msg+"\n"))
}

// sink adapts the output event path into a runner.Sink.
func (o *Orchestrator) sink(r *run) runner.Sink {
	return func(chunk []byte) { o.output(r, chunk) }
}

// snapshot renders the REST view. Caller holds the Orchestrator mutex.
func (r *run) snapshot() protocol.RunSnapshot {
	snap := protocol.RunSnapshot{
		ID:         r.id,
		Repo:       r.repo.String(),
		Kind:       string(r.kind),
		Framework:  string(r.framework),
		Status:     r.status,
		PreviewURL: r.url,
		Error:      r.errMsg,
		CreatedAt:  r.createdAt.UnixMilli(),
	}
	if !r.readyAt.IsZero() {
		snap.ReadyAt = r.readyAt.UnixMilli()
	}
	if !r.deadline.IsZero() {
		snap.Deadline = r.deadline.UnixMilli()
	}
	return snap
}

func (o *Orchestrator) installTimeout() time.Duration {
	return time.Duration(o.cfg.Workflow.InstallTimeoutSeconds) * time.Second
}

func (o *Orchestrator) buildTimeout() time.Duration {
	return time.Duration(o.cfg.Workflow.BuildTimeoutSeconds) * time.Second
}

func (o *Orchestrator) readyGrace() time.Duration {
	return time.Duration(o.cfg.Workflow.ReadyGraceMs) * time.Millisecond
}

func (o *Orchestrator) readyStall() time.Duration {
	return time.Duration(o.cfg.Workflow.ReadyStallSeconds) * time.Second
}
