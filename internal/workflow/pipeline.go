package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/p-arndt/vorschau/internal/boot"
	"github.com/p-arndt/vorschau/internal/manifest"
	"github.com/p-arndt/vorschau/internal/project"
	"github.com/p-arndt/vorschau/internal/readiness"
	"github.com/p-arndt/vorschau/internal/runner"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/internal/staticsite"
	"github.com/p-arndt/vorschau/protocol"
)

// pipeline is the body of one run. It returns when the run reaches ready,
// fails, or is torn down; a ready server keeps streaming output through its
// own goroutine until the run ends.
func (o *Orchestrator) pipeline(ctx context.Context, r *run) {
	defer close(r.done)

	o.setStatus(r, protocol.StatusBooting)

	entries, err := o.source.List(ctx, r.repo)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, fetchErrorMessage(r.repo, err), err)
		return
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Kind == source.KindFile {
			paths = append(paths, e.Path)
		}
	}
	cls := project.Classify(paths)

	h, err := o.handles.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, bootErrorMessage(err), err)
		return
	}

	o.mu.Lock()
	r.kind = cls.Kind
	o.mu.Unlock()
	if err := o.store.SetRunProject(r.id, string(cls.Kind), "", h.ID()); err != nil {
		o.logger.Warn("record project", "run_id", r.id, "error", err)
	}

	o.setStatus(r, protocol.StatusMounting)
	tree, err := o.fetchTree(ctx, r, entries)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, "fetching repository contents failed: "+err.Error(), err)
		return
	}
	if err := h.Mount(ctx, tree); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, "mounting the project into the sandbox failed", err)
		return
	}
	o.logger.Info("project mounted", "run_id", r.id, "kind", cls.Kind, "files", tree.FileCount())

	switch {
	case !cls.CanRun:
		o.notice(r, cls.Label+" project detected: files mounted for code browsing only, no preview server")
		o.setReady(r, readiness.Signal{})
	case cls.Kind == project.KindNodeJS:
		o.runNode(ctx, r, h)
	case cls.Kind == project.KindStatic:
		o.runStatic(ctx, r, h)
	}
}

// runNode drives the package-script pipeline: manifest, script plan,
// execution budget, install, optional build, then the server itself.
func (o *Orchestrator) runNode(ctx context.Context, r *run, h sandbox.Handle) {
	info, err := manifest.Read(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, "this repository looks like a Node.js project but its package.json is missing or unreadable", errors.Join(ErrClassificationMismatch, err))
		return
	}

	o.mu.Lock()
	r.framework = info.Framework
	o.mu.Unlock()
	if err := o.store.SetRunProject(r.id, string(project.KindNodeJS), string(info.Framework), h.ID()); err != nil {
		o.logger.Warn("record framework", "run_id", r.id, "error", err)
	}
	if info.Framework != manifest.FrameworkUnknown {
		o.notice(r, "detected framework: "+string(info.Framework))
	}

	plan, ok := manifest.FindRunScript(info)
	if !ok {
		o.fail(r, "no run script found in package.json; a dev, start, serve or preview script is needed", ErrNoRunScript)
		return
	}

	if err := runner.PreflightInstall(info); err != nil {
		o.fail(r, "cannot install dependencies: "+err.Error(), err)
		return
	}

	o.armTimer(r)

	if !o.install(ctx, r, h) {
		return
	}

	if plan.BuildFirst {
		if !o.build(ctx, r, h) {
			return
		}
	}

	o.serve(ctx, r, h, runner.RunScriptSpec(plan.Script, plan.NeedsHostFlag))
}

// runStatic synthesizes a file server over the discovered roots and pushes
// it through the same install/run path.
func (o *Orchestrator) runStatic(ctx context.Context, r *run, h sandbox.Handle) {
	o.armTimer(r)

	roots, err := staticsite.Resolve(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, "resolving static site roots failed", err)
		return
	}
	o.notice(r, "static site detected, serving "+strings.Join(roots, ", "))

	if err := staticsite.Synthesize(ctx, h, roots); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(r, "writing the static file server failed", err)
		return
	}

	if !o.install(ctx, r, h) {
		return
	}

	o.serve(ctx, r, h, runner.RunScriptSpec(staticsite.RunScript, false))
}

// install runs the dependency install with its timeout budget. A plain
// non-zero exit gets one retry with relaxed peer resolution; a timeout does
// not, since slow tooling will not get faster. Reports whether the pipeline
// may continue.
func (o *Orchestrator) install(ctx context.Context, r *run, h sandbox.Handle) bool {
	o.setStatus(r, protocol.StatusInstalling)

	timeout := o.installTimeout()
	hasLock := runner.HasLockfile(ctx, h)

	res, err := o.runner.RunWithTimeout(ctx, h, "install", runner.InstallSpec(hasLock, false), timeout, o.sink(r))
	if fatal := o.checkCommand(ctx, r, "dependency install", res, err, timeout); fatal {
		return false
	}
	if res.ExitCode == 0 {
		return true
	}

	o.notice(r, fmt.Sprintf("install exited with code %d, retrying with relaxed peer dependencies", res.ExitCode))
	res, err = o.runner.RunWithTimeout(ctx, h, "install retry", runner.InstallSpec(false, true), timeout, o.sink(r))
	if fatal := o.checkCommand(ctx, r, "dependency install", res, err, timeout); fatal {
		return false
	}
	if res.ExitCode != 0 {
		o.fail(r, commandFailureMessage("dependency install", res), nil)
		return false
	}
	return true
}

func (o *Orchestrator) build(ctx context.Context, r *run, h sandbox.Handle) bool {
	timeout := o.buildTimeout()
	res, err := o.runner.RunWithTimeout(ctx, h, "build", runner.BuildSpec(), timeout, o.sink(r))
	if fatal := o.checkCommand(ctx, r, "build", res, err, timeout); fatal {
		return false
	}
	if res.ExitCode != 0 {
		o.fail(r, commandFailureMessage("build", res), nil)
		return false
	}
	return true
}

// checkCommand handles the shared failure modes of a pipeline command:
// teardown cancellation, deadline kill, transport errors. A non-zero exit is
// left to the caller, which may retry.
func (o *Orchestrator) checkCommand(ctx context.Context, r *run, label string, res runner.Result, err error, timeout time.Duration) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, runner.ErrCommandTimeout) {
		o.fail(r, fmt.Sprintf("%s timed out after %s; this project may use outdated or unusually slow tooling", label, timeout), err)
		return true
	}
	o.fail(r, label+" failed: "+err.Error(), err)
	return true
}

// serve spawns the server command and arbitrates readiness. The detector
// subscribes to port events before the spawn so the authoritative path sees
// the very first one. The command itself keeps running after ready; its
// output continues to stream until teardown ends the run.
func (o *Orchestrator) serve(ctx context.Context, r *run, h sandbox.Handle, spec sandbox.SpawnSpec) {
	o.setStatus(r, protocol.StatusRunning)

	det := readiness.NewDetector(h, o.readyGrace(), fallbackPort, o.logger)
	o.mu.Lock()
	r.detector = det
	o.mu.Unlock()

	sink := func(chunk []byte) {
		det.Observe(chunk)
		o.output(r, chunk)
	}

	type outcome struct {
		res runner.Result
		err error
	}
	exited := make(chan outcome, 1)
	go func() {
		res, err := o.runner.Run(ctx, h, "run", spec, sink)
		exited <- outcome{res, err}
	}()

	stall := time.NewTimer(o.readyStall())
	defer stall.Stop()
	stallC := stall.C

	for {
		select {
		case <-det.Resolved():
			sig, _ := det.Signal()
			if sig.Heuristic {
				o.notice(r, fmt.Sprintf("no port event arrived, inferring readiness from output on port %d", sig.Port))
			}
			o.setReady(r, sig)
			return

		case out := <-exited:
			if ctx.Err() != nil {
				return
			}
			// the exit may race a readiness signal already latched
			if sig, ok := det.Signal(); ok {
				o.setReady(r, sig)
				return
			}
			if out.err != nil {
				o.fail(r, "run script failed: "+out.err.Error(), out.err)
				return
			}
			msg := fmt.Sprintf("run script exited with code %d before the server became ready", out.res.ExitCode)
			if tail := out.res.Tail(5); tail != "" {
				msg += "\n" + tail
			}
			o.fail(r, msg, ErrRunExited)
			return

		case <-stallC:
			o.notice(r, fmt.Sprintf("no readiness signal after %s; the server may be bound to localhost only, or may have failed without output", o.readyStall()))
			stallC = nil

		case <-ctx.Done():
			return
		}
	}
}

// fetchTree downloads the repository contents and assembles the mount tree.
// Skip notices for oversized or binary files surface on the output stream.
func (o *Orchestrator) fetchTree(ctx context.Context, r *run, entries []source.Entry) (*project.Tree, error) {
	contents, err := source.FetchAll(ctx, o.source, r.repo, entries, source.FetchOpts{
		Concurrency:  o.cfg.Source.FetchConcurrency,
		MaxFileBytes: int64(o.cfg.Source.MaxFileKB) * 1024,
		Notice:       func(msg string) { o.notice(r, msg) },
	})
	if err != nil {
		return nil, err
	}
	return project.BuildTree(entries, contents)
}

func fetchErrorMessage(repo source.Repo, err error) string {
	switch {
	case errors.Is(err, source.ErrRepoNotFound):
		return fmt.Sprintf("repository %s not found; check the name and that it is public or the token grants access", repo)
	case errors.Is(err, source.ErrRateLimited):
		return "the content source is rate limiting requests; configure a token or retry later"
	default:
		return fmt.Sprintf("listing repository %s failed: %v", repo, err)
	}
}

func bootErrorMessage(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrEngineUnavailable):
		return "the sandbox engine is unreachable; check that it is installed and running"
	case errors.Is(err, boot.ErrBootTimeout):
		return "sandbox boot timed out after repeated attempts; the engine may need a restart"
	default:
		return "sandbox boot failed: " + err.Error()
	}
}

func commandFailureMessage(label string, res runner.Result) string {
	msg := fmt.Sprintf("%s failed with exit code %d", label, res.ExitCode)
	if tail := res.Tail(5); tail != "" {
		msg += "\n" + tail
	}
	return msg
}
