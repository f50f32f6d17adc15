// Package runner executes pipeline commands inside a sandbox: it streams
// coalesced output to a sink, enforces per-command deadlines, and surfaces
// progress hints when a command goes quiet.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/p-arndt/vorschau/internal/manifest"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

var (
	// ErrCommandTimeout marks a command killed for exceeding its deadline.
	// Callers present it differently from a plain non-zero exit.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrUnsupportedDependency marks manifest dependencies that resolve over
	// SSH transports, which cannot be fetched from inside the sandbox.
	ErrUnsupportedDependency = errors.New("unsupported dependency source")
)

// Sink receives output chunks as they are flushed. Hints about slow commands
// arrive through the same stream.
type Sink func(chunk []byte)

// Result is the outcome of one command. Output retains up to
// protocol.MaxOutputBytes for diagnostics; the sink sees everything.
type Result struct {
	ExitCode int
	Output   []byte
}

// Tail returns the last maxLines non-empty lines of retained output.
func (r Result) Tail(maxLines int) string {
	lines := strings.Split(strings.TrimRight(string(r.Output), "\n"), "\n")
	kept := make([]string, 0, maxLines)
	for i := len(lines) - 1; i >= 0 && len(kept) < maxLines; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

type Runner struct {
	logger *slog.Logger

	// flush and hint pacing, overridable in tests
	FlushInterval  time.Duration
	QuietHintAfter time.Duration
	StallHintEvery time.Duration
}

func New(logger *slog.Logger) *Runner {
	return &Runner{
		logger:         logger,
		FlushInterval:  32 * time.Millisecond,
		QuietHintAfter: 15 * time.Second,
		StallHintEvery: 60 * time.Second,
	}
}

// Run executes the command until it exits on its own.
func (r *Runner) Run(ctx context.Context, h sandbox.Handle, label string, spec sandbox.SpawnSpec, sink Sink) (Result, error) {
	return r.run(ctx, h, label, spec, 0, sink)
}

// RunWithTimeout additionally kills the command and returns
// ErrCommandTimeout once the deadline elapses.
func (r *Runner) RunWithTimeout(ctx context.Context, h sandbox.Handle, label string, spec sandbox.SpawnSpec, timeout time.Duration, sink Sink) (Result, error) {
	return r.run(ctx, h, label, spec, timeout, sink)
}

func (r *Runner) run(ctx context.Context, h sandbox.Handle, label string, spec sandbox.SpawnSpec, timeout time.Duration, sink Sink) (Result, error) {
	proc, err := h.Spawn(ctx, spec)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%s: spawn: %w", label, err)
	}

	r.logger.Debug("command started", "label", label, "cmd", spec.Cmd, "args", spec.Args)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	flush := time.NewTicker(r.FlushInterval)
	defer flush.Stop()
	quiet := time.NewTimer(r.QuietHintAfter)
	defer quiet.Stop()
	stall := time.NewTicker(r.StallHintEvery)
	defer stall.Stop()

	var (
		pending    []byte
		retained   []byte
		truncated  bool
		sawOutput  bool
		lastOutput = time.Now()
		output     = proc.Output()
	)

	emit := func() {
		if len(pending) == 0 {
			return
		}
		if sink != nil {
			sink(pending)
		}
		if len(retained) < protocol.MaxOutputBytes {
			room := protocol.MaxOutputBytes - len(retained)
			if room >= len(pending) {
				retained = append(retained, pending...)
			} else {
				retained = append(retained, pending[:room]...)
				truncated = true
			}
		}
		pending = nil
	}
	hint := func(msg string) {
		if sink != nil {
			sink([]byte("\n[vorschau] " + msg + "\n"))
		}
	}
	finish := func(code int) Result {
		emit()
		if truncated {
			retained = append(retained, []byte("\n[output truncated]\n")...)
		}
		return Result{ExitCode: code, Output: retained}
	}

	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			pending = append(pending, chunk...)
			sawOutput = true
			lastOutput = time.Now()

		case status, ok := <-proc.Exit():
			if !ok {
				// killed elsewhere with no status; treat as failure
				return finish(-1), fmt.Errorf("%s: process ended without status", label)
			}
			// exit can win the select over buffered output chunks
			if output != nil {
				for chunk := range output {
					pending = append(pending, chunk...)
				}
			}
			res := finish(status.Code)
			if status.Err != nil {
				return res, fmt.Errorf("%s: %w", label, status.Err)
			}
			r.logger.Debug("command finished", "label", label, "exit_code", status.Code)
			return res, nil

		case <-flush.C:
			emit()

		case <-quiet.C:
			if !sawOutput {
				hint("still working, no output yet")
			}

		case <-stall.C:
			if since := time.Since(lastOutput); since >= r.StallHintEvery {
				hint(fmt.Sprintf("still running, %ds since last output", int(since.Seconds())))
			}

		case <-deadline:
			proc.Kill()
			releaseOutput(output)
			res := finish(-1)
			r.logger.Warn("command deadline exceeded", "label", label, "timeout", timeout)
			return res, fmt.Errorf("%s: %w after %s", label, ErrCommandTimeout, timeout)

		case <-ctx.Done():
			proc.Kill()
			releaseOutput(output)
			return finish(-1), fmt.Errorf("%s: %w", label, ctx.Err())
		}
	}
}

// PreflightInstall rejects manifests whose dependencies cannot be installed
// before any install command is spawned.
func PreflightInstall(info *manifest.Info) error {
	if bad := manifest.UnsupportedSources(info); len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedDependency, strings.Join(bad, ", "))
	}
	return nil
}

// InstallSpec builds the dependency install command. A lockfile enables the
// reproducible install mode; audit and funding calls are always disabled;
// legacyPeers relaxes peer resolution for older dependency trees on retry.
func InstallSpec(hasLockfile, legacyPeers bool) sandbox.SpawnSpec {
	args := []string{"install"}
	if hasLockfile {
		args = []string{"ci"}
	}
	args = append(args, "--no-audit", "--no-fund")
	if legacyPeers {
		args = append(args, "--legacy-peer-deps")
	}
	return sandbox.SpawnSpec{Cmd: "npm", Args: args}
}

// BuildSpec builds the manifest build-script command.
func BuildSpec() sandbox.SpawnSpec {
	return sandbox.SpawnSpec{Cmd: "npm", Args: []string{"run", "build"}}
}

// RunScriptSpec builds the server launch command. HOST forces an
// all-interfaces bind for tools that honor it; hostFlag appends the explicit
// flag for tools that do not.
func RunScriptSpec(script string, hostFlag bool) sandbox.SpawnSpec {
	args := []string{"run", script}
	if hostFlag {
		args = append(args, "--", "--host")
	}
	return sandbox.SpawnSpec{
		Cmd:  "npm",
		Args: args,
		Env:  []string{"HOST=0.0.0.0", "BROWSER=none"},
		TTY:  true,
	}
}

// HasLockfile reports whether a reproducible-install lockfile is mounted.
func HasLockfile(ctx context.Context, h sandbox.Handle) bool {
	ok, err := h.Exists(ctx, "package-lock.json")
	return err == nil && ok
}

// releaseOutput drains an abandoned output stream so the producing goroutine
// can finish after a kill.
func releaseOutput(output <-chan []byte) {
	if output == nil {
		return
	}
	go func() {
		for range output {
		}
	}()
}
