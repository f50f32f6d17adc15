package dockerbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

// process is one exec running inside the container. The wrapper shell writes
// its pid to a file before exec'ing the real command, so Kill can signal the
// process even though the Docker API has no exec-kill call.
type process struct {
	h        *handle
	execID   string
	pidFile  string
	output   chan []byte
	exit     chan sandbox.ExitStatus
	killOnce sync.Once
	killErr  error
}

func (h *handle) Spawn(ctx context.Context, spec sandbox.SpawnSpec) (sandbox.Process, error) {
	if h.tornDown() {
		return nil, sandbox.ErrTornDown
	}

	pidFile := fmt.Sprintf("/tmp/.vorschau-%s.pid", uuid.New().String()[:8])
	wrapped := wrapCommand(spec.Cmd, spec.Args, pidFile)

	dir := spec.Dir
	if dir == "" {
		dir = protocol.WorkspaceDir
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", wrapped},
		Env:          spec.Env,
		WorkingDir:   dir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          spec.TTY,
	}

	created, err := h.provider.docker.ContainerExecCreate(ctx, h.containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := h.provider.docker.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: spec.TTY})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	p := &process{
		h:       h,
		execID:  created.ID,
		pidFile: pidFile,
		output:  make(chan []byte, 64),
		exit:    make(chan sandbox.ExitStatus, 1),
	}
	go p.pump(attach, spec.TTY)
	return p, nil
}

// wrapCommand builds the shell line that records the pid and replaces the
// shell with the target command, keeping the recorded pid accurate.
func wrapCommand(cmd string, args []string, pidFile string) string {
	quoted := shellquote.Join(append([]string{cmd}, args...)...)
	return fmt.Sprintf("echo $$ > %s; exec %s", pidFile, quoted)
}

func (p *process) Output() <-chan []byte {
	return p.output
}

func (p *process) Exit() <-chan sandbox.ExitStatus {
	return p.exit
}

// pump streams exec output until EOF, then resolves the exit code. Runs for
// the life of the process, detached from the Spawn context.
func (p *process) pump(attach types.HijackedResponse, tty bool) {
	defer attach.Close()
	defer close(p.output)
	defer close(p.exit)

	var streamErr error
	if tty {
		// with a TTY the stream is raw, no stdcopy framing
		buf := make([]byte, 4096)
		for {
			n, err := attach.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.output <- chunk
			}
			if err != nil {
				if err != io.EOF {
					streamErr = err
				}
				break
			}
		}
	} else {
		w := &chanWriter{ch: p.output}
		if _, err := stdcopy.StdCopy(w, w, attach.Reader); err != nil {
			streamErr = err
		}
	}

	code, err := p.waitExitCode()
	if err != nil && streamErr == nil {
		streamErr = err
	}
	p.exit <- sandbox.ExitStatus{Code: code, Err: streamErr}
}

// waitExitCode polls the exec until Docker reports it stopped. The stream
// EOF usually precedes the status update by a few milliseconds.
func (p *process) waitExitCode() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		inspect, err := p.h.provider.docker.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, fmt.Errorf("exec inspect: %w", ctx.Err())
		case <-time.After(execInspectPollInterval):
		}
	}
}

// Kill signals the recorded pid inside the container. TERM first, KILL after
// a short grace, both against the process group and the pid itself.
func (p *process) Kill() error {
	p.killOnce.Do(func() {
		script := fmt.Sprintf(
			`pid=$(cat %s 2>/dev/null) || exit 0; `+
				`kill -TERM -- -"$pid" 2>/dev/null || kill -TERM "$pid" 2>/dev/null; `+
				`sleep 2; `+
				`kill -KILL -- -"$pid" 2>/dev/null; kill -KILL "$pid" 2>/dev/null; `+
				`exit 0`,
			p.pidFile,
		)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		created, err := p.h.provider.docker.ContainerExecCreate(ctx, p.h.containerID, container.ExecOptions{
			Cmd: []string{"sh", "-c", script},
		})
		if err != nil {
			p.killErr = fmt.Errorf("kill exec create: %w", err)
			return
		}
		if err := p.h.provider.docker.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
			p.killErr = fmt.Errorf("kill exec start: %w", err)
		}
	})
	return p.killErr
}

// chanWriter adapts stdcopy's writer interface onto the output channel.
// stdcopy reuses its buffer, so every chunk is copied.
type chanWriter struct {
	ch chan []byte
}

func (w *chanWriter) Write(data []byte) (int, error) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	w.ch <- chunk
	return len(data), nil
}
