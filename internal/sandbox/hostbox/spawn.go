package hostbox

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/p-arndt/vorschau/internal/sandbox"
)

const killGrace = 2 * time.Second

type process struct {
	cmd      *exec.Cmd
	output   chan []byte
	exit     chan sandbox.ExitStatus
	killOnce sync.Once
	killErr  error
}

func (h *handle) Spawn(ctx context.Context, spec sandbox.SpawnSpec) (sandbox.Process, error) {
	if h.tornDown() {
		return nil, sandbox.ErrTornDown
	}

	dir, err := h.hostDir(spec.Dir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)

	p := &process{
		cmd:    cmd,
		output: make(chan []byte, 64),
		exit:   make(chan sandbox.ExitStatus, 1),
	}

	if spec.TTY {
		// pty.Start gives the child a fresh session and controlling
		// terminal, so dev servers print their interactive banners
		tty, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		go p.pumpTTY(tty)
	} else {
		setProcessGroup(cmd)
		w := &chanWriter{ch: p.output}
		cmd.Stdout = w
		cmd.Stderr = w
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go p.wait()
	}

	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()

	return p, nil
}

func (p *process) Output() <-chan []byte {
	return p.output
}

func (p *process) Exit() <-chan sandbox.ExitStatus {
	return p.exit
}

// pumpTTY drains the pty master until the child exits. Reads fail with EIO
// once the slave side closes; any error ends the stream.
func (p *process) pumpTTY(tty *os.File) {
	defer close(p.output)
	defer close(p.exit)
	defer tty.Close()

	buf := make([]byte, 4096)
	for {
		n, err := tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			break
		}
	}
	p.exit <- exitStatus(p.cmd.Wait())
}

// wait resolves the non-TTY exit after the stdout/stderr copies finish.
func (p *process) wait() {
	defer close(p.exit)
	err := p.cmd.Wait()
	close(p.output)
	p.exit <- exitStatus(err)
}

func exitStatus(err error) sandbox.ExitStatus {
	if err == nil {
		return sandbox.ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return sandbox.ExitStatus{Code: exitErr.ExitCode()}
	}
	return sandbox.ExitStatus{Code: -1, Err: err}
}

// Kill terminates the process group: TERM immediately, KILL after a grace
// period if anything survives.
func (p *process) Kill() error {
	p.killOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		p.killErr = signalGroup(p.cmd, syscall.SIGTERM)
		time.AfterFunc(killGrace, func() {
			signalGroup(p.cmd, syscall.SIGKILL)
		})
	})
	return p.killErr
}

type chanWriter struct {
	ch chan []byte
}

func (w *chanWriter) Write(data []byte) (int, error) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	w.ch <- chunk
	return len(data), nil
}
