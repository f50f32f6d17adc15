// Package hostbox runs sandboxes directly on the host: a throwaway
// workspace directory plus processes spawned under a pty. No isolation
// beyond path confinement; meant for local development and the one-shot
// run command, not for untrusted input.
package hostbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/p-arndt/vorschau/internal/project"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

const portProbeInterval = 250 * time.Millisecond

type Provider struct {
	ports  []int
	logger *slog.Logger
}

func New(ports []int, logger *slog.Logger) *Provider {
	return &Provider{ports: ports, logger: logger}
}

func (p *Provider) Ping(ctx context.Context) error {
	if _, err := exec.LookPath("sh"); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrEngineUnavailable, err)
	}
	return nil
}

func (p *Provider) Close() error {
	return nil
}

func (p *Provider) Boot(ctx context.Context, opts sandbox.BootOpts) (sandbox.Handle, error) {
	dir, err := os.MkdirTemp("", "vorschau-ws-")
	if err != nil {
		return nil, fmt.Errorf("workspace dir: %w", err)
	}

	h := &handle{
		provider:    p,
		id:          uuid.New().String()[:12],
		dir:         dir,
		broadcaster: sandbox.NewBroadcaster(),
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	h.watchCancel = cancel

	targets := make([]sandbox.PortTarget, 0, len(p.ports))
	for _, port := range p.ports {
		targets = append(targets, sandbox.PortTarget{
			Port: port,
			Addr: fmt.Sprintf("127.0.0.1:%d", port),
			URL:  fmt.Sprintf("http://localhost:%d", port),
		})
	}
	go sandbox.WatchPorts(watchCtx, targets, portProbeInterval, h.broadcaster.Publish)

	p.logger.Info("host sandbox booted", "sandbox_id", h.id, "dir", dir)
	return h, nil
}

type handle struct {
	provider    *Provider
	id          string
	dir         string
	broadcaster *sandbox.Broadcaster
	watchCancel context.CancelFunc

	mu    sync.Mutex
	procs []*process
	down  bool
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) tornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down
}

// resolve confines a workspace-relative path to the sandbox directory.
func (h *handle) resolve(path string) (string, error) {
	full, err := securejoin.SecureJoin(h.dir, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return full, nil
}

func (h *handle) Mount(ctx context.Context, tree *project.Tree) error {
	if h.tornDown() {
		return sandbox.ErrTornDown
	}

	return tree.Walk(func(path string, isDir bool, content []byte) error {
		full, err := h.resolve(path)
		if err != nil {
			return err
		}
		if isDir {
			return os.MkdirAll(full, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		return os.WriteFile(full, content, 0o644)
	})
}

func (h *handle) WriteFile(ctx context.Context, path string, content []byte) error {
	if h.tornDown() {
		return sandbox.ErrTornDown
	}

	full, err := h.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func (h *handle) ReadFile(ctx context.Context, path string, maxBytes int) ([]byte, error) {
	if h.tornDown() {
		return nil, sandbox.ErrTornDown
	}

	full, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", path, sandbox.ErrFileNotFound)
	}
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxBytes)
	}
	return data, nil
}

func (h *handle) Exists(ctx context.Context, path string) (bool, error) {
	if h.tornDown() {
		return false, sandbox.ErrTornDown
	}

	full, err := h.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *handle) Ports(ctx context.Context) <-chan sandbox.PortEvent {
	return h.broadcaster.Subscribe(ctx)
}

func (h *handle) PreviewURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

func (h *handle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return nil
	}
	h.down = true
	procs := h.procs
	h.procs = nil
	h.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	h.watchCancel()
	h.broadcaster.Close()

	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	h.provider.logger.Info("host sandbox torn down", "sandbox_id", h.id)
	return nil
}

// hostDir maps a sandbox-side working directory onto the workspace root.
func (h *handle) hostDir(dir string) (string, error) {
	switch {
	case dir == "" || dir == protocol.WorkspaceDir:
		return h.dir, nil
	case strings.HasPrefix(dir, protocol.WorkspaceDir+"/"):
		return h.resolve(strings.TrimPrefix(dir, protocol.WorkspaceDir+"/"))
	default:
		return h.resolve(dir)
	}
}
