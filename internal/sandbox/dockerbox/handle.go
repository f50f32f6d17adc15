package dockerbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/p-arndt/vorschau/internal/project"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

const portProbeInterval = 250 * time.Millisecond

type handle struct {
	provider    *Provider
	id          string
	containerID string
	portMap     map[int]int // container port -> published host port
	containerIP string

	broadcaster *sandbox.Broadcaster
	watchCancel context.CancelFunc

	mu   sync.Mutex
	down bool
}

func newHandle(p *Provider, id, containerID string, portMap map[int]int, containerIP string) *handle {
	h := &handle{
		provider:    p,
		id:          id,
		containerID: containerID,
		portMap:     portMap,
		containerIP: containerIP,
		broadcaster: sandbox.NewBroadcaster(),
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	h.watchCancel = cancel

	targets := make([]sandbox.PortTarget, 0, len(portMap))
	for containerPort, hostPort := range portMap {
		targets = append(targets, sandbox.PortTarget{
			Port: containerPort,
			Addr: fmt.Sprintf("127.0.0.1:%d", hostPort),
			URL:  fmt.Sprintf("http://127.0.0.1:%d", hostPort),
		})
	}
	go sandbox.WatchPorts(watchCtx, targets, portProbeInterval, h.broadcaster.Publish)

	return h
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) tornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down
}

// Mount copies the tree into the container workspace. Remounting the same
// tree overwrites in place; files from an earlier mount that the new tree
// does not contain are left behind.
func (h *handle) Mount(ctx context.Context, tree *project.Tree) error {
	if h.tornDown() {
		return sandbox.ErrTornDown
	}

	archive, err := tarTree(tree)
	if err != nil {
		return fmt.Errorf("pack tree: %w", err)
	}

	err = h.provider.docker.CopyToContainer(ctx, h.containerID, protocol.WorkspaceDir, archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (h *handle) WriteFile(ctx context.Context, path string, data []byte) error {
	if h.tornDown() {
		return sandbox.ErrTornDown
	}

	archive, err := tarFile(path, data)
	if err != nil {
		return fmt.Errorf("pack file: %w", err)
	}

	err = h.provider.docker.CopyToContainer(ctx, h.containerID, protocol.WorkspaceDir, archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (h *handle) ReadFile(ctx context.Context, path string, maxBytes int) ([]byte, error) {
	if h.tornDown() {
		return nil, sandbox.ErrTornDown
	}

	reader, _, err := h.provider.docker.CopyFromContainer(ctx, h.containerID, joinWorkspace(path))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%s: %w", path, sandbox.ErrFileNotFound)
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	data, err := untarFirstFile(reader, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", path, err)
	}
	return data, nil
}

func (h *handle) Exists(ctx context.Context, path string) (bool, error) {
	if h.tornDown() {
		return false, sandbox.ErrTornDown
	}

	_, err := h.provider.docker.ContainerStatPath(ctx, h.containerID, joinWorkspace(path))
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// Ports returns a fresh subscription to open/close transitions on the
// published ports. Subscribe before Spawn; events are not replayed.
func (h *handle) Ports(ctx context.Context) <-chan sandbox.PortEvent {
	return h.broadcaster.Subscribe(ctx)
}

// PreviewURL maps a port the project listens on inside the container to a
// URL reachable from the host.
func (h *handle) PreviewURL(port int) string {
	if hostPort, ok := h.portMap[port]; ok {
		return fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	}
	if h.containerIP != "" {
		return fmt.Sprintf("http://%s:%d", h.containerIP, port)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (h *handle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return nil
	}
	h.down = true
	h.mu.Unlock()

	h.watchCancel()
	h.broadcaster.Close()

	if err := h.provider.removeContainer(ctx, h.containerID, h.id); err != nil {
		return err
	}
	h.provider.logger.Info("sandbox torn down", "sandbox_id", h.id)
	return nil
}

func joinWorkspace(path string) string {
	return protocol.WorkspaceDir + "/" + path
}
