// Package dockerbox provides sandboxes backed by the local Docker daemon.
// One container per boot; the project tree is copied in as a tar stream and
// commands run as execs inside it.
package dockerbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/p-arndt/vorschau/internal/config"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

const (
	labelPrefix     = "vorschau."
	workspaceVolume = "vorschau-ws-"
)

type Provider struct {
	docker *client.Client
	cfg    config.DockerConfig
	logger *slog.Logger
}

func New(cfg config.DockerConfig, logger *slog.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Provider{docker: cli, cfg: cfg, logger: logger}, nil
}

func (p *Provider) Close() error {
	return p.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrEngineUnavailable, err)
	}
	return nil
}

// Boot creates and starts one sandbox container and begins watching its
// published ports.
func (p *Provider) Boot(ctx context.Context, opts sandbox.BootOpts) (sandbox.Handle, error) {
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}

	id := uuid.New().String()[:12]
	labels := map[string]string{
		labelPrefix + "sandbox_id": id,
		labelPrefix + "managed":    "true",
	}
	if opts.Label != "" {
		labels[labelPrefix+"label"] = opts.Label
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: workspaceVolume + id,
			Target: protocol.WorkspaceDir,
		},
		{
			Type:   mount.TypeTmpfs,
			Target: "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{
				SizeBytes: 512 * units.MiB,
			},
		},
	}
	if p.cfg.CacheVolume != "" {
		if err := p.ensureVolume(ctx, p.cfg.CacheVolume); err != nil {
			return nil, err
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: p.cfg.CacheVolume,
			Target: "/root/.npm",
		})
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range p.cfg.PublishPorts {
		np := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[np] = struct{}{}
		// empty HostPort picks an ephemeral one
		bindings[np] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:  int64(p.cfg.CPULimit * 1e9),
			Memory:    int64(p.cfg.MemLimitMB) * 1024 * 1024,
			PidsLimit: int64Ptr(int64(p.cfg.PidsLimit)),
		},
		AutoRemove:   false,
		SecurityOpt:  []string{"no-new-privileges"},
		NetworkMode:  container.NetworkMode(p.cfg.NetworkMode),
		PortBindings: bindings,
		Mounts:       mounts,
	}

	containerCfg := &container.Config{
		Image:        p.cfg.Image,
		Labels:       labels,
		WorkingDir:   protocol.WorkspaceDir,
		ExposedPorts: exposed,
		// keep the container alive; everything runs as execs
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
	}

	resp, err := p.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "vorschau-"+id)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	portMap, containerIP, err := p.inspectPorts(ctx, resp.ID)
	if err != nil {
		p.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, err
	}

	h := newHandle(p, id, resp.ID, portMap, containerIP)
	p.logger.Info("sandbox booted", "sandbox_id", id, "container_id", resp.ID[:12], "image", p.cfg.Image)
	return h, nil
}

// inspectPorts resolves the container-port → published-host-port mapping and
// the container's bridge IP.
func (p *Provider) inspectPorts(ctx context.Context, containerID string) (map[int]int, string, error) {
	info, err := p.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, "", fmt.Errorf("container inspect: %w", err)
	}

	portMap := make(map[int]int)
	for np, binds := range info.NetworkSettings.Ports {
		if len(binds) == 0 {
			continue
		}
		hostPort, err := strconv.Atoi(binds[0].HostPort)
		if err != nil {
			continue
		}
		portMap[np.Int()] = hostPort
	}

	ip := info.NetworkSettings.IPAddress
	if ip == "" {
		for _, netw := range info.NetworkSettings.Networks {
			if netw.IPAddress != "" {
				ip = netw.IPAddress
				break
			}
		}
	}
	return portMap, ip, nil
}

func (p *Provider) ensureVolume(ctx context.Context, name string) error {
	_, err := p.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{labelPrefix + "managed": "true"},
	})
	if err != nil {
		return fmt.Errorf("volume create %s: %w", name, err)
	}
	return nil
}

// PullImage pre-pulls the configured sandbox image so the first boot does
// not pay the download.
func (p *Provider) PullImage(ctx context.Context) error {
	reader, err := p.docker.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", p.cfg.Image, err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	last := ""
	for scanner.Scan() {
		var msg struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Status != "" && msg.Status != last {
			p.logger.Info("pull", "image", p.cfg.Image, "status", msg.Status)
			last = msg.Status
		}
	}
	return scanner.Err()
}

// RemoveOrphans force-removes every managed container, typically at daemon
// startup after a crash left sandboxes behind.
func (p *Provider) RemoveOrphans(ctx context.Context) (int, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := p.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("container list: %w", err)
	}

	removed := 0
	for _, ctr := range containers {
		sandboxID := ctr.Labels[labelPrefix+"sandbox_id"]
		if err := p.removeContainer(ctx, ctr.ID, sandboxID); err != nil {
			p.logger.Warn("orphan remove failed", "container_id", ctr.ID[:12], "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (p *Provider) removeContainer(ctx context.Context, containerID, sandboxID string) error {
	err := p.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	if sandboxID != "" {
		p.docker.VolumeRemove(ctx, workspaceVolume+sandboxID, true)
	}
	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}

// execInspectPollInterval paces exit-code polling after the exec stream ends.
const execInspectPollInterval = 50 * time.Millisecond
