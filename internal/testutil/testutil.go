// Package testutil provides shared fixtures: a canned config, tree builders,
// and fake sandbox implementations driven from test code.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p-arndt/vorschau/internal/config"
	"github.com/p-arndt/vorschau/internal/project"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/source"
)

// Logger returns a quiet logger for tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestConfig returns a Config with fast timeouts suitable for unit tests.
func TestConfig() *config.Config {
	return &config.Config{
		Listen:   "127.0.0.1:0",
		APIKey:   "test-api-key",
		DBPath:   ":memory:",
		Provider: "docker",
		LogLevel: "error",
		Docker: config.DockerConfig{
			Image:        "node:20-bookworm-slim",
			NetworkMode:  "bridge",
			CPULimit:     1.0,
			MemLimitMB:   512,
			PidsLimit:    256,
			PublishPorts: []int{3000, 5173},
		},
		Source: config.SourceConfig{
			BaseURL:          "http://127.0.0.1:0",
			FetchConcurrency: 4,
			MaxFileKB:        256,
		},
		Workflow: config.WorkflowConfig{
			BootTimeoutSeconds:     2,
			BootRetries:            2,
			InstallTimeoutSeconds:  5,
			BuildTimeoutSeconds:    5,
			ExecutionBudgetSeconds: 10,
			ReadyGraceMs:           50,
			ReadyStallSeconds:      2,
		},
		ReapInterval: 1,
	}
}

// Tree builds a project tree from a path→content map.
func Tree(t *testing.T, files map[string]string) *project.Tree {
	t.Helper()
	entries := make([]source.Entry, 0, len(files))
	contents := make(map[string][]byte, len(files))
	for path, body := range files {
		entries = append(entries, source.Entry{Path: path, Kind: source.KindFile})
		contents[path] = []byte(body)
	}
	tree, err := project.BuildTree(entries, contents)
	require.NoError(t, err)
	return tree
}

// FakeProcess is a Process whose output and exit are scripted by the test.
type FakeProcess struct {
	OutputCh chan []byte
	ExitCh   chan sandbox.ExitStatus

	mu     sync.Mutex
	killed bool
	done   bool
}

func NewFakeProcess() *FakeProcess {
	return &FakeProcess{
		OutputCh: make(chan []byte, 64),
		ExitCh:   make(chan sandbox.ExitStatus, 1),
	}
}

func (p *FakeProcess) Output() <-chan []byte           { return p.OutputCh }
func (p *FakeProcess) Exit() <-chan sandbox.ExitStatus { return p.ExitCh }

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	if !p.done {
		p.done = true
		close(p.OutputCh)
		p.ExitCh <- sandbox.ExitStatus{Code: -1}
		close(p.ExitCh)
	}
	return nil
}

func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Emit streams one output chunk.
func (p *FakeProcess) Emit(text string) {
	p.OutputCh <- []byte(text)
}

// Finish closes the output stream and delivers the exit status.
func (p *FakeProcess) Finish(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	close(p.OutputCh)
	p.ExitCh <- sandbox.ExitStatus{Code: code}
	close(p.ExitCh)
}

// FakeHandle is an in-memory sandbox.Handle. Files are workspace-relative;
// SpawnFunc scripts process behavior per command.
type FakeHandle struct {
	IDValue   string
	SpawnFunc func(spec sandbox.SpawnSpec) (sandbox.Process, error)

	mu       sync.Mutex
	files    map[string][]byte
	spawned  []sandbox.SpawnSpec
	ports    *sandbox.Broadcaster
	tornDown bool
}

func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		IDValue: "fake-sandbox",
		files:   make(map[string][]byte),
		ports:   sandbox.NewBroadcaster(),
	}
}

func (h *FakeHandle) ID() string { return h.IDValue }

func (h *FakeHandle) Mount(ctx context.Context, tree *project.Tree) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tornDown {
		return sandbox.ErrTornDown
	}
	return tree.Walk(func(path string, isDir bool, content []byte) error {
		if !isDir {
			h.files[path] = content
		}
		return nil
	})
}

func (h *FakeHandle) WriteFile(ctx context.Context, path string, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tornDown {
		return sandbox.ErrTornDown
	}
	h.files[path] = content
	return nil
}

func (h *FakeHandle) ReadFile(ctx context.Context, path string, maxBytes int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tornDown {
		return nil, sandbox.ErrTornDown
	}
	data, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, sandbox.ErrFileNotFound)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxBytes)
	}
	return data, nil
}

func (h *FakeHandle) Exists(ctx context.Context, path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tornDown {
		return false, sandbox.ErrTornDown
	}
	if _, ok := h.files[path]; ok {
		return true, nil
	}
	// a path with files below it exists as a directory
	for p := range h.files {
		if strings.HasPrefix(p, path+"/") {
			return true, nil
		}
	}
	return false, nil
}

func (h *FakeHandle) Spawn(ctx context.Context, spec sandbox.SpawnSpec) (sandbox.Process, error) {
	h.mu.Lock()
	if h.tornDown {
		h.mu.Unlock()
		return nil, sandbox.ErrTornDown
	}
	h.spawned = append(h.spawned, spec)
	fn := h.SpawnFunc
	h.mu.Unlock()

	if fn != nil {
		return fn(spec)
	}
	proc := NewFakeProcess()
	proc.Finish(0)
	return proc, nil
}

// Spawned returns a copy of every spec passed to Spawn, in order.
func (h *FakeHandle) Spawned() []sandbox.SpawnSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sandbox.SpawnSpec, len(h.spawned))
	copy(out, h.spawned)
	return out
}

// File returns the current content of a workspace path.
func (h *FakeHandle) File(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path]
	return data, ok
}

func (h *FakeHandle) Ports(ctx context.Context) <-chan sandbox.PortEvent {
	return h.ports.Subscribe(ctx)
}

// EmitPort publishes a port event to all subscribers.
func (h *FakeHandle) EmitPort(ev sandbox.PortEvent) {
	h.ports.Publish(ev)
}

func (h *FakeHandle) PreviewURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (h *FakeHandle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tornDown {
		return nil
	}
	h.tornDown = true
	h.ports.Close()
	return nil
}

func (h *FakeHandle) TornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tornDown
}

// FakeSource is an in-memory ContentSource over a path→content map.
type FakeSource struct {
	Files    map[string]string
	ListErr  error
	FetchErr error
}

func (s *FakeSource) List(ctx context.Context, repo source.Repo) ([]source.Entry, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	paths := make([]string, 0, len(s.Files))
	for path := range s.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	entries := make([]source.Entry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, source.Entry{
			Path:       path,
			Kind:       source.KindFile,
			ContentRef: path,
			Size:       int64(len(s.Files[path])),
		})
	}
	return entries, nil
}

func (s *FakeSource) FetchBlob(ctx context.Context, repo source.Repo, contentRef string) ([]byte, error) {
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	content, ok := s.Files[contentRef]
	if !ok {
		return nil, fmt.Errorf("no blob %q", contentRef)
	}
	return []byte(content), nil
}

// FakeProvider hands out FakeHandles and counts boot attempts.
type FakeProvider struct {
	BootFunc func(ctx context.Context) (sandbox.Handle, error)
	PingErr  error

	mu        sync.Mutex
	bootCalls int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

func (p *FakeProvider) Boot(ctx context.Context, opts sandbox.BootOpts) (sandbox.Handle, error) {
	p.mu.Lock()
	p.bootCalls++
	fn := p.BootFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return NewFakeHandle(), nil
}

func (p *FakeProvider) BootCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bootCalls
}

func (p *FakeProvider) Ping(ctx context.Context) error { return p.PingErr }
func (p *FakeProvider) Close() error                   { return nil }
