package workflow

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/vorschau/internal/boot"
	"github.com/p-arndt/vorschau/internal/config"
	"github.com/p-arndt/vorschau/internal/runner"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/internal/staticsite"
	"github.com/p-arndt/vorschau/internal/testutil"
	"github.com/p-arndt/vorschau/protocol"
)

var testRepo = source.Repo{Owner: "octocat", Name: "hello-world", Ref: "main"}

type rig struct {
	orch     *Orchestrator
	handle   *testutil.FakeHandle
	provider *testutil.FakeProvider
	store    *MockRunStore
	src      *testutil.FakeSource
	cfg      *config.Config
}

func newRig(t *testing.T, files map[string]string) *rig {
	t.Helper()

	handle := testutil.NewFakeHandle()
	provider := testutil.NewFakeProvider()
	provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		return handle, nil
	}

	run := runner.New(testutil.Logger())
	run.FlushInterval = 5 * time.Millisecond
	run.QuietHintAfter = time.Hour
	run.StallHintEvery = time.Hour

	cfg := testutil.TestConfig()
	boots := boot.NewManager(provider, 2*time.Second, 1, testutil.Logger())
	st := newMockStore()
	src := &testutil.FakeSource{Files: files}

	return &rig{
		orch:     New(boots, st, src, run, cfg, testutil.Logger()),
		handle:   handle,
		provider: provider,
		store:    st,
		src:      src,
		cfg:      cfg,
	}
}

// serveOnRun scripts spawns: installs and builds finish cleanly, the server
// command stays alive and is handed to start.
func (r *rig) serveOnRun(start func(proc *testutil.FakeProcess)) {
	r.handle.SpawnFunc = func(spec sandbox.SpawnSpec) (sandbox.Process, error) {
		proc := testutil.NewFakeProcess()
		if isServerSpawn(spec) {
			if start != nil {
				go start(proc)
			}
			return proc, nil
		}
		proc.Finish(0)
		return proc, nil
	}
}

func isServerSpawn(spec sandbox.SpawnSpec) bool {
	return len(spec.Args) >= 2 && spec.Args[0] == "run" && spec.Args[1] != "build"
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *rig) watch(t *testing.T) *eventLog {
	t.Helper()
	events, cancel := r.orch.Events()
	t.Cleanup(cancel)

	log := &eventLog{}
	go func() {
		for ev := range events {
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
	}()
	return log
}

func (l *eventLog) statuses() []protocol.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []protocol.Status
	for _, ev := range l.events {
		if ev.Type == protocol.EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (l *eventLog) hasStatus(want protocol.Status) bool {
	for _, s := range l.statuses() {
		if s == want {
			return true
		}
	}
	return false
}

func (l *eventLog) text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, ev := range l.events {
		if ev.Type == protocol.EventOutput {
			b.WriteString(ev.Chunk)
		}
	}
	return b.String()
}

func (l *eventLog) ready() (protocol.Event, bool) {
	return l.find(protocol.EventReady)
}

func (l *eventLog) errorEvent() (protocol.Event, bool) {
	return l.find(protocol.EventError)
}

func (l *eventLog) find(typ protocol.EventType) (protocol.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

func waitStatus(t *testing.T, log *eventLog, want protocol.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return log.hasStatus(want) },
		5*time.Second, 10*time.Millisecond, "waiting for status %s", want)
}

func waitError(t *testing.T, log *eventLog) protocol.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := log.errorEvent()
		return ok
	}, 5*time.Second, 10*time.Millisecond, "waiting for error event")
	ev, _ := log.errorEvent()
	return ev
}

func TestLaunchViteProject(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"name":"app","scripts":{"dev":"vite"},"dependencies":{"vite":"^5.0.0"}}`,
		"index.html":   `<div id="app"></div>`,
		"src/main.js":  `console.log("hi")`,
	})
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		r.handle.EmitPort(sandbox.PortEvent{Port: 5173, URL: "http://127.0.0.1:49201", Open: true})
	})
	log := r.watch(t)

	snap, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)

	waitStatus(t, log, protocol.StatusReady)

	assert.Equal(t, []protocol.Status{
		protocol.StatusBooting,
		protocol.StatusMounting,
		protocol.StatusInstalling,
		protocol.StatusRunning,
		protocol.StatusReady,
	}, log.statuses())

	ready, ok := log.ready()
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:49201", ready.URL)
	assert.Equal(t, 5173, ready.Port)
	assert.False(t, ready.Heuristic)

	cur, ok := r.orch.Current()
	require.True(t, ok)
	assert.Equal(t, "nodejs", cur.Kind)
	assert.Equal(t, "vite", cur.Framework)
	assert.Equal(t, "http://127.0.0.1:49201", cur.PreviewURL)
	assert.NotZero(t, cur.Deadline)

	specs := r.handle.Spawned()
	require.Len(t, specs, 2)
	assert.Equal(t, "npm", specs[0].Cmd)
	assert.Equal(t, []string{"install", "--no-audit", "--no-fund"}, specs[0].Args)
	assert.Equal(t, []string{"run", "dev", "--", "--host"}, specs[1].Args)
	assert.Contains(t, specs[1].Env, "HOST=0.0.0.0")
	assert.True(t, specs[1].TTY)

	r.store.AssertCalled(t, "SetRunDeadline", snap.ID, mock.Anything)
}

func TestLaunchStaticSite(t *testing.T) {
	r := newRig(t, map[string]string{
		"index.html": "<h1>hello</h1>",
		"styles.css": "h1 { color: red }",
	})
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		proc.Emit("static preview listening on http://localhost:3000\n")
		r.handle.EmitPort(sandbox.PortEvent{Port: 3000, Open: true})
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)

	ready, ok := log.ready()
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:3000", ready.URL)

	manifest, ok := r.handle.File("package.json")
	require.True(t, ok)
	assert.Contains(t, string(manifest), `"serve"`)

	server, ok := r.handle.File(staticsite.ServerFile)
	require.True(t, ok)
	assert.Contains(t, string(server), "3000")

	specs := r.handle.Spawned()
	require.Len(t, specs, 2)
	assert.Equal(t, []string{"install", "--no-audit", "--no-fund"}, specs[0].Args)
	assert.Equal(t, []string{"run", "start"}, specs[1].Args)

	cur, _ := r.orch.Current()
	assert.Equal(t, "static", cur.Kind)
}

func TestBrowseOnlyMount(t *testing.T) {
	r := newRig(t, map[string]string{
		"requirements.txt": "flask==3.0.0",
		"app.py":           "print('hi')",
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)

	assert.Equal(t, []protocol.Status{
		protocol.StatusBooting,
		protocol.StatusMounting,
		protocol.StatusReady,
	}, log.statuses())

	_, hasReady := log.ready()
	assert.False(t, hasReady, "browse-only runs have no preview URL")
	assert.Contains(t, log.text(), "code browsing only")

	cur, ok := r.orch.Current()
	require.True(t, ok)
	assert.Equal(t, "python", cur.Kind)
	assert.Empty(t, cur.PreviewURL)
	assert.Zero(t, cur.Deadline)

	assert.Empty(t, r.handle.Spawned())
	r.store.AssertNotCalled(t, "SetRunDeadline", mock.Anything, mock.Anything)
}

func TestInstallTimeoutReportsOutdatedTooling(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.cfg.Workflow.InstallTimeoutSeconds = 1

	var installProc *testutil.FakeProcess
	var mu sync.Mutex
	r.handle.SpawnFunc = func(spec sandbox.SpawnSpec) (sandbox.Process, error) {
		proc := testutil.NewFakeProcess()
		mu.Lock()
		installProc = proc
		mu.Unlock()
		return proc, nil // never finishes
	}
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "timed out")
	assert.Contains(t, ev.Message, "tooling")

	_, hasReady := log.ready()
	assert.False(t, hasReady)

	mu.Lock()
	proc := installProc
	mu.Unlock()
	require.NotNil(t, proc)
	assert.True(t, proc.Killed())
}

func TestInstallRetriesWithRelaxedPeers(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.handle.SpawnFunc = func(spec sandbox.SpawnSpec) (sandbox.Process, error) {
		proc := testutil.NewFakeProcess()
		if isServerSpawn(spec) {
			go r.handle.EmitPort(sandbox.PortEvent{Port: 3000, Open: true})
			return proc, nil
		}
		if slices.Contains(spec.Args, "--legacy-peer-deps") {
			proc.Finish(0)
		} else {
			proc.Emit("ERESOLVE unable to resolve dependency tree\n")
			proc.Finish(1)
		}
		return proc, nil
	}
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)
	assert.Contains(t, log.text(), "retrying with relaxed peer dependencies")

	specs := r.handle.Spawned()
	require.Len(t, specs, 3)
	assert.NotContains(t, specs[0].Args, "--legacy-peer-deps")
	assert.Contains(t, specs[1].Args, "--legacy-peer-deps")
}

func TestRunScriptExitsBeforeReady(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		proc.Emit("Error: Cannot find module 'express'\n")
		proc.Finish(1)
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "exited with code 1")
	assert.Contains(t, ev.Message, "Cannot find module")

	_, hasReady := log.ready()
	assert.False(t, hasReady)
}

func TestSSHDependencyRejectedBeforeInstall(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"},"dependencies":{"private-lib":"git+ssh://git@example.com/x/y.git#v1.0"}}`,
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "unsupported dependency source")
	assert.Contains(t, ev.Message, "private-lib")

	assert.Empty(t, r.handle.Spawned(), "no install may start after preflight rejection")
}

func TestUnreadableManifestFailsRun(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":`,
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "package.json")
}

func TestNoRunScriptFails(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"name":"lib","scripts":{"test":"jest"}}`,
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "no run script")
	assert.Empty(t, r.handle.Spawned())
}

func TestHeuristicReadinessFromOutput(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		proc.Emit("Server running at http://localhost:4321\n")
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)

	ready, ok := log.ready()
	require.True(t, ok)
	assert.True(t, ready.Heuristic)
	assert.Equal(t, 4321, ready.Port)
	assert.Equal(t, "http://127.0.0.1:4321", ready.URL)
	assert.Contains(t, log.text(), "inferring readiness")
}

func TestPortEventWinsGraceRace(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.cfg.Workflow.ReadyGraceMs = 300
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		proc.Emit("listening on http://localhost:5000\n")
		time.Sleep(50 * time.Millisecond)
		r.handle.EmitPort(sandbox.PortEvent{Port: 5055, URL: "http://127.0.0.1:49301", Open: true})
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)

	ready, ok := log.ready()
	require.True(t, ok)
	assert.False(t, ready.Heuristic, "authoritative port event must win the grace race")
	assert.Equal(t, 5055, ready.Port)
	assert.Equal(t, "http://127.0.0.1:49301", ready.URL)
}

func TestExecutionBudgetExpiry(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.cfg.Workflow.ExecutionBudgetSeconds = 1
	r.serveOnRun(nil) // server never becomes ready
	log := r.watch(t)

	snap, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusIdle)

	assert.Contains(t, log.text(), "execution time limit")
	assert.True(t, r.handle.TornDown())

	_, ok := r.orch.Current()
	assert.False(t, ok)

	r.store.AssertCalled(t, "FinishRun", snap.ID, "expired")
}

func TestExecutionBudgetExpiresReadyRun(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.cfg.Workflow.ExecutionBudgetSeconds = 1
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		r.handle.EmitPort(sandbox.PortEvent{Port: 3000, Open: true})
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)
	waitStatus(t, log, protocol.StatusIdle)

	assert.True(t, r.handle.TornDown(), "budget expiry tears down even a ready run")
}

func TestReplaceActiveRun(t *testing.T) {
	r := newRig(t, nil)
	var mu sync.Mutex
	var handles []*testutil.FakeHandle
	r.src.Files = map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	}
	r.provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		h := testutil.NewFakeHandle()
		h.SpawnFunc = func(spec sandbox.SpawnSpec) (sandbox.Process, error) {
			proc := testutil.NewFakeProcess()
			if isServerSpawn(spec) {
				go h.EmitPort(sandbox.PortEvent{Port: 3000, Open: true})
				return proc, nil
			}
			proc.Finish(0)
			return proc, nil
		}
		mu.Lock()
		handles = append(handles, h)
		mu.Unlock()
		return h, nil
	}
	log := r.watch(t)

	first, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)
	waitStatus(t, log, protocol.StatusReady)

	_, err = r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	assert.ErrorIs(t, err, ErrRunActive)

	second, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo, Replace: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool {
		cur, ok := r.orch.Current()
		return ok && cur.ID == second.ID && cur.Status == protocol.StatusReady
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handles, 2)
	assert.True(t, handles[0].TornDown())
	assert.False(t, handles[1].TornDown())
}

func TestLaunchAfterErrorNeedsNoReplace(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"name":"lib"}`,
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)
	waitError(t, log)

	r.src.Files = map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	}
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		r.handle.EmitPort(sandbox.PortEvent{Port: 3000, Open: true})
	})

	_, err = r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)
	waitStatus(t, log, protocol.StatusReady)
}

func TestTeardownResetsWorkspace(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		r.handle.EmitPort(sandbox.PortEvent{Port: 3000, Open: true})
	})
	log := r.watch(t)

	snap, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)
	waitStatus(t, log, protocol.StatusReady)

	require.NoError(t, r.orch.Teardown(context.Background()))

	_, ok := r.orch.Current()
	assert.False(t, ok)
	assert.True(t, r.handle.TornDown())
	r.store.AssertCalled(t, "FinishRun", snap.ID, "idle")

	waitStatus(t, log, protocol.StatusIdle)
	require.Eventually(t, func() bool {
		_, done := log.find(protocol.EventDone)
		return done
	}, 5*time.Second, 10*time.Millisecond, "waiting for done event")

	require.NoError(t, r.orch.Teardown(context.Background()), "teardown with no run is a no-op")
}

func TestBootTimeoutMessage(t *testing.T) {
	handles := &MockHandleSource{}
	handles.On("Get", mock.Anything).Return(nil, boot.ErrBootTimeout)

	r := newRig(t, map[string]string{"index.html": "<p>hi</p>"})
	r.orch.handles = handles
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "boot timed out")
}

func TestEngineUnavailableMessage(t *testing.T) {
	handles := &MockHandleSource{}
	handles.On("Get", mock.Anything).Return(nil, sandbox.ErrEngineUnavailable)

	r := newRig(t, map[string]string{"index.html": "<p>hi</p>"})
	r.orch.handles = handles
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "engine is unreachable")
}

func TestRepoNotFoundMessage(t *testing.T) {
	r := newRig(t, nil)
	r.src.ListErr = source.ErrRepoNotFound
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	ev := waitError(t, log)
	assert.Contains(t, ev.Message, "octocat/hello-world")
	assert.Contains(t, ev.Message, "not found")
}

func TestStallNoticeWhileWaitingForReadiness(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"}}`,
	})
	r.cfg.Workflow.ReadyStallSeconds = 1
	r.serveOnRun(nil) // silent server, never ready
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(log.text(), "bound to localhost")
	}, 5*time.Second, 20*time.Millisecond)

	// non-fatal: the run is still waiting, not errored
	_, failed := log.errorEvent()
	assert.False(t, failed)

	require.NoError(t, r.orch.Teardown(context.Background()))
}

func TestBuildRunsBeforePreviewScript(t *testing.T) {
	r := newRig(t, map[string]string{
		"package.json": `{"scripts":{"build":"vite build","preview":"vite preview"},"dependencies":{"vite":"^5.0.0"}}`,
	})
	r.serveOnRun(func(proc *testutil.FakeProcess) {
		r.handle.EmitPort(sandbox.PortEvent{Port: 4173, Open: true})
	})
	log := r.watch(t)

	_, err := r.orch.Launch(context.Background(), LaunchSpec{Repo: testRepo})
	require.NoError(t, err)

	waitStatus(t, log, protocol.StatusReady)

	specs := r.handle.Spawned()
	require.Len(t, specs, 3)
	assert.Equal(t, "install", specs[0].Args[0])
	assert.Equal(t, []string{"run", "build"}, specs[1].Args)
	assert.Equal(t, "preview", specs[2].Args[1])
}
