// Package sandbox defines the capability surface the orchestrator drives:
// boot an isolated environment, mount a file tree, spawn processes, observe
// opened ports, tear down. Providers implement it; nothing in this package
// runs anything itself.
package sandbox

import (
	"context"
	"errors"

	"github.com/p-arndt/vorschau/internal/project"
)

var (
	// ErrEngineUnavailable means the backing runtime cannot be reached at
	// all (daemon down, socket missing). Boot retries will not help.
	ErrEngineUnavailable = errors.New("sandbox engine unavailable")

	// ErrTornDown is returned by handle operations after Teardown.
	ErrTornDown = errors.New("sandbox torn down")

	// ErrFileNotFound is returned by ReadFile when the path does not exist
	// in the workspace.
	ErrFileNotFound = errors.New("file not found in sandbox")
)

// BootOpts carries per-boot parameters. Provider-wide settings (image,
// limits, ports) come from configuration at provider construction.
type BootOpts struct {
	// Label tags provider resources so orphans can be reconciled later.
	Label string
}

// SpawnSpec describes one process to start inside the sandbox.
type SpawnSpec struct {
	Cmd  string
	Args []string
	Env  []string // KEY=VALUE pairs appended to the sandbox environment
	Dir  string   // working directory, defaults to the workspace mount
	TTY  bool     // allocate a terminal so dev tools emit interactive banners
}

// ExitStatus is the terminal state of a spawned process.
type ExitStatus struct {
	Code int
	Err  error // transport-level failure; nil on a normal exit, any code
}

// Process is a running command. Output carries combined stdout+stderr and is
// closed when the process ends; Exit delivers exactly one status and is then
// closed. Kill is idempotent.
type Process interface {
	Output() <-chan []byte
	Exit() <-chan ExitStatus
	Kill() error
}

// PortEvent reports a network port opening or closing inside the sandbox,
// with the externally reachable URL for it. These events are the
// authoritative readiness evidence.
type PortEvent struct {
	Port int
	URL  string
	Open bool
}

// Handle is one live sandbox. Created and destroyed only by the boot
// manager; every other component borrows it.
type Handle interface {
	ID() string

	// Mount materializes the tree under the workspace directory. Mounting
	// the same tree again is idempotent with respect to file contents.
	Mount(ctx context.Context, tree *project.Tree) error

	WriteFile(ctx context.Context, path string, content []byte) error
	ReadFile(ctx context.Context, path string, maxBytes int) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)

	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)

	// Ports returns a fresh subscription to port events. The channel closes
	// when ctx ends or the handle is torn down. Subscribe before spawning
	// the process whose ports matter.
	Ports(ctx context.Context) <-chan PortEvent

	// PreviewURL maps a sandbox-side port to the URL a browser on the
	// outside can reach it at.
	PreviewURL(port int) string

	Teardown(ctx context.Context) error
}

// Provider boots sandboxes against some backing runtime.
type Provider interface {
	Boot(ctx context.Context, opts BootOpts) (Handle, error)
	Ping(ctx context.Context) error
	Close() error
}
