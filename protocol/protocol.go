// Package protocol defines the JSON message types exchanged between the
// vorschau daemon and its clients (SSE and WebSocket event streams, REST
// payloads), plus the shared output limits.
package protocol

// Status is the observable lifecycle state of a preview run. Transitions are
// strictly forward within a run; error is terminal and teardown returns the
// workspace to idle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBooting    Status = "booting"
	StatusMounting   Status = "mounting"
	StatusInstalling Status = "installing"
	StatusRunning    Status = "running"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// statusRank orders statuses for monotonicity checks. Error and idle sit
// outside the forward chain: error is reachable from any non-idle state,
// idle only via teardown.
var statusRank = map[Status]int{
	StatusIdle:       0,
	StatusBooting:    1,
	StatusMounting:   2,
	StatusInstalling: 3,
	StatusRunning:    4,
	StatusReady:      5,
}

// Forward reports whether moving from to next keeps the forward ordering.
func Forward(from, next Status) bool {
	if next == StatusError {
		return from != StatusIdle && from != StatusError
	}
	if next == StatusIdle {
		return true // teardown resets from anywhere
	}
	if from == StatusError {
		return false
	}
	return statusRank[next] > statusRank[from]
}

// EventType tags a frame on the run event stream.
type EventType string

const (
	EventStatus EventType = "status"
	EventOutput EventType = "output"
	EventReady  EventType = "ready"
	EventError  EventType = "error"
	EventDone   EventType = "done" // stream end marker, SSE/WS only
)

// Event is one frame on the run event stream.
type Event struct {
	Type      EventType `json:"type"`
	Status    Status    `json:"status,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	URL       string    `json:"url,omitempty"`
	Port      int       `json:"port,omitempty"`
	Heuristic bool      `json:"heuristic,omitempty"` // readiness inferred from output, not a port event
	Message   string    `json:"message,omitempty"`   // error events
	Timestamp int64     `json:"timestamp,omitempty"` // unix ms
}

// RunSnapshot is the REST view of a preview run.
type RunSnapshot struct {
	ID         string `json:"id"`
	Repo       string `json:"repo"`
	Kind       string `json:"kind,omitempty"`
	Framework  string `json:"framework,omitempty"`
	Status     Status `json:"status"`
	PreviewURL string `json:"preview_url,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	ReadyAt    int64  `json:"ready_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Deadline   int64  `json:"deadline,omitempty"`
}

// LaunchRequest is the body of POST /v1/previews.
type LaunchRequest struct {
	Repo    string `json:"repo"`              // owner/name or full https URL
	Ref     string `json:"ref,omitempty"`     // branch or commit, default branch when empty
	Replace bool   `json:"replace,omitempty"` // tear down an active run first
}

// DeployRequest is the body of POST /v1/deployments.
type DeployRequest struct {
	Repo string `json:"repo"`
	Site string `json:"site,omitempty"`
}

// MaxOutputBytes caps the output retained per pipeline command.
const MaxOutputBytes = 5 * 1024 * 1024 // 5 MB

// MaxFileBytes caps individual repository files accepted for mounting.
const MaxFileBytes = 1 * 1024 * 1024 // 1 MB

// WorkspaceDir is where the project tree is mounted inside the sandbox.
const WorkspaceDir = "/workspace"

// StaticPort is the fixed port the synthesized static server listens on.
const StaticPort = 3000
