// Package readiness decides when a server inside the sandbox has started
// accepting traffic. Two evidence sources race: port events from the sandbox
// runtime, and "listening on ..." phrasings in process output. Port events
// are authoritative; a textual match only resolves after a grace period in
// which no port event arrived.
package readiness

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/p-arndt/vorschau/internal/sandbox"
)

// Signal is the single resolved readiness outcome of a run.
type Signal struct {
	URL       string
	Port      int
	Heuristic bool // resolved from output text, not a port event
}

// observeWindow bounds the rolling output buffer the patterns run against.
const observeWindow = 8 * 1024

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\a]*(?:\a|\x1b\\)`)

// stripANSI removes terminal control sequences so patterns see plain text.
// Dev servers under a pty color almost everything.
func stripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// listenPatterns match common server-startup phrasings. Patterns with a
// capture group yield the port; the rest fall back to the default port.
var listenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)localhost:(\d{2,5})`),
	regexp.MustCompile(`(?i)127\.0\.0\.1:(\d{2,5})`),
	regexp.MustCompile(`(?i)0\.0\.0\.0:(\d{2,5})`),
	regexp.MustCompile(`(?i)listening on(?: port)?[^0-9]*(\d{2,5})`),
	regexp.MustCompile(`(?i)ready in \d+\s*ms`),
	regexp.MustCompile(`(?i)(?:server|app)\s+(?:is\s+)?(?:running|started|ready|listening)`),
	regexp.MustCompile(`(?i)development server`),
}

func lastLineBreak(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] == '\n' || text[i] == '\r' {
			return i
		}
	}
	return -1
}

// matchListen reports whether the text looks like a startup banner and which
// port it names, if any.
func matchListen(text string) (port int, ok bool) {
	for _, pattern := range listenPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 && m[1] != "" {
			if p, err := strconv.Atoi(m[1]); err == nil {
				return p, true
			}
		}
		return 0, true
	}
	return 0, false
}

// Detector resolves at most one Signal per run. All evidence paths funnel
// through a single latch; the first resolution wins and later candidates
// are dropped.
type Detector struct {
	handle      sandbox.Handle
	grace       time.Duration
	defaultPort int
	logger      *slog.Logger

	cancel   context.CancelFunc
	resolved chan struct{}

	mu         sync.Mutex
	fired      bool
	stopped    bool
	signal     Signal
	pendingTxt bool
	window     []byte
	graceTimer *time.Timer
}

// NewDetector subscribes to the handle's port events immediately. Call it
// before spawning the server process so no event is missed.
func NewDetector(h sandbox.Handle, grace time.Duration, defaultPort int, logger *slog.Logger) *Detector {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		handle:      h,
		grace:       grace,
		defaultPort: defaultPort,
		logger:      logger,
		cancel:      cancel,
		resolved:    make(chan struct{}),
	}

	events := h.Ports(ctx)
	go func() {
		for ev := range events {
			if ev.Open {
				d.resolvePort(ev)
			}
		}
	}()

	return d
}

// Resolved closes once a signal has fired.
func (d *Detector) Resolved() <-chan struct{} {
	return d.resolved
}

// Signal returns the resolved signal, if any.
func (d *Detector) Signal() (Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal, d.fired
}

// Stop cancels the port subscription and any pending grace timer; nothing
// resolves afterwards. Safe after resolution and safe to call twice.
func (d *Detector) Stop() {
	d.cancel()
	d.mu.Lock()
	d.stopped = true
	if d.graceTimer != nil {
		d.graceTimer.Stop()
		d.graceTimer = nil
	}
	d.mu.Unlock()
}

// Observe feeds a chunk of process output into the textual fallback path.
// The first plausible match arms a grace timer; if no port event lands
// before it expires, the match resolves heuristically.
func (d *Detector) Observe(chunk []byte) {
	d.mu.Lock()

	if d.fired || d.stopped || d.pendingTxt {
		d.mu.Unlock()
		return
	}

	d.window = append(d.window, chunk...)
	if len(d.window) > observeWindow {
		d.window = d.window[len(d.window)-observeWindow:]
	}

	// only match completed lines; a port number split across chunks would
	// otherwise be captured half-written
	text := string(d.window)
	idx := lastLineBreak(text)
	if idx < 0 {
		d.mu.Unlock()
		return
	}

	port, ok := matchListen(stripANSI(text[:idx+1]))
	if !ok {
		d.mu.Unlock()
		return
	}

	if port == 0 {
		port = d.defaultPort
	}
	d.pendingTxt = true
	d.graceTimer = time.AfterFunc(d.grace, func() {
		d.resolveText(port)
	})
	d.mu.Unlock()

	d.logger.Debug("textual readiness match", "port", port, "grace", d.grace)
}

// resolvePort is the authoritative path; it wins immediately.
func (d *Detector) resolvePort(ev sandbox.PortEvent) {
	url := ev.URL
	if url == "" {
		url = d.handle.PreviewURL(ev.Port)
	}
	d.resolve(Signal{URL: url, Port: ev.Port})
}

// resolveText fires only if the grace period passed with no port event.
func (d *Detector) resolveText(port int) {
	d.resolve(Signal{URL: d.handle.PreviewURL(port), Port: port, Heuristic: true})
}

func (d *Detector) resolve(sig Signal) {
	d.mu.Lock()
	if d.fired || d.stopped {
		d.mu.Unlock()
		return
	}
	d.fired = true
	d.signal = sig
	if d.graceTimer != nil {
		d.graceTimer.Stop()
		d.graceTimer = nil
	}
	d.window = nil
	d.mu.Unlock()

	close(d.resolved)
	d.logger.Info("server ready", "url", sig.URL, "port", sig.Port, "heuristic", sig.Heuristic)
}
