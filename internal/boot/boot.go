// Package boot owns the singleton sandbox handle. All activations go through
// Get: an existing handle is returned as is, an in-flight boot is joined, and
// only otherwise does a fresh boot attempt start. Nothing else in the
// codebase creates or destroys handles.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/vorschau/internal/sandbox"
)

// ErrBootTimeout means repeated boot attempts hit their deadline. The engine
// is probably wedged; retrying without operator action rarely helps.
var ErrBootTimeout = errors.New("sandbox boot timed out")

type Manager struct {
	provider sandbox.Provider
	timeout  time.Duration
	retries  int
	logger   *slog.Logger

	mu      sync.Mutex
	handle  sandbox.Handle
	attempt *attempt
}

// attempt is one in-flight boot shared by every concurrent caller. Fields
// are written before done closes and only read after.
type attempt struct {
	done   chan struct{}
	handle sandbox.Handle
	err    error
}

func NewManager(provider sandbox.Provider, timeout time.Duration, retries int, logger *slog.Logger) *Manager {
	return &Manager{
		provider: provider,
		timeout:  timeout,
		retries:  retries,
		logger:   logger,
	}
}

// Get returns the live handle, booting one if needed. Concurrent callers
// during a boot all join the same attempt and receive the same result.
func (m *Manager) Get(ctx context.Context) (sandbox.Handle, error) {
	m.mu.Lock()
	if m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	if m.attempt != nil {
		a := m.attempt
		m.mu.Unlock()
		return m.wait(ctx, a)
	}

	a := &attempt{done: make(chan struct{})}
	m.attempt = a
	m.mu.Unlock()

	// boot on its own clock so one caller's cancellation cannot abort the
	// attempt the other callers are waiting on
	go m.boot(a)

	return m.wait(ctx, a)
}

func (m *Manager) wait(ctx context.Context, a *attempt) (sandbox.Handle, error) {
	select {
	case <-a.done:
		return a.handle, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) boot(a *attempt) {
	for try := 0; try <= m.retries; try++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		h, err := m.provider.Boot(ctx, sandbox.BootOpts{Label: "vorschau"})
		cancel()

		if err == nil {
			a.handle = h
			a.err = nil
			break
		}

		if errors.Is(err, context.DeadlineExceeded) {
			a.err = fmt.Errorf("%w (attempt %d of %d)", ErrBootTimeout, try+1, m.retries+1)
			m.logger.Warn("boot attempt timed out", "attempt", try+1, "timeout", m.timeout)
			continue
		}

		// non-timeout failures do not improve on retry
		a.err = err
		break
	}

	m.mu.Lock()
	if a.err == nil {
		m.handle = a.handle
	}
	// always clear the in-flight marker so a later Get can retry cleanly
	m.attempt = nil
	m.mu.Unlock()

	close(a.done)

	if a.err == nil {
		m.logger.Info("sandbox handle acquired", "sandbox_id", a.handle.ID())
	}
}

// Current returns the live handle without booting.
func (m *Manager) Current() (sandbox.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle, m.handle != nil
}

// Release tears down and forgets the handle. No-op without one.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Teardown(ctx)
}

// Prewarm boots in the background so the first launch skips the boot wait.
func (m *Manager) Prewarm() {
	go func() {
		if _, err := m.Get(context.Background()); err != nil {
			m.logger.Warn("prewarm boot failed", "error", err)
		}
	}()
}
