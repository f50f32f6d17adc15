package sandbox

import (
	"context"
	"net"
	"sync"
	"time"
)

// Broadcaster fans PortEvents out to any number of subscribers. Slow
// subscribers drop events rather than blocking the watcher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan PortEvent]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan PortEvent]struct{})}
}

// Subscribe returns a channel receiving all events published after the call.
// The channel closes when ctx ends or the broadcaster shuts down.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan PortEvent {
	ch := make(chan PortEvent, 16)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()

	return ch
}

func (b *Broadcaster) Publish(ev PortEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// PortTarget is one port to probe: the sandbox-side port number, the host
// address to dial, and the URL to report when it opens.
type PortTarget struct {
	Port int
	Addr string
	URL  string
}

// WatchPorts probes the targets on a ticker and publishes open/close
// transitions. Runs until ctx is cancelled. Providers run this in a
// goroutine per handle.
func WatchPorts(ctx context.Context, targets []PortTarget, interval time.Duration, publish func(PortEvent)) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	open := make(map[int]bool, len(targets))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, t := range targets {
			isOpen := dialOK(t.Addr, interval)
			if isOpen && !open[t.Port] {
				open[t.Port] = true
				publish(PortEvent{Port: t.Port, URL: t.URL, Open: true})
			} else if !isOpen && open[t.Port] {
				open[t.Port] = false
				publish(PortEvent{Port: t.Port, URL: t.URL, Open: false})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func dialOK(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
