package workflow

import (
	"sync"
	"time"

	"github.com/p-arndt/vorschau/protocol"
)

// subscriber buffer; a consumer this far behind loses frames rather than
// stalling the pipeline
const eventBuffer = 256

type hub struct {
	mu   sync.Mutex
	subs map[chan protocol.Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan protocol.Event]struct{})}
}

func (h *hub) subscribe() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *hub) publish(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Events returns a subscription to the run event stream plus its cancel
// function. Frames arrive in publish order; a run ends with a done frame.
func (o *Orchestrator) Events() (<-chan protocol.Event, func()) {
	return o.hub.subscribe()
}

func (o *Orchestrator) publish(ev protocol.Event) {
	ev.Timestamp = time.Now().UnixMilli()
	o.hub.publish(ev)
}

// Notify is the callback view of the event stream for consumers that prefer
// hooks over channels. Any field may be nil.
type Notify struct {
	StatusChange func(protocol.Status)
	Output       func(chunk string)
	ServerReady  func(url string)
	Error        func(message string)
}

// Watch relays events to the callbacks until the returned stop function is
// called. Status callbacks arrive in forward order; ready and error fire at
// most once per run.
func (o *Orchestrator) Watch(n Notify) (stop func()) {
	events, cancel := o.Events()
	go func() {
		for ev := range events {
			switch ev.Type {
			case protocol.EventStatus:
				if n.StatusChange != nil {
					n.StatusChange(ev.Status)
				}
			case protocol.EventOutput:
				if n.Output != nil {
					n.Output(ev.Chunk)
				}
			case protocol.EventReady:
				if n.ServerReady != nil {
					n.ServerReady(ev.URL)
				}
			case protocol.EventError:
				if n.Error != nil {
					n.Error(ev.Message)
				}
			}
		}
	}()
	return cancel
}
