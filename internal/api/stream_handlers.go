package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/vorschau/protocol"
)

// handleEvents streams run events as Server-Sent Events until the run emits
// its done frame or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, cancel := s.preview.Events()
	defer cancel()

	// opening frame so a late subscriber knows where the run stands
	if snap, ok := s.preview.Current(); ok {
		writeSSE(w, flusher, statusFrame(snap.Status))
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Type == protocol.EventDone {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev protocol.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// bearer auth already ran in the middleware chain
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventsWS streams the same event frames over a WebSocket. Unlike the
// SSE stream it stays open across runs until the client hangs up.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.preview.Events()
	defer cancel()

	// the read loop only services control frames and client close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap, ok := s.preview.Current(); ok {
		if err := conn.WriteJSON(statusFrame(snap.Status)); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func statusFrame(status protocol.Status) protocol.Event {
	return protocol.Event{
		Type:      protocol.EventStatus,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
}
