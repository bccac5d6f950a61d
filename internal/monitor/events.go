package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/util"
)

const (
	clientBufferSize = 64
	writeTimeout     = 5 * time.Second
)

// eventJSON is the wire form of a dispatch.Event on /events.
type eventJSON struct {
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Peer    string    `json:"peer,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Command string    `json:"command,omitempty"`
	Bytes   int       `json:"bytes,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func encodeEvent(ev dispatch.Event) ([]byte, error) {
	out := eventJSON{
		Kind:    ev.Kind.String(),
		At:      ev.At,
		Subject: ev.Subject,
		Command: ev.Command,
		Bytes:   len(ev.Data),
	}
	if ev.Peer.IsValid() {
		out.Peer = ev.Peer.String()
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return json.Marshal(out)
}

// hub fans events out to WebSocket watchers. A watcher that falls behind
// loses events rather than stalling the endpoint.
type hub struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{watchers: make(map[*watcher]struct{})}
}

func (h *hub) publish(ev dispatch.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		util.LogDebug("encode %s event: %v", ev.Kind, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		select {
		case w.send <- data:
		default:
		}
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// serve streams events to conn until it closes.
func (h *hub) serve(conn *websocket.Conn) {
	w := &watcher{conn: conn, send: make(chan []byte, clientBufferSize)}

	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Watchers only listen; reading detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.watchers, w)
		h.mu.Unlock()
		conn.Close()
		<-done
	}()

	for {
		select {
		case data := <-w.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// closeAll disconnects every watcher.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		w.conn.Close()
	}
}
