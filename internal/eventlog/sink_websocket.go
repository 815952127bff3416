package eventlog

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketSink fans envelopes out to every currently-connected websocket
// client, the same broadcast-to-all-subscribers shape the teacher's
// web/broker used for its pub/sub clients, adapted here to the sink
// interface instead of a bespoke publish/subscribe API.
type WebSocketSink struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewWebSocketSink() *WebSocketSink {
	return &WebSocketSink{clients: make(map[*websocket.Conn]struct{})}
}

func (w *WebSocketSink) Kind() string { return "websocket" }

// Register adds a connection to receive future broadcasts. Remove should be
// called once the connection's read loop returns.
func (w *WebSocketSink) Register(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.clients[conn] = struct{}{}
}

func (w *WebSocketSink) Remove(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.clients, conn)
}

func (w *WebSocketSink) Publish(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for conn := range w.clients {
		if werr := conn.WriteMessage(websocket.TextMessage, body); werr != nil {
			conn.Close()
			delete(w.clients, conn)
		}
	}

	return nil
}
