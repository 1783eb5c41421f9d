package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// clientBuffer is the number of messages queued per client before new
// messages are dropped for that client.
const clientBuffer = 16

// Hub fans messages out to connected WebSocket clients. Slow clients miss
// messages rather than blocking the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan any]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan any]struct{})}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan any, func()) {
	ch := make(chan any, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			slog.Debug("websocket client too slow, dropping message")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve writes queued messages and initial to conn until the client goes
// away or the subscription ends. It closes conn when done.
func (h *Hub) Serve(conn WebSocketConn, initial any) {
	msgs, unsubscribe := h.Subscribe()
	defer unsubscribe()
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()

	// Reader goroutine detects disconnects; clients send nothing we use.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if initial != nil {
		if err := conn.WriteJSON(initial); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
