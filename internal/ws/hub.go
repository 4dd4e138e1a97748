package ws

import (
	"sync"
)

// Hub tracks the live connections of a Handler so they can be torn down
// together on shutdown.
type Hub struct {
	conns  map[*Conn]struct{}
	closed bool
	mu     sync.RWMutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*Conn]struct{}),
	}
}

// Register adds a connection. It reports false once the hub is closed.
func (h *Hub) Register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

// Unregister removes a connection.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Closed reports whether Close was called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close stops accepting connections and returns the ones still live.
func (h *Hub) Close() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}
