// Package live streams engine notifications to dashboard clients over
// websockets.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowpbx/calltrack/internal/notify"
)

// broadcastBuffer is the number of messages queued for the hub loop.
const broadcastBuffer = 256

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a new Hub. Run must be called for messages to flow.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("subsystem", "live"),
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "client_id", c.id, "total_clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("client disconnected", "client_id", c.id, "total_clients", len(h.clients))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

// send delivers msg to every client. Clients whose buffer is full are
// dropped.
func (h *Hub) send(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn("client send buffer full, closing connection", "client_id", c.id)
		}
	}
}

// Broadcast queues msg for all clients without blocking. It reports false
// if the queue is full and the message was dropped.
func (h *Hub) Broadcast(msg []byte) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		return false
	}
}

// Notify implements notify.Sink.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	data, err := notify.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", n.Kind, err)
	}
	if !h.Broadcast(data) {
		return fmt.Errorf("live broadcast queue full, dropped %s", n.Kind)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
