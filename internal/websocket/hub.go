package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/pipeline"
)

// Message types sent to clients.
const (
	TypeProgress = "progress"
	TypeTask     = "task"
)

// Message is one update pushed to every connected client.
type Message struct {
	Type     string                `json:"type"`
	Progress *pipeline.Progress    `json:"progress,omitempty"`
	Task     *model.ProcessingTask `json:"task,omitempty"`
}

// Hub maintains the set of active WebSocket clients and broadcasts batch
// updates to them. It is the pipeline's Observer.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	// lastProgress is replayed to clients as they connect.
	lastProgress []byte
	logger       *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and queues the latest progress for it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.lastProgress != nil {
		c.send <- h.lastProgress
	}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.Type == TypeProgress {
		h.lastProgress = data
	}

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; the next progress message supersedes this one.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ProgressChanged broadcasts a progress snapshot.
func (h *Hub) ProgressChanged(p pipeline.Progress) {
	h.Broadcast(Message{Type: TypeProgress, Progress: &p})
}

// TaskChanged broadcasts the live state of a task.
func (h *Hub) TaskChanged(t model.ProcessingTask) {
	h.Broadcast(Message{Type: TypeTask, Task: &t})
}

var _ pipeline.Observer = (*Hub)(nil)
