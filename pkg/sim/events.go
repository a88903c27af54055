package sim

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one state-change notification pushed to observers.
type Event struct {
	Name      string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans events out to connected websocket clients. Publish never
// blocks: each client has a buffered outbound queue and messages are
// dropped, with a counter, when a client cannot keep up.
type Hub struct {
	mu           sync.RWMutex
	clients      map[*HubClient]struct{}
	logger       *slog.Logger
	droppedCount atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*HubClient]struct{}),
		logger:  logger.With("component", "hub"),
	}
}

// HubClient is one subscribed websocket connection.
type HubClient struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

const clientSendBuffer = 256

// Register attaches a websocket connection and starts its writer. The
// returned client is unregistered automatically when the writer exits.
func (h *Hub) Register(conn *websocket.Conn) *HubClient {
	c := &HubClient{
		conn: conn,
		send: make(chan Event, clientSendBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.logger.Info("client subscribed", "remote_addr", conn.RemoteAddr())
	return c
}

// Unregister detaches a client and closes its queue.
func (h *Hub) Unregister(c *HubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

func (h *Hub) writeLoop(c *HubClient) {
	defer func() {
		h.Unregister(c)
		_ = c.conn.Close()
	}()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.logger.Debug("client write failed", "error", err)
			return
		}
	}
}

// Publish broadcasts an event to every subscriber, fire-and-forget.
// Ordering is preserved per publisher because events are queued in call
// order; a saturated client drops the event instead of blocking the core.
func (h *Hub) Publish(name string, payload interface{}) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			dropped := h.droppedCount.Add(1)
			if dropped%100 == 1 {
				h.logger.Error("event queue saturated", "dropped", dropped, "event", name)
			}
		}
	}
}

// DroppedCount returns how many events were discarded on saturated
// client queues.
func (h *Hub) DroppedCount() uint64 {
	return h.droppedCount.Load()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
