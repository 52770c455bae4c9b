// Package ws implements the real-time gateway as a websocket room hub.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 16
	// closedRoomLimit bounds the one-shot-close bookkeeping; the oldest
	// entries are evicted once a long-lived process passes it.
	closedRoomLimit = 4096
)

// Hub groups websocket connections into rooms and pushes room-addressed
// events to them. It satisfies classify.Gateway. Room close is one-shot:
// emits to a closed room are dropped.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu          sync.RWMutex
	rooms       map[string]map[*client]struct{}
	closed      map[string]struct{}
	closedOrder []string
}

// NewHub constructs a Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Session auth is an external concern; the hub accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		rooms:  make(map[string]map[*client]struct{}),
		closed: make(map[string]struct{}),
	}
}

// JoinHandler adapts ServeJoin to an http.Handler keyed by the room_id
// query parameter.
func (h *Hub) JoinHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room_id")
		if roomID == "" {
			http.Error(w, "room_id is required", http.StatusBadRequest)
			return
		}
		if err := h.ServeJoin(w, r, roomID); err != nil {
			h.logger.Warn("room join failed",
				zap.String("room_id", roomID), zap.Error(err))
		}
	})
}

type wireEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// ServeJoin upgrades the request and joins the connection to the room.
func (h *Hub) ServeJoin(w http.ResponseWriter, r *http.Request, roomID string) error {
	h.mu.Lock()
	if _, done := h.closed[roomID]; done {
		h.mu.Unlock()
		http.Error(w, "room closed", http.StatusGone)
		return fmt.Errorf("room %s is closed", roomID)
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(roomID, c)
	return nil
}

// Emit pushes the event to every connection in the room. Emits to unknown
// or closed rooms are dropped without error; the task outcome is already
// durable in the store.
func (h *Hub) Emit(event string, payload any, roomID string) error {
	data, err := json.Marshal(wireEvent{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, done := h.closed[roomID]; done {
		return nil
	}
	for c := range h.rooms[roomID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping event for slow websocket client",
				zap.String("room_id", roomID), zap.String("event", event))
		}
	}
	return nil
}

// Close marks the room closed and disconnects its clients. Later calls and
// later emits are no-ops.
func (h *Hub) Close(roomID string) error {
	h.mu.Lock()
	if _, done := h.closed[roomID]; done {
		h.mu.Unlock()
		return nil
	}
	h.closed[roomID] = struct{}{}
	h.closedOrder = append(h.closedOrder, roomID)
	if len(h.closedOrder) > closedRoomLimit {
		delete(h.closed, h.closedOrder[0])
		h.closedOrder = append(h.closedOrder[:0], h.closedOrder[1:]...)
	}
	clients := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
	return nil
}

func (h *Hub) readPump(roomID string, c *client) {
	defer func() {
		h.mu.Lock()
		if room, ok := h.rooms[roomID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, roomID)
			}
		}
		h.mu.Unlock()
		c.shutdown()
	}()
	for {
		// Clients only listen; reads exist to observe close frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.send) })
}
