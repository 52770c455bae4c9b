// Package memory contains an in-memory gateway that records room events
// for inspection in tests.
package memory

import (
	"sync"
)

// Event captures one Emit call.
type Event struct {
	Name    string
	Payload any
	RoomID  string
}

// Gateway records emits and enforces one-shot room close semantics.
type Gateway struct {
	mu     sync.RWMutex
	events []Event
	closed map[string]int
}

// New returns a memory Gateway.
func New() *Gateway {
	return &Gateway{closed: make(map[string]int)}
}

// Emit records the event unless the room has been closed.
func (g *Gateway) Emit(event string, payload any, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed[roomID] > 0 {
		return nil
	}
	g.events = append(g.events, Event{Name: event, Payload: payload, RoomID: roomID})
	return nil
}

// Close marks the room closed. Repeat closes are counted but harmless.
func (g *Gateway) Close(roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed[roomID]++
	return nil
}

// Events returns a copy of the recorded emits.
func (g *Gateway) Events() []Event {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Event, len(g.events))
	copy(out, g.events)
	return out
}

// EventsForRoom filters recorded emits by room.
func (g *Gateway) EventsForRoom(roomID string) []Event {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Event
	for _, evt := range g.events {
		if evt.RoomID == roomID {
			out = append(out, evt)
		}
	}
	return out
}

// CloseCount reports how many times the room has been closed.
func (g *Gateway) CloseCount(roomID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed[roomID]
}
