// Package event is the fire-and-forget notification sink. The live fan-out
// transport to connected clients is an external collaborator; the in-process
// hub only hands events to whoever subscribed and never blocks a publisher.
package event

import (
	"encoding/json"
	"sync"
)

// Type labels a published event.
type Type string

const (
	TypeMessageReceived    Type = "message.received"
	TypeMessageSent        Type = "message.sent"
	TypeMessageFailed      Type = "message.failed"
	TypeConversationOpened Type = "conversation.opened"
	TypeConversationMoved  Type = "conversation.status_changed"
)

// Event is one conversation/message notification.
type Event struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Publisher is the interface the engine components consume.
type Publisher interface {
	Publish(event Event)
}

// Hub is a non-blocking in-process Publisher with channel subscribers.
// Slow subscribers drop events rather than stall ingestion.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Publish delivers the event to all subscribers without blocking.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes and closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

var _ Publisher = (*Hub)(nil)
