package store

import (
	"sync"

	"rentchat/internal/domain/chat"
)

// UpdateKind says which projection changed.
type UpdateKind string

const (
	UpdateMessages   UpdateKind = "messages"
	UpdateRooms      UpdateKind = "rooms"
	UpdateReceipts   UpdateKind = "receipts"
	UpdateConnection UpdateKind = "connection"
)

// Update is a change notification delivered to UI subscribers. RoomID is
// empty for room-list-wide and connection updates.
type Update struct {
	Kind   UpdateKind
	RoomID chat.RoomID
}

// Hub fans change notifications out to subscribers. Sends never block:
// a subscriber whose buffer is full misses the notification and is
// expected to re-read on the next one.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Update)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// func removes the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an update to every subscriber without blocking.
func (h *Hub) Publish(update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub <- update:
		default:
		}
	}
}

// Close drops all subscribers. Further publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}
