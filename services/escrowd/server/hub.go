package server

import (
	"sync"

	"skillchain/services/escrowd/journal"
)

const subscriberBuffer = 64

// Hub fans journal entries out to live stream subscribers. A subscriber that
// falls a full buffer behind is disconnected rather than slowing publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan journal.Entry
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan journal.Entry)}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (h *Hub) Subscribe() (<-chan journal.Entry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan journal.Entry, subscriberBuffer)
	h.subs[id] = ch
	return ch, func() { h.remove(id) }
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers entry to every subscriber without blocking.
func (h *Hub) Publish(entry journal.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- entry:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
