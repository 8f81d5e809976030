package notify

import (
	"sync"

	"pkt.systems/pslog"
)

// Hub fans events out to in-process subscribers (the /events stream).
// Subscriber channels are buffered; a slow subscriber loses events rather
// than blocking the emitter.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger pslog.Logger
}

// NewHub creates an event hub.
func NewHub(logger pslog.Logger) *Hub {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Emit delivers ev to every subscriber without blocking.
func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("notify.hub.dropped", "subscriber", id, "event", ev.Name)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 16)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
