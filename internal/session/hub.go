package session

import (
	"sync"

	"github.com/XavTo/OpenHands-Fork/internal/supervisor"
)

const subscriberBuffer = 64

// Hub fans sandbox events out to live subscribers (the websocket gateway).
// Slow subscribers drop events rather than stall the supervisor; the full
// history stays in the event store.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan supervisor.Event]struct{} // session ID -> subscribers
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan supervisor.Event]struct{})}
}

// Publish delivers an event to every subscriber of its session. Never blocks.
func (h *Hub) Publish(ev supervisor.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default: // Subscriber too slow, drop.
		}
	}
}

// Subscribe registers interest in one session's events. The returned cancel
// function must be called to release the subscription.
func (h *Hub) Subscribe(sessionID string) (<-chan supervisor.Event, func()) {
	ch := make(chan supervisor.Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan supervisor.Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// CloseSession drops every subscriber of one session. Subscriber channels
// are closed so streaming handlers unblock; no Publish can race the close
// because Publish holds the read lock.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
	h.mu.Unlock()
}
