package relay

import "sync"

// changeNote is broadcast to change-feed subscribers after a push that
// inserted at least one operation.
type changeNote struct {
	Event  string `json:"event"`
	Cursor int64  `json:"cursor"`
}

// hub fans change notes out to websocket subscribers. Sends never
// block: a subscriber that cannot keep up misses a note and catches up
// on its next pull anyway.
type hub struct {
	mu   sync.Mutex
	subs map[chan changeNote]struct{}
}

func newHub() *hub {
	return &hub{subs: map[chan changeNote]struct{}{}}
}

func (h *hub) subscribe() chan changeNote {
	ch := make(chan changeNote, 8)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *hub) unsubscribe(ch chan changeNote) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(note changeNote) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- note:
		default:
		}
	}
}

// subscriberCount reports the current number of feed subscribers.
func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}
