package worker

import (
	"sync"

	"github.com/ChuLiYu/relaypool/pkg/types"
)

const subscriberBuffer = 64

// hub fans received messages out to live subscribers without blocking on
// slow listeners.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan types.ReceivedMessage
	nextID uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]chan types.ReceivedMessage)}
}

func (h *hub) subscribe() (<-chan types.ReceivedMessage, func()) {
	ch := make(chan types.ReceivedMessage, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (h *hub) publish(msg types.ReceivedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
