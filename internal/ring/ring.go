// Package ring holds the bounded, in-memory buffer of broadcasts a worker
// has received. Entries are evicted oldest-first once capacity is reached.
package ring

import (
	"sync"

	"github.com/ChuLiYu/relaypool/pkg/types"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 100

// MessageRing is a fixed-capacity FIFO of received messages.
type MessageRing struct {
	mu      sync.RWMutex
	entries []types.ReceivedMessage
	start   int // index of the oldest entry
	count   int
}

// New creates a ring with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int) *MessageRing {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageRing{
		entries: make([]types.ReceivedMessage, capacity),
	}
}

// Append inserts msg, evicting the oldest entry when full. It reports
// whether an entry was evicted.
func (r *MessageRing) Append(msg types.ReceivedMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = msg
		r.count++
		return false
	}

	r.entries[r.start] = msg
	r.start = (r.start + 1) % len(r.entries)
	return true
}

// List returns a copy of the contents in arrival order. It never returns
// nil so that callers can encode it as an empty JSON array.
func (r *MessageRing) List() []types.ReceivedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ReceivedMessage, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of buffered messages.
func (r *MessageRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *MessageRing) Cap() int {
	return len(r.entries)
}
