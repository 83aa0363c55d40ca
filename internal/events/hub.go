// Package events fans provider push events out to subscribers without ever
// blocking the publisher.
package events

import (
	"sync"
	"sync/atomic"
)

// Hub delivers published values to every subscriber. A subscriber whose
// buffer is full misses the value; the miss is counted.
type Hub[E any] struct {
	mu      sync.Mutex
	subs    map[int]chan E
	next    int
	closed  bool
	dropped atomic.Uint64
}

func NewHub[E any]() *Hub[E] {
	return &Hub[E]{subs: make(map[int]chan E)}
}

// Subscribe returns a channel of future values and a cancel function that
// closes it. Cancel is idempotent. Subscribing to a closed hub yields a
// closed channel.
func (h *Hub[E]) Subscribe(buffer int) (<-chan E, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan E, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish offers e to every subscriber and returns how many took it.
func (h *Hub[E]) Publish(e E) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- e:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers reports the current subscriber count.
func (h *Hub[E]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts values lost to full subscriber buffers.
func (h *Hub[E]) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (h *Hub[E]) Close() {
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
