// Package push delivers granted locks to the channel a subscription was
// opened on.
package push

import (
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

const DefaultBacklog = 64

// Hub is an in-memory push fan-out keyed by channel id. Each channel keeps a
// small ring of recent pushes for workers that connect late.
type Hub struct {
	backlog int

	mu        sync.Mutex
	channels  map[string]*channel
	nextSubID int

	delivered atomic.Int64
	dropped   atomic.Int64
}

type channel struct {
	ring  []protocol.SubscribedEvent
	start int
	size  int
	subs  map[int]chan protocol.SubscribedEvent
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		backlog:  backlog,
		channels: make(map[string]*channel),
	}
}

func (h *Hub) channelLocked(id string) *channel {
	c, ok := h.channels[id]
	if !ok {
		c = &channel{
			ring: make([]protocol.SubscribedEvent, h.backlog),
			subs: make(map[int]chan protocol.SubscribedEvent),
		}
		h.channels[id] = c
	}
	return c
}

// Push delivers ev to every listener of its channel without blocking. A
// listener whose buffer is full misses the push.
func (h *Hub) Push(ev protocol.SubscribedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.channelLocked(ev.ChannelID)
	c.pushLocked(ev)
	for _, ch := range c.subs {
		select {
		case ch <- ev:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe listens on channelID. Buffered pushes still in the channel's
// backlog are delivered first.
func (h *Hub) Subscribe(channelID string) (<-chan protocol.SubscribedEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.channelLocked(channelID)
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan protocol.SubscribedEvent, h.backlog+16)
	for i := 0; i < c.size; i++ {
		ch <- c.ring[(c.start+i)%len(c.ring)]
	}
	c.start, c.size = 0, 0
	c.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Listeners returns the number of listeners on channelID.
func (h *Hub) Listeners(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.channels[channelID]; ok {
		return len(c.subs)
	}
	return 0
}

// Stats returns how many pushes were handed to listeners and how many were
// dropped on full buffers.
func (h *Hub) Stats() (delivered, dropped int64) {
	return h.delivered.Load(), h.dropped.Load()
}

func (c *channel) pushLocked(ev protocol.SubscribedEvent) {
	if len(c.subs) > 0 {
		return
	}
	capacity := len(c.ring)
	if c.size < capacity {
		c.ring[(c.start+c.size)%capacity] = ev
		c.size++
		return
	}
	// Overwrite oldest.
	c.ring[c.start] = ev
	c.start = (c.start + 1) % capacity
}
