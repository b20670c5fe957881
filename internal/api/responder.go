package api

import (
	"sync"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// Responder routes follow-up records back to the HTTP request that
// submitted the command. A response for a request nobody waits on any more
// is dropped.
type Responder struct {
	mu      sync.Mutex
	waiters map[string]chan protocol.Response
}

func NewResponder() *Responder {
	return &Responder{waiters: make(map[string]chan protocol.Response)}
}

// Register must be called before the command is appended. The returned
// cancel func releases the slot.
func (r *Responder) Register(requestID string) (<-chan protocol.Response, func()) {
	ch := make(chan protocol.Response, 1)
	r.mu.Lock()
	r.waiters[requestID] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.waiters, requestID)
		r.mu.Unlock()
	}
}

// WriteResponse never blocks the apply loop.
func (r *Responder) WriteResponse(resp protocol.Response) {
	r.mu.Lock()
	ch, ok := r.waiters[resp.RequestID]
	delete(r.waiters, resp.RequestID)
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Waiting returns the number of registered requests.
func (r *Responder) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
