package api

import (
	"encoding/json"
	"sync"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

const DefaultFeedBacklog = 256

type Event struct {
	ID   int64
	Type string
	Data []byte // JSON payload
}

// Feed is an in-memory pub/sub of follow-up records with a small ring buffer
// for late clients. Event IDs are log positions, so Last-Event-ID resumes
// from where a client left off.
type Feed struct {
	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 1
	}
	return &Feed{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Observe publishes rec. It matches the engine observer signature.
func (f *Feed) Observe(rec protocol.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		payload = []byte("{}")
	}
	ev := Event{
		ID:   rec.Position,
		Type: string(rec.Event),
		Data: payload,
	}

	f.mu.Lock()
	f.pushLocked(ev)
	for _, ch := range f.subs {
		// Don't let slow clients block the apply loop.
		select {
		case ch <- ev:
		default:
		}
	}
	f.mu.Unlock()
}

func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSubID
	f.nextSubID++
	ch := make(chan Event, 32)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
		f.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (f *Feed) SnapshotSince(lastID int64) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Event, 0, f.size)
	for i := 0; i < f.size; i++ {
		ev := f.ring[(f.start+i)%len(f.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Feed) pushLocked(ev Event) {
	capacity := len(f.ring)
	if f.size < capacity {
		f.ring[(f.start+f.size)%capacity] = ev
		f.size++
		return
	}

	// Overwrite oldest.
	f.ring[f.start] = ev
	f.start = (f.start + 1) % capacity
}
