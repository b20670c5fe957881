package push

import "github.com/mattjoyce/tasklease/internal/protocol"

// Writer is the push channel the engine writes to.
type Writer interface {
	Push(ev protocol.SubscribedEvent)
}

// Fanout pushes to every writer in order.
type Fanout []Writer

func (f Fanout) Push(ev protocol.SubscribedEvent) {
	for _, w := range f {
		w.Push(ev)
	}
}
