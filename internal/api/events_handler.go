package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

const keepAliveInterval = 15 * time.Second

// handleEvents handles GET /events: every follow-up record the partition applies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := startSSE(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	// Send buffered events first for late clients.
	for _, ev := range s.deps.Feed.SnapshotSince(lastID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ch, cancel := s.deps.Feed.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if !writeKeepAlive(w, flusher) {
				return
			}
		}
	}
}

// handleSubscriptionStream handles GET /subscriptions/{key}/stream: the
// locks granted to the subscription's channel, as Server-Sent Events.
func (s *Server) handleSubscriptionStream(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.streamSubscription(w, r)
	if !ok {
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	flusher.Flush()

	ch, cancel := s.deps.Push.Subscribe(sub.ChannelID)
	defer cancel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case pushed, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, pushEvent(pushed)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if !writeKeepAlive(w, flusher) {
				return
			}
		}
	}
}

func (s *Server) streamSubscription(w http.ResponseWriter, r *http.Request) (*subscription.Subscription, bool) {
	if s.deps.Push == nil {
		s.writeError(w, http.StatusNotImplemented, "push stream not available with this backend")
		return nil, false
	}
	key, ok := s.pathKey(w, r)
	if !ok {
		return nil, false
	}
	sub, found := s.deps.Subscriptions.Get(key)
	if !found {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return nil, false
	}
	return sub, true
}

func pushEvent(ev protocol.SubscribedEvent) Event {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte("{}")
	}
	return Event{ID: ev.Record.Position, Type: string(ev.Record.Event), Data: payload}
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func writeKeepAlive(w http.ResponseWriter, flusher http.Flusher) bool {
	// SSE comment line as keep-alive.
	if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
