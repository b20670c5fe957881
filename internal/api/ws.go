package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// bearer auth already ran; browsers connecting cross-origin are allowed
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSubscriptionSocket handles GET /subscriptions/{key}/ws. Granted
// locks are written as JSON text frames. The worker replenishes credit by
// sending {"credits": n}.
func (s *Server) handleSubscriptionSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.streamSubscription(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Debug("websocket upgrade failed", "subscriber_key", sub.Key, "error", err)
		return
	}
	conn.SetReadLimit(wsMaxMessageSize)

	pushes, cancel := s.deps.Push.Subscribe(sub.ChannelID)
	defer cancel()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(messageType, data)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readCredits(conn, sub.Key, write)
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	defer func() {
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		writeMu.Unlock()
		_ = conn.Close()
		<-done
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-pushes:
			if !ok {
				return
			}
			if err := s.writePush(write, ev); err != nil {
				s.logger.Debug("websocket push failed", "subscriber_key", sub.Key, "error", err)
				return
			}
		}
	}
}

func (s *Server) writePush(write func(int, []byte) error, ev protocol.SubscribedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return write(websocket.TextMessage, data)
}

// readCredits applies credit messages until the connection closes.
func (s *Server) readCredits(conn *websocket.Conn, key int64, write func(int, []byte) error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "subscriber_key", key, "error", err)
			}
			return
		}

		var req CreditsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeSocketError(write, "invalid JSON")
			continue
		}
		if err := s.deps.Subscriptions.Replenish(key, req.Credits); err != nil {
			s.writeSocketError(write, err.Error())
		}
	}
}

func (s *Server) writeSocketError(write func(int, []byte) error, message string) {
	data, _ := json.Marshal(ErrorResponse{Error: message})
	_ = write(websocket.TextMessage, data)
}
