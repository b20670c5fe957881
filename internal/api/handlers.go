package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

var errResponseTimeout = errors.New("timed out waiting for follow-up record")

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Applied:       s.deps.Tasks.Applied(),
		Tasks:         s.deps.Tasks.Len(),
		Subscriptions: s.deps.Subscriptions.Len(),
	})
}

// handleCreateTask handles POST /tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.execute(w, r, protocol.Record{
		Command: protocol.CommandCreate,
		Value:   protocol.TaskValue{Type: req.Type, Retries: req.Retries, Payload: req.Payload},
	}, http.StatusCreated)
}

// handleGetTask handles GET /tasks/{key}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	task, found := s.deps.Tasks.Get(key)
	if !found {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleCompleteTask handles POST /tasks/{key}/complete
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	var req CompleteTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.execute(w, r, protocol.Record{
		Command: protocol.CommandComplete,
		TaskKey: key,
		Value:   protocol.TaskValue{LockOwner: req.LockOwner, Payload: req.Payload},
	}, http.StatusOK)
}

// handleFailTask handles POST /tasks/{key}/fail
func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	var req FailTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.execute(w, r, protocol.Record{
		Command: protocol.CommandFail,
		TaskKey: key,
		Value:   protocol.TaskValue{LockOwner: req.LockOwner, Retries: req.Retries},
	}, http.StatusOK)
}

// handleUpdateRetries handles POST /tasks/{key}/retries
func (s *Server) handleUpdateRetries(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	var req UpdateRetriesRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.execute(w, r, protocol.Record{
		Command: protocol.CommandUpdateRetries,
		TaskKey: key,
		Value:   protocol.TaskValue{Retries: req.Retries},
	}, http.StatusOK)
}

// handleCancelTask handles POST /tasks/{key}/cancel
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	s.execute(w, r, protocol.Record{
		Command: protocol.CommandCancel,
		TaskKey: key,
	}, http.StatusOK)
}

// execute appends a client command and waits for its follow-up record.
// Rejections answer 409 with the rejection record.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, cmd protocol.Record, okStatus int) {
	resp, err := s.submit(r.Context(), cmd)
	switch {
	case err == nil:
	case errors.Is(err, logstream.ErrUnavailable), errors.Is(err, logstream.ErrBackpressure), errors.Is(err, logstream.ErrClosed):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, errResponseTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	case errors.Is(err, context.Canceled):
		return
	default:
		s.logger.Error("command submission failed", "command", cmd.Command, "task_key", cmd.TaskKey, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	status := okStatus
	if resp.Record.Event.IsRejection() {
		status = http.StatusConflict
	}
	respondJSON(w, status, commandResponse(resp))
}

func (s *Server) submit(ctx context.Context, cmd protocol.Record) (protocol.Response, error) {
	cmd.Kind = protocol.KindCommand
	cmd.Metadata.RequestID = uuid.NewString()

	ch, release := s.deps.Responder.Register(cmd.Metadata.RequestID)
	defer release()

	if _, err := logstream.SubmitWithRetry(ctx, s.deps.Log, cmd, s.config.Retry); err != nil {
		return protocol.Response{}, err
	}

	timer := time.NewTimer(s.config.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return protocol.Response{}, fmt.Errorf("%w: request %s", errResponseTimeout, cmd.Metadata.RequestID)
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// handleListSubscriptions handles GET /subscriptions
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Subscriptions.List())
}

// handleOpenSubscription handles POST /subscriptions
func (s *Server) handleOpenSubscription(w http.ResponseWriter, r *http.Request) {
	var req OpenSubscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = uuid.NewString()
	}
	sub, err := s.deps.Subscriptions.Open(subscription.Spec{
		ChannelID:    req.ChannelID,
		TaskType:     req.TaskType,
		LockOwner:    req.LockOwner,
		LockDuration: time.Duration(req.LockDurationMs) * time.Millisecond,
		Credits:      req.Credits,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sub.Info())
}

// handleCloseSubscription handles DELETE /subscriptions/{key}
func (s *Server) handleCloseSubscription(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	if err := s.deps.Subscriptions.Close(key); err != nil {
		s.writeSubscriptionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplenish handles POST /subscriptions/{key}/credits
func (s *Server) handleReplenish(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	var req CreditsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Subscriptions.Replenish(key, req.Credits); err != nil {
		s.writeSubscriptionError(w, err)
		return
	}
	sub, found := s.deps.Subscriptions.Get(key)
	if !found {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	respondJSON(w, http.StatusOK, sub.Info())
}

// handleTriggerExpiry handles POST /admin/expire
func (s *Server) handleTriggerExpiry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.writeError(w, http.StatusNotImplemented, "expiration checker not running")
		return
	}
	s.deps.Sweeper.Trigger()
	respondJSON(w, http.StatusAccepted, AdminResponse{Status: "triggered"})
}

// handleSnapshot handles POST /admin/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshotter == nil {
		s.writeError(w, http.StatusNotImplemented, "snapshots not configured")
		return
	}
	applied, err := s.deps.Snapshotter.SnapshotNow(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	respondJSON(w, http.StatusOK, AdminResponse{Status: "saved", Applied: applied})
}

func (s *Server) writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, subscription.ErrInvalidSubscription):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) pathKey(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil || key <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid key")
		return 0, false
	}
	return key, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
