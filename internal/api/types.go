package api

import (
	"encoding/json"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// CreateTaskRequest is the JSON body for POST /tasks
type CreateTaskRequest struct {
	Type    string          `json:"type"`
	Retries int             `json:"retries"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CompleteTaskRequest is the JSON body for POST /tasks/{key}/complete
type CompleteTaskRequest struct {
	LockOwner string          `json:"lock_owner"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FailTaskRequest is the JSON body for POST /tasks/{key}/fail
type FailTaskRequest struct {
	LockOwner string `json:"lock_owner"`
	Retries   int    `json:"retries"`
}

// UpdateRetriesRequest is the JSON body for POST /tasks/{key}/retries
type UpdateRetriesRequest struct {
	Retries int `json:"retries"`
}

// CommandResponse is returned by every command endpoint, accepted or not.
type CommandResponse struct {
	RequestID      string             `json:"request_id"`
	TaskKey        int64              `json:"task_key"`
	Event          protocol.EventType `json:"event"`
	Position       int64              `json:"position"`
	SourcePosition int64              `json:"source_position"`
	Reason         string             `json:"reason,omitempty"`
	Value          protocol.TaskValue `json:"value"`
}

func commandResponse(resp protocol.Response) CommandResponse {
	return CommandResponse{
		RequestID:      resp.RequestID,
		TaskKey:        resp.TaskKey,
		Event:          resp.Record.Event,
		Position:       resp.Record.Position,
		SourcePosition: resp.Record.SourcePosition,
		Reason:         resp.Record.Reason,
		Value:          resp.Record.Value,
	}
}

// OpenSubscriptionRequest is the JSON body for POST /subscriptions.
// ChannelID defaults to a fresh id.
type OpenSubscriptionRequest struct {
	ChannelID      string `json:"channel_id,omitempty"`
	TaskType       string `json:"task_type"`
	LockOwner      string `json:"lock_owner"`
	LockDurationMs int64  `json:"lock_duration_ms"`
	Credits        int64  `json:"credits"`
}

// CreditsRequest is the JSON body for POST /subscriptions/{key}/credits and
// the message a worker sends over the WebSocket stream.
type CreditsRequest struct {
	Credits int64 `json:"credits"`
}

// AdminResponse is returned by the admin endpoints.
type AdminResponse struct {
	Status  string `json:"status"`
	Applied int64  `json:"applied,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Applied       int64  `json:"applied"`
	Tasks         int    `json:"tasks"`
	Subscriptions int    `json:"subscriptions"`
}
