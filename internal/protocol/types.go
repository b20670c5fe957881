package protocol

import (
	"bytes"
	"encoding/json"
)

// Version is stamped on every follow-up record written by the engine.
const Version = 1

// RecordKind distinguishes the two halves of the log's tagged union.
type RecordKind string

const (
	KindCommand RecordKind = "command"
	KindEvent   RecordKind = "event"
)

// CommandType is the intent of a command record.
type CommandType string

const (
	CommandCreate        CommandType = "CREATE"
	CommandLock          CommandType = "LOCK"
	CommandComplete      CommandType = "COMPLETE"
	CommandFail          CommandType = "FAIL"
	CommandExpireLock    CommandType = "EXPIRE_LOCK"
	CommandUpdateRetries CommandType = "UPDATE_RETRIES"
	CommandCancel        CommandType = "CANCEL"
)

// Commands lists every command kind the state machine understands.
var Commands = []CommandType{
	CommandCreate,
	CommandLock,
	CommandComplete,
	CommandFail,
	CommandExpireLock,
	CommandUpdateRetries,
	CommandCancel,
}

// EventType is the follow-up produced for exactly one command.
type EventType string

const (
	EventCreated                EventType = "CREATED"
	EventCreateRejected         EventType = "CREATE_REJECTED"
	EventLocked                 EventType = "LOCKED"
	EventLockRejected           EventType = "LOCK_REJECTED"
	EventCompleted              EventType = "COMPLETED"
	EventCompleteRejected       EventType = "COMPLETE_REJECTED"
	EventFailed                 EventType = "FAILED"
	EventFailRejected           EventType = "FAIL_REJECTED"
	EventLockExpired            EventType = "LOCK_EXPIRED"
	EventLockExpirationRejected EventType = "LOCK_EXPIRATION_REJECTED"
	EventRetriesUpdated         EventType = "RETRIES_UPDATED"
	EventUpdateRetriesRejected  EventType = "UPDATE_RETRIES_REJECTED"
	EventCanceled               EventType = "CANCELED"
	EventCancelRejected         EventType = "CANCEL_REJECTED"
)

// Outcomes returns the accepted and rejected follow-up for a command kind.
func (c CommandType) Outcomes() (accepted, rejected EventType, ok bool) {
	switch c {
	case CommandCreate:
		return EventCreated, EventCreateRejected, true
	case CommandLock:
		return EventLocked, EventLockRejected, true
	case CommandComplete:
		return EventCompleted, EventCompleteRejected, true
	case CommandFail:
		return EventFailed, EventFailRejected, true
	case CommandExpireLock:
		return EventLockExpired, EventLockExpirationRejected, true
	case CommandUpdateRetries:
		return EventRetriesUpdated, EventUpdateRetriesRejected, true
	case CommandCancel:
		return EventCanceled, EventCancelRejected, true
	}
	return "", "", false
}

// IsRejection reports whether the event is a <X>_REJECTED record.
func (e EventType) IsRejection() bool {
	switch e {
	case EventCreateRejected, EventLockRejected, EventCompleteRejected, EventFailRejected,
		EventLockExpirationRejected, EventUpdateRetriesRejected, EventCancelRejected:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a task aggregate.
type TaskState string

const (
	StateCreated     TaskState = "CREATED"
	StateLocked      TaskState = "LOCKED"
	StateFailed      TaskState = "FAILED"
	StateLockExpired TaskState = "LOCK_EXPIRED"
	StateCompleted   TaskState = "COMPLETED"
	StateCanceled    TaskState = "CANCELED"
)

// Terminal reports whether no further command may be accepted.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// Metadata carries routing information for the follow-up record. The state
// machine copies it verbatim and never interprets it beyond routing.
type Metadata struct {
	RequestID       string `json:"request_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
	SubscriberKey   int64  `json:"subscriber_key,omitempty"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`
	Term            int    `json:"term,omitempty"`
}

// TaskValue is the body shared by task commands and events.
type TaskValue struct {
	Type      string          `json:"type,omitempty"`
	LockOwner string          `json:"lock_owner,omitempty"`
	LockTime  int64           `json:"lock_time,omitempty"`
	Retries   int             `json:"retries"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Record is one entry of the ordered log. Exactly one of Command or Event is
// set, selected by Kind.
type Record struct {
	Position       int64       `json:"position"`
	Timestamp      int64       `json:"timestamp"`
	Kind           RecordKind  `json:"kind"`
	Command        CommandType `json:"command,omitempty"`
	Event          EventType   `json:"event,omitempty"`
	SourcePosition int64       `json:"source_position,omitempty"`
	TaskKey        int64       `json:"task_key"`
	Value          TaskValue   `json:"value"`
	Metadata       Metadata    `json:"metadata"`
	Reason         string      `json:"reason,omitempty"`
}

// Task is the aggregate held in the task store.
type Task struct {
	Key                int64           `json:"key"`
	Type               string          `json:"type"`
	State              TaskState       `json:"state"`
	LockOwner          string          `json:"lock_owner,omitempty"`
	LockExpirationTime int64           `json:"lock_expiration_time,omitempty"`
	Retries            int             `json:"retries"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Locked reports whether the task currently holds a lease.
func (t Task) Locked() bool {
	return t.State == StateLocked && t.LockOwner != ""
}

// Lockable reports whether a LOCK command would be worth dispatching. A
// failed task needs retries left; an expired lock did not consume one.
func (t Task) Lockable() bool {
	switch t.State {
	case StateCreated, StateLockExpired:
		return true
	case StateFailed:
		return t.Retries > 0
	}
	return false
}

// Clone returns a copy that does not share the payload buffer.
func (t Task) Clone() Task {
	if t.Payload != nil {
		t.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return t
}

// CreditsRequest returns credit to a subscription after a speculative lock
// was rejected. Position is the log position of the rejected command and
// deduplicates redelivery of the same compensation.
type CreditsRequest struct {
	SubscriberKey int64 `json:"subscriber_key"`
	Amount        int64 `json:"amount"`
	Position      int64 `json:"position"`
}

// SubscriptionType tags pushed records.
type SubscriptionType string

const SubscriptionTask SubscriptionType = "TASK_SUBSCRIPTION"

// SubscribedEvent is pushed to a worker channel when a lock is granted.
type SubscribedEvent struct {
	ChannelID        string           `json:"channel_id"`
	SubscriberKey    int64            `json:"subscriber_key"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	Task             Task             `json:"task"`
	Record           Record           `json:"record"`
}

// Response answers a client-originated command.
type Response struct {
	RequestID string `json:"request_id"`
	TaskKey   int64  `json:"task_key"`
	Record    Record `json:"record"`
}

// ValidPayload reports whether raw is acceptable as a task payload: absent,
// JSON null, or a JSON object.
func ValidPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return false
	}
	return true
}
