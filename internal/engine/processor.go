package engine

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/state"
)

// ErrFatal marks an integrity failure. The apply loop halts on it instead of
// producing a rejection.
var ErrFatal = errors.New("fatal state machine error")

// Outcome is the result of applying one command: the follow-up record and
// the side effects it requests.
type Outcome struct {
	Event protocol.Record

	// Respond is set when the command must be answered on the response
	// channel.
	Respond bool

	// Push is set when a lock was granted to a subscribed channel.
	Push *protocol.SubscribedEvent

	// Credits is set when a speculative lock lost its race.
	Credits *protocol.CreditsRequest

	// Lockable is set when the task became available for a lock attempt.
	Lockable *protocol.Task
}

// Processor is the task lifecycle state machine. It is not safe for
// concurrent use; the apply loop owns it.
type Processor struct {
	store *state.Store
	term  int
}

func NewProcessor(store *state.Store, term int) *Processor {
	return &Processor{store: store, term: term}
}

// Apply applies cmd to the store and returns its outcome. now is the
// timestamp the log stamped on cmd. Rejections are outcomes, not errors; the
// returned error is always ErrFatal wrapped.
func (p *Processor) Apply(cmd protocol.Record, now int64) (Outcome, error) {
	if cmd.Kind != protocol.KindCommand {
		return Outcome{}, fmt.Errorf("%w: position %d is not a command", ErrFatal, cmd.Position)
	}

	var (
		task   protocol.Task
		exists bool
	)
	if cmd.Command != protocol.CommandCreate {
		task, exists = p.store.Get(cmd.TaskKey)
		if exists {
			if err := checkIntegrity(task); err != nil {
				return Outcome{}, err
			}
		}
	}

	var (
		result protocol.Task
		reason string
	)
	switch cmd.Command {
	case protocol.CommandCreate:
		result, reason = p.create(cmd)
	case protocol.CommandLock:
		result, reason = lock(cmd, task, exists, now)
	case protocol.CommandComplete:
		result, reason = complete(cmd, task, exists)
	case protocol.CommandFail:
		result, reason = fail(cmd, task, exists)
	case protocol.CommandExpireLock:
		result, reason = expire(task, exists, now)
	case protocol.CommandUpdateRetries:
		result, reason = updateRetries(cmd, task, exists)
	case protocol.CommandCancel:
		result, reason = cancel(task, exists)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown command %q at position %d", ErrFatal, cmd.Command, cmd.Position)
	}

	accepted, rejected, _ := cmd.Command.Outcomes()
	out := Outcome{}
	if reason != "" {
		out.Event = p.followUp(cmd, rejected, now)
		out.Event.Value = cmd.Value
		out.Event.Reason = reason
		p.store.SetApplied(cmd.Position)
	} else {
		p.store.Apply(result, cmd.Position)
		out.Event = p.followUp(cmd, accepted, now)
		out.Event.TaskKey = result.Key
		out.Event.Value = protocol.TaskValue{
			Type:      result.Type,
			LockOwner: result.LockOwner,
			LockTime:  result.LockExpirationTime,
			Retries:   result.Retries,
			Payload:   result.Payload,
		}
	}

	out.Respond = cmd.Metadata.RequestID != "" && cmd.Command != protocol.CommandLock

	switch out.Event.Event {
	case protocol.EventLocked:
		if cmd.Metadata.ChannelID != "" {
			out.Push = &protocol.SubscribedEvent{
				ChannelID:        cmd.Metadata.ChannelID,
				SubscriberKey:    cmd.Metadata.SubscriberKey,
				SubscriptionType: protocol.SubscriptionTask,
				Task:             result.Clone(),
				Record:           out.Event,
			}
		}
	case protocol.EventLockRejected:
		if cmd.Metadata.SubscriberKey != 0 {
			out.Credits = &protocol.CreditsRequest{
				SubscriberKey: cmd.Metadata.SubscriberKey,
				Amount:        1,
				Position:      cmd.Position,
			}
		}
	case protocol.EventCreated, protocol.EventFailed, protocol.EventLockExpired, protocol.EventRetriesUpdated:
		if result.Lockable() {
			t := result.Clone()
			out.Lockable = &t
		}
	}
	return out, nil
}

func (p *Processor) followUp(cmd protocol.Record, ev protocol.EventType, now int64) protocol.Record {
	md := cmd.Metadata
	md.ProtocolVersion = protocol.Version
	md.Term = p.term
	return protocol.Record{
		Timestamp:      now,
		Kind:           protocol.KindEvent,
		Event:          ev,
		SourcePosition: cmd.Position,
		TaskKey:        cmd.TaskKey,
		Metadata:       md,
	}
}

func checkIntegrity(t protocol.Task) error {
	switch t.State {
	case protocol.StateLocked:
		if t.LockOwner == "" {
			return fmt.Errorf("%w: task %d is LOCKED without an owner", ErrFatal, t.Key)
		}
	case protocol.StateCreated, protocol.StateFailed, protocol.StateLockExpired,
		protocol.StateCompleted, protocol.StateCanceled:
	default:
		return fmt.Errorf("%w: task %d has unknown state %q", ErrFatal, t.Key, t.State)
	}
	return nil
}

func (p *Processor) create(cmd protocol.Record) (protocol.Task, string) {
	key := cmd.TaskKey
	if key == 0 {
		key = cmd.Position
	}
	if _, ok := p.store.Get(key); ok {
		return protocol.Task{}, "task key is already in use"
	}
	if cmd.Value.Type == "" {
		return protocol.Task{}, "task type must not be empty"
	}
	if !protocol.ValidPayload(cmd.Value.Payload) {
		return protocol.Task{}, "payload must be a JSON object"
	}
	return protocol.Task{
		Key:     key,
		Type:    cmd.Value.Type,
		State:   protocol.StateCreated,
		Retries: cmd.Value.Retries,
		Payload: cmd.Value.Payload,
	}, ""
}

func lock(cmd protocol.Record, t protocol.Task, exists bool, now int64) (protocol.Task, string) {
	switch {
	case !exists:
		return t, "task does not exist"
	case t.Locked():
		return t, "task is already locked"
	case t.State != protocol.StateCreated && t.State != protocol.StateFailed && t.State != protocol.StateLockExpired:
		return t, fmt.Sprintf("task is not lockable in state %s", t.State)
	case cmd.Value.LockTime == 0:
		return t, "lock time is not set"
	case cmd.Value.LockTime <= now:
		return t, "lock time is not in the future"
	case cmd.Value.LockOwner == "":
		return t, "lock owner is not set"
	}
	t.State = protocol.StateLocked
	t.LockOwner = cmd.Value.LockOwner
	t.LockExpirationTime = cmd.Value.LockTime
	return t, ""
}

func complete(cmd protocol.Record, t protocol.Task, exists bool) (protocol.Task, string) {
	switch {
	case !exists:
		return t, "task does not exist"
	case t.State.Terminal():
		return t, fmt.Sprintf("task is already %s", t.State)
	case !t.Locked():
		return t, "task is not locked"
	case cmd.Value.LockOwner != t.LockOwner:
		return t, "task is locked by another owner"
	case !protocol.ValidPayload(cmd.Value.Payload):
		return t, "payload must be a JSON object"
	}
	t.State = protocol.StateCompleted
	t.LockOwner = ""
	t.LockExpirationTime = 0
	t.Payload = cmd.Value.Payload
	return t, ""
}

func fail(cmd protocol.Record, t protocol.Task, exists bool) (protocol.Task, string) {
	switch {
	case !exists:
		return t, "task does not exist"
	case !t.Locked():
		return t, "task is not locked"
	case cmd.Value.LockOwner != t.LockOwner:
		return t, "task is locked by another owner"
	}
	t.State = protocol.StateFailed
	t.LockOwner = ""
	t.LockExpirationTime = 0
	t.Retries = cmd.Value.Retries
	return t, ""
}

func expire(t protocol.Task, exists bool, now int64) (protocol.Task, string) {
	switch {
	case !exists:
		return t, "task does not exist"
	case !t.Locked():
		return t, "task is not locked"
	case now < t.LockExpirationTime:
		return t, "lock has not expired"
	}
	t.State = protocol.StateLockExpired
	t.LockOwner = ""
	t.LockExpirationTime = 0
	return t, ""
}

func updateRetries(cmd protocol.Record, t protocol.Task, exists bool) (protocol.Task, string) {
	switch {
	case !exists:
		return t, "task does not exist"
	case t.State != protocol.StateFailed && t.State != protocol.StateLockExpired:
		return t, fmt.Sprintf("task is not failed but %s", t.State)
	case cmd.Value.Retries < 1:
		return t, "retries must be at least 1"
	}
	t.Retries = cmd.Value.Retries
	return t, ""
}

func cancel(t protocol.Task, exists bool) (protocol.Task, string) {
	switch {
	case !exists:
		return t, "task does not exist"
	case t.State.Terminal():
		return t, fmt.Sprintf("task is already %s", t.State)
	}
	t.State = protocol.StateCanceled
	t.LockOwner = ""
	t.LockExpirationTime = 0
	return t, ""
}
