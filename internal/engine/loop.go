package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/tasklease/internal/log"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/state"
)

// Stream is the ordered log the loop consumes and appends follow-ups to.
type Stream interface {
	Append(ctx context.Context, rec protocol.Record) (int64, error)
	Run(ctx context.Context, from int64, handler func(protocol.Record) error) error
	MarkApplied(pos int64)
	Recovered() int64
}

// ResponseWriter answers client-originated commands.
type ResponseWriter interface {
	WriteResponse(resp protocol.Response)
}

// PushWriter delivers granted locks to subscribed channels.
type PushWriter interface {
	Push(ev protocol.SubscribedEvent)
}

// Matcher receives the lock-related side effects of applied commands. None of
// its methods may block the apply loop.
type Matcher interface {
	OnLockable(task protocol.Task)
	OnLockOutcome(rec protocol.Record)
	IncreaseCreditsAsync(req protocol.CreditsRequest)
}

type Option func(*Loop)

func WithResponses(w ResponseWriter) Option {
	return func(l *Loop) { l.responses = w }
}

func WithPush(w PushWriter) Option {
	return func(l *Loop) { l.push = w }
}

func WithMatcher(m Matcher) Option {
	return func(l *Loop) { l.matcher = m }
}

// WithObserver is called with every follow-up record produced after replay.
func WithObserver(fn func(protocol.Record)) Option {
	return func(l *Loop) { l.observe = fn }
}

func WithPartition(id int) Option {
	return func(l *Loop) { l.logger = log.WithPartition(id).With("component", "engine") }
}

// Loop is the single apply goroutine of a partition.
type Loop struct {
	stream    Stream
	store     *state.Store
	proc      *Processor
	responses ResponseWriter
	push      PushWriter
	matcher   Matcher
	observe   func(protocol.Record)
	logger    *slog.Logger

	replayUntil int64
}

func NewLoop(stream Stream, store *state.Store, term int, opts ...Option) *Loop {
	l := &Loop{
		stream: stream,
		store:  store,
		proc:   NewProcessor(store, term),
		logger: log.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run applies records from the store's applied position onwards until ctx is
// done or a fatal error occurs. Records recovered from the journal when the
// log was opened are replayed: the store is rebuilt but no follow-ups are
// appended and no side effects are emitted. Anything appended after Open is
// live, even if it arrived before Run.
func (l *Loop) Run(ctx context.Context) error {
	applied := l.store.Applied()
	l.stream.MarkApplied(applied)
	l.replayUntil = l.stream.Recovered()

	l.logger.Info("apply loop started", "from", applied+1, "replay_until", l.replayUntil)
	err := l.stream.Run(ctx, applied+1, func(rec protocol.Record) error {
		return l.handle(ctx, rec)
	})
	if errors.Is(err, ErrFatal) {
		l.logger.Error("apply loop halted", "error", err)
		return err
	}
	l.logger.Info("apply loop stopped", "applied", l.store.Applied())
	return err
}

func (l *Loop) handle(ctx context.Context, rec protocol.Record) error {
	if rec.Kind == protocol.KindEvent {
		l.advance(rec.Position)
		return nil
	}

	out, err := l.proc.Apply(rec, rec.Timestamp)
	if err != nil {
		return err
	}

	replaying := rec.Position <= l.replayUntil
	if !replaying {
		pos, err := l.stream.Append(ctx, out.Event)
		if err != nil {
			return fmt.Errorf("append follow-up for position %d: %w", rec.Position, err)
		}
		out.Event.Position = pos
	}
	l.advance(rec.Position)
	if replaying {
		return nil
	}

	l.logger.Debug("command applied",
		"position", rec.Position,
		"command", rec.Command,
		"event", out.Event.Event,
		"task_key", out.Event.TaskKey,
		"reason", out.Event.Reason,
	)
	l.dispatch(rec, out)
	return nil
}

func (l *Loop) advance(pos int64) {
	l.store.SetApplied(pos)
	l.stream.MarkApplied(pos)
}

func (l *Loop) dispatch(cmd protocol.Record, out Outcome) {
	if l.observe != nil {
		l.observe(out.Event)
	}
	if out.Respond && l.responses != nil {
		l.responses.WriteResponse(protocol.Response{
			RequestID: cmd.Metadata.RequestID,
			TaskKey:   out.Event.TaskKey,
			Record:    out.Event,
		})
	}
	if out.Push != nil {
		out.Push.Record = out.Event
		if l.push != nil {
			l.push.Push(*out.Push)
		}
	}
	if l.matcher == nil {
		return
	}
	if cmd.Command == protocol.CommandLock {
		l.matcher.OnLockOutcome(out.Event)
	}
	if out.Credits != nil {
		l.matcher.IncreaseCreditsAsync(*out.Credits)
	}
	if out.Lockable != nil {
		l.matcher.OnLockable(*out.Lockable)
	}
}
