// Package logstream is the ordered, replayable record log a partition's state
// machine consumes.
//
// Commands and the follow-up events produced for them share one position
// space. Positions start at 1. Only commands count against the pending
// capacity: once Capacity commands are appended but not yet marked applied,
// Append refuses further commands with ErrBackpressure instead of blocking.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/protocol"
)

const DefaultCapacity = 1024

var (
	ErrBackpressure = errors.New("log backpressure: pending command capacity exhausted")
	ErrClosed       = errors.New("log closed")
)

// Journal makes appended records durable and returns them on recovery.
type Journal interface {
	Append(ctx context.Context, rec *protocol.Record) error
	Load(ctx context.Context) ([]protocol.Record, error)
}

type Option func(*Log)

// WithCapacity bounds the number of appended but unapplied commands.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithJournal persists every record before it becomes visible to readers.
func WithJournal(j Journal) Option {
	return func(l *Log) { l.journal = j }
}

// WithTerm sets the term stamped on follow-up records.
func WithTerm(term int) Option {
	return func(l *Log) { l.term = term }
}

// Log is an in-process implementation of the ordered command log.
type Log struct {
	clock   clock.Clock
	journal Journal

	mu        sync.Mutex
	records   []protocol.Record
	recovered int64
	capacity  int
	pending   int
	applied   int64
	term      int
	notify    chan struct{}
	closed    bool
}

// Open creates a log and, when a journal is configured, loads its records.
func Open(ctx context.Context, clk clock.Clock, opts ...Option) (*Log, error) {
	l := &Log{
		clock:    clk,
		capacity: DefaultCapacity,
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.journal != nil {
		recs, err := l.journal.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load journal: %w", err)
		}
		for i, rec := range recs {
			if rec.Position != int64(i+1) {
				return nil, fmt.Errorf("journal gap: expected position %d, found %d", i+1, rec.Position)
			}
			if rec.Kind == protocol.KindCommand {
				l.pending++
			}
		}
		l.records = recs
		l.recovered = int64(len(recs))
	}
	return l, nil
}

// Recovered returns the head position loaded from the journal at Open.
// Records up to it were applied before the restart.
func (l *Log) Recovered() int64 {
	return l.recovered
}

// Term returns the term stamped on follow-up records.
func (l *Log) Term() int {
	return l.term
}

// Append assigns the next position to rec and makes it visible to readers.
// Commands are stamped with the engine clock; events keep the timestamp of
// the command they answer.
func (l *Log) Append(ctx context.Context, rec protocol.Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if rec.Kind == protocol.KindCommand {
		if l.pending >= l.capacity {
			return 0, ErrBackpressure
		}
		rec.Timestamp = l.clock.Now()
	} else if rec.Timestamp == 0 {
		rec.Timestamp = l.clock.Now()
	}
	rec.Position = int64(len(l.records) + 1)

	if l.journal != nil {
		if err := l.journal.Append(ctx, &rec); err != nil {
			return 0, fmt.Errorf("journal append: %w", err)
		}
	}

	l.records = append(l.records, rec)
	if rec.Kind == protocol.KindCommand {
		l.pending++
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return rec.Position, nil
}

// Head returns the position of the last appended record.
func (l *Log) Head() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.records))
}

// Pending returns the number of appended commands not yet marked applied.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Applied returns the applied pointer.
func (l *Log) Applied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}

// MarkApplied advances the applied pointer to pos, releasing capacity for the
// commands it passes. Moving backwards is a no-op.
func (l *Log) MarkApplied(pos int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos > int64(len(l.records)) {
		pos = int64(len(l.records))
	}
	for p := l.applied + 1; p <= pos; p++ {
		if l.records[p-1].Kind == protocol.KindCommand {
			l.pending--
		}
	}
	if pos > l.applied {
		l.applied = pos
	}
}

// Run delivers records from position from onwards, in order, blocking for
// new ones until ctx is done, the log is closed, or handler fails.
func (l *Log) Run(ctx context.Context, from int64, handler func(protocol.Record) error) error {
	if from < 1 {
		from = 1
	}
	pos := from
	for {
		l.mu.Lock()
		if pos <= int64(len(l.records)) {
			rec := l.records[pos-1]
			l.mu.Unlock()
			if err := handler(rec); err != nil {
				return err
			}
			pos++
			continue
		}
		closed := l.closed
		wait := l.notify
		l.mu.Unlock()

		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Close wakes blocked readers and refuses further appends.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}
