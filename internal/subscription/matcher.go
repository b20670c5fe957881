package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/log"
	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_subscription.go -package=mocks github.com/mattjoyce/tasklease/internal/subscription CommandWriter,TaskSource

// CommandWriter submits commands to the partition log.
type CommandWriter interface {
	Append(ctx context.Context, rec protocol.Record) (int64, error)
}

// TaskSource lists tasks a lock could be dispatched for.
type TaskSource interface {
	Lockable(taskType string, limit int) []protocol.Task
}

// Matcher turns lockable tasks into LOCK commands for subscriptions with
// credit. Notifications from the apply loop only record work; a single
// worker goroutine started by Start performs the dispatches.
type Matcher struct {
	registry *Registry
	writer   CommandWriter
	tasks    TaskSource
	clock    clock.Clock
	retry    logstream.RetryPolicy
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[int64]protocol.Task
	scans    map[string]struct{}
	inflight map[int64]int64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMatcher(reg *Registry, w CommandWriter, tasks TaskSource, clk clock.Clock, retry logstream.RetryPolicy) *Matcher {
	m := &Matcher{
		registry: reg,
		writer:   w,
		tasks:    tasks,
		clock:    clk,
		retry:    retry,
		logger:   log.WithComponent("matcher"),
		pending:  make(map[int64]protocol.Task),
		scans:    make(map[string]struct{}),
		inflight: make(map[int64]int64),
		wake:     make(chan struct{}, 1),
	}
	reg.OnCredit(m.requestScan)
	return m
}

// Start launches the dispatch worker and the compensation worker.
func (m *Matcher) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("matcher started")
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.registry.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop halts the workers and waits for them to exit.
func (m *Matcher) Stop() {
	if m.cancel == nil {
		return
	}
	m.logger.Info("stopping matcher")
	m.cancel()
	m.wg.Wait()
	m.logger.Info("matcher stopped")
}

// OnLockable records task as a dispatch candidate.
func (m *Matcher) OnLockable(task protocol.Task) {
	m.mu.Lock()
	m.pending[task.Key] = task
	m.mu.Unlock()
	m.signal()
}

// OnLockOutcome clears in-flight tracking once the LOCK issued for a task
// has been applied, whatever its outcome.
func (m *Matcher) OnLockOutcome(rec protocol.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.inflight[rec.TaskKey]; ok && sub == rec.Metadata.SubscriberKey {
		delete(m.inflight, rec.TaskKey)
	}
}

// IncreaseCreditsAsync forwards a compensation to the registry.
func (m *Matcher) IncreaseCreditsAsync(req protocol.CreditsRequest) {
	m.registry.IncreaseCreditsAsync(req)
}

// InFlight returns the number of dispatched LOCK commands awaiting their
// outcome.
func (m *Matcher) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Matcher) requestScan(taskType string) {
	m.mu.Lock()
	m.scans[taskType] = struct{}{}
	m.mu.Unlock()
	m.signal()
}

func (m *Matcher) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Matcher) loop(ctx context.Context) {
	defer m.logger.Info("matcher loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

// drain dispatches every pending candidate and every task found by the
// requested scans, in task key order.
func (m *Matcher) drain(ctx context.Context) {
	m.mu.Lock()
	candidates := make(map[int64]protocol.Task, len(m.pending))
	for k, t := range m.pending {
		candidates[k] = t
	}
	m.pending = make(map[int64]protocol.Task)
	types := make([]string, 0, len(m.scans))
	for tt := range m.scans {
		types = append(types, tt)
	}
	m.scans = make(map[string]struct{})
	m.mu.Unlock()

	for _, tt := range types {
		for _, t := range m.tasks.Lockable(tt, 0) {
			candidates[t.Key] = t
		}
	}

	keys := make([]int64, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Dispatch(ctx, candidates[k]); err != nil {
			m.logger.Warn("lock dispatch failed", "task_key", k, "error", err)
		}
	}
}

// Dispatch debits one credit from a matching subscription and submits a LOCK
// command for task. It reports false without error when no subscription has
// credit or a LOCK for the task is already in flight. When the submission
// fails the credit is returned.
func (m *Matcher) Dispatch(ctx context.Context, task protocol.Task) (bool, error) {
	m.mu.Lock()
	if _, busy := m.inflight[task.Key]; busy {
		m.mu.Unlock()
		return false, nil
	}
	sub, ok := m.registry.Select(task.Type)
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	m.inflight[task.Key] = sub.Key
	m.mu.Unlock()

	cmd := protocol.Record{
		Kind:    protocol.KindCommand,
		Command: protocol.CommandLock,
		TaskKey: task.Key,
		Value: protocol.TaskValue{
			Type:      task.Type,
			LockOwner: sub.LockOwner,
			LockTime:  m.clock.Now() + sub.LockDuration.Milliseconds(),
			Retries:   task.Retries,
		},
		Metadata: protocol.Metadata{
			ChannelID:     sub.ChannelID,
			SubscriberKey: sub.Key,
		},
	}

	pos, err := logstream.SubmitWithRetry(ctx, m.writer, cmd, m.retry)
	if err != nil {
		requeue := errors.Is(err, logstream.ErrUnavailable)
		m.mu.Lock()
		delete(m.inflight, task.Key)
		if requeue {
			m.pending[task.Key] = task
		}
		m.mu.Unlock()

		// A closed log stays closed, so only a requeue announces the
		// returned credit; anything else would spin on ErrClosed.
		if requeue {
			m.registry.refund(sub)
			m.signal()
		} else {
			sub.credit(1)
		}
		return false, err
	}

	m.logger.Debug("lock dispatched",
		"task_key", task.Key,
		"subscriber_key", sub.Key,
		"position", pos,
	)
	return true, nil
}
