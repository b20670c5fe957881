package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/engine"
	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/state"
	"github.com/mattjoyce/tasklease/internal/storage"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

type responses chan protocol.Response

func (r responses) WriteResponse(resp protocol.Response) { r <- resp }

type pushes chan protocol.SubscribedEvent

func (p pushes) Push(ev protocol.SubscribedEvent) { p <- ev }

type partition struct {
	clock     *clock.Controlled
	log       *logstream.Log
	store     *state.Store
	registry  *subscription.Registry
	matcher   *subscription.Matcher
	responses responses
	pushes    pushes
	done      chan error
	cancel    context.CancelFunc
}

func startPartition(t *testing.T, opts ...logstream.Option) *partition {
	t.Helper()
	p := &partition{
		clock:     clock.NewControlled(time.UnixMilli(1_700_000_000_000)),
		store:     state.NewStore(),
		registry:  subscription.NewRegistry(),
		responses: make(responses, 32),
		pushes:    make(pushes, 32),
		done:      make(chan error, 1),
	}
	var err error
	p.log, err = logstream.Open(context.Background(), p.clock, opts...)
	require.NoError(t, err)
	p.matcher = subscription.NewMatcher(p.registry, p.log, p.store, p.clock, logstream.DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.matcher.Start(ctx)
	loop := engine.NewLoop(p.log, p.store, p.log.Term(),
		engine.WithResponses(p.responses),
		engine.WithPush(p.pushes),
		engine.WithMatcher(p.matcher),
	)
	go func() { p.done <- loop.Run(ctx) }()
	t.Cleanup(p.stop)
	return p
}

func (p *partition) stop() {
	p.cancel()
	p.matcher.Stop()
}

func (p *partition) submit(t *testing.T, cmd protocol.CommandType, key int64, v protocol.TaskValue, requestID string) int64 {
	t.Helper()
	pos, err := p.log.Append(context.Background(), protocol.Record{
		Kind:     protocol.KindCommand,
		Command:  cmd,
		TaskKey:  key,
		Value:    v,
		Metadata: protocol.Metadata{RequestID: requestID},
	})
	require.NoError(t, err)
	return pos
}

func (p *partition) response(t *testing.T) protocol.Response {
	t.Helper()
	select {
	case r := <-p.responses:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return protocol.Response{}
	}
}

func (p *partition) push(t *testing.T) protocol.SubscribedEvent {
	t.Helper()
	select {
	case ev := <-p.pushes:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no push")
		return protocol.SubscribedEvent{}
	}
}

func TestCreatedTaskIsLockedForSubscriber(t *testing.T) {
	p := startPartition(t)
	sub, err := p.registry.Open(subscription.Spec{
		ChannelID: "chan-1", TaskType: "foo", LockOwner: "w1", LockDuration: 5 * time.Minute, Credits: 1,
	})
	require.NoError(t, err)

	pos := p.submit(t, protocol.CommandCreate, 0, protocol.TaskValue{Type: "foo", Retries: 3}, "req-1")
	resp := p.response(t)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, protocol.EventCreated, resp.Record.Event)
	assert.Equal(t, pos, resp.TaskKey)
	assert.Equal(t, pos, resp.Record.SourcePosition)
	assert.Greater(t, resp.Record.Position, pos)

	ev := p.push(t)
	assert.Equal(t, "chan-1", ev.ChannelID)
	assert.Equal(t, sub.Key, ev.SubscriberKey)
	assert.Equal(t, protocol.SubscriptionTask, ev.SubscriptionType)
	assert.Equal(t, protocol.EventLocked, ev.Record.Event)
	assert.Equal(t, "w1", ev.Task.LockOwner)
	assert.Equal(t, pos, ev.Task.Key)
	assert.Equal(t, int64(0), sub.Credits())

	assert.Eventually(t, func() bool { return p.matcher.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRetriesUpdateTriggersRelock(t *testing.T) {
	p := startPartition(t)
	sub, err := p.registry.Open(subscription.Spec{
		ChannelID: "chan-1", TaskType: "foo", LockOwner: "owner", LockDuration: time.Minute, Credits: 1,
	})
	require.NoError(t, err)

	key := p.submit(t, protocol.CommandCreate, 0, protocol.TaskValue{Type: "foo", Retries: 3}, "create")
	p.response(t)
	p.push(t)

	p.submit(t, protocol.CommandFail, key, protocol.TaskValue{LockOwner: "owner", Retries: 0}, "fail")
	assert.Equal(t, protocol.EventFailed, p.response(t).Record.Event)

	require.NoError(t, p.registry.Replenish(sub.Key, 1))
	p.submit(t, protocol.CommandUpdateRetries, key, protocol.TaskValue{Retries: 2}, "retries")
	assert.Equal(t, protocol.EventRetriesUpdated, p.response(t).Record.Event)

	ev := p.push(t)
	assert.Equal(t, protocol.EventLocked, ev.Record.Event)
	assert.Equal(t, 2, ev.Task.Retries)

	task, ok := p.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, protocol.StateLocked, task.State)
}

func TestLockRaceCompensatesLoser(t *testing.T) {
	p := startPartition(t)
	w2, err := p.registry.Open(subscription.Spec{
		ChannelID: "chan-2", TaskType: "bar", LockOwner: "w2", LockDuration: time.Minute,
	})
	require.NoError(t, err)

	key := p.submit(t, protocol.CommandCreate, 0, protocol.TaskValue{Type: "foo"}, "create")
	p.response(t)

	lockTime := p.clock.Now() + time.Minute.Milliseconds()
	for _, owner := range []string{"w1", "w2"} {
		_, err := p.log.Append(context.Background(), protocol.Record{
			Kind:     protocol.KindCommand,
			Command:  protocol.CommandLock,
			TaskKey:  key,
			Value:    protocol.TaskValue{LockOwner: owner, LockTime: lockTime},
			Metadata: protocol.Metadata{ChannelID: "chan-" + owner, SubscriberKey: map[string]int64{"w1": 100, "w2": w2.Key}[owner]},
		})
		require.NoError(t, err)
	}

	ev := p.push(t)
	assert.Equal(t, "w1", ev.Task.LockOwner)
	assert.Eventually(t, func() bool { return w2.Credits() == 1 }, 2*time.Second, 5*time.Millisecond)

	select {
	case extra := <-p.pushes:
		t.Fatalf("unexpected push %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpiredLockIsRedispatched(t *testing.T) {
	p := startPartition(t)
	_, err := p.registry.Open(subscription.Spec{
		ChannelID: "chan-1", TaskType: "foo", LockOwner: "w1", LockDuration: time.Minute, Credits: 2,
	})
	require.NoError(t, err)

	key := p.submit(t, protocol.CommandCreate, 0, protocol.TaskValue{Type: "foo", Retries: 1}, "")
	first := p.push(t)

	p.clock.SetMillis(first.Task.LockExpirationTime)
	p.submit(t, protocol.CommandExpireLock, key, protocol.TaskValue{}, "")
	p.submit(t, protocol.CommandExpireLock, key, protocol.TaskValue{}, "")

	second := p.push(t)
	assert.Equal(t, key, second.Task.Key)
	assert.Greater(t, second.Task.LockExpirationTime, first.Task.LockExpirationTime)
}

func TestExpiredLockWithoutRetriesIsRedispatched(t *testing.T) {
	p := startPartition(t)
	_, err := p.registry.Open(subscription.Spec{
		ChannelID: "chan-1", TaskType: "foo", LockOwner: "w1", LockDuration: time.Minute, Credits: 2,
	})
	require.NoError(t, err)

	key := p.submit(t, protocol.CommandCreate, 0, protocol.TaskValue{Type: "foo"}, "")
	first := p.push(t)
	assert.Equal(t, 0, first.Task.Retries)

	p.clock.SetMillis(first.Task.LockExpirationTime)
	p.submit(t, protocol.CommandExpireLock, key, protocol.TaskValue{}, "")

	second := p.push(t)
	assert.Equal(t, key, second.Task.Key)
	assert.Equal(t, 0, second.Task.Retries)

	task, ok := p.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, protocol.StateLocked, task.State)
}

func TestCommandsBeforeLoopStartAreLive(t *testing.T) {
	clk := clock.NewControlled(time.UnixMilli(1_700_000_000_000))
	stream, err := logstream.Open(context.Background(), clk)
	require.NoError(t, err)
	_, err = stream.Append(context.Background(), protocol.Record{
		Kind: protocol.KindCommand, Command: protocol.CommandCreate,
		Value:    protocol.TaskValue{Type: "foo"},
		Metadata: protocol.Metadata{RequestID: "early"},
	})
	require.NoError(t, err)
	assert.Zero(t, stream.Recovered())

	out := make(responses, 1)
	loop := engine.NewLoop(stream, state.NewStore(), 0, engine.WithResponses(out))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	select {
	case resp := <-out:
		assert.Equal(t, "early", resp.RequestID)
		assert.Equal(t, protocol.EventCreated, resp.Record.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("command appended before Run was treated as replay")
	}
	assert.Eventually(t, func() bool { return stream.Head() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestReplayRebuildsStoreWithoutSideEffects(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := startPartition(t, logstream.WithJournal(logstream.NewSQLiteJournal(db, 1)))
	key := p.submit(t, protocol.CommandCreate, 0, protocol.TaskValue{Type: "foo", Retries: 2}, "a")
	p.response(t)
	p.submit(t, protocol.CommandCancel, key, protocol.TaskValue{}, "b")
	p.response(t)
	p.stop()

	want := p.store.Snapshot()
	head := p.log.Head()
	require.Equal(t, int64(4), head)

	clk := clock.NewControlled(time.UnixMilli(1))
	replayLog, err := logstream.Open(context.Background(), clk, logstream.WithJournal(logstream.NewSQLiteJournal(db, 1)))
	require.NoError(t, err)
	store := state.NewStore()
	out := make(responses, 8)
	loop := engine.NewLoop(replayLog, store, 0, engine.WithResponses(out))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	assert.Eventually(t, func() bool { return store.Applied() == head }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, store.Snapshot())
	assert.Equal(t, head, replayLog.Head())
	assert.Empty(t, out)

	// commands after the replayed prefix are live again
	_, err = replayLog.Append(context.Background(), protocol.Record{
		Kind: protocol.KindCommand, Command: protocol.CommandCancel, TaskKey: key,
		Metadata: protocol.Metadata{RequestID: "c"},
	})
	require.NoError(t, err)
	select {
	case resp := <-out:
		assert.Equal(t, protocol.EventCancelRejected, resp.Record.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no response after replay")
	}
}

func TestLoopHaltsOnCorruptAggregate(t *testing.T) {
	p := startPartition(t)
	p.store.Put(protocol.Task{Key: 99, Type: "foo", State: protocol.StateLocked})

	p.submit(t, protocol.CommandCancel, 99, protocol.TaskValue{}, "x")
	select {
	case err := <-p.done:
		assert.ErrorIs(t, err, engine.ErrFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not halt")
	}
	assert.Empty(t, p.responses)
}
