package logstream

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/storage"
)

func createCmd(taskType string) protocol.Record {
	return protocol.Record{
		Kind:    protocol.KindCommand,
		Command: protocol.CommandCreate,
		Value:   protocol.TaskValue{Type: taskType, Retries: 3},
	}
}

func TestAppendAssignsPositionsAndStampsClock(t *testing.T) {
	clk := clock.NewControlled(time.UnixMilli(1000))
	l, err := Open(context.Background(), clk)
	require.NoError(t, err)

	p1, err := l.Append(context.Background(), createCmd("foo"))
	require.NoError(t, err)
	clk.SetMillis(2000)
	p2, err := l.Append(context.Background(), createCmd("foo"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), p1)
	assert.Equal(t, int64(2), p2)
	assert.Equal(t, int64(2), l.Head())

	var got []protocol.Record
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = l.Run(ctx, 1, func(rec protocol.Record) error {
		got = append(got, rec)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, int64(2000), got[1].Timestamp)
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	l, err := Open(context.Background(), clock.NewControlled(time.Now()))
	require.NoError(t, err)

	_, err = l.Append(context.Background(), protocol.Record{Kind: protocol.KindCommand, Command: "NOPE"})
	assert.Error(t, err)
	assert.Equal(t, int64(0), l.Head())
}

func TestBackpressureCountsOnlyUnappliedCommands(t *testing.T) {
	l, err := Open(context.Background(), clock.NewControlled(time.Now()), WithCapacity(2))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Append(ctx, createCmd("foo"))
	require.NoError(t, err)
	assert.Zero(t, l.Recovered())
	_, err = l.Append(ctx, createCmd("foo"))
	require.NoError(t, err)

	_, err = l.Append(ctx, createCmd("foo"))
	assert.ErrorIs(t, err, ErrBackpressure)

	// Events never consume capacity.
	_, err = l.Append(ctx, protocol.Record{Kind: protocol.KindEvent, Event: protocol.EventCreated, SourcePosition: 1, TaskKey: 1})
	require.NoError(t, err)

	l.MarkApplied(1)
	assert.Equal(t, 1, l.Pending())
	_, err = l.Append(ctx, createCmd("foo"))
	assert.NoError(t, err)

	l.MarkApplied(0)
	assert.Equal(t, int64(1), l.Applied())
}

func TestRunWakesOnAppend(t *testing.T) {
	l, err := Open(context.Background(), clock.NewControlled(time.Now()))
	require.NoError(t, err)

	received := make(chan protocol.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = l.Run(ctx, 1, func(rec protocol.Record) error {
			received <- rec
			return nil
		})
	}()

	_, err = l.Append(context.Background(), createCmd("late"))
	require.NoError(t, err)

	select {
	case rec := <-received:
		assert.Equal(t, "late", rec.Value.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestRunStopsOnHandlerErrorAndClose(t *testing.T) {
	l, err := Open(context.Background(), clock.NewControlled(time.Now()))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), createCmd("foo"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = l.Run(context.Background(), 1, func(protocol.Record) error { return boom })
	assert.ErrorIs(t, err, boom)

	l.Close()
	err = l.Run(context.Background(), 2, func(protocol.Record) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	_, err = l.Append(context.Background(), createCmd("foo"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJournalRecovery(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	clk := clock.NewControlled(time.UnixMilli(500))

	l, err := Open(ctx, clk, WithJournal(NewSQLiteJournal(db, 1)))
	require.NoError(t, err)
	_, err = l.Append(ctx, createCmd("foo"))
	require.NoError(t, err)
	_, err = l.Append(ctx, protocol.Record{Kind: protocol.KindEvent, Event: protocol.EventCreated, SourcePosition: 1, TaskKey: 1, Timestamp: 500})
	require.NoError(t, err)
	assert.Zero(t, l.Recovered(), "appends after Open are not recovered")

	reopened, err := Open(ctx, clk, WithJournal(NewSQLiteJournal(db, 1)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), reopened.Head())
	assert.Equal(t, int64(2), reopened.Recovered())
	assert.Equal(t, 1, reopened.Pending())

	other, err := Open(ctx, clk, WithJournal(NewSQLiteJournal(db, 2)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Head())
}

type flakyAppender struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyAppender) Append(ctx context.Context, rec protocol.Record) (int64, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return 0, f.err
	}
	return int64(n), nil
}

func TestSubmitWithRetryRecoversFromBackpressure(t *testing.T) {
	a := &flakyAppender{failures: 3, err: ErrBackpressure}
	pos, err := SubmitWithRetry(context.Background(), a, createCmd("foo"), RetryPolicy{
		Initial: time.Millisecond,
		Max:     2 * time.Millisecond,
		Budget:  time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
}

func TestSubmitWithRetrySurfacesUnavailable(t *testing.T) {
	a := &flakyAppender{failures: 1 << 30, err: ErrBackpressure}
	_, err := SubmitWithRetry(context.Background(), a, createCmd("foo"), RetryPolicy{
		Initial: time.Millisecond,
		Max:     2 * time.Millisecond,
		Budget:  20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSubmitWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	a := &flakyAppender{failures: 5, err: ErrClosed}
	_, err := SubmitWithRetry(context.Background(), a, createCmd("foo"), DefaultRetryPolicy())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(1), a.calls.Load())
}
