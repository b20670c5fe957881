package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/storage"
)

func TestStorePutGetReturnsCopies(t *testing.T) {
	s := NewStore()
	s.Put(protocol.Task{Key: 2, Type: "foo", State: protocol.StateCreated, Payload: json.RawMessage(`{"a":1}`)})

	got, ok := s.Get(2)
	require.True(t, ok)
	got.Payload[2] = 'X'
	got.State = protocol.StateCanceled

	again, _ := s.Get(2)
	assert.Equal(t, protocol.StateCreated, again.State)
	assert.JSONEq(t, `{"a":1}`, string(again.Payload))

	_, ok = s.Get(99)
	assert.False(t, ok)
}

func TestStoreStateIndexFollowsTransitions(t *testing.T) {
	s := NewStore()
	s.Put(protocol.Task{Key: 1, Type: "foo", State: protocol.StateCreated})
	s.Put(protocol.Task{Key: 2, Type: "foo", State: protocol.StateCreated})
	assert.Equal(t, 2, s.CountByState(protocol.StateCreated))

	s.Put(protocol.Task{Key: 1, Type: "foo", State: protocol.StateLocked, LockOwner: "w", LockExpirationTime: 100})
	assert.Equal(t, 1, s.CountByState(protocol.StateCreated))
	assert.Equal(t, 1, s.CountByState(protocol.StateLocked))
	assert.Equal(t, 2, s.Len())
}

func TestStoreExpiredLocks(t *testing.T) {
	s := NewStore()
	s.Put(protocol.Task{Key: 3, State: protocol.StateLocked, LockOwner: "w", LockExpirationTime: 100})
	s.Put(protocol.Task{Key: 1, State: protocol.StateLocked, LockOwner: "w", LockExpirationTime: 50})
	s.Put(protocol.Task{Key: 2, State: protocol.StateLocked, LockOwner: "w", LockExpirationTime: 200})
	s.Put(protocol.Task{Key: 4, State: protocol.StateFailed, LockExpirationTime: 10})

	expired := s.ExpiredLocks(100)
	require.Len(t, expired, 2)
	assert.Equal(t, int64(1), expired[0].Key)
	assert.Equal(t, int64(3), expired[1].Key)
}

func TestStoreLockable(t *testing.T) {
	s := NewStore()
	s.Put(protocol.Task{Key: 5, Type: "foo", State: protocol.StateFailed, Retries: 1})
	s.Put(protocol.Task{Key: 1, Type: "foo", State: protocol.StateCreated})
	s.Put(protocol.Task{Key: 2, Type: "bar", State: protocol.StateCreated})
	s.Put(protocol.Task{Key: 3, Type: "foo", State: protocol.StateFailed, Retries: 0})
	s.Put(protocol.Task{Key: 4, Type: "foo", State: protocol.StateLockExpired, Retries: 2})
	s.Put(protocol.Task{Key: 6, Type: "foo", State: protocol.StateLockExpired, Retries: 0})

	got := s.Lockable("foo", 0)
	keys := make([]int64, 0, len(got))
	for _, task := range got {
		keys = append(keys, task.Key)
	}
	assert.Equal(t, []int64{1, 4, 5, 6}, keys)

	assert.Len(t, s.Lockable("foo", 2), 2)
	assert.Empty(t, s.Lockable("baz", 0))
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := NewStore()
	s.Put(protocol.Task{Key: 2, Type: "foo", State: protocol.StateCreated})
	s.Put(protocol.Task{Key: 1, Type: "foo", State: protocol.StateLocked, LockOwner: "w"})
	s.SetApplied(9)

	v := s.Snapshot()
	assert.Equal(t, int64(9), v.Position)
	require.Len(t, v.Tasks, 2)
	assert.Equal(t, int64(1), v.Tasks[0].Key)

	restored := NewStore()
	restored.Restore(v)
	assert.Equal(t, int64(9), restored.Applied())
	assert.Equal(t, 1, restored.CountByState(protocol.StateLocked))
	got, ok := restored.Get(2)
	require.True(t, ok)
	assert.Equal(t, "foo", got.Type)
}

func TestStoreApplyMovesTaskAndPositionTogether(t *testing.T) {
	s := NewStore()
	s.Apply(protocol.Task{Key: 3, Type: "foo", State: protocol.StateCreated}, 3)

	v := s.Snapshot()
	assert.Equal(t, int64(3), v.Position)
	require.Len(t, v.Tasks, 1)

	s.Apply(protocol.Task{Key: 3, Type: "foo", State: protocol.StateCanceled}, 2)
	assert.Equal(t, int64(3), s.Applied(), "applied position never moves back")
	assert.Equal(t, 1, s.CountByState(protocol.StateCanceled))
}

func openSnapshotStore(t *testing.T) *SnapshotStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSnapshotStore(db, 1)
}

func TestSnapshotStoreLoadMissing(t *testing.T) {
	ss := openSnapshotStore(t)

	_, found, err := ss.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	ss := openSnapshotStore(t)
	ctx := context.Background()

	v := View{
		Position: 12,
		Tasks: []protocol.Task{
			{Key: 1, Type: "foo", State: protocol.StateCompleted, Payload: json.RawMessage(`{"done":true}`)},
			{Key: 4, Type: "foo", State: protocol.StateLocked, LockOwner: "w1", LockExpirationTime: 5000, Retries: 3},
		},
	}
	require.NoError(t, ss.Save(ctx, v))

	got, found, err := ss.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(12), got.Position)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "w1", got.Tasks[1].LockOwner)
	assert.JSONEq(t, `{"done":true}`, string(got.Tasks[0].Payload))

	// A later snapshot fully replaces the earlier one.
	require.NoError(t, ss.Save(ctx, View{Position: 20, Tasks: v.Tasks[:1]}))
	got, _, err = ss.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Position)
	assert.Len(t, got.Tasks, 1)
}

func TestSnapshotStoreDetectsTampering(t *testing.T) {
	ss := openSnapshotStore(t)
	ctx := context.Background()

	require.NoError(t, ss.Save(ctx, View{Position: 3, Tasks: []protocol.Task{
		{Key: 1, Type: "foo", State: protocol.StateCreated, Retries: 3},
	}}))

	_, err := ss.db.Exec(`UPDATE task_snapshot SET record = '{"key":1,"type":"foo","state":"COMPLETED","retries":3}' WHERE task_key = 1;`)
	require.NoError(t, err)

	_, _, err = ss.Load(ctx)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}
