package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/config"
	"github.com/mattjoyce/tasklease/internal/lock"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "data", "tasklease.db")
	cfg.State.SnapshotInterval = 0
	cfg.Expiry.CheckInterval = time.Hour
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) (*node, func()) {
	t.Helper()
	n, err := openNode(context.Background(), cfg, clock.NewControlled(time.UnixMilli(1_700_000_000_000)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.run(ctx) }()

	return n, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("node did not stop")
		}
		n.close()
	}
}

func createTask(t *testing.T, n *node, taskType string) {
	t.Helper()
	_, err := n.log.Append(context.Background(), protocol.Record{
		Kind:    protocol.KindCommand,
		Command: protocol.CommandCreate,
		Value:   protocol.TaskValue{Type: taskType, Retries: 1},
	})
	require.NoError(t, err)
}

func TestNodeRestartRestoresState(t *testing.T) {
	cfg := testConfig(t)

	n, stop := startNode(t, cfg)
	createTask(t, n, "foo")
	createTask(t, n, "bar")
	require.Eventually(t, func() bool { return n.store.Applied() == 4 }, 2*time.Second, 5*time.Millisecond)
	stop()

	n2, err := openNode(context.Background(), cfg, clock.NewControlled(time.UnixMilli(1_700_000_001_000)))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n2.store.Applied(), "restored from the final snapshot")
	assert.Equal(t, 2, n2.store.Len())

	_, err = openNode(context.Background(), cfg, clock.System{})
	assert.True(t, errors.Is(err, lock.ErrHeld), "second node on the same partition: %v", err)
	n2.close()
}

func TestRebuildPartitionReplaysJournal(t *testing.T) {
	cfg := testConfig(t)

	n, stop := startNode(t, cfg)
	createTask(t, n, "foo")
	require.Eventually(t, func() bool { return n.store.Applied() == 2 }, 2*time.Second, 5*time.Millisecond)
	createTask(t, n, "foo")
	require.Eventually(t, func() bool { return n.store.Applied() == 4 }, 2*time.Second, 5*time.Millisecond)
	stop()

	report, _, err := rebuildPartition(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.SnapshotPosition)
	assert.Zero(t, report.Replayed)
	assert.Equal(t, 2, report.ByState[protocol.StateCreated])

	// without a snapshot the journal alone rebuilds the same state
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM snapshot_meta;`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM task_snapshot;`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	report, store, err := rebuildPartition(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, report.SnapshotPosition)
	assert.Equal(t, 2, report.Replayed)
	assert.Equal(t, int64(4), report.Applied)
	assert.Equal(t, 2, report.Tasks)
	task, ok := store.Get(3)
	require.True(t, ok, "second task is keyed by its command position")
	assert.Equal(t, "foo", task.Type)
}

func TestConfigLockAndCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state:\n  path: "+filepath.Join(dir, "t.db")+"\n"), 0600))

	assert.Equal(t, 0, runConfigCheck([]string{"--config", path}))
	assert.Equal(t, 0, runConfigLock([]string{"--config", dir}))
	assert.FileExists(t, filepath.Join(dir, config.ChecksumsFile))
	assert.Equal(t, 0, runConfigCheck([]string{"--config", path, "--json"}))

	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: debug\n"), 0600))
	assert.Equal(t, 1, runConfigCheck([]string{"--config", path}), "tampered config fails the check")
}

func TestConfigNounDispatch(t *testing.T) {
	assert.Equal(t, 1, runConfigNoun(nil))
	assert.Equal(t, 0, runConfigNoun([]string{"help"}))
	assert.Equal(t, 0, runConfigNoun([]string{"lock", "--help"}))
	assert.Equal(t, 1, runConfigNoun([]string{"unknown"}))
}
