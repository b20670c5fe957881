package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Snapshotter periodically saves the store so a restart replays only the
// log suffix after the snapshot position.
type Snapshotter struct {
	store    *Store
	snaps    *SnapshotStore
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSave int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSnapshotter(store *Store, snaps *SnapshotStore, interval time.Duration, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		store:    store,
		snaps:    snaps,
		interval: interval,
		logger:   logger,
		lastSave: -1,
	}
}

// Start runs the periodic loop. A non-positive interval disables it;
// SnapshotNow still works.
func (s *Snapshotter) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SnapshotNow(ctx); err != nil {
					s.logger.Error("Periodic snapshot failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic loop and takes a final snapshot.
func (s *Snapshotter) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	_, err := s.SnapshotNow(ctx)
	return err
}

// SnapshotNow saves the store unless nothing was applied since the last
// save. It returns the position of the saved view.
func (s *Snapshotter) SnapshotNow(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.store.Snapshot()
	if v.Position == s.lastSave {
		return v.Position, nil
	}
	start := time.Now()
	if err := s.snaps.Save(ctx, v); err != nil {
		return 0, err
	}
	s.lastSave = v.Position
	s.logger.Info("Snapshot saved",
		"position", v.Position,
		"tasks", len(v.Tasks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return v.Position, nil
}
