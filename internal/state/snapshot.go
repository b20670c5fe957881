package state

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// ErrSnapshotCorrupt is returned when a stored record no longer matches its
// checksum. Restoring from it would let replicas diverge.
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

// SnapshotStore persists store views in SQLite, one row per task plus a meta
// row holding the log position the view was taken at.
type SnapshotStore struct {
	db          *sql.DB
	partitionID int
}

func NewSnapshotStore(db *sql.DB, partitionID int) *SnapshotStore {
	return &SnapshotStore{db: db, partitionID: partitionID}
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Save replaces the partition's snapshot with v in a single transaction.
func (s *SnapshotStore) Save(ctx context.Context, v View) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_snapshot WHERE partition_id = ?;`, s.partitionID); err != nil {
		return fmt.Errorf("clear task_snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO task_snapshot(partition_id, task_key, record, checksum)
VALUES(?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare task_snapshot insert: %w", err)
	}
	defer stmt.Close()

	hasher := blake3.New()
	for _, t := range v.Tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task %d: %w", t.Key, err)
		}
		sum := checksum(raw)
		_, _ = hasher.Write([]byte(sum))
		if _, err := stmt.ExecContext(ctx, s.partitionID, t.Key, string(raw), sum); err != nil {
			return fmt.Errorf("insert task %d: %w", t.Key, err)
		}
	}

	takenAt := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO snapshot_meta(partition_id, position, task_count, checksum, taken_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(partition_id) DO UPDATE SET
  position = excluded.position,
  task_count = excluded.task_count,
  checksum = excluded.checksum,
  taken_at = excluded.taken_at;
`, s.partitionID, v.Position, len(v.Tasks), hex.EncodeToString(hasher.Sum(nil)), takenAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot_meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Load returns the latest snapshot. found is false when none was taken yet.
func (s *SnapshotStore) Load(ctx context.Context) (v View, found bool, err error) {
	var (
		position  int64
		taskCount int
		metaSum   string
	)
	err = s.db.QueryRowContext(ctx, `
SELECT position, task_count, checksum FROM snapshot_meta WHERE partition_id = ?;
`, s.partitionID).Scan(&position, &taskCount, &metaSum)
	if errors.Is(err, sql.ErrNoRows) {
		return View{}, false, nil
	}
	if err != nil {
		return View{}, false, fmt.Errorf("read snapshot_meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT task_key, record, checksum FROM task_snapshot
WHERE partition_id = ?
ORDER BY task_key ASC;
`, s.partitionID)
	if err != nil {
		return View{}, false, fmt.Errorf("read task_snapshot: %w", err)
	}
	defer rows.Close()

	v = View{Position: position, Tasks: make([]protocol.Task, 0, taskCount)}
	hasher := blake3.New()
	for rows.Next() {
		var (
			key int64
			raw string
			sum string
		)
		if err := rows.Scan(&key, &raw, &sum); err != nil {
			return View{}, false, fmt.Errorf("scan task_snapshot: %w", err)
		}
		if checksum([]byte(raw)) != sum {
			return View{}, false, fmt.Errorf("%w: task %d checksum mismatch", ErrSnapshotCorrupt, key)
		}
		_, _ = hasher.Write([]byte(sum))

		var t protocol.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return View{}, false, fmt.Errorf("%w: task %d: %v", ErrSnapshotCorrupt, key, err)
		}
		v.Tasks = append(v.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return View{}, false, fmt.Errorf("iterate task_snapshot: %w", err)
	}

	if len(v.Tasks) != taskCount || hex.EncodeToString(hasher.Sum(nil)) != metaSum {
		return View{}, false, fmt.Errorf("%w: snapshot at position %d is incomplete", ErrSnapshotCorrupt, position)
	}
	return v, true, nil
}
