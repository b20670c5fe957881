package logstream

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// SQLiteJournal stores records in the log_entry table created by
// storage.BootstrapSQLite.
type SQLiteJournal struct {
	db          *sql.DB
	partitionID int
}

func NewSQLiteJournal(db *sql.DB, partitionID int) *SQLiteJournal {
	return &SQLiteJournal{db: db, partitionID: partitionID}
}

func (j *SQLiteJournal) Append(ctx context.Context, rec *protocol.Record) error {
	body, err := protocol.MarshalRecord(rec)
	if err != nil {
		return err
	}

	intent := string(rec.Command)
	if rec.Kind == protocol.KindEvent {
		intent = string(rec.Event)
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO log_entry(partition_id, position, kind, intent, task_key, timestamp, body)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, j.partitionID, rec.Position, rec.Kind, intent, rec.TaskKey, rec.Timestamp, string(body))
	if err != nil {
		return fmt.Errorf("insert log_entry %d: %w", rec.Position, err)
	}
	return nil
}

func (j *SQLiteJournal) Load(ctx context.Context) ([]protocol.Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT position, body FROM log_entry
WHERE partition_id = ?
ORDER BY position ASC;
`, j.partitionID)
	if err != nil {
		return nil, fmt.Errorf("read log_entry: %w", err)
	}
	defer rows.Close()

	var out []protocol.Record
	for rows.Next() {
		var (
			pos  int64
			body string
		)
		if err := rows.Scan(&pos, &body); err != nil {
			return nil, fmt.Errorf("scan log_entry: %w", err)
		}
		rec, err := protocol.DecodeRecord(bytes.NewReader([]byte(body)))
		if err != nil {
			return nil, fmt.Errorf("decode log_entry %d: %w", pos, err)
		}
		if rec.Position != pos {
			return nil, fmt.Errorf("log_entry %d carries position %d", pos, rec.Position)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log_entry: %w", err)
	}
	return out, nil
}
