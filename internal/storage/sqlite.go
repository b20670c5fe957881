package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the journal and snapshot tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := checkLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The apply loop and the snapshotter share one writer; serializing on a
	// single connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS log_entry (
  partition_id INTEGER NOT NULL,
  position     INTEGER NOT NULL,
  kind         TEXT NOT NULL,
  intent       TEXT NOT NULL,
  task_key     INTEGER NOT NULL,
  timestamp    INTEGER NOT NULL,
  body         JSON NOT NULL,
  PRIMARY KEY (partition_id, position)
);`,
		`CREATE TABLE IF NOT EXISTS task_snapshot (
  partition_id INTEGER NOT NULL,
  task_key     INTEGER NOT NULL,
  record       JSON NOT NULL,
  checksum     TEXT NOT NULL,
  PRIMARY KEY (partition_id, task_key)
);`,
		`CREATE TABLE IF NOT EXISTS snapshot_meta (
  partition_id INTEGER PRIMARY KEY,
  position     INTEGER NOT NULL,
  task_count   INTEGER NOT NULL,
  checksum     TEXT NOT NULL,
  taken_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS log_entry_task_key_idx ON log_entry(partition_id, task_key);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
