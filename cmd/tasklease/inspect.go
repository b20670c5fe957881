package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattjoyce/tasklease/internal/config"
	"github.com/mattjoyce/tasklease/internal/engine"
	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/state"
	"github.com/mattjoyce/tasklease/internal/storage"
)

// InspectReport summarizes a partition rebuilt from its snapshot and journal.
type InspectReport struct {
	Partition        int                        `json:"partition"`
	SnapshotPosition int64                      `json:"snapshot_position"`
	Applied          int64                      `json:"applied"`
	Replayed         int                        `json:"replayed_commands"`
	Tasks            int                        `json:"tasks"`
	ByState          map[protocol.TaskState]int `json:"by_state"`
	Task             *protocol.Task             `json:"task,omitempty"`
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	taskKey := fs.Int64("task", 0, "Show a single task")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report, store, err := rebuildPartition(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	if *taskKey != 0 {
		task, ok := store.Get(*taskKey)
		if !ok {
			fmt.Fprintf(os.Stderr, "Task %d not found\n", *taskKey)
			return 1
		}
		report.Task = &task
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "partition\t%d\n", report.Partition)
	fmt.Fprintf(tw, "snapshot position\t%d\n", report.SnapshotPosition)
	fmt.Fprintf(tw, "applied position\t%d\n", report.Applied)
	fmt.Fprintf(tw, "replayed commands\t%d\n", report.Replayed)
	fmt.Fprintf(tw, "tasks\t%d\n", report.Tasks)
	for _, st := range []protocol.TaskState{
		protocol.StateCreated, protocol.StateLocked, protocol.StateFailed,
		protocol.StateLockExpired, protocol.StateCompleted, protocol.StateCanceled,
	} {
		fmt.Fprintf(tw, "  %s\t%d\n", st, report.ByState[st])
	}
	_ = tw.Flush()
	if report.Task != nil {
		b, _ := json.MarshalIndent(report.Task, "", "  ")
		fmt.Println(string(b))
	}
	return 0
}

// rebuildPartition restores the latest snapshot and applies the journal
// suffix with the same state machine the apply loop uses, without appending
// follow-ups. It reads the database without taking the partition lock.
func rebuildPartition(ctx context.Context, cfg *config.Config) (*InspectReport, *state.Store, error) {
	pid := cfg.Service.PartitionID
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := state.NewStore()
	view, found, err := state.NewSnapshotStore(db, pid).Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	if found {
		store.Restore(view)
	}

	records, err := logstream.NewSQLiteJournal(db, pid).Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load journal: %w", err)
	}

	report := &InspectReport{Partition: pid, SnapshotPosition: store.Applied()}
	proc := engine.NewProcessor(store, cfg.Service.Term)
	for _, rec := range records {
		if rec.Position <= store.Applied() {
			continue
		}
		if rec.Kind == protocol.KindCommand {
			if _, err := proc.Apply(rec, rec.Timestamp); err != nil {
				return nil, nil, fmt.Errorf("replay position %d: %w", rec.Position, err)
			}
			report.Replayed++
		}
		store.SetApplied(rec.Position)
	}

	report.Applied = store.Applied()
	report.Tasks = store.Len()
	report.ByState = make(map[protocol.TaskState]int)
	for _, st := range []protocol.TaskState{
		protocol.StateCreated, protocol.StateLocked, protocol.StateFailed,
		protocol.StateLockExpired, protocol.StateCompleted, protocol.StateCanceled,
	} {
		report.ByState[st] = store.CountByState(st)
	}
	return report, store, nil
}
