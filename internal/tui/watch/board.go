package watch

import (
	"sort"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// maxTasks bounds how many tasks the board remembers.
const maxTasks = 200

// TaskRow is the last known view of one task, built from follow-up events.
type TaskRow struct {
	Key        int64
	Type       string
	State      protocol.TaskState
	LockOwner  string
	Retries    int
	LastEvent  protocol.EventType
	Position   int64
	Rejections int
}

// Board folds the follow-up stream into per-task rows and counters.
type Board struct {
	tasks      map[int64]*TaskRow
	rejections int
	applied    int64
}

func NewBoard() *Board {
	return &Board{tasks: make(map[int64]*TaskRow)}
}

// stateAfter maps an accepted event to the state it leaves the task in.
// RETRIES_UPDATED keeps the current state.
var stateAfter = map[protocol.EventType]protocol.TaskState{
	protocol.EventCreated:     protocol.StateCreated,
	protocol.EventLocked:      protocol.StateLocked,
	protocol.EventCompleted:   protocol.StateCompleted,
	protocol.EventFailed:      protocol.StateFailed,
	protocol.EventLockExpired: protocol.StateLockExpired,
	protocol.EventCanceled:    protocol.StateCanceled,
}

// Apply folds one follow-up record into the board. Records at or before
// the last applied position are ignored, so a resumed stream can overlap.
func (b *Board) Apply(rec protocol.Record) {
	if rec.Kind != protocol.KindEvent || rec.Position <= b.applied {
		return
	}
	b.applied = rec.Position

	row := b.tasks[rec.TaskKey]
	if rec.Event.IsRejection() {
		b.rejections++
		if row != nil {
			row.Rejections++
			row.LastEvent = rec.Event
			row.Position = rec.Position
		}
		return
	}

	if row == nil {
		row = &TaskRow{Key: rec.TaskKey}
		b.tasks[rec.TaskKey] = row
	}
	if rec.Value.Type != "" {
		row.Type = rec.Value.Type
	}
	if st, ok := stateAfter[rec.Event]; ok {
		row.State = st
	}
	row.LockOwner = rec.Value.LockOwner
	row.Retries = rec.Value.Retries
	row.LastEvent = rec.Event
	row.Position = rec.Position
	b.evict()
}

// evict drops the least recently touched terminal tasks, then the least
// recently touched of any state, until the board fits.
func (b *Board) evict() {
	if len(b.tasks) <= maxTasks {
		return
	}
	rows := b.Rows()
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].State.Terminal(), rows[j].State.Terminal()
		if ti != tj {
			return ti
		}
		return rows[i].Position < rows[j].Position
	})
	for _, r := range rows[:len(rows)-maxTasks] {
		delete(b.tasks, r.Key)
	}
}

// Rows returns copies of the rows, most recently touched first.
func (b *Board) Rows() []TaskRow {
	out := make([]TaskRow, 0, len(b.tasks))
	for _, r := range b.tasks {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position > out[j].Position })
	return out
}

// Counts returns how many remembered tasks are in each state.
func (b *Board) Counts() map[protocol.TaskState]int {
	out := make(map[protocol.TaskState]int)
	for _, r := range b.tasks {
		out[r.State]++
	}
	return out
}

// Rejections returns the number of rejected commands seen.
func (b *Board) Rejections() int { return b.rejections }

// Applied returns the position of the last record folded in.
func (b *Board) Applied() int64 { return b.applied }
