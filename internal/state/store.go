package state

import (
	"errors"
	"sort"
	"sync"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

var ErrTaskNotFound = errors.New("task not found")

// Store is the task aggregate table of one partition. The apply loop is its
// only writer; every other reader gets copies taken under the read lock.
type Store struct {
	mu      sync.RWMutex
	tasks   map[int64]protocol.Task
	byState map[protocol.TaskState]map[int64]struct{}
	applied int64
}

func NewStore() *Store {
	return &Store{
		tasks:   make(map[int64]protocol.Task),
		byState: make(map[protocol.TaskState]map[int64]struct{}),
	}
}

// Get returns a copy of the task stored under key.
func (s *Store) Get(key int64) (protocol.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[key]
	if !ok {
		return protocol.Task{}, false
	}
	return t.Clone(), true
}

// Put inserts or replaces the task, keeping the state index current.
func (s *Store) Put(t protocol.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(t.Clone())
}

func (s *Store) putLocked(t protocol.Task) {
	if prev, ok := s.tasks[t.Key]; ok {
		if idx := s.byState[prev.State]; idx != nil {
			delete(idx, t.Key)
		}
	}
	s.tasks[t.Key] = t
	idx := s.byState[t.State]
	if idx == nil {
		idx = make(map[int64]struct{})
		s.byState[t.State] = idx
	}
	idx[t.Key] = struct{}{}
}

// Len returns the number of tasks, terminal ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// CountByState returns how many tasks are in state st.
func (s *Store) CountByState(st protocol.TaskState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byState[st])
}

// Apply stores t as the result of the command at pos. The task and the
// applied position change under one lock, so a snapshot never holds a
// mutation stamped with an earlier position.
func (s *Store) Apply(t protocol.Task, pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(t.Clone())
	if pos > s.applied {
		s.applied = pos
	}
}

// SetApplied records the log position of the last applied command.
func (s *Store) SetApplied(pos int64) {
	s.mu.Lock()
	s.applied = pos
	s.mu.Unlock()
}

// Applied returns the log position of the last applied command.
func (s *Store) Applied() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// ExpiredLocks returns locked tasks whose lock expiration is at or before now,
// ordered by key.
func (s *Store) ExpiredLocks(now int64) []protocol.Task {
	return s.Select(protocol.StateLocked, func(t protocol.Task) bool {
		return t.LockExpirationTime <= now
	})
}

// Lockable returns tasks of taskType that a LOCK command could be dispatched
// for, ordered by key.
func (s *Store) Lockable(taskType string, limit int) []protocol.Task {
	var out []protocol.Task
	for _, st := range []protocol.TaskState{protocol.StateCreated, protocol.StateFailed, protocol.StateLockExpired} {
		out = append(out, s.Select(st, func(t protocol.Task) bool {
			return t.Type == taskType && t.Lockable()
		})...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Select returns copies of the tasks in state st accepted by keep, ordered by
// key.
func (s *Store) Select(st protocol.TaskState, keep func(protocol.Task) bool) []protocol.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.Task
	for key := range s.byState[st] {
		t := s.tasks[key]
		if keep == nil || keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// View is a consistent copy of the store at an applied position.
type View struct {
	Position int64
	Tasks    []protocol.Task
}

// Snapshot returns a full scan of the store, ordered by key.
func (s *Store) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{Position: s.applied, Tasks: make([]protocol.Task, 0, len(s.tasks))}
	for _, t := range s.tasks {
		v.Tasks = append(v.Tasks, t.Clone())
	}
	sort.Slice(v.Tasks, func(i, j int) bool { return v.Tasks[i].Key < v.Tasks[j].Key })
	return v
}

// Restore replaces the store content with v.
func (s *Store) Restore(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[int64]protocol.Task, len(v.Tasks))
	s.byState = make(map[protocol.TaskState]map[int64]struct{})
	for _, t := range v.Tasks {
		s.putLocked(t.Clone())
	}
	s.applied = v.Position
}
