// Package subscription holds the worker subscriptions of a partition, their
// credit ledger, and the engine that matches lockable tasks to them.
//
// Credit is debited optimistically, before the LOCK command reaches the log.
// When the state machine rejects such a lock, the credit comes back through
// IncreaseCreditsAsync, deduplicated by the position of the rejected command.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/tasklease/internal/log"
	"github.com/mattjoyce/tasklease/internal/protocol"
)

const (
	// DefaultCompensationBuffer bounds queued but unapplied credit returns.
	DefaultCompensationBuffer = 256

	// seenPositions bounds the dedup window for compensations.
	seenPositions = 4096
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidSubscription  = errors.New("invalid subscription")
)

// Spec describes a subscription a worker opens.
type Spec struct {
	ChannelID    string
	TaskType     string
	LockOwner    string
	LockDuration time.Duration
	Credits      int64
}

func (s Spec) validate() error {
	switch {
	case s.ChannelID == "":
		return fmt.Errorf("%w: channel id is required", ErrInvalidSubscription)
	case s.TaskType == "":
		return fmt.Errorf("%w: task type is required", ErrInvalidSubscription)
	case s.LockOwner == "":
		return fmt.Errorf("%w: lock owner is required", ErrInvalidSubscription)
	case s.LockDuration < time.Millisecond:
		return fmt.Errorf("%w: lock duration must be at least 1ms", ErrInvalidSubscription)
	case s.Credits < 0:
		return fmt.Errorf("%w: credits must not be negative", ErrInvalidSubscription)
	}
	return nil
}

// Subscription is a registered worker subscription. Its credit counter is
// the only mutable field.
type Subscription struct {
	Key          int64
	ChannelID    string
	TaskType     string
	LockOwner    string
	LockDuration time.Duration

	credits atomic.Int64
}

// Credits returns the remaining credit.
func (s *Subscription) Credits() int64 {
	return s.credits.Load()
}

// tryDebit takes one credit if any is left.
func (s *Subscription) tryDebit() bool {
	for {
		c := s.credits.Load()
		if c <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

func (s *Subscription) credit(n int64) int64 {
	return s.credits.Add(n)
}

// Info is a point-in-time copy of a subscription.
type Info struct {
	Key          int64         `json:"subscriber_key"`
	ChannelID    string        `json:"channel_id"`
	TaskType     string        `json:"task_type"`
	LockOwner    string        `json:"lock_owner"`
	LockDuration time.Duration `json:"lock_duration"`
	Credits      int64         `json:"credits"`
}

func (s *Subscription) Info() Info {
	return Info{
		Key:          s.Key,
		ChannelID:    s.ChannelID,
		TaskType:     s.TaskType,
		LockOwner:    s.LockOwner,
		LockDuration: s.LockDuration,
		Credits:      s.Credits(),
	}
}

// Registry is the set of subscriptions of one partition.
type Registry struct {
	mu      sync.RWMutex
	nextKey int64
	subs    map[int64]*Subscription
	byType  map[string][]int64
	cursor  map[string]int

	seenMu    sync.Mutex
	seen      map[int64]struct{}
	seenOrder []int64

	compensations chan protocol.CreditsRequest
	onCredit      func(taskType string)
	logger        *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		subs:          make(map[int64]*Subscription),
		byType:        make(map[string][]int64),
		cursor:        make(map[string]int),
		seen:          make(map[int64]struct{}),
		compensations: make(chan protocol.CreditsRequest, DefaultCompensationBuffer),
		logger:        log.WithComponent("subscription"),
	}
}

// OnCredit registers fn to be called whenever a subscription of taskType
// gains credit, including when it is opened with credit.
func (r *Registry) OnCredit(fn func(taskType string)) {
	r.mu.Lock()
	r.onCredit = fn
	r.mu.Unlock()
}

// Open registers a subscription and returns it with its assigned key.
func (r *Registry) Open(spec Spec) (*Subscription, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nextKey++
	sub := &Subscription{
		Key:          r.nextKey,
		ChannelID:    spec.ChannelID,
		TaskType:     spec.TaskType,
		LockOwner:    spec.LockOwner,
		LockDuration: spec.LockDuration,
	}
	sub.credits.Store(spec.Credits)
	r.subs[sub.Key] = sub
	r.byType[spec.TaskType] = append(r.byType[spec.TaskType], sub.Key)
	notify := r.onCredit
	r.mu.Unlock()

	r.logger.Info("subscription opened",
		"subscriber_key", sub.Key,
		"channel_id", sub.ChannelID,
		"task_type", sub.TaskType,
		"credits", spec.Credits,
	)
	if notify != nil && spec.Credits > 0 {
		notify(spec.TaskType)
	}
	return sub, nil
}

// Close removes a subscription. Later compensations for it are dropped.
func (r *Registry) Close(key int64) error {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, key)
	}
	delete(r.subs, key)
	keys := r.byType[sub.TaskType]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(r.byType, sub.TaskType)
		delete(r.cursor, sub.TaskType)
	} else {
		r.byType[sub.TaskType] = keys
	}
	r.mu.Unlock()

	r.logger.Info("subscription closed", "subscriber_key", key)
	return nil
}

// Get returns the subscription registered under key.
func (r *Registry) Get(key int64) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[key]
	return sub, ok
}

// List returns a copy of every subscription, ordered by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of open subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Replenish adds n credits granted by the worker.
func (r *Registry) Replenish(key int64, n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: credits must be positive", ErrInvalidSubscription)
	}
	sub, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, key)
	}
	sub.credit(n)
	r.notify(sub.TaskType)
	return nil
}

// refund returns a credit debited by a dispatch that never reached the log
// and announces it like any other credit.
func (r *Registry) refund(sub *Subscription) {
	sub.credit(1)
	r.notify(sub.TaskType)
}

// Select debits one credit from the next subscription of taskType in
// round-robin order that has credit left.
func (r *Registry) Select(taskType string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byType[taskType]
	if len(keys) == 0 {
		return nil, false
	}
	start := r.cursor[taskType]
	for i := range keys {
		idx := (start + i) % len(keys)
		sub := r.subs[keys[idx]]
		if sub.tryDebit() {
			r.cursor[taskType] = idx + 1
			return sub, true
		}
	}
	return nil, false
}

// IncreaseCreditsAsync queues a compensation and returns immediately. It
// never blocks the caller; when the queue is full the compensation is
// applied from a separate goroutine.
func (r *Registry) IncreaseCreditsAsync(req protocol.CreditsRequest) {
	select {
	case r.compensations <- req:
	default:
		go r.ApplyCredits(req)
	}
}

// Run applies queued compensations until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.compensations:
			r.ApplyCredits(req)
		}
	}
}

// ApplyCredits applies one compensation. A request for a position that was
// already compensated, or for a closed subscription, is dropped and false
// is returned.
func (r *Registry) ApplyCredits(req protocol.CreditsRequest) bool {
	if req.Amount <= 0 {
		return false
	}
	if req.Position != 0 && !r.markSeen(req.Position) {
		r.logger.Debug("duplicate compensation dropped", "position", req.Position, "subscriber_key", req.SubscriberKey)
		return false
	}
	sub, ok := r.Get(req.SubscriberKey)
	if !ok {
		r.logger.Debug("compensation for closed subscription dropped", "subscriber_key", req.SubscriberKey)
		return false
	}
	credits := sub.credit(req.Amount)
	r.logger.Debug("credits compensated",
		"subscriber_key", req.SubscriberKey,
		"amount", req.Amount,
		"credits", credits,
		"position", req.Position,
	)
	r.notify(sub.TaskType)
	return true
}

func (r *Registry) markSeen(pos int64) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if _, dup := r.seen[pos]; dup {
		return false
	}
	r.seen[pos] = struct{}{}
	r.seenOrder = append(r.seenOrder, pos)
	if len(r.seenOrder) > seenPositions {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
	return true
}

func (r *Registry) notify(taskType string) {
	r.mu.RLock()
	fn := r.onCredit
	r.mu.RUnlock()
	if fn != nil {
		fn(taskType)
	}
}
