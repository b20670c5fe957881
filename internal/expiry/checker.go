// Package expiry periodically re-injects EXPIRE_LOCK commands for tasks whose
// lock expiration time has passed.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/protocol"
)

const DefaultInterval = 30 * time.Second

// Options tunes the checker.
type Options struct {
	Interval time.Duration
	Jitter   time.Duration
	Retry    logstream.RetryPolicy
}

// Checker scans the task store for expired locks. Sweeps never overlap.
// Submitting EXPIRE_LOCK for a task that was completed or re-locked in the
// meantime is harmless: the state machine rejects it.
type Checker struct {
	opts    Options
	clock   clock.Clock
	tasks   TaskScanner
	writer  CommandWriter
	logger  *slog.Logger
	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sweepMu sync.Mutex
}

// New creates a Checker.
func New(opts Options, clk clock.Clock, tasks TaskScanner, w CommandWriter, logger *slog.Logger) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Checker{
		opts:    opts,
		clock:   clk,
		tasks:   tasks,
		writer:  w,
		logger:  logger.With("component", "expiry"),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (c *Checker) Start(ctx context.Context) {
	c.logger.Info("Starting lock expiration checker", "interval", c.opts.Interval, "jitter", c.opts.Jitter)
	c.wg.Add(1)
	go c.tickLoop(ctx)
}

// Stop gracefully stops the checker.
func (c *Checker) Stop() {
	c.logger.Info("Stopping lock expiration checker")
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("Lock expiration checker stopped")
}

// Trigger requests a sweep without waiting for the next tick. Requests made
// while a sweep is pending are coalesced.
func (c *Checker) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Checker) tickLoop(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(c.opts.Interval, c.opts.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			c.sweep(ctx)
			timer.Reset(calculateJitteredInterval(c.opts.Interval, c.opts.Jitter))
		case <-c.trigger:
			c.sweep(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			c.logger.Warn("Expiration checker context cancelled, stopping tick loop")
			return
		}
	}
}

func (c *Checker) sweep(ctx context.Context) {
	n, err := c.Sweep(ctx)
	if err != nil {
		c.logger.Error("Lock expiration sweep incomplete", "submitted", n, "error", err)
	}
}

// Sweep submits EXPIRE_LOCK for every task whose lock expired at or before
// the current engine time. It returns how many commands were submitted.
// A failed submission does not stop the sweep; all failures are returned
// joined.
func (c *Checker) Sweep(ctx context.Context) (int, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	now := c.clock.Now()
	expired := c.tasks.ExpiredLocks(now)
	if len(expired) == 0 {
		c.logger.Debug("Lock expiration sweep found nothing", "now", now)
		return 0, nil
	}

	var (
		submitted int
		errs      []error
	)
	for _, t := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		cmd := protocol.Record{
			Kind:    protocol.KindCommand,
			Command: protocol.CommandExpireLock,
			TaskKey: t.Key,
			Value: protocol.TaskValue{
				Type:      t.Type,
				LockOwner: t.LockOwner,
				LockTime:  t.LockExpirationTime,
				Retries:   t.Retries,
			},
		}
		pos, err := logstream.SubmitWithRetry(ctx, c.writer, cmd, c.opts.Retry)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire task %d: %w", t.Key, err))
			continue
		}
		submitted++
		c.logger.Debug("Submitted lock expiration",
			"task_key", t.Key,
			"lock_owner", t.LockOwner,
			"lock_expiration_time", t.LockExpirationTime,
			"position", pos,
		)
	}

	c.logger.Info("Lock expiration sweep", "expired", len(expired), "submitted", submitted)
	return submitted, errors.Join(errs...)
}

func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
