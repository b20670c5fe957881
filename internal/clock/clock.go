// Package clock provides the engine's logical time source.
//
// The state machine never reads the host clock. The log stamps every appended
// command with Now() and the apply loop hands that stamp to the state machine,
// so replaying a log reproduces the original accept/reject decisions.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current engine time in unix milliseconds.
type Clock interface {
	Now() int64
}

// System reads the host wall clock.
type System struct{}

func (System) Now() int64 {
	return time.Now().UnixMilli()
}

// Controlled is a settable clock for tests and externally synchronized
// deployments.
type Controlled struct {
	ms atomic.Int64
}

// NewControlled returns a clock pinned at t.
func NewControlled(t time.Time) *Controlled {
	c := &Controlled{}
	c.Set(t)
	return c
}

func (c *Controlled) Now() int64 {
	return c.ms.Load()
}

// Set pins the clock at t.
func (c *Controlled) Set(t time.Time) {
	c.ms.Store(t.UnixMilli())
}

// SetMillis pins the clock at ms.
func (c *Controlled) SetMillis(ms int64) {
	c.ms.Store(ms)
}

// Advance moves the clock forward by d.
func (c *Controlled) Advance(d time.Duration) int64 {
	return c.ms.Add(d.Milliseconds())
}
