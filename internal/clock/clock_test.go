package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestControlledClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewControlled(start)

	assert.Equal(t, start.UnixMilli(), c.Now())

	got := c.Advance(5 * time.Minute)
	assert.Equal(t, start.Add(5*time.Minute).UnixMilli(), got)
	assert.Equal(t, got, c.Now())

	c.SetMillis(42)
	assert.Equal(t, int64(42), c.Now())
}

func TestSystemClockMovesForward(t *testing.T) {
	var c Clock = System{}
	before := time.Now().UnixMilli()
	now := c.Now()
	assert.GreaterOrEqual(t, now, before)
}
