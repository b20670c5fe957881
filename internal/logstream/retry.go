package logstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

// ErrUnavailable is returned once backpressure outlasts the retry budget.
var ErrUnavailable = errors.New("log unavailable")

// Appender is the submit side of the log.
type Appender interface {
	Append(ctx context.Context, rec protocol.Record) (int64, error)
}

// RetryPolicy bounds how long a submitter keeps retrying on backpressure.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Budget  time.Duration
}

// DefaultRetryPolicy backs off from 10ms to 500ms within a 5s budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial: 10 * time.Millisecond,
		Max:     500 * time.Millisecond,
		Budget:  5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	def := DefaultRetryPolicy()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = def.Initial
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	b.MaxInterval = def.Max
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = def.Budget
	if p.Budget > 0 {
		b.MaxElapsedTime = p.Budget
	}
	return backoff.WithContext(b, ctx)
}

// SubmitWithRetry appends rec, retrying with exponential backoff while the
// log reports backpressure. Any other append error is returned immediately.
func SubmitWithRetry(ctx context.Context, a Appender, rec protocol.Record, p RetryPolicy) (int64, error) {
	var pos int64
	op := func() error {
		var err error
		pos, err = a.Append(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBackpressure) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, p.backOff(ctx)); err != nil {
		if errors.Is(err, ErrBackpressure) {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return 0, err
	}
	return pos, nil
}
