package expiry

import (
	"context"

	"github.com/mattjoyce/tasklease/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_expiry.go -package=mocks github.com/mattjoyce/tasklease/internal/expiry TaskScanner,CommandWriter

// TaskScanner finds locked tasks whose lease has lapsed.
type TaskScanner interface {
	ExpiredLocks(now int64) []protocol.Task
}

// CommandWriter submits commands to the partition log.
type CommandWriter interface {
	Append(ctx context.Context, rec protocol.Record) (int64, error)
}
