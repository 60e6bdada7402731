// Package events publishes loan lifecycle events after a lending
// transaction commits. Publishing is best-effort: a failed publish is
// logged by the caller, never rolled into the operation result.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicLoanAcquired = "loan.acquired"
	TopicLoanReleased = "loan.released"
)

// Publisher ships one event to one topic.
type Publisher interface {
	Publish(topic string, event any) error
}

// LoanAcquired is emitted once a unit has been checked out and committed.
type LoanAcquired struct {
	OperationID string    `json:"operation_id"`
	EntryID     int64     `json:"entry_id"`
	HolderID    int64     `json:"holder_id"`
	ResourceID  int64     `json:"resource_id"`
	DueAt       time.Time `json:"due_at"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// LoanReleased is emitted once a unit has been returned and committed.
type LoanReleased struct {
	OperationID string          `json:"operation_id"`
	EntryID     int64           `json:"entry_id"`
	ResourceID  int64           `json:"resource_id"`
	Penalty     decimal.Decimal `json:"penalty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
