package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Resource represents a countable lendable item. AvailableUnits is only
// mutated through the lending coordinator's guarded updates and always
// stays within [0, TotalUnits].
type Resource struct {
	ID             int64 `json:"id" db:"id"`
	TotalUnits     int   `json:"total_units" db:"total_units"`
	AvailableUnits int   `json:"available_units" db:"available_units"`
}

// LedgerEntry represents one loan of one unit of a Resource to a holder.
// ReleasedAt is null while the loan is active and immutable once set;
// Penalty is meaningful only after release.
type LedgerEntry struct {
	ID         int64           `json:"id" db:"id"`
	HolderID   int64           `json:"holder_id" db:"holder_id"`
	ResourceID int64           `json:"resource_id" db:"resource_id"`
	AcquiredAt time.Time       `json:"acquired_at" db:"acquired_at"`
	DueAt      time.Time       `json:"due_at" db:"due_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty" db:"released_at"`
	Penalty    decimal.Decimal `json:"penalty" db:"penalty"`
}

// Active reports whether the loan is still held.
func (e *LedgerEntry) Active() bool {
	return e.ReleasedAt == nil
}

// AcquireRequest carries the inputs for borrowing one unit of a resource.
type AcquireRequest struct {
	HolderID   int64     `json:"holder_id" validate:"required,gt=0"`
	ResourceID int64     `json:"resource_id" validate:"required,gt=0"`
	DueAt      time.Time `json:"due_at" validate:"required"`
}

// ReleaseRequest carries the inputs for returning a borrowed unit.
type ReleaseRequest struct {
	EntryID int64           `json:"entry_id" validate:"required,gt=0"`
	Penalty decimal.Decimal `json:"penalty"`
}
