package lending

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendstack/ledger/internal/models"
)

// Store is the transactional boundary the coordinator runs against.
// WithinTx opens one exclusive-write transaction; both store views passed
// to fn participate in that transaction end to end. fn returning an error
// rolls the whole transaction back.
type Store interface {
	WithinTx(ctx context.Context, fn func(res ResourceTx, led LedgerTx) error) error

	// Plain reads and the resource write path used by tooling and tests.
	// Resources themselves are created outside the lending flow.
	CreateResource(ctx context.Context, totalUnits int) (int64, error)
	GetResource(ctx context.Context, resourceID int64) (*models.Resource, error)
	ActiveEntryCount(ctx context.Context, resourceID int64) (int, error)
}

// ResourceTx mutates resource rows inside the ambient transaction. All
// updates are predicate-guarded: the store re-evaluates the condition per
// writer, so a lost race shows up as changed == false rather than as a
// counter that went out of bounds.
type ResourceTx interface {
	// Get reads the resource under the transaction's write lock.
	Get(ctx context.Context, resourceID int64) (*models.Resource, error)

	// DecrementAvailable takes one unit only while available_units > 0.
	DecrementAvailable(ctx context.Context, resourceID int64) (changed bool, err error)

	// IncrementAvailable returns one unit, clamped to total_units.
	IncrementAvailable(ctx context.Context, resourceID int64) (changed bool, err error)
}

// LedgerTx owns ledger rows and their single terminal transition.
type LedgerTx interface {
	// Create inserts an active entry acquired now. Due dates before the
	// acquisition time are rejected as validation failures.
	Create(ctx context.Context, holderID, resourceID int64, dueAt time.Time) (int64, error)

	// GetActive returns the entry only while it is unreleased; released
	// rows behave as not-found so a double release cannot be told apart
	// from a bogus id.
	GetActive(ctx context.Context, entryID int64) (*models.LedgerEntry, error)

	// MarkReleased sets released_at and the penalty only while the row is
	// still unreleased.
	MarkReleased(ctx context.Context, entryID int64, penalty decimal.Decimal) (changed bool, err error)
}
