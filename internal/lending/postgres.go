package lending

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lendstack/ledger/internal/models"
)

// PostgresStore implements Store on a single relational backend through
// lib/pq. Correctness rests on the row lock taken before the first read
// and on predicate-guarded updates checked via RowsAffected.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(res ResourceTx, led LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("store.begin", err)
	}
	defer tx.Rollback()

	if err := fn(&pgResourceTx{tx: tx}, &pgLedgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("store.commit", err)
	}
	return nil
}

func (s *PostgresStore) CreateResource(ctx context.Context, totalUnits int) (int64, error) {
	if totalUnits < 0 {
		return 0, errorf(KindValidation, "store.create_resource", "total units must not be negative, got %d", totalUnits)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO resources (total_units, available_units)
		VALUES ($1, $1)
		RETURNING id`, totalUnits).Scan(&id)
	if err != nil {
		return 0, classify("store.create_resource", err)
	}
	return id, nil
}

func (s *PostgresStore) GetResource(ctx context.Context, resourceID int64) (*models.Resource, error) {
	var r models.Resource
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_units, available_units
		FROM resources
		WHERE id = $1`, resourceID).
		Scan(&r.ID, &r.TotalUnits, &r.AvailableUnits)
	if err != nil {
		return nil, classify("store.get_resource", err)
	}
	return &r, nil
}

func (s *PostgresStore) ActiveEntryCount(ctx context.Context, resourceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE resource_id = $1
		AND released_at IS NULL`, resourceID).Scan(&n)
	if err != nil {
		return 0, classify("store.active_entry_count", err)
	}
	return n, nil
}

type pgResourceTx struct {
	tx *sql.Tx
}

// Get locks the resource row before reading it, so the whole transaction
// behaves as an exclusive-write one: concurrent acquires on the same
// resource serialize here.
func (r *pgResourceTx) Get(ctx context.Context, resourceID int64) (*models.Resource, error) {
	var res models.Resource
	err := r.tx.QueryRowContext(ctx, `
		SELECT id, total_units, available_units
		FROM resources
		WHERE id = $1
		FOR UPDATE`, resourceID).
		Scan(&res.ID, &res.TotalUnits, &res.AvailableUnits)
	if err != nil {
		return nil, classify("resources.get", err)
	}
	return &res, nil
}

func (r *pgResourceTx) DecrementAvailable(ctx context.Context, resourceID int64) (bool, error) {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE resources
		SET available_units = available_units - 1
		WHERE id = $1
		AND available_units > 0`, resourceID)
	if err != nil {
		return false, classify("resources.decrement", err)
	}
	return oneRowChanged(result, "resources.decrement")
}

func (r *pgResourceTx) IncrementAvailable(ctx context.Context, resourceID int64) (bool, error) {
	// LEAST keeps the ceiling invariant even on a replayed release.
	result, err := r.tx.ExecContext(ctx, `
		UPDATE resources
		SET available_units = LEAST(total_units, available_units + 1)
		WHERE id = $1`, resourceID)
	if err != nil {
		return false, classify("resources.increment", err)
	}
	return oneRowChanged(result, "resources.increment")
}

type pgLedgerTx struct {
	tx *sql.Tx
}

func (l *pgLedgerTx) Create(ctx context.Context, holderID, resourceID int64, dueAt time.Time) (int64, error) {
	acquiredAt := time.Now()
	if dueAt.Before(acquiredAt) {
		return 0, errorf(KindValidation, "ledger.create", "due date %s is before acquisition time", dueAt.Format(time.RFC3339))
	}
	var id int64
	err := l.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (holder_id, resource_id, acquired_at, due_at, penalty)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING id`,
		holderID, resourceID, acquiredAt, dueAt).Scan(&id)
	if err != nil {
		return 0, classify("ledger.create", err)
	}
	return id, nil
}

func (l *pgLedgerTx) GetActive(ctx context.Context, entryID int64) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := l.tx.QueryRowContext(ctx, `
		SELECT id, holder_id, resource_id, acquired_at, due_at, released_at, penalty
		FROM ledger_entries
		WHERE id = $1
		AND released_at IS NULL`, entryID).
		Scan(&e.ID, &e.HolderID, &e.ResourceID, &e.AcquiredAt, &e.DueAt, &e.ReleasedAt, &e.Penalty)
	if err != nil {
		return nil, classify("ledger.get_active", err)
	}
	return &e, nil
}

func (l *pgLedgerTx) MarkReleased(ctx context.Context, entryID int64, penalty decimal.Decimal) (bool, error) {
	result, err := l.tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET released_at = $2, penalty = $3
		WHERE id = $1
		AND released_at IS NULL`,
		entryID, time.Now(), penalty)
	if err != nil {
		return false, classify("ledger.mark_released", err)
	}
	return oneRowChanged(result, "ledger.mark_released")
}

func oneRowChanged(result sql.Result, op string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return affected > 0, nil
}

// classify maps a driver failure onto the error taxonomy. Retry decisions
// upstream dispatch on the resulting Kind, so lock contention must come
// out as KindConflict here and nowhere else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return newError(KindNotFound, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindTimeout, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01", "55P03": // serialization failure, deadlock, lock not available
			return newError(KindConflict, op, err)
		case "23503": // foreign key violation
			return newError(KindValidation, op, err)
		}
	}
	return newError(KindPersistence, op, err)
}
