package lending

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendstack/ledger/internal/models"
)

// MemoryStore is the embedded-backend implementation of Store. A single
// mutex plays the role of the exclusive-write lock: every transaction
// holds it from first read to commit, so writers on any resource
// serialize the same way they do on the relational backend. Writes land
// on a copy of the state and are swapped in on commit, so a failing
// transaction leaves nothing behind.
type MemoryStore struct {
	mu          sync.Mutex
	resources   map[int64]models.Resource
	entries     map[int64]models.LedgerEntry
	nextResID   int64
	nextEntryID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[int64]models.Resource),
		entries:   make(map[int64]models.LedgerEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(res ResourceTx, led LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return newError(KindTimeout, "store.begin", err)
	}

	txn := &memTx{
		resources:   cloneMap(s.resources),
		entries:     cloneMap(s.entries),
		nextEntryID: s.nextEntryID,
	}
	if err := fn(&memResourceTx{txn}, &memLedgerTx{txn}); err != nil {
		return err
	}

	s.resources = txn.resources
	s.entries = txn.entries
	s.nextEntryID = txn.nextEntryID
	return nil
}

func (s *MemoryStore) CreateResource(ctx context.Context, totalUnits int) (int64, error) {
	if totalUnits < 0 {
		return 0, errorf(KindValidation, "store.create_resource", "total units must not be negative, got %d", totalUnits)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextResID++
	s.resources[s.nextResID] = models.Resource{
		ID:             s.nextResID,
		TotalUnits:     totalUnits,
		AvailableUnits: totalUnits,
	}
	return s.nextResID, nil
}

func (s *MemoryStore) GetResource(ctx context.Context, resourceID int64) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return nil, errorf(KindNotFound, "store.get_resource", "resource %d does not exist", resourceID)
	}
	return &r, nil
}

func (s *MemoryStore) ActiveEntryCount(ctx context.Context, resourceID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.ResourceID == resourceID && e.ReleasedAt == nil {
			n++
		}
	}
	return n, nil
}

type memTx struct {
	resources   map[int64]models.Resource
	entries     map[int64]models.LedgerEntry
	nextEntryID int64
}

type memResourceTx struct {
	txn *memTx
}

func (r *memResourceTx) Get(ctx context.Context, resourceID int64) (*models.Resource, error) {
	res, ok := r.txn.resources[resourceID]
	if !ok {
		return nil, errorf(KindNotFound, "resources.get", "resource %d does not exist", resourceID)
	}
	return &res, nil
}

func (r *memResourceTx) DecrementAvailable(ctx context.Context, resourceID int64) (bool, error) {
	res, ok := r.txn.resources[resourceID]
	if !ok || res.AvailableUnits <= 0 {
		return false, nil
	}
	res.AvailableUnits--
	r.txn.resources[resourceID] = res
	return true, nil
}

func (r *memResourceTx) IncrementAvailable(ctx context.Context, resourceID int64) (bool, error) {
	res, ok := r.txn.resources[resourceID]
	if !ok {
		return false, nil
	}
	if res.AvailableUnits < res.TotalUnits {
		res.AvailableUnits++
	}
	r.txn.resources[resourceID] = res
	return true, nil
}

type memLedgerTx struct {
	txn *memTx
}

func (l *memLedgerTx) Create(ctx context.Context, holderID, resourceID int64, dueAt time.Time) (int64, error) {
	acquiredAt := time.Now()
	if dueAt.Before(acquiredAt) {
		return 0, errorf(KindValidation, "ledger.create", "due date %s is before acquisition time", dueAt.Format(time.RFC3339))
	}
	if _, ok := l.txn.resources[resourceID]; !ok {
		return 0, errorf(KindValidation, "ledger.create", "resource %d does not exist", resourceID)
	}
	l.txn.nextEntryID++
	l.txn.entries[l.txn.nextEntryID] = models.LedgerEntry{
		ID:         l.txn.nextEntryID,
		HolderID:   holderID,
		ResourceID: resourceID,
		AcquiredAt: acquiredAt,
		DueAt:      dueAt,
		Penalty:    decimal.Zero,
	}
	return l.txn.nextEntryID, nil
}

func (l *memLedgerTx) GetActive(ctx context.Context, entryID int64) (*models.LedgerEntry, error) {
	e, ok := l.txn.entries[entryID]
	if !ok || e.ReleasedAt != nil {
		return nil, errorf(KindNotFound, "ledger.get_active", "no active entry %d", entryID)
	}
	return &e, nil
}

func (l *memLedgerTx) MarkReleased(ctx context.Context, entryID int64, penalty decimal.Decimal) (bool, error) {
	e, ok := l.txn.entries[entryID]
	if !ok || e.ReleasedAt != nil {
		return false, nil
	}
	now := time.Now()
	e.ReleasedAt = &now
	e.Penalty = penalty
	l.txn.entries[entryID] = e
	return true, nil
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
