package lending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lendstack/ledger/internal/models"
	"github.com/lendstack/ledger/internal/ops"
)

// captureSink collects operation records so tests can assert on
// attempts_used and outcomes.
type captureSink struct {
	mu   sync.Mutex
	recs []ops.OperationRecord
}

func (c *captureSink) Record(ctx context.Context, rec ops.OperationRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSink) last() ops.OperationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recs[len(c.recs)-1]
}

// capturePublisher collects published events.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (c *capturePublisher) Publish(topic string, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.events = append(c.events, event)
	return nil
}

// flakyStore fails the first n transactions with transient contention,
// then delegates.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(res ResourceTx, led LedgerTx) error) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errorf(KindConflict, "store.begin", "row locked")
	}
	return f.Store.WithinTx(ctx, fn)
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2}
}

func futureDue() time.Time {
	return time.Now().Add(7 * 24 * time.Hour)
}

func TestCoordinatorAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire decrements and creates an active entry", func(t *testing.T) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 3)
		require.NoError(t, err)

		sink := &captureSink{}
		pub := &capturePublisher{}
		c := NewCoordinator(store, zap.NewNop(), pub, sink, testPolicy())

		entryID, err := c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: resID, DueAt: futureDue()})
		require.NoError(t, err)
		assert.NotZero(t, entryID)

		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 2, r.AvailableUnits)

		n, err := store.ActiveEntryCount(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec := sink.last()
		assert.Equal(t, "acquire", rec.Operation)
		assert.Equal(t, "success", rec.Outcome)
		assert.Equal(t, 1, rec.AttemptsUsed)
		assert.Equal(t, entryID, rec.EntryID)

		require.Len(t, pub.topics, 1)
		assert.Equal(t, "loan.acquired", pub.topics[0])
	})

	t.Run("exhausted after the last unit goes out", func(t *testing.T) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 3)
		require.NoError(t, err)

		sink := &captureSink{}
		c := NewCoordinator(store, zap.NewNop(), nil, sink, testPolicy())

		for i := 0; i < 3; i++ {
			_, err := c.Acquire(ctx, models.AcquireRequest{HolderID: int64(i + 1), ResourceID: resID, DueAt: futureDue()})
			require.NoError(t, err)
		}

		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 0, r.AvailableUnits)

		_, err = c.Acquire(ctx, models.AcquireRequest{HolderID: 4, ResourceID: resID, DueAt: futureDue()})
		assert.Equal(t, KindExhausted, KindOf(err))
		assert.Equal(t, "RESOURCE_EXHAUSTED", sink.last().Outcome)
		assert.Equal(t, 1, sink.last().AttemptsUsed, "a business rejection must not spend retry budget")
	})

	t.Run("unknown resource is not found", func(t *testing.T) {
		c := NewCoordinator(NewMemoryStore(), zap.NewNop(), nil, nil, testPolicy())
		_, err := c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: 42, DueAt: futureDue()})
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("due date before today is rejected without touching the store", func(t *testing.T) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 3)
		require.NoError(t, err)

		c := NewCoordinator(store, zap.NewNop(), nil, nil, testPolicy())
		_, err = c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: resID, DueAt: time.Now().AddDate(0, 0, -1)})
		assert.Equal(t, KindValidation, KindOf(err))

		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 3, r.AvailableUnits)

		n, err := store.ActiveEntryCount(ctx, resID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("non-positive identifiers are rejected", func(t *testing.T) {
		c := NewCoordinator(NewMemoryStore(), zap.NewNop(), nil, nil, testPolicy())

		_, err := c.Acquire(ctx, models.AcquireRequest{HolderID: 0, ResourceID: 1, DueAt: futureDue()})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: -2, DueAt: futureDue()})
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("transient contention is retried and reported", func(t *testing.T) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 1)
		require.NoError(t, err)

		sink := &captureSink{}
		flaky := &flakyStore{Store: store, failures: 2}
		c := NewCoordinator(flaky, zap.NewNop(), nil, sink, testPolicy())

		entryID, err := c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: resID, DueAt: futureDue()})
		require.NoError(t, err)
		assert.NotZero(t, entryID)
		assert.Equal(t, 3, sink.last().AttemptsUsed)

		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 0, r.AvailableUnits, "retries must land exactly one acquisition")
	})

	t.Run("retry budget exhausts into conflict", func(t *testing.T) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 1)
		require.NoError(t, err)

		flaky := &flakyStore{Store: store, failures: 99}
		c := NewCoordinator(flaky, zap.NewNop(), nil, nil, testPolicy())

		_, err = c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: resID, DueAt: futureDue()})
		assert.Equal(t, KindConflict, KindOf(err))
	})

	t.Run("deadline bounds the whole retry loop", func(t *testing.T) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 1)
		require.NoError(t, err)

		flaky := &flakyStore{Store: store, failures: 99}
		policy := RetryPolicy{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, Factor: 2}
		c := NewCoordinator(flaky, zap.NewNop(), nil, nil, policy)

		deadlineCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		_, err = c.Acquire(deadlineCtx, models.AcquireRequest{HolderID: 1, ResourceID: resID, DueAt: futureDue()})
		assert.Equal(t, KindTimeout, KindOf(err))
	})
}

func TestCoordinatorRelease(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Coordinator, *MemoryStore, int64, int64) {
		store := NewMemoryStore()
		resID, err := store.CreateResource(ctx, 3)
		require.NoError(t, err)

		c := NewCoordinator(store, zap.NewNop(), nil, nil, testPolicy())
		entryID, err := c.Acquire(ctx, models.AcquireRequest{HolderID: 1, ResourceID: resID, DueAt: futureDue()})
		require.NoError(t, err)
		return c, store, resID, entryID
	}

	t.Run("release increments and closes the entry", func(t *testing.T) {
		c, store, resID, entryID := setup(t)

		err := c.Release(ctx, models.ReleaseRequest{EntryID: entryID, Penalty: decimal.Zero})
		require.NoError(t, err)

		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 3, r.AvailableUnits)

		n, err := store.ActiveEntryCount(ctx, resID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("double release fails not-found with no double increment", func(t *testing.T) {
		c, store, resID, entryID := setup(t)

		require.NoError(t, c.Release(ctx, models.ReleaseRequest{EntryID: entryID, Penalty: decimal.Zero}))

		err := c.Release(ctx, models.ReleaseRequest{EntryID: entryID, Penalty: decimal.Zero})
		assert.Equal(t, KindNotFound, KindOf(err))

		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 3, r.AvailableUnits)
	})

	t.Run("unknown entry fails not-found", func(t *testing.T) {
		c, _, _, _ := setup(t)
		err := c.Release(ctx, models.ReleaseRequest{EntryID: 12345, Penalty: decimal.Zero})
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("negative penalty is rejected", func(t *testing.T) {
		c, store, resID, entryID := setup(t)

		err := c.Release(ctx, models.ReleaseRequest{EntryID: entryID, Penalty: decimal.NewFromInt(-1)})
		assert.Equal(t, KindValidation, KindOf(err))

		n, err := store.ActiveEntryCount(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "rejected release must leave the loan active")
	})
}

func TestCoordinatorConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const (
		units   = 5
		callers = 16
	)

	resID, err := store.CreateResource(ctx, units)
	require.NoError(t, err)

	c := NewCoordinator(store, zap.NewNop(), nil, nil, testPolicy())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(holder int64) {
			defer wg.Done()
			_, err := c.Acquire(ctx, models.AcquireRequest{HolderID: holder, ResourceID: resID, DueAt: futureDue()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case KindOf(err) == KindExhausted:
				exhausted++
			default:
				t.Errorf("unexpected failure: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, units, succeeded)
	assert.Equal(t, callers-units, exhausted)

	r, err := store.GetResource(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, 0, r.AvailableUnits)

	n, err := store.ActiveEntryCount(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, units, n, "active entries must equal total minus available")
}

func TestCoordinatorConcurrentChurn(t *testing.T) {
	// Acquire/release churn across two resources: whatever interleaving
	// happens, the counters must end inside their bounds and agree with
	// the ledger.
	ctx := context.Background()
	store := NewMemoryStore()

	resA, err := store.CreateResource(ctx, 2)
	require.NoError(t, err)
	resB, err := store.CreateResource(ctx, 4)
	require.NoError(t, err)

	c := NewCoordinator(store, zap.NewNop(), nil, nil, testPolicy())

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(holder int64) {
			defer wg.Done()
			target := resA
			if holder%2 == 0 {
				target = resB
			}
			for j := 0; j < 5; j++ {
				entryID, err := c.Acquire(ctx, models.AcquireRequest{HolderID: holder, ResourceID: target, DueAt: futureDue()})
				if err != nil {
					continue
				}
				_ = c.Release(ctx, models.ReleaseRequest{EntryID: entryID, Penalty: decimal.Zero})
			}
		}(int64(i + 1))
	}
	wg.Wait()

	for _, resID := range []int64{resA, resB} {
		r, err := store.GetResource(ctx, resID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.AvailableUnits, 0)
		assert.LessOrEqual(t, r.AvailableUnits, r.TotalUnits)

		n, err := store.ActiveEntryCount(ctx, resID)
		require.NoError(t, err)
		assert.Equal(t, r.TotalUnits-r.AvailableUnits, n)
	}
}
