package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lendstack/ledger/internal/events"
	"github.com/lendstack/ledger/internal/models"
	"github.com/lendstack/ledger/internal/ops"
)

// Coordinator exposes Acquire and Release as all-or-nothing operations.
// Each runs as one exclusive-write transaction against the store and is
// retried as a whole unit on transient contention. The coordinator holds
// no locks of its own: correctness comes from the store's transactional
// isolation and its predicate-guarded updates.
type Coordinator struct {
	store     Store
	retry     RetryPolicy
	validator *ValidationHelper
	logger    *zap.Logger
	publisher events.Publisher
	sink      ops.Sink
}

// NewCoordinator wires the coordinator. publisher and sink may be nil to
// disable event emission and the ops queue; a zero policy falls back to
// the default 3x50ms/x2 schedule.
func NewCoordinator(store Store, logger *zap.Logger, publisher events.Publisher, sink ops.Sink, policy RetryPolicy) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		retry:     policy.orDefault(),
		validator: NewValidationHelper(),
		logger:    logger,
		publisher: publisher,
		sink:      sink,
	}
}

// Acquire checks one unit of the resource out to the holder and returns
// the id of the created ledger entry.
func (c *Coordinator) Acquire(ctx context.Context, req models.AcquireRequest) (int64, error) {
	start := time.Now()
	opID := uuid.NewString()

	if err := c.validateAcquire(req); err != nil {
		c.observe(opID, "acquire", req.ResourceID, 0, 1, start, err)
		return 0, err
	}

	var entryID int64
	attempts, err := c.withRetry(ctx, "acquire", func(ctx context.Context) error {
		entryID = 0
		return c.store.WithinTx(ctx, func(res ResourceTx, led LedgerTx) error {
			resource, err := res.Get(ctx, req.ResourceID)
			if err != nil {
				return err
			}
			if resource.AvailableUnits <= 0 {
				return errorf(KindExhausted, "acquire", "resource %d has no available units", req.ResourceID)
			}
			changed, err := res.DecrementAvailable(ctx, req.ResourceID)
			if err != nil {
				return err
			}
			if !changed {
				// Another writer took the last unit between our read and
				// the guarded update. A concurrent release may free one,
				// so this is worth a retry from the top.
				return errorf(KindConflict, "acquire", "lost decrement race on resource %d", req.ResourceID)
			}
			entryID, err = led.Create(ctx, req.HolderID, req.ResourceID, req.DueAt)
			return err
		})
	})

	c.observe(opID, "acquire", req.ResourceID, entryID, attempts, start, err)
	if err != nil {
		return 0, err
	}

	c.publish(events.TopicLoanAcquired, events.LoanAcquired{
		OperationID: opID,
		EntryID:     entryID,
		HolderID:    req.HolderID,
		ResourceID:  req.ResourceID,
		DueAt:       req.DueAt,
		OccurredAt:  time.Now(),
	})
	return entryID, nil
}

// Release returns the unit held by the given ledger entry. A released or
// unknown entry fails NotFound either way, which keeps the operation safe
// to repeat.
func (c *Coordinator) Release(ctx context.Context, req models.ReleaseRequest) error {
	start := time.Now()
	opID := uuid.NewString()

	if err := c.validateRelease(req); err != nil {
		c.observe(opID, "release", 0, req.EntryID, 1, start, err)
		return err
	}

	var resourceID int64
	attempts, err := c.withRetry(ctx, "release", func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(res ResourceTx, led LedgerTx) error {
			entry, err := led.GetActive(ctx, req.EntryID)
			if err != nil {
				return err
			}
			resourceID = entry.ResourceID

			changed, err := led.MarkReleased(ctx, req.EntryID, req.Penalty)
			if err != nil {
				return err
			}
			if !changed {
				// Another writer released it first. One more try; if the
				// row still won't change the entry is released either
				// way, so the caller sees NotFound.
				changed, err = led.MarkReleased(ctx, req.EntryID, req.Penalty)
				if err != nil {
					return err
				}
				if !changed {
					return errorf(KindNotFound, "release", "entry %d is no longer active", req.EntryID)
				}
			}

			_, err = res.IncrementAvailable(ctx, entry.ResourceID)
			return err
		})
	})

	c.observe(opID, "release", resourceID, req.EntryID, attempts, start, err)
	if err != nil {
		return err
	}

	c.publish(events.TopicLoanReleased, events.LoanReleased{
		OperationID: opID,
		EntryID:     req.EntryID,
		ResourceID:  resourceID,
		Penalty:     req.Penalty,
		OccurredAt:  time.Now(),
	})
	return nil
}

func (c *Coordinator) validateAcquire(req models.AcquireRequest) error {
	if err := c.validator.ValidateStruct(&req); err != nil {
		return newError(KindValidation, "acquire", err)
	}
	now := time.Now()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if req.DueAt.Before(startOfToday) {
		return errorf(KindValidation, "acquire", "due date %s is before today", req.DueAt.Format("2006-01-02"))
	}
	return nil
}

func (c *Coordinator) validateRelease(req models.ReleaseRequest) error {
	if err := c.validator.ValidateStruct(&req); err != nil {
		return newError(KindValidation, "release", err)
	}
	if req.Penalty.IsNegative() {
		return errorf(KindValidation, "release", "penalty %s must not be negative", req.Penalty)
	}
	return nil
}

// withRetry runs fn up to MaxAttempts times, pausing per the policy.
// Only KindConflict failures consume retry budget; every other kind
// short-circuits. The caller's deadline bounds the waits between
// attempts as well as the attempts themselves.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	attempt := 1
	for {
		err := fn(ctx)
		if err == nil || !IsRetryable(err) {
			return attempt, err
		}
		if attempt >= c.retry.MaxAttempts {
			return attempt, err
		}
		select {
		case <-ctx.Done():
			return attempt, errorf(KindTimeout, op, "deadline elapsed during retry wait: %v", ctx.Err())
		case <-time.After(c.retry.Delay(attempt)):
		}
		attempt++
	}
}

func (c *Coordinator) observe(opID, operation string, resourceID, entryID int64, attempts int, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	duration := time.Since(start)

	fields := []zap.Field{
		zap.String("operation_id", opID),
		zap.String("operation", operation),
		zap.Int64("resource_id", resourceID),
		zap.Int64("entry_id", entryID),
		zap.String("outcome", outcome),
		zap.Int("attempts_used", attempts),
		zap.Duration("duration", duration),
	}
	if err != nil {
		c.logger.Warn("lending operation failed", fields...)
	} else {
		c.logger.Info("lending operation complete", fields...)
	}

	if c.sink == nil {
		return
	}
	rec := ops.OperationRecord{
		OperationID:  opID,
		Operation:    operation,
		ResourceID:   resourceID,
		EntryID:      entryID,
		Outcome:      outcome,
		AttemptsUsed: attempts,
		DurationMS:   duration.Milliseconds(),
		At:           time.Now(),
	}
	// Records are shipped even when the operation's own deadline has
	// elapsed, hence the fresh context.
	if rerr := c.sink.Record(context.Background(), rec); rerr != nil {
		c.logger.Warn("ops record dropped", zap.String("operation_id", opID), zap.Error(rerr))
	}
}

func (c *Coordinator) publish(topic string, event any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(topic, event); err != nil {
		c.logger.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
