// Package ops ships per-operation records to operational tooling. The
// coordinator emits exactly one record per Acquire/Release, which is what
// contention dashboards (attempts_used > 1) and exhaustion-rate monitors
// consume.
package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// OperationRecord is the unit shipped per coordinator operation.
type OperationRecord struct {
	OperationID  string    `json:"operation_id"`
	Operation    string    `json:"operation"`
	ResourceID   int64     `json:"resource_id,omitempty"`
	EntryID      int64     `json:"entry_id,omitempty"`
	Outcome      string    `json:"outcome"`
	AttemptsUsed int       `json:"attempts_used"`
	DurationMS   int64     `json:"duration_ms"`
	At           time.Time `json:"at"`
}

// Sink accepts operation records. Implementations must tolerate being
// called from concurrent operations.
type Sink interface {
	Record(ctx context.Context, rec OperationRecord) error
}

// DefaultQueueKey is the list tooling drains with LPOP/BLPOP.
const DefaultQueueKey = "lending_ops"

// RedisQueue pushes records onto a redis list.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key}
}

var _ Sink = (*RedisQueue)(nil)

func (q *RedisQueue) Record(ctx context.Context, rec OperationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, data).Err()
}
