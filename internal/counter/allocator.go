// Package counter implements a process-local batched counter allocator: it
// reserves a contiguous range of integers from the backend in one round
// trip and hands them out one at a time, only going back to the backend
// once the range is exhausted.
package counter

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/gbif/keygen/store"
)

// ErrExhausted is returned when the backend counter would overflow a
// signed 32-bit integer. It is non-retriable.
type ErrExhausted struct {
	NewMax int64
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("counter: backend issued counter value %d, larger than an int32 can hold", e.NewMax)
}

// DefaultBatchSize is the number of keys reserved per increment call,
// amortizing the backend's throughput-limited atomic increment.
const DefaultBatchSize = 100

// Allocator hands out monotonically increasing int32 keys one at a time,
// reserving them from the backend in batches. It is safe for concurrent
// use by multiple goroutines within one process; it must never be shared
// across processes.
type Allocator struct {
	backend   store.Backend
	table     string
	batchSize int64

	mu                      sync.Mutex
	currentKey              int64
	maxReservedKeyInclusive int64
}

// New returns an Allocator that reserves batches of batchSize keys from the
// counter column of row store.CounterRow in table. If batchSize <= 0,
// DefaultBatchSize is used.
func New(backend store.Backend, table string, batchSize int) *Allocator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Allocator{
		backend:   backend,
		table:     table,
		batchSize: int64(batchSize),
	}
}

// Next returns the next key to allocate, reserving a fresh batch from the
// backend counter if the current batch is exhausted.
func (a *Allocator) Next(ctx context.Context) (int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentKey == a.maxReservedKeyInclusive {
		newMax, err := a.backend.IncrementColumn(ctx, a.table, store.CounterRow, store.ColumnCounter, a.batchSize)
		if err != nil {
			return 0, fmt.Errorf("counter: could not reserve batch: %w", err)
		}
		if newMax > math.MaxInt32 {
			return 0, &ErrExhausted{NewMax: newMax}
		}

		a.maxReservedKeyInclusive = newMax
		// Safer to derive the start of our reserved range from the batch
		// size than to trust any previously cached value.
		a.currentKey = newMax - a.batchSize
	}

	a.currentKey++

	return int32(a.currentKey), nil
}
