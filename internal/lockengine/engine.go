// Package lockengine implements the ALLOCATING→ALLOCATED lock state
// machine that lets multiple processes race to allocate an integer key for
// the same set of natural keys without either double-allocating or
// deadlocking on a crashed holder.
package lockengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"go.uber.org/zap"

	"github.com/gbif/keygen/internal/counter"
	"github.com/gbif/keygen/store"
)

type lockStatus int

const (
	statusAllocating lockStatus = iota
	statusAllocated
)

// ConflictError is returned when two or more of the lookup keys passed to
// Allocate already carry different ALLOCATED integer keys. It is fatal:
// the caller's natural keys refer to inconsistent state that this module
// cannot resolve on its own.
type ConflictError struct {
	// ConflictingKeys maps each ALLOCATED lookup key observed during the
	// attempt to the integer key it carries.
	ConflictingKeys map[string]int32
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	b.WriteString("lockengine: found inconsistent occurrence keys among lookup keys:")
	for lookupKey, key := range e.ConflictingKeys {
		fmt.Fprintf(&b, " [%s]=[%d]", lookupKey, key)
	}
	return b.String()
}

// Config carries the engine's tunable timing constants.
type Config struct {
	// StaleLockTime is how old a lock's timestamp must be before another
	// attempt may take it over.
	StaleLockTime time.Duration
	// WaitBeforeRetry is the base retry backoff after a failed attempt.
	WaitBeforeRetry time.Duration
	// WaitSkew is the jitter window added to or subtracted from
	// WaitBeforeRetry.
	WaitSkew time.Duration
}

// DefaultConfig returns sensible defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		StaleLockTime:   5 * time.Minute,
		WaitBeforeRetry: 5 * time.Second,
		WaitSkew:        4 * time.Second,
	}
}

func stringComparator(a, b interface{}) int {
	return strings.Compare(a.(string), b.(string))
}

// Engine drives the per-key lock state machine against one lookup table of
// a store.Backend and hands resolved keys out via a counter.Allocator.
type Engine struct {
	backend     store.Backend
	lookupTable string
	allocator   *counter.Allocator
	cfg         Config
	logger      *zap.Logger
	// rand is package-level math/rand usage is fine here: jitter doesn't
	// need to be cryptographically secure and a package-level source
	// avoids a mutex per engine for a value read once per retry.
}

// New returns an Engine. logger may be nil, in which case zap.NewNop() is
// used.
func New(backend store.Backend, lookupTable string, allocator *counter.Allocator, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		backend:     backend,
		lookupTable: lookupTable,
		allocator:   allocator,
		cfg:         cfg,
		logger:      logger,
	}
}

// Allocate assigns exactly one integer key to lookupKeys, which must
// already be in canonical sorted order (identifier.BuildKeys guarantees
// this). It retries indefinitely on lock contention with randomized
// backoff, stopping early if ctx is done between attempts.
func (e *Engine) Allocate(ctx context.Context, lookupKeys []string) (int32, bool, error) {
	for {
		key, created, retry, err := e.attempt(ctx, lookupKeys)
		if err != nil {
			return 0, false, err
		}
		if !retry {
			return key, created, nil
		}

		e.logger.Debug("failed to acquire lock, retrying after backoff", zap.Strings("lookup_keys", lookupKeys))

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(e.backoff()):
		}
	}
}

func (e *Engine) backoff() time.Duration {
	skew := int64(e.cfg.WaitSkew)
	if skew <= 0 {
		return e.cfg.WaitBeforeRetry
	}

	jitter := rand.Int63n(2*skew+1) - skew
	wait := int64(e.cfg.WaitBeforeRetry) + jitter
	if wait < 0 {
		wait = 0
	}

	return time.Duration(wait)
}

// attempt runs one pass of the lock/allocate/release cycle. It returns
// retry=true, after releasing the locks it took, when the caller should
// back off and try again; err
// is non-nil only for fatal conditions (backend failure or a
// ConflictError), in which case key/created/retry are meaningless.
func (e *Engine) attempt(ctx context.Context, lookupKeys []string) (key int32, created bool, retry bool, err error) {
	lockToken := newLockToken()
	now := time.Now()

	statusMap := treemap.NewWith(stringComparator)
	existingKeyMap := treemap.NewWith(stringComparator)

	var foundKey *int32
	failed := false

	for _, lookupKey := range lookupKeys {
		row, getErr := e.backend.Get(ctx, e.lookupTable, lookupKey)
		if getErr != nil && getErr != store.ErrNotFound {
			e.releaseLocks(ctx, statusMap)
			return 0, false, false, getErr
		}

		var statusValue string
		var lockCell *store.Cell
		var keyCell *store.Cell
		if getErr == nil {
			if c, ok := row.Columns[store.ColumnStatus]; ok {
				statusValue = string(c.Value)
			}
			if c, ok := row.Columns[store.ColumnLock]; ok {
				cc := c
				lockCell = &cc
			}
			if c, ok := row.Columns[store.ColumnKey]; ok {
				cc := c
				keyCell = &cc
			}
		}

		if statusValue == store.StatusAllocated {
			existingKey := decodeKey(keyCell.Value)

			statusMap.Put(lookupKey, statusAllocated)
			existingKeyMap.Put(lookupKey, existingKey)

			if foundKey == nil {
				k := existingKey
				foundKey = &k
			} else if *foundKey != existingKey {
				return 0, false, false, e.conflictError(existingKeyMap)
			}

			continue
		}

		if lockCell == nil {
			ok, putErr := e.backend.CheckAndPut(ctx, e.lookupTable, lookupKey, store.ColumnLock, lockToken, store.ColumnLock, nil, now)
			if putErr != nil {
				e.releaseLocks(ctx, statusMap)
				return 0, false, false, putErr
			}
			if !ok {
				failed = true
				break
			}

			statusMap.Put(lookupKey, statusAllocating)
			continue
		}

		// Lock is held but the row isn't ALLOCATED yet.
		if now.Sub(lockCell.Timestamp) > e.cfg.StaleLockTime {
			ok, putErr := e.backend.CheckAndPut(ctx, e.lookupTable, lookupKey, store.ColumnLock, lockToken, store.ColumnLock, lockCell.Value, now)
			if putErr != nil {
				e.releaseLocks(ctx, statusMap)
				return 0, false, false, putErr
			}
			if !ok {
				failed = true
				break
			}

			statusMap.Put(lookupKey, statusAllocating)
			continue
		}

		failed = true
		break
	}

	if failed {
		e.releaseLocks(ctx, statusMap)
		return 0, false, true, nil
	}

	if foundKey != nil {
		key = *foundKey
		created = false
	} else {
		key, err = e.allocator.Next(ctx)
		if err != nil {
			e.releaseLocks(ctx, statusMap)
			return 0, false, false, err
		}
		created = true
	}

	it := statusMap.Iterator()
	for it.Next() {
		if it.Value().(lockStatus) != statusAllocating {
			continue
		}

		lookupKey := it.Key().(string)

		// Key before status: no observer may ever see ALLOCATED without a
		// key already written.
		if putErr := e.backend.Put(ctx, e.lookupTable, lookupKey, store.ColumnKey, encodeKey(key), time.Time{}); putErr != nil {
			e.releaseLocks(ctx, statusMap)
			return 0, false, false, putErr
		}
		if putErr := e.backend.Put(ctx, e.lookupTable, lookupKey, store.ColumnStatus, []byte(store.StatusAllocated), time.Time{}); putErr != nil {
			e.releaseLocks(ctx, statusMap)
			return 0, false, false, putErr
		}
	}

	e.releaseLocks(ctx, statusMap)

	return key, created, false, nil
}

// releaseLocks deletes the lock column on every row this attempt put into
// ALLOCATING. It is best-effort: a delete failure is logged, not
// propagated, since the stale-lock takeover path recovers orphaned locks
// regardless.
func (e *Engine) releaseLocks(ctx context.Context, statusMap *treemap.Map) {
	it := statusMap.Iterator()
	for it.Next() {
		if it.Value().(lockStatus) != statusAllocating {
			continue
		}

		lookupKey := it.Key().(string)
		if err := e.backend.DeleteColumn(ctx, e.lookupTable, lookupKey, store.ColumnLock); err != nil {
			e.logger.Warn("failed to release lock, will self-heal via stale-lock takeover",
				zap.String("lookup_key", lookupKey), zap.Error(err))
		}
	}
}

func (e *Engine) conflictError(existingKeyMap *treemap.Map) *ConflictError {
	conflicting := make(map[string]int32, existingKeyMap.Size())
	it := existingKeyMap.Iterator()
	for it.Next() {
		conflicting[it.Key().(string)] = it.Value().(int32)
	}

	return &ConflictError{ConflictingKeys: conflicting}
}

func encodeKey(key int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(key))
	return buf
}

func decodeKey(raw []byte) int32 {
	return int32(binary.BigEndian.Uint32(raw))
}
