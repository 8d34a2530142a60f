package store

import (
	"context"
	"errors"
	"time"
)

// Column names used by the lookup table. These are persisted, compatibility
// critical names: changing them orphans every row written by a previous
// deployment.
const (
	// ColumnLock holds the opaque lock token for a lookup row while it is
	// being allocated. Its cell timestamp, not its value, is the clock used
	// for stale-lock detection.
	ColumnLock = "lock"
	// ColumnKey holds the occurrence key, encoded big-endian as 4 bytes.
	ColumnKey = "k"
	// ColumnStatus holds the row status. The only value ever written is
	// StatusAllocated; absence of the column means "not yet allocated".
	ColumnStatus = "status"
	// StatusAllocated is the only status string this module ever writes.
	StatusAllocated = "ALLOCATED"
)

// ColumnCounter is the single column of the counter table's well-known row.
const ColumnCounter = "c"

// CounterRow is the well-known row key of the counter table.
const CounterRow = "1"

var (
	// ErrNotFound is returned by GetColumn when the row or column does not exist.
	ErrNotFound = errors.New("store: row or column not found")
	// ErrClosed is returned by store/memory's operations after that backend
	// has been closed. The bbolt and etcd backends report their driver's own
	// error instead.
	ErrClosed = errors.New("store: backend is closed")
)

// Cell is a single column value together with the timestamp the backend
// assigned to it (or, for backends that accept a caller-supplied
// timestamp, the timestamp that was written).
type Cell struct {
	Value     []byte
	Timestamp time.Time
}

// Row is a full-row read: every column family member present on the row,
// keyed by column name.
type Row struct {
	Key     string
	Columns map[string]Cell
}

// Scanner iterates over the results of a prefix scan. A fresh Scanner must
// have Next called once to advance to the first result.
type Scanner interface {
	// Next advances to the next row. It returns false when iteration is
	// exhausted or an error occurred; callers must check Err afterward.
	Next() bool
	// Row returns the row key of the current result.
	Row() string
	// Value returns the scanned column's value for the current result.
	Value() []byte
	// Err returns the error, if any, that stopped iteration.
	Err() error
	// Close releases any resources held by the scanner.
	Close() error
}

// Backend abstracts a wide-column store well enough to host the lock
// protocol and counter allocator described in this module. It is the only
// place backend specifics are allowed to live; every other package talks
// only to this interface.
type Backend interface {
	// Get reads every column of a row. It returns ErrNotFound if the row
	// does not exist.
	Get(ctx context.Context, table, row string) (*Row, error)
	// GetColumn reads a single column of a row. It returns ErrNotFound if
	// the row or column does not exist.
	GetColumn(ctx context.Context, table, row, column string) (*Cell, error)
	// Put writes a column unconditionally, using ts as its timestamp. If ts
	// is the zero Time the backend assigns one.
	Put(ctx context.Context, table, row, column string, value []byte, ts time.Time) error
	// CheckAndPut atomically writes newValue to column iff the current
	// value of expectedColumn equals expectedValue (nil expectedValue means
	// "must be absent"). It reports whether the write happened.
	CheckAndPut(ctx context.Context, table, row, column string, newValue []byte, expectedColumn string, expectedValue []byte, ts time.Time) (bool, error)
	// IncrementColumn atomically adds delta to an int64 column, creating it
	// with value delta if absent, and returns the value after the add.
	IncrementColumn(ctx context.Context, table, row, column string, delta int64) (int64, error)
	// ScanByPrefix streams every row whose key starts with prefix, reading
	// column from each. Rows missing column are skipped. pageSize hints how
	// many rows the backend should fetch per round trip to its underlying
	// storage; 0 means "let the backend choose". It bounds RPC batch size,
	// not the total result set: callers always see every matching row
	// regardless of pageSize.
	ScanByPrefix(ctx context.Context, table, prefix, column string, pageSize int) (Scanner, error)
	// DeleteRows deletes whole rows. It has no effect on rows that don't exist.
	DeleteRows(ctx context.Context, table string, rows []string) error
	// DeleteColumn deletes a single column of a row. It has no effect if the
	// row or column doesn't exist.
	DeleteColumn(ctx context.Context, table, row, column string) error
	// Close releases resources held by the backend.
	Close() error
}
