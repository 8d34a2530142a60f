// Package bboltstore implements store.Backend on top of go.etcd.io/bbolt, a
// single-node embedded database. It is the durable backend for
// single-process deployments that don't need a distributed counter or lock
// table.
package bboltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gbif/keygen/store"
)

var _ store.Backend = (*Backend)(nil)

// Config configures a Backend.
type Config struct {
	// Path is the filesystem path of the bbolt database file.
	Path string
}

// Backend is a store.Backend backed by a single bbolt database file. Each
// logical table is its own top-level bucket; each row is a nested bucket
// keyed by row key, holding one key/value pair per column.
type Backend struct {
	db *bolt.DB
}

// New opens (creating if necessary) the bbolt database at config.Path.
func New(config Config) (*Backend, error) {
	db, err := bolt.Open(config.Path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltstore: could not open %s: %w", config.Path, err)
	}

	return &Backend{db: db}, nil
}

func bucketFor(tx *bolt.Tx, table string, create bool) (*bolt.Bucket, error) {
	if create {
		return tx.CreateBucketIfNotExists([]byte(table))
	}
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func rowBucket(tableBucket *bolt.Bucket, row string, create bool) (*bolt.Bucket, error) {
	if create {
		return tableBucket.CreateBucketIfNotExists([]byte(row))
	}
	b := tableBucket.Bucket([]byte(row))
	if b == nil {
		return nil, store.ErrNotFound
	}
	return b, nil
}

// encodeCell prefixes the value with its timestamp as tsLen big-endian bytes
// of Unix nanoseconds, so that (value, timestamp) round-trips through a
// single bbolt value without a second key per cell.
const tsLen = 8

func encodeCell(value []byte, ts time.Time) []byte {
	buf := make([]byte, tsLen+len(value))
	binary.BigEndian.PutUint64(buf[:tsLen], uint64(ts.UnixNano()))
	copy(buf[tsLen:], value)
	return buf
}

func decodeCell(raw []byte) store.Cell {
	nanos := binary.BigEndian.Uint64(raw[:tsLen])
	return store.Cell{Value: append([]byte(nil), raw[tsLen:]...), Timestamp: time.Unix(0, int64(nanos))}
}

// Get implements store.Backend.
func (b *Backend) Get(_ context.Context, table, row string) (*store.Row, error) {
	var out *store.Row

	err := b.db.View(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, false)
		if err != nil {
			return err
		}
		rb, err := rowBucket(tb, row, false)
		if err != nil {
			return err
		}

		out = &store.Row{Key: row, Columns: map[string]store.Cell{}}
		return rb.ForEach(func(column, raw []byte) error {
			out.Columns[string(column)] = decodeCell(raw)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// GetColumn implements store.Backend.
func (b *Backend) GetColumn(_ context.Context, table, row, column string) (*store.Cell, error) {
	var out *store.Cell

	err := b.db.View(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, false)
		if err != nil {
			return err
		}
		rb, err := rowBucket(tb, row, false)
		if err != nil {
			return err
		}

		raw := rb.Get([]byte(column))
		if raw == nil {
			return store.ErrNotFound
		}

		cell := decodeCell(raw)
		out = &cell
		return nil
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// Put implements store.Backend.
func (b *Backend) Put(_ context.Context, table, row, column string, value []byte, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, true)
		if err != nil {
			return err
		}
		rb, err := rowBucket(tb, row, true)
		if err != nil {
			return err
		}

		return rb.Put([]byte(column), encodeCell(value, ts))
	})
}

// CheckAndPut implements store.Backend.
func (b *Backend) CheckAndPut(_ context.Context, table, row, column string, newValue []byte, expectedColumn string, expectedValue []byte, ts time.Time) (bool, error) {
	if ts.IsZero() {
		ts = time.Now()
	}

	var applied bool

	err := b.db.Update(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, true)
		if err != nil {
			return err
		}
		rb, err := rowBucket(tb, row, true)
		if err != nil {
			return err
		}

		var current []byte
		if raw := rb.Get([]byte(expectedColumn)); raw != nil {
			current = decodeCell(raw).Value
		}

		if !bytesEqual(current, expectedValue) {
			return nil
		}

		applied = true
		return rb.Put([]byte(column), encodeCell(newValue, ts))
	})

	if err != nil {
		return false, err
	}

	return applied, nil
}

func bytesEqual(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IncrementColumn implements store.Backend.
func (b *Backend) IncrementColumn(_ context.Context, table, row, column string, delta int64) (int64, error) {
	var next int64

	err := b.db.Update(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, true)
		if err != nil {
			return err
		}
		rb, err := rowBucket(tb, row, true)
		if err != nil {
			return err
		}

		var current int64
		if raw := rb.Get([]byte(column)); raw != nil {
			cell := decodeCell(raw)
			current = int64(binary.BigEndian.Uint64(cell.Value))
		}

		next = current + delta
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))

		return rb.Put([]byte(column), encodeCell(buf, time.Now()))
	})

	if err != nil {
		return 0, err
	}

	return next, nil
}

// ScanByPrefix implements store.Backend. pageSize is ignored: bbolt's
// cursor walks its own mmap'd file with no network round trip to batch.
func (b *Backend) ScanByPrefix(_ context.Context, table, prefix, column string, pageSize int) (store.Scanner, error) {
	var results []struct {
		row   string
		value []byte
	}

	err := b.db.View(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, false)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}

		c := tb.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rb := tb.Bucket(k)
			if rb == nil {
				continue
			}
			raw := rb.Get([]byte(column))
			if raw == nil {
				continue
			}
			results = append(results, struct {
				row   string
				value []byte
			}{row: string(k), value: decodeCell(raw).Value})
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].row < results[j].row })

	s := &scanner{index: -1}
	for _, r := range results {
		s.rows = append(s.rows, r.row)
		s.values = append(s.values, r.value)
	}

	return s, nil
}

type scanner struct {
	rows   []string
	values [][]byte
	index  int
}

func (s *scanner) Next() bool {
	s.index++
	return s.index < len(s.rows)
}

func (s *scanner) Row() string { return s.rows[s.index] }

func (s *scanner) Value() []byte { return s.values[s.index] }

func (s *scanner) Err() error { return nil }

func (s *scanner) Close() error { return nil }

// DeleteRows implements store.Backend.
func (b *Backend) DeleteRows(_ context.Context, table string, rows []string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, true)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := tb.DeleteBucket([]byte(row)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
}

// DeleteColumn implements store.Backend.
func (b *Backend) DeleteColumn(_ context.Context, table, row, column string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		tb, err := bucketFor(tx, table, false)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		rb, err := rowBucket(tb, row, false)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return rb.Delete([]byte(column))
	})
}

// Close implements store.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}
