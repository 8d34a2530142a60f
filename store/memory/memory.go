// Package memory implements store.Backend entirely in process memory. It is
// the fixture the unit tests of package keygen, internal/lockengine,
// internal/counter and transport/rest run against, and it doubles as a zero-dependency backend for demos and single-process
// deployments.
package memory

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/gbif/keygen/store"
)

var _ store.Backend = (*Backend)(nil)

type cell struct {
	value []byte
	ts    time.Time
}

type row map[string]cell

// Backend is a sync.RWMutex-guarded map of table name to row key to column
// cells. It never persists anything; closing it discards its contents.
type Backend struct {
	mu     sync.RWMutex
	tables map[string]map[string]row
	closed bool
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{tables: map[string]map[string]row{}}
}

func (b *Backend) table(name string) map[string]row {
	t, ok := b.tables[name]
	if !ok {
		t = map[string]row{}
		b.tables[name] = t
	}
	return t
}

// Get implements store.Backend.
func (b *Backend) Get(_ context.Context, table, key string) (*store.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, store.ErrClosed
	}

	r, ok := b.tables[table][key]
	if !ok {
		return nil, store.ErrNotFound
	}

	out := &store.Row{Key: key, Columns: map[string]store.Cell{}}
	for col, c := range r {
		out.Columns[col] = store.Cell{Value: append([]byte(nil), c.value...), Timestamp: c.ts}
	}

	return out, nil
}

// GetColumn implements store.Backend.
func (b *Backend) GetColumn(_ context.Context, table, key, column string) (*store.Cell, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, store.ErrClosed
	}

	r, ok := b.tables[table][key]
	if !ok {
		return nil, store.ErrNotFound
	}

	c, ok := r[column]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &store.Cell{Value: append([]byte(nil), c.value...), Timestamp: c.ts}, nil
}

// Put implements store.Backend.
func (b *Backend) Put(_ context.Context, table, key, column string, value []byte, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return store.ErrClosed
	}

	b.put(table, key, column, value, ts)

	return nil
}

func (b *Backend) put(table, key, column string, value []byte, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}

	t := b.table(table)
	r, ok := t[key]
	if !ok {
		r = row{}
		t[key] = r
	}

	r[column] = cell{value: append([]byte(nil), value...), ts: ts}
}

// CheckAndPut implements store.Backend.
func (b *Backend) CheckAndPut(_ context.Context, table, key, column string, newValue []byte, expectedColumn string, expectedValue []byte, ts time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, store.ErrClosed
	}

	t := b.table(table)
	r, ok := t[key]

	var current []byte
	if ok {
		if c, ok := r[expectedColumn]; ok {
			current = c.value
		}
	}

	if !bytesEqual(current, expectedValue) {
		return false, nil
	}

	b.put(table, key, column, newValue, ts)

	return true, nil
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
func (b *Backend) IncrementColumn(_ context.Context, table, key, column string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, store.ErrClosed
	}

	t := b.table(table)
	r, ok := t[key]
	if !ok {
		r = row{}
		t[key] = r
	}

	var current int64
	if c, ok := r[column]; ok {
		current = int64(binary.BigEndian.Uint64(c.value))
	}

	next := current + delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	r[column] = cell{value: buf, ts: time.Now()}

	return next, nil
}

// ScanByPrefix implements store.Backend. pageSize is ignored: the whole
// table already lives in memory, so there is no round trip to batch.
func (b *Backend) ScanByPrefix(_ context.Context, table, prefix, column string, pageSize int) (store.Scanner, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, store.ErrClosed
	}

	var results []scanResult
	for key, r := range b.tables[table] {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		c, ok := r[column]
		if !ok {
			continue
		}
		results = append(results, scanResult{key: key, value: append([]byte(nil), c.value...)})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].key < results[j].key })

	return &scanner{results: results, index: -1}, nil
}

type scanResult struct {
	key   string
	value []byte
}

type scanner struct {
	results []scanResult
	index   int
}

func (s *scanner) Next() bool {
	s.index++
	return s.index < len(s.results)
}

func (s *scanner) Row() string { return s.results[s.index].key }

func (s *scanner) Value() []byte { return s.results[s.index].value }

func (s *scanner) Err() error { return nil }

func (s *scanner) Close() error { return nil }

// DeleteRows implements store.Backend.
func (b *Backend) DeleteRows(_ context.Context, table string, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return store.ErrClosed
	}

	t := b.table(table)
	for _, key := range keys {
		delete(t, key)
	}

	return nil
}

// DeleteColumn implements store.Backend.
func (b *Backend) DeleteColumn(_ context.Context, table, key, column string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return store.ErrClosed
	}

	if r, ok := b.table(table)[key]; ok {
		delete(r, column)
	}

	return nil
}

// Close implements store.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}
