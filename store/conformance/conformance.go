// Package conformance exercises the store.Backend contract against any
// implementation, so each concrete backend's _test.go only has to supply a
// constructor and run it once, instead of re-deriving the same assertions
// per backend.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/gbif/keygen/store"
)

const table = "conformance"

// Run exercises the full store.Backend contract against a fresh backend
// returned by newBackend for each subtest.
func Run(t *testing.T, newBackend func() store.Backend) {
	t.Helper()

	t.Run("GetMissingRowReturnsErrNotFound", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		if _, err := b.Get(context.Background(), table, "missing"); err != store.ErrNotFound {
			t.Fatalf("Get() err = %v, want ErrNotFound", err)
		}
	})

	t.Run("PutThenGetColumn", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		if err := b.Put(ctx, table, "row1", "col", []byte("v1"), time.Time{}); err != nil {
			t.Fatalf("Put() err = %v", err)
		}

		cell, err := b.GetColumn(ctx, table, "row1", "col")
		if err != nil {
			t.Fatalf("GetColumn() err = %v", err)
		}
		if string(cell.Value) != "v1" {
			t.Fatalf("GetColumn() value = %q, want v1", cell.Value)
		}
	})

	t.Run("CheckAndPutSucceedsWhenExpectedAbsent", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		ok, err := b.CheckAndPut(ctx, table, "row2", "lock", []byte("tok1"), "lock", nil, time.Now())
		if err != nil {
			t.Fatalf("CheckAndPut() err = %v", err)
		}
		if !ok {
			t.Fatalf("CheckAndPut() = false, want true for absent column")
		}
	})

	t.Run("CheckAndPutFailsOnMismatch", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		if _, err := b.CheckAndPut(ctx, table, "row3", "lock", []byte("tok1"), "lock", nil, time.Now()); err != nil {
			t.Fatalf("first CheckAndPut() err = %v", err)
		}

		ok, err := b.CheckAndPut(ctx, table, "row3", "lock", []byte("tok2"), "lock", nil, time.Now())
		if err != nil {
			t.Fatalf("second CheckAndPut() err = %v", err)
		}
		if ok {
			t.Fatalf("CheckAndPut() = true, want false when expected value does not match")
		}
	})

	t.Run("CheckAndPutSucceedsWhenExpectedMatches", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		if _, err := b.CheckAndPut(ctx, table, "row4", "lock", []byte("tok1"), "lock", nil, time.Now()); err != nil {
			t.Fatalf("first CheckAndPut() err = %v", err)
		}

		ok, err := b.CheckAndPut(ctx, table, "row4", "lock", []byte("tok2"), "lock", []byte("tok1"), time.Now())
		if err != nil {
			t.Fatalf("second CheckAndPut() err = %v", err)
		}
		if !ok {
			t.Fatalf("CheckAndPut() = false, want true when expected value matches")
		}
	})

	t.Run("IncrementColumnIsMonotonic", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		first, err := b.IncrementColumn(ctx, table, "counter", "c", 100)
		if err != nil {
			t.Fatalf("IncrementColumn() err = %v", err)
		}
		second, err := b.IncrementColumn(ctx, table, "counter", "c", 100)
		if err != nil {
			t.Fatalf("IncrementColumn() err = %v", err)
		}
		if second != first+100 {
			t.Fatalf("IncrementColumn() second = %d, want %d", second, first+100)
		}
	})

	t.Run("ScanByPrefixReturnsSortedMatches", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		for _, row := range []string{"ds1|b", "ds1|a", "ds2|a"} {
			if err := b.Put(ctx, table, row, "k", []byte(row), time.Time{}); err != nil {
				t.Fatalf("Put(%s) err = %v", row, err)
			}
		}

		scanner, err := b.ScanByPrefix(ctx, table, "ds1|", "k", 0)
		if err != nil {
			t.Fatalf("ScanByPrefix() err = %v", err)
		}
		defer scanner.Close()

		var rows []string
		for scanner.Next() {
			rows = append(rows, scanner.Row())
		}
		if err := scanner.Err(); err != nil {
			t.Fatalf("scanner.Err() = %v", err)
		}
		if len(rows) != 2 || rows[0] != "ds1|a" || rows[1] != "ds1|b" {
			t.Fatalf("ScanByPrefix() rows = %v, want [ds1|a ds1|b]", rows)
		}
	})

	t.Run("ScanByPrefixWithPageSizeReturnsSameResults", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		for _, row := range []string{"ds3|a", "ds3|b", "ds3|c", "ds3|d", "ds3|e"} {
			if err := b.Put(ctx, table, row, "k", []byte(row), time.Time{}); err != nil {
				t.Fatalf("Put(%s) err = %v", row, err)
			}
		}

		// A pageSize smaller than the result set must still yield every
		// row, just fetched across more round trips where the backend
		// honors the hint at all.
		scanner, err := b.ScanByPrefix(ctx, table, "ds3|", "k", 2)
		if err != nil {
			t.Fatalf("ScanByPrefix(pageSize=2) err = %v", err)
		}
		defer scanner.Close()

		var rows []string
		for scanner.Next() {
			rows = append(rows, scanner.Row())
		}
		if err := scanner.Err(); err != nil {
			t.Fatalf("scanner.Err() = %v", err)
		}
		want := []string{"ds3|a", "ds3|b", "ds3|c", "ds3|d", "ds3|e"}
		if len(rows) != len(want) {
			t.Fatalf("ScanByPrefix(pageSize=2) rows = %v, want %v", rows, want)
		}
		for i := range want {
			if rows[i] != want[i] {
				t.Fatalf("ScanByPrefix(pageSize=2) rows = %v, want %v", rows, want)
			}
		}
	})

	t.Run("DeleteRowsRemovesRow", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		if err := b.Put(ctx, table, "row5", "k", []byte("v"), time.Time{}); err != nil {
			t.Fatalf("Put() err = %v", err)
		}
		if err := b.DeleteRows(ctx, table, []string{"row5"}); err != nil {
			t.Fatalf("DeleteRows() err = %v", err)
		}
		if _, err := b.Get(ctx, table, "row5"); err != store.ErrNotFound {
			t.Fatalf("Get() after delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteColumnLeavesOtherColumns", func(t *testing.T) {
		b := newBackend()
		defer b.Close()

		ctx := context.Background()
		if err := b.Put(ctx, table, "row6", "lock", []byte("tok"), time.Time{}); err != nil {
			t.Fatalf("Put(lock) err = %v", err)
		}
		if err := b.Put(ctx, table, "row6", "k", []byte("v"), time.Time{}); err != nil {
			t.Fatalf("Put(k) err = %v", err)
		}
		if err := b.DeleteColumn(ctx, table, "row6", "lock"); err != nil {
			t.Fatalf("DeleteColumn() err = %v", err)
		}
		if _, err := b.GetColumn(ctx, table, "row6", "lock"); err != store.ErrNotFound {
			t.Fatalf("GetColumn(lock) err = %v, want ErrNotFound", err)
		}
		if _, err := b.GetColumn(ctx, table, "row6", "k"); err != nil {
			t.Fatalf("GetColumn(k) err = %v, want nil", err)
		}
	})
}
