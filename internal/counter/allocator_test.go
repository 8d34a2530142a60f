package counter_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/gbif/keygen/internal/counter"
	"github.com/gbif/keygen/store"
	"github.com/gbif/keygen/store/memory"
)

func TestNextIsMonotonicAcrossBatches(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	a := counter.New(backend, "counter", 100)

	var prev int32
	for i := 0; i < 250; i++ {
		key, err := a.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() err = %v", err)
		}
		if key <= prev {
			t.Fatalf("Next() = %d, want > %d", key, prev)
		}
		prev = key
	}

	if prev != 250 {
		t.Fatalf("final key = %d, want 250", prev)
	}
}

func TestNextIsSafeAcrossConcurrentCallers(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	a := counter.New(backend, "counter", 100)

	const n = 500
	keys := make(chan int32, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := a.Next(context.Background())
			if err != nil {
				t.Errorf("Next() err = %v", err)
				return
			}
			keys <- key
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[int32]bool, n)
	for key := range keys {
		if seen[key] {
			t.Fatalf("duplicate key %d issued", key)
		}
		seen[key] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct keys, want %d", len(seen), n)
	}
}

func TestNextFailsOnCounterExhaustion(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	if _, err := backend.IncrementColumn(context.Background(), "counter", store.CounterRow, store.ColumnCounter, math.MaxInt32); err != nil {
		t.Fatalf("seed IncrementColumn() err = %v", err)
	}

	a := counter.New(backend, "counter", 100)

	_, err := a.Next(context.Background())
	if err == nil {
		t.Fatalf("Next() err = nil, want ErrExhausted")
	}
	if _, ok := err.(*counter.ErrExhausted); !ok {
		t.Fatalf("Next() err = %T, want *counter.ErrExhausted", err)
	}
}
