package keygen_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gbif/keygen"
	"github.com/gbif/keygen/config"
	"github.com/gbif/keygen/store"
	"github.com/gbif/keygen/store/memory"
)

func newTestService() (*keygen.Service, *memory.Backend) {
	backend := memory.New()
	cfg := config.Default()
	cfg.LookupTable = "lookup"
	cfg.CounterTable = "counter"
	cfg.OccurrenceTable = "occurrence"
	cfg.DatasetID = "ds1"

	return keygen.New(backend, cfg, nil), backend
}

func TestGenerateKeyCreatesThenReuses(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	key, created, err := svc.GenerateKey(ctx, []string{"ic", "cc", "cat1"})
	if err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}
	if !created {
		t.Fatalf("GenerateKey() created = false, want true")
	}

	again, created, err := svc.GenerateKey(ctx, []string{"ic", "cc", "cat1"})
	if err != nil {
		t.Fatalf("second GenerateKey() err = %v", err)
	}
	if created {
		t.Fatalf("second GenerateKey() created = true, want false")
	}
	if again != key {
		t.Fatalf("second GenerateKey() key = %d, want %d", again, key)
	}
}

func TestGenerateKeyWithExplicitScopeOverridesDefault(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	key, _, err := svc.GenerateKey(ctx, []string{"ic"}, "ds2")
	if err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}

	if _, found, err := svc.FindKey(ctx, []string{"ic"}, "ds1"); err != nil || found {
		t.Fatalf("FindKey(ds1) found = %v, err = %v, want not found under the default scope", found, err)
	}

	found, ok, err := svc.FindKey(ctx, []string{"ic"}, "ds2")
	if err != nil {
		t.Fatalf("FindKey(ds2) err = %v", err)
	}
	if !ok || found != key {
		t.Fatalf("FindKey(ds2) = (%d, %v), want (%d, true)", found, ok, key)
	}
}

func TestFindKeyReturnsNotFoundWhenUnallocated(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()

	key, found, err := svc.FindKey(context.Background(), []string{"never-seen"})
	if err != nil {
		t.Fatalf("FindKey() err = %v", err)
	}
	if found {
		t.Fatalf("FindKey() found = true, want false (key = %d)", key)
	}
}

func TestFindKeySelfHealsMissingLookupRow(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	key, _, err := svc.GenerateKey(ctx, []string{"ic", "cc"})
	if err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}

	// Simulate a torn write: the second lookup row never got its key
	// column, but the caller supplies both fragments again later.
	if err := backend.DeleteColumn(ctx, "lookup", "ds1|cc", store.ColumnKey); err != nil {
		t.Fatalf("DeleteColumn() err = %v", err)
	}

	found, ok, err := svc.FindKey(ctx, []string{"ic", "cc"})
	if err != nil {
		t.Fatalf("FindKey() err = %v", err)
	}
	if !ok || found != key {
		t.Fatalf("FindKey() = (%d, %v), want (%d, true)", found, ok, key)
	}

	cell, err := backend.GetColumn(ctx, "lookup", "ds1|cc", store.ColumnKey)
	if err != nil {
		t.Fatalf("GetColumn() after self-heal err = %v", err)
	}
	if len(cell.Value) != 4 {
		t.Fatalf("self-healed key column has %d bytes, want 4", len(cell.Value))
	}
}

func TestFindKeyReportsConflictOnDivergentAllocatedKeys(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	seedAllocated(t, backend, "ds1|a", 7)
	seedAllocated(t, backend, "ds1|b", 9)

	_, _, err := svc.FindKey(ctx, []string{"a", "b"})
	if err == nil {
		t.Fatalf("FindKey() err = nil, want ConflictError")
	}

	var conflict *keygen.ConflictError
	if ce, ok := err.(*keygen.ConflictError); ok {
		conflict = ce
	} else {
		t.Fatalf("FindKey() err = %T, want *keygen.ConflictError", err)
	}
	want := map[string]int32{"ds1|a": 7, "ds1|b": 9}
	if diff := cmp.Diff(want, conflict.ConflictingKeys); diff != "" {
		t.Fatalf("ConflictingKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestFindKeysByScopeCollectsDistinctKeys(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	if _, _, err := svc.GenerateKey(ctx, []string{"a"}); err != nil {
		t.Fatalf("GenerateKey(a) err = %v", err)
	}
	if _, _, err := svc.GenerateKey(ctx, []string{"b"}); err != nil {
		t.Fatalf("GenerateKey(b) err = %v", err)
	}
	if _, _, err := svc.GenerateKey(ctx, []string{"c"}, "other-scope"); err != nil {
		t.Fatalf("GenerateKey(c) err = %v", err)
	}

	keys, err := svc.FindKeysByScope(ctx)
	if err != nil {
		t.Fatalf("FindKeysByScope() err = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("FindKeysByScope() = %v, want 2 distinct keys for the default scope", keys)
	}
}

func TestDeleteKeyRemovesAllLookupRowsForThatKey(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	key, _, err := svc.GenerateKey(ctx, []string{"ic", "cc"})
	if err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}

	if err := svc.DeleteKey(ctx, key); err != nil {
		t.Fatalf("DeleteKey() err = %v", err)
	}

	if _, found, err := svc.FindKey(ctx, []string{"ic", "cc"}); err != nil || found {
		t.Fatalf("FindKey() after DeleteKey found = %v, err = %v, want not found", found, err)
	}
}

func TestDeleteKeyResolvesScopeFromOccurrenceTable(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	cfg := config.Default()
	cfg.LookupTable = "lookup"
	cfg.CounterTable = "counter"
	cfg.OccurrenceTable = "occurrence"
	// No DatasetID configured: DeleteKey must fall back to the occurrence
	// table to discover the scope.
	svc := keygen.New(backend, cfg, nil)
	ctx := context.Background()

	key, _, err := svc.GenerateKey(ctx, []string{"ic"}, "ds-from-occurrence")
	if err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}

	if err := backend.Put(ctx, "occurrence", "1", keygen.DatasetKeyColumn, []byte("ds-from-occurrence"), time.Time{}); err != nil {
		t.Fatalf("seed occurrence row err = %v", err)
	}

	if err := svc.DeleteKey(ctx, key); err != nil {
		t.Fatalf("DeleteKey() err = %v", err)
	}

	if _, found, err := svc.FindKey(ctx, []string{"ic"}, "ds-from-occurrence"); err != nil || found {
		t.Fatalf("FindKey() after DeleteKey found = %v, err = %v, want not found", found, err)
	}
}

func TestDeleteKeyByUniquesRemovesExactRows(t *testing.T) {
	svc, backend := newTestService()
	defer backend.Close()
	ctx := context.Background()

	if _, _, err := svc.GenerateKey(ctx, []string{"ic", "cc"}); err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}

	if err := svc.DeleteKeyByUniques(ctx, []string{"ic", "cc"}); err != nil {
		t.Fatalf("DeleteKeyByUniques() err = %v", err)
	}

	if _, err := backend.Get(ctx, "lookup", "ds1|ic"); err != store.ErrNotFound {
		t.Fatalf("Get(ds1|ic) err = %v, want ErrNotFound", err)
	}
	if _, err := backend.Get(ctx, "lookup", "ds1|cc"); err != store.ErrNotFound {
		t.Fatalf("Get(ds1|cc) err = %v, want ErrNotFound", err)
	}
}

func TestGenerateKeyPanicsWithoutScope(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	cfg := config.Default()
	cfg.LookupTable = "lookup"
	cfg.CounterTable = "counter"
	cfg.OccurrenceTable = "occurrence"
	svc := keygen.New(backend, cfg, nil)

	defer func() {
		if recover() == nil {
			t.Fatalf("GenerateKey() did not panic with no scope and no default datasetId")
		}
	}()

	svc.GenerateKey(context.Background(), []string{"ic"})
}

func seedAllocated(t *testing.T, backend *memory.Backend, row string, key int32) {
	t.Helper()
	ctx := context.Background()
	buf := make([]byte, 4)
	buf[0] = byte(key >> 24)
	buf[1] = byte(key >> 16)
	buf[2] = byte(key >> 8)
	buf[3] = byte(key)
	if err := backend.Put(ctx, "lookup", row, store.ColumnKey, buf, time.Now()); err != nil {
		t.Fatalf("seedAllocated Put(key) err = %v", err)
	}
	if err := backend.Put(ctx, "lookup", row, store.ColumnStatus, []byte(store.StatusAllocated), time.Now()); err != nil {
		t.Fatalf("seedAllocated Put(status) err = %v", err)
	}
}
