package keygen

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gbif/keygen/config"
	"github.com/gbif/keygen/identifier"
	"github.com/gbif/keygen/internal/counter"
	"github.com/gbif/keygen/internal/lockengine"
	"github.com/gbif/keygen/store"
)

// ConflictError is returned when a set of natural keys resolves to more
// than one distinct ALLOCATED integer key. It carries every conflicting
// lookup-key-to-integer-key pair observed.
type ConflictError = lockengine.ConflictError

// ErrCounterExhausted is returned when the backend counter would overflow
// a signed 32-bit integer. It is non-retriable.
type ErrCounterExhausted = counter.ErrExhausted

// DatasetKeyColumn is the occurrence table column this module reads to
// resolve a scope for DeleteKey when no scope is supplied.
const DatasetKeyColumn = "datasetKey"

// Service is the allocation coordinator: the sole public entry point,
// composing the key builder, lock protocol engine, and counter allocator
// over one store.Backend.
type Service struct {
	backend store.Backend
	cfg     config.Config
	logger  *zap.Logger

	engine    *lockengine.Engine
	allocator *counter.Allocator
}

// New returns a Service backed by backend and configured by cfg. logger
// may be nil, in which case no logging is performed.
func New(backend store.Backend, cfg config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	allocator := counter.New(backend, cfg.CounterTable, cfg.BatchSize)
	engine := lockengine.New(backend, cfg.LookupTable, allocator, lockengine.Config{
		StaleLockTime:   cfg.StaleLockTimeDuration(),
		WaitBeforeRetry: cfg.WaitBeforeRetryDuration(),
		WaitSkew:        cfg.WaitSkewDuration(),
	}, logger)

	return &Service{
		backend:   backend,
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		allocator: allocator,
	}
}

// scope resolves the optional scope argument against the configured
// default datasetId. requireScope panics if neither is available: a
// missing scope is a programming precondition violation, not a runtime
// condition a caller can recover from.
func (s *Service) scope(scope []string) string {
	if len(scope) > 0 && scope[0] != "" {
		return scope[0]
	}
	return s.cfg.DatasetID
}

func (s *Service) requireScope(scope []string) string {
	resolved := s.scope(scope)
	if resolved == "" {
		panic("keygen: scope was not provided and no default datasetId is configured")
	}
	return resolved
}

// GenerateKey assigns exactly one integer occurrence key to uniqueStrings,
// reusing an existing key if any of the derived lookup keys are already
// ALLOCATED. scope defaults to the configured datasetId when omitted.
//
// GenerateKey fails fatally (returns a non-nil error that is never a
// protocol conflict — those are retried internally) if the natural keys
// resolve to more than one existing integer key, if the backend counter
// would overflow int32, or if the backend reports an I/O error.
//
// If uniqueStrings contains no non-empty fragment, there is nothing to
// build a lookup key from, so GenerateKey mints and returns a fresh,
// unused key with no lookup rows written rather than rejecting the call.
func (s *Service) GenerateKey(ctx context.Context, uniqueStrings []string, scope ...string) (int32, bool, error) {
	lookupKeys := identifier.BuildKeys(uniqueStrings, s.requireScope(scope))
	if len(lookupKeys) == 0 {
		key, err := s.allocator.Next(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("keygen: GenerateKey: %w", err)
		}
		return key, true, nil
	}

	return s.engine.Allocate(ctx, lookupKeys)
}

// FindKey is the read-only counterpart of GenerateKey. It never allocates:
// if all derived lookup keys are unassigned it returns found=false. If some
// agree on a key and others are missing it, the missing rows are
// self-healed to the agreed key before returning. If two lookup keys
// disagree on their integer key it returns a ConflictError.
func (s *Service) FindKey(ctx context.Context, uniqueStrings []string, scope ...string) (int32, bool, error) {
	if uniqueStrings == nil {
		panic("keygen: FindKey requires non-nil uniqueStrings")
	}

	resolvedScope := s.requireScope(scope)
	if len(uniqueStrings) == 0 {
		return 0, false, nil
	}

	lookupKeys := identifier.BuildKeys(uniqueStrings, resolvedScope)

	found := map[string]int32{}
	gotMissing := false

	for _, lookupKey := range lookupKeys {
		cell, err := s.backend.GetColumn(ctx, s.cfg.LookupTable, lookupKey, store.ColumnKey)
		if err == store.ErrNotFound {
			gotMissing = true
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("keygen: FindKey: %w", err)
		}
		found[lookupKey] = decodeKey(cell.Value)
	}

	var resultKey *int32
	conflict := false
	for _, lookupKey := range lookupKeys {
		key, ok := found[lookupKey]
		if !ok {
			continue
		}
		if resultKey == nil {
			k := key
			resultKey = &k
		} else if *resultKey != key {
			conflict = true
		}
	}

	if conflict {
		return 0, false, &ConflictError{ConflictingKeys: found}
	}

	if resultKey == nil {
		return 0, false, nil
	}

	if gotMissing {
		for _, lookupKey := range lookupKeys {
			if _, ok := found[lookupKey]; ok {
				continue
			}
			if err := s.backend.Put(ctx, s.cfg.LookupTable, lookupKey, store.ColumnKey, encodeKey(*resultKey), time.Time{}); err != nil {
				return 0, false, fmt.Errorf("keygen: FindKey: self-heal %s: %w", lookupKey, err)
			}
		}
	}

	return *resultKey, true, nil
}

// FindKeysByScope returns every distinct integer key that has been
// allocated under scope.
func (s *Service) FindKeysByScope(ctx context.Context, scope ...string) ([]int32, error) {
	resolvedScope := s.requireScope(scope)
	prefix := identifier.BuildKeyPrefix(resolvedScope)

	scanner, err := s.backend.ScanByPrefix(ctx, s.cfg.LookupTable, prefix, store.ColumnKey, s.cfg.ClientCaching)
	if err != nil {
		return nil, fmt.Errorf("keygen: FindKeysByScope: %w", err)
	}
	defer scanner.Close()

	seen := map[int32]struct{}{}
	var keys []int32
	for scanner.Next() {
		key := decodeKey(scanner.Value())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keygen: FindKeysByScope: %w", err)
	}

	return keys, nil
}

// DeleteKey deletes every lookup row carrying occurrenceKey. If scope is
// omitted and no default datasetId is configured, it resolves the scope by
// reading DatasetKeyColumn off the occurrence table row for occurrenceKey;
// if that also fails to produce a scope, it falls back to scanning the
// entire lookup table, which is slow and logged as a warning.
func (s *Service) DeleteKey(ctx context.Context, occurrenceKey int32, scope ...string) error {
	resolvedScope := s.scope(scope)

	if resolvedScope == "" {
		cell, err := s.backend.GetColumn(ctx, s.cfg.OccurrenceTable, strconv.Itoa(int(occurrenceKey)), DatasetKeyColumn)
		if err == nil {
			resolvedScope = string(cell.Value)
		} else if err != store.ErrNotFound {
			return fmt.Errorf("keygen: DeleteKey: resolve scope: %w", err)
		}
	}

	prefix := ""
	if resolvedScope != "" {
		prefix = identifier.BuildKeyPrefix(resolvedScope)
	} else {
		s.logger.Warn("deleting occurrence key with no dataset scope, scanning the entire lookup table",
			zap.Int32("occurrence_key", occurrenceKey))
	}

	scanner, err := s.backend.ScanByPrefix(ctx, s.cfg.LookupTable, prefix, store.ColumnKey, s.cfg.ClientCaching)
	if err != nil {
		return fmt.Errorf("keygen: DeleteKey: scan: %w", err)
	}
	defer scanner.Close()

	var rows []string
	for scanner.Next() {
		if decodeKey(scanner.Value()) == occurrenceKey {
			rows = append(rows, scanner.Row())
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("keygen: DeleteKey: scan: %w", err)
	}

	if len(rows) == 0 {
		return nil
	}

	if err := s.backend.DeleteRows(ctx, s.cfg.LookupTable, rows); err != nil {
		return fmt.Errorf("keygen: DeleteKey: delete: %w", err)
	}

	return nil
}

// DeleteKeyByUniques deletes exactly the lookup rows derived from
// uniqueStrings, without consulting what key (if any) they carry.
func (s *Service) DeleteKeyByUniques(ctx context.Context, uniqueStrings []string, scope ...string) error {
	if uniqueStrings == nil {
		panic("keygen: DeleteKeyByUniques requires non-nil uniqueStrings")
	}

	lookupKeys := identifier.BuildKeys(uniqueStrings, s.requireScope(scope))
	if len(lookupKeys) == 0 {
		return nil
	}

	if err := s.backend.DeleteRows(ctx, s.cfg.LookupTable, lookupKeys); err != nil {
		return fmt.Errorf("keygen: DeleteKeyByUniques: %w", err)
	}

	return nil
}

func encodeKey(key int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(key))
	return buf
}

func decodeKey(raw []byte) int32 {
	return int32(binary.BigEndian.Uint32(raw))
}
