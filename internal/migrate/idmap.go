package migrate

import (
	"context"
	"sync"
)

// IdentifierMapper translates source-system ids into destination-system ids.
// Resolve never fails: an unmapped id falls back to the supplied default, and
// with no default the external id is returned unchanged (references that
// predate the migration are assumed valid on the destination side). Lookup is
// the strict variant for callers that must know whether a mapping exists.
type IdentifierMapper interface {
	Lookup(ctx context.Context, kind EntityKind, externalID int64) (int64, bool)
	Resolve(ctx context.Context, kind EntityKind, externalID int64, fallback *int64) int64
	Save(ctx context.Context, kind EntityKind, externalID, destinationID int64) error
	Close() error
}

func resolveMapping(ctx context.Context, mapper IdentifierMapper, kind EntityKind, externalID int64, fallback *int64) int64 {
	if destinationID, ok := mapper.Lookup(ctx, kind, externalID); ok {
		return destinationID
	}
	if fallback != nil {
		return *fallback
	}
	return externalID
}

type memoryIdentifierMapper struct {
	mu       sync.Mutex
	mappings map[stagedKey]int64
}

func NewMemoryIdentifierMapper() IdentifierMapper {
	return &memoryIdentifierMapper{mappings: map[stagedKey]int64{}}
}

func (m *memoryIdentifierMapper) Lookup(ctx context.Context, kind EntityKind, externalID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	destinationID, ok := m.mappings[stagedKey{kind: kind, externalID: externalID}]
	return destinationID, ok
}

func (m *memoryIdentifierMapper) Resolve(ctx context.Context, kind EntityKind, externalID int64, fallback *int64) int64 {
	return resolveMapping(ctx, m, kind, externalID, fallback)
}

func (m *memoryIdentifierMapper) Save(ctx context.Context, kind EntityKind, externalID, destinationID int64) error {
	if kind == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[stagedKey{kind: kind, externalID: externalID}] = destinationID
	return nil
}

func (m *memoryIdentifierMapper) Close() error {
	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
