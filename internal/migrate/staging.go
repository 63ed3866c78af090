package migrate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StagingStore holds every extracted record keyed by (kind, external id).
// Upsert is first-write-wins so re-extraction is a no-op; records are never
// deleted by the pipeline. Per-record mutual exclusion across workers is the
// dispatcher's job, not the store's.
type StagingStore interface {
	Upsert(ctx context.Context, kind EntityKind, externalID int64, rawPayload map[string]any) (bool, error)
	Get(ctx context.Context, kind EntityKind, externalID int64) (StagedRecord, error)
	ListUnsent(ctx context.Context, kind EntityKind, fromID, toID *int64) ([]StagedRecord, error)
	ListByKind(ctx context.Context, kind EntityKind) ([]StagedRecord, error)
	MarkSent(ctx context.Context, kind EntityKind, externalID int64, destinationID *int64) error
	MarkFailed(ctx context.Context, kind EntityKind, externalID int64, message string) error
	Counts(ctx context.Context) (map[EntityKind]KindCounts, error)
	Close() error
}

type stagedKey struct {
	kind       EntityKind
	externalID int64
}

type memoryStagingStore struct {
	mu      sync.Mutex
	records map[stagedKey]*StagedRecord
	now     func() time.Time
}

func NewMemoryStagingStore() StagingStore {
	return &memoryStagingStore{
		records: map[stagedKey]*StagedRecord{},
		now:     time.Now,
	}
}

func (s *memoryStagingStore) Upsert(ctx context.Context, kind EntityKind, externalID int64, rawPayload map[string]any) (bool, error) {
	if kind == "" || rawPayload == nil {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stagedKey{kind: kind, externalID: externalID}
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = &StagedRecord{
		Kind:       kind,
		ExternalID: externalID,
		RawPayload: rawPayload,
		SendStatus: StatusNotSent,
		StagedAt:   s.now().UTC(),
	}
	return true, nil
}

func (s *memoryStagingStore) Get(ctx context.Context, kind EntityKind, externalID int64) (StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[stagedKey{kind: kind, externalID: externalID}]
	if !ok {
		return StagedRecord{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *memoryStagingStore) ListUnsent(ctx context.Context, kind EntityKind, fromID, toID *int64) ([]StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StagedRecord, 0)
	for key, record := range s.records {
		if key.kind != kind || record.SendStatus != StatusNotSent {
			continue
		}
		if fromID != nil && key.externalID < *fromID {
			continue
		}
		if toID != nil && key.externalID > *toID {
			continue
		}
		out = append(out, cloneRecord(record))
	}
	sortRecordsByExternalID(out)
	return out, nil
}

func (s *memoryStagingStore) ListByKind(ctx context.Context, kind EntityKind) ([]StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StagedRecord, 0)
	for key, record := range s.records {
		if key.kind != kind {
			continue
		}
		out = append(out, cloneRecord(record))
	}
	sortRecordsByExternalID(out)
	return out, nil
}

func sortRecordsByExternalID(records []StagedRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].ExternalID < records[j].ExternalID })
}

func (s *memoryStagingStore) MarkSent(ctx context.Context, kind EntityKind, externalID int64, destinationID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[stagedKey{kind: kind, externalID: externalID}]
	if !ok {
		return ErrNotFound
	}
	record.SendStatus = StatusSent
	record.DestinationID = destinationID
	record.LastError = ""
	return nil
}

func (s *memoryStagingStore) MarkFailed(ctx context.Context, kind EntityKind, externalID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[stagedKey{kind: kind, externalID: externalID}]
	if !ok {
		return ErrNotFound
	}
	record.LastError = message
	return nil
}

func (s *memoryStagingStore) Counts(ctx context.Context) (map[EntityKind]KindCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[EntityKind]KindCounts{}
	for key, record := range s.records {
		entry := counts[key.kind]
		entry.Staged++
		if record.SendStatus == StatusSent {
			entry.Sent++
		}
		counts[key.kind] = entry
	}
	return counts, nil
}

func (s *memoryStagingStore) Close() error {
	return nil
}

func cloneRecord(record *StagedRecord) StagedRecord {
	out := *record
	if record.DestinationID != nil {
		id := *record.DestinationID
		out.DestinationID = &id
	}
	return out
}
