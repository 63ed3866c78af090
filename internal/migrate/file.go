package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// File-backed implementations for single-node deployments that need staging
// state to survive restarts without a database. Every mutation rewrites a JSON
// snapshot via tmp-file-and-rename, so a crash mid-write never corrupts the
// previous snapshot.

type fileStagingState struct {
	Records []StagedRecord `json:"records"`
}

type fileStagingStore struct {
	path string
	mu   sync.Mutex
	data map[stagedKey]*StagedRecord
	now  func() time.Time
}

func NewFileStagingStore(path string) (StagingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileStagingStore{
		path: path,
		data: map[stagedKey]*StagedRecord{},
		now:  time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStagingStore) Upsert(ctx context.Context, kind EntityKind, externalID int64, rawPayload map[string]any) (bool, error) {
	if kind == "" || rawPayload == nil {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stagedKey{kind: kind, externalID: externalID}
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = &StagedRecord{
		Kind:       kind,
		ExternalID: externalID,
		RawPayload: rawPayload,
		SendStatus: StatusNotSent,
		StagedAt:   s.now().UTC(),
	}
	if err := s.saveLocked(); err != nil {
		delete(s.data, key)
		return false, err
	}
	return true, nil
}

func (s *fileStagingStore) Get(ctx context.Context, kind EntityKind, externalID int64) (StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data[stagedKey{kind: kind, externalID: externalID}]
	if !ok {
		return StagedRecord{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *fileStagingStore) ListUnsent(ctx context.Context, kind EntityKind, fromID, toID *int64) ([]StagedRecord, error) {
	s.mu.Lock()
	records := make([]*StagedRecord, 0, len(s.data))
	for key, record := range s.data {
		if key.kind != kind || record.SendStatus != StatusNotSent {
			continue
		}
		if fromID != nil && key.externalID < *fromID {
			continue
		}
		if toID != nil && key.externalID > *toID {
			continue
		}
		records = append(records, record)
	}
	out := make([]StagedRecord, 0, len(records))
	for _, record := range records {
		out = append(out, cloneRecord(record))
	}
	s.mu.Unlock()
	sortRecordsByExternalID(out)
	return out, nil
}

func (s *fileStagingStore) ListByKind(ctx context.Context, kind EntityKind) ([]StagedRecord, error) {
	s.mu.Lock()
	out := make([]StagedRecord, 0)
	for key, record := range s.data {
		if key.kind != kind {
			continue
		}
		out = append(out, cloneRecord(record))
	}
	s.mu.Unlock()
	sortRecordsByExternalID(out)
	return out, nil
}

func (s *fileStagingStore) MarkSent(ctx context.Context, kind EntityKind, externalID int64, destinationID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data[stagedKey{kind: kind, externalID: externalID}]
	if !ok {
		return ErrNotFound
	}
	previous := *record
	record.SendStatus = StatusSent
	record.DestinationID = destinationID
	record.LastError = ""
	if err := s.saveLocked(); err != nil {
		*record = previous
		return err
	}
	return nil
}

func (s *fileStagingStore) MarkFailed(ctx context.Context, kind EntityKind, externalID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data[stagedKey{kind: kind, externalID: externalID}]
	if !ok {
		return ErrNotFound
	}
	previous := record.LastError
	record.LastError = message
	if err := s.saveLocked(); err != nil {
		record.LastError = previous
		return err
	}
	return nil
}

func (s *fileStagingStore) Counts(ctx context.Context) (map[EntityKind]KindCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[EntityKind]KindCounts{}
	for key, record := range s.data {
		entry := counts[key.kind]
		entry.Staged++
		if record.SendStatus == StatusSent {
			entry.Sent++
		}
		counts[key.kind] = entry
	}
	return counts, nil
}

func (s *fileStagingStore) Close() error {
	return nil
}

func (s *fileStagingStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileStagingState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for i := range snapshot.Records {
		record := snapshot.Records[i]
		s.data[stagedKey{kind: record.Kind, externalID: record.ExternalID}] = &snapshot.Records[i]
	}
	return nil
}

func (s *fileStagingStore) saveLocked() error {
	snapshot := fileStagingState{Records: make([]StagedRecord, 0, len(s.data))}
	for _, record := range s.data {
		snapshot.Records = append(snapshot.Records, *record)
	}
	sortRecordsByExternalID(snapshot.Records)
	return writeJSONSnapshot(s.path, snapshot)
}

type fileMappingState struct {
	Mappings []IdentifierMapping `json:"mappings"`
}

type fileIdentifierMapper struct {
	path string
	mu   sync.Mutex
	data map[stagedKey]int64
}

func NewFileIdentifierMapper(path string) (IdentifierMapper, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	m := &fileIdentifierMapper{path: path, data: map[stagedKey]int64{}}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *fileIdentifierMapper) Lookup(ctx context.Context, kind EntityKind, externalID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	destinationID, ok := m.data[stagedKey{kind: kind, externalID: externalID}]
	return destinationID, ok
}

func (m *fileIdentifierMapper) Resolve(ctx context.Context, kind EntityKind, externalID int64, fallback *int64) int64 {
	return resolveMapping(ctx, m, kind, externalID, fallback)
}

func (m *fileIdentifierMapper) Save(ctx context.Context, kind EntityKind, externalID, destinationID int64) error {
	if kind == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stagedKey{kind: kind, externalID: externalID}
	previous, existed := m.data[key]
	m.data[key] = destinationID
	if err := m.saveLocked(); err != nil {
		if existed {
			m.data[key] = previous
		} else {
			delete(m.data, key)
		}
		return err
	}
	return nil
}

func (m *fileIdentifierMapper) Close() error {
	return nil
}

func (m *fileIdentifierMapper) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileMappingState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, mapping := range snapshot.Mappings {
		m.data[stagedKey{kind: mapping.Kind, externalID: mapping.ExternalID}] = mapping.DestinationID
	}
	return nil
}

func (m *fileIdentifierMapper) saveLocked() error {
	snapshot := fileMappingState{Mappings: make([]IdentifierMapping, 0, len(m.data))}
	for key, destinationID := range m.data {
		snapshot.Mappings = append(snapshot.Mappings, IdentifierMapping{
			Kind:          key.kind,
			ExternalID:    key.externalID,
			DestinationID: destinationID,
		})
	}
	return writeJSONSnapshot(m.path, snapshot)
}

type fileTaskQueueState struct {
	Items []UploadTask `json:"items"`
}

type fileTaskQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []UploadTask
}

func NewFileTaskQueue(path string, capacity int) (TaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileTaskQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []UploadTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileTaskQueue) TryEnqueue(task UploadTask) bool {
	if task.Kind == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileTaskQueue) Enqueue(ctx context.Context, task UploadTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) TryDequeue() (UploadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return UploadTask{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]UploadTask{item}, q.items...)
		return UploadTask{}, false
	}
	return item, true
}

func (q *fileTaskQueue) Dequeue(ctx context.Context) (UploadTask, bool) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return UploadTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileTaskQueue) Capacity() int {
	return q.capacity
}

func (q *fileTaskQueue) Close() error {
	return nil
}

func (q *fileTaskQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTaskQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]UploadTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]UploadTask(nil), snapshot.Items...)
	return nil
}

func (q *fileTaskQueue) saveLocked() error {
	snapshot := fileTaskQueueState{Items: append([]UploadTask(nil), q.items...)}
	return writeJSONSnapshot(q.path, snapshot)
}

func writeJSONSnapshot(path string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
