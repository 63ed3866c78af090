package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStagingTableName = "deskmigrate_staging"
	postgresIDMapTableName   = "deskmigrate_id_map"
	postgresQueueTableName   = "deskmigrate_upload_queue"
	postgresOperationTimeout = 5 * time.Second
	postgresPollInterval     = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStagingStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStagingStore(dsn string) (StagingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStagingStore{
		dsn:       dsn,
		tableName: postgresStagingTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStagingStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kind TEXT NOT NULL,
				external_id BIGINT NOT NULL,
				raw_payload TEXT NOT NULL,
				send_status TEXT NOT NULL DEFAULT 'not_sent',
				destination_id BIGINT,
				last_error TEXT NOT NULL DEFAULT '',
				staged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (kind, external_id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStagingStore) Upsert(ctx context.Context, kind EntityKind, externalID int64, rawPayload map[string]any) (bool, error) {
	if kind == "" || rawPayload == nil {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(rawPayload)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, external_id, raw_payload, send_status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, external_id) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, string(kind), externalID, string(payload), string(StatusNotSent))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStagingStore) Get(ctx context.Context, kind EntityKind, externalID int64) (StagedRecord, error) {
	if err := s.ensureReady(); err != nil {
		return StagedRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kind, external_id, raw_payload, send_status, destination_id, last_error, staged_at
		FROM %s WHERE kind = $1 AND external_id = $2`, postgresQuoteIdentifier(s.tableName))
	record, err := scanStagedRecord(s.db.QueryRowContext(ctx, query, string(kind), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return StagedRecord{}, ErrNotFound
	}
	return record, err
}

func (s *PostgresStagingStore) ListUnsent(ctx context.Context, kind EntityKind, fromID, toID *int64) ([]StagedRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	conditions := []string{"kind = $1", "send_status = $2"}
	args := []any{string(kind), string(StatusNotSent)}
	if fromID != nil {
		args = append(args, *fromID)
		conditions = append(conditions, fmt.Sprintf("external_id >= $%d", len(args)))
	}
	if toID != nil {
		args = append(args, *toID)
		conditions = append(conditions, fmt.Sprintf("external_id <= $%d", len(args)))
	}
	query := fmt.Sprintf(`
		SELECT kind, external_id, raw_payload, send_status, destination_id, last_error, staged_at
		FROM %s WHERE %s ORDER BY external_id ASC`,
		postgresQuoteIdentifier(s.tableName), strings.Join(conditions, " AND "))
	return s.queryRecords(ctx, query, args...)
}

func (s *PostgresStagingStore) ListByKind(ctx context.Context, kind EntityKind) ([]StagedRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT kind, external_id, raw_payload, send_status, destination_id, last_error, staged_at
		FROM %s WHERE kind = $1 ORDER BY external_id ASC`, postgresQuoteIdentifier(s.tableName))
	return s.queryRecords(ctx, query, string(kind))
}

func (s *PostgresStagingStore) queryRecords(ctx context.Context, query string, args ...any) ([]StagedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]StagedRecord, 0)
	for rows.Next() {
		record, err := scanStagedRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStagingStore) MarkSent(ctx context.Context, kind EntityKind, externalID int64, destinationID *int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET send_status = $1, destination_id = $2, last_error = ''
		WHERE kind = $3 AND external_id = $4`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, string(StatusSent), destinationID, string(kind), externalID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStagingStore) MarkFailed(ctx context.Context, kind EntityKind, externalID int64, message string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET last_error = $1
		WHERE kind = $2 AND external_id = $3`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, message, string(kind), externalID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStagingStore) Counts(ctx context.Context) (map[EntityKind]KindCounts, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kind, send_status, COUNT(*) FROM %s GROUP BY kind, send_status`,
		postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[EntityKind]KindCounts{}
	for rows.Next() {
		var kind, status string
		var count int
		if err := rows.Scan(&kind, &status, &count); err != nil {
			return nil, err
		}
		entry := counts[EntityKind(kind)]
		entry.Staged += count
		if SendStatus(status) == StatusSent {
			entry.Sent += count
		}
		counts[EntityKind(kind)] = entry
	}
	return counts, rows.Err()
}

func (s *PostgresStagingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStagedRecord(row rowScanner) (StagedRecord, error) {
	var record StagedRecord
	var kind, status, payload string
	var destinationID sql.NullInt64
	if err := row.Scan(&kind, &record.ExternalID, &payload, &status, &destinationID, &record.LastError, &record.StagedAt); err != nil {
		return StagedRecord{}, err
	}
	record.Kind = EntityKind(kind)
	record.SendStatus = SendStatus(status)
	if destinationID.Valid {
		record.DestinationID = &destinationID.Int64
	}
	if err := json.Unmarshal([]byte(payload), &record.RawPayload); err != nil {
		return StagedRecord{}, err
	}
	return record, nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type PostgresIdentifierMapper struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresIdentifierMapper(dsn string) (IdentifierMapper, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresIdentifierMapper{
		dsn:       dsn,
		tableName: postgresIDMapTableName,
		openDB:    sql.Open,
	}, nil
}

func (m *PostgresIdentifierMapper) ensureReady() error {
	if m == nil {
		return ErrInvalidInput
	}
	m.initOnce.Do(func() {
		db, err := m.openDB("postgres", m.dsn)
		if err != nil {
			m.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kind TEXT NOT NULL,
				external_id BIGINT NOT NULL,
				destination_id BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (kind, external_id)
			)`, postgresQuoteIdentifier(m.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			m.initErr = err
			return
		}
		m.db = db
	})
	return m.initErr
}

func (m *PostgresIdentifierMapper) Lookup(ctx context.Context, kind EntityKind, externalID int64) (int64, bool) {
	if err := m.ensureReady(); err != nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT destination_id FROM %s WHERE kind = $1 AND external_id = $2",
		postgresQuoteIdentifier(m.tableName))
	var destinationID int64
	err := m.db.QueryRowContext(ctx, query, string(kind), externalID).Scan(&destinationID)
	if err != nil {
		return 0, false
	}
	return destinationID, true
}

func (m *PostgresIdentifierMapper) Resolve(ctx context.Context, kind EntityKind, externalID int64, fallback *int64) int64 {
	return resolveMapping(ctx, m, kind, externalID, fallback)
}

func (m *PostgresIdentifierMapper) Save(ctx context.Context, kind EntityKind, externalID, destinationID int64) error {
	if kind == "" {
		return ErrInvalidInput
	}
	if err := m.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, external_id, destination_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, external_id)
		DO UPDATE SET destination_id = EXCLUDED.destination_id, updated_at = NOW()`,
		postgresQuoteIdentifier(m.tableName))
	_, err := m.db.ExecContext(ctx, query, string(kind), externalID, destinationID)
	return err
}

func (m *PostgresIdentifierMapper) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

type PostgresTaskQueue struct {
	dsn          string
	tableName    string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTaskQueue(dsn string, capacity int) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresTaskQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		capacity:     capacity,
		pollInterval: postgresPollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresTaskQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresTaskQueue) TryEnqueue(task UploadTask) bool {
	if task.Kind == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (payload, created_at) VALUES ($1, NOW())",
		postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, task UploadTask) bool {
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

func (q *PostgresTaskQueue) TryDequeue() (UploadTask, bool) {
	if err := q.ensureReady(); err != nil {
		return UploadTask{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return UploadTask{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query).Scan(&id, &payload)
	if err != nil {
		return UploadTask{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return UploadTask{}, false
	}
	if err := tx.Commit(); err != nil {
		return UploadTask{}, false
	}
	committed = true

	var task UploadTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil || task.Kind == "" {
		return UploadTask{}, false
	}
	return task, true
}

func (q *PostgresTaskQueue) Dequeue(ctx context.Context) (UploadTask, bool) {
	for {
		if task, ok := q.TryDequeue(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return UploadTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresTaskQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresTaskQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresTaskQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
