package migrate

import (
	"context"
	"sync"
	"time"
)

// UploadTask is one dispatchable unit of upload work. The record's identity is
// the dedup key: re-enqueueing after a failed run re-attempts the same record,
// never duplicates the destination-side creation.
type UploadTask struct {
	Kind       EntityKind `json:"kind"`
	ExternalID int64      `json:"externalId"`
}

// TaskQueue feeds the upload worker pool. Queue-level single delivery is what
// guarantees no two workers touch the same staged record concurrently.
type TaskQueue interface {
	TryEnqueue(task UploadTask) bool
	Enqueue(ctx context.Context, task UploadTask) bool
	TryDequeue() (UploadTask, bool)
	Dequeue(ctx context.Context) (UploadTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryTaskQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []UploadTask
}

func NewInMemoryTaskQueue(capacity int) TaskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryTaskQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []UploadTask{},
	}
}

func (q *inMemoryTaskQueue) TryEnqueue(task UploadTask) bool {
	if task.Kind == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	return true
}

func (q *inMemoryTaskQueue) Enqueue(ctx context.Context, task UploadTask) bool {
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

func (q *inMemoryTaskQueue) TryDequeue() (UploadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return UploadTask{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *inMemoryTaskQueue) Dequeue(ctx context.Context) (UploadTask, bool) {
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

func (q *inMemoryTaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryTaskQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryTaskQueue) Close() error {
	return nil
}
