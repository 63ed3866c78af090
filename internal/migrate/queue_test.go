package migrate

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestInMemoryTaskQueueFIFO(t *testing.T) {
	queue := NewInMemoryTaskQueue(4)

	for _, id := range []int64{1, 2, 3} {
		if !queue.TryEnqueue(UploadTask{Kind: KindContact, ExternalID: id}) {
			t.Fatalf("enqueue %d failed", id)
		}
	}
	if queue.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", queue.Depth())
	}
	for _, want := range []int64{1, 2, 3} {
		task, ok := queue.TryDequeue()
		if !ok || task.ExternalID != want {
			t.Fatalf("expected task %d, got %+v ok=%v", want, task, ok)
		}
	}
	if _, ok := queue.TryDequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestInMemoryTaskQueueCapacity(t *testing.T) {
	queue := NewInMemoryTaskQueue(1)

	if !queue.TryEnqueue(UploadTask{Kind: KindContact, ExternalID: 1}) {
		t.Fatalf("first enqueue failed")
	}
	if queue.TryEnqueue(UploadTask{Kind: KindContact, ExternalID: 2}) {
		t.Fatalf("expected full queue to reject")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if queue.Enqueue(ctx, UploadTask{Kind: KindContact, ExternalID: 2}) {
		t.Fatalf("blocking enqueue should give up when context expires")
	}
}

func TestTaskQueueRejectsEmptyKind(t *testing.T) {
	queue := NewInMemoryTaskQueue(4)
	if queue.TryEnqueue(UploadTask{ExternalID: 1}) {
		t.Fatalf("task without kind should be rejected")
	}
}

func TestFileTaskQueueSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	queue, err := NewFileTaskQueue(path, 8)
	if err != nil {
		t.Fatalf("creating queue failed: %v", err)
	}
	if !queue.TryEnqueue(UploadTask{Kind: KindAnswer, ExternalID: 11}) {
		t.Fatalf("enqueue failed")
	}

	reloaded, err := NewFileTaskQueue(path, 8)
	if err != nil {
		t.Fatalf("reloading queue failed: %v", err)
	}
	task, ok := reloaded.TryDequeue()
	if !ok || task.Kind != KindAnswer || task.ExternalID != 11 {
		t.Fatalf("expected persisted task, got %+v ok=%v", task, ok)
	}
}
