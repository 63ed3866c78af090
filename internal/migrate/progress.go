package migrate

import (
	"sync"
	"time"
)

// ProgressEvent is one observable step of a pipeline run, published to any
// connected progress subscribers.
type ProgressEvent struct {
	Stage   string     `json:"stage"`
	Kind    EntityKind `json:"kind,omitempty"`
	Count   int        `json:"count,omitempty"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

// ProgressBroker fans pipeline events out to subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events rather than stalling
// the pipeline.
type ProgressBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ProgressEvent
}

func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{subs: map[int]chan ProgressEvent{}}
}

func (b *ProgressBroker) Subscribe() (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan ProgressEvent, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *ProgressBroker) Publish(event ProgressEvent) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *ProgressBroker) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
