package migrate

import (
	"testing"
	"time"
)

func TestProgressBrokerFanOut(t *testing.T) {
	broker := NewProgressBroker()
	first, cancelFirst := broker.Subscribe()
	second, cancelSecond := broker.Subscribe()
	defer cancelSecond()

	broker.Publish(ProgressEvent{Stage: "extract", Kind: KindRequest})

	for name, ch := range map[string]<-chan ProgressEvent{"first": first, "second": second} {
		select {
		case event := <-ch:
			if event.Stage != "extract" || event.Kind != KindRequest {
				t.Fatalf("%s subscriber got wrong event: %+v", name, event)
			}
			if event.At.IsZero() {
				t.Fatalf("publish must stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber never received the event", name)
		}
	}

	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatalf("cancel must close the subscriber channel")
	}
	if broker.SubscriberCount() != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", broker.SubscriberCount())
	}
}

func TestProgressBrokerNeverBlocks(t *testing.T) {
	broker := NewProgressBroker()
	_, cancel := broker.Subscribe()
	defer cancel()

	// Flood well past the subscriber buffer; Publish must not stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			broker.Publish(ProgressEvent{Stage: "upload"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}
