package notify

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for notification")
	}
	return Notification{}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(Notification{Kind: RecordCreated, EntityID: "e1"})

	for _, ch := range []<-chan Notification{a, b} {
		n := receive(t, ch)
		if n.Kind != RecordCreated || n.EntityID != "e1" {
			t.Errorf("got %+v", n)
		}
		if n.At.IsZero() {
			t.Error("publish should stamp the time")
		}
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Notification{Kind: RecordUpdated, EntityID: "1"})
	bus.Publish(Notification{Kind: RecordUpdated, EntityID: "2"})

	if got := bus.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if n := receive(t, ch); n.EntityID != "1" {
		t.Errorf("first notification = %+v", n)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", bus.Subscribers())
	}
	bus.Publish(Notification{Kind: CycleCompleted})
}

func TestBatchOneNotificationPerRecord(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	batch := NewBatch()
	batch.Add(RecordCreated, "a")
	batch.Add(RecordUpdated, "a")
	batch.Add(RecordUpdated, "b")
	batch.Add(RecordUpdated, "b")
	batch.Add(RecordUpdated, "c")
	batch.Add(RecordDeleted, "c")
	batch.Add(RecordUpdated, "c")

	if batch.Len() != 3 {
		t.Fatalf("len = %d, want 3", batch.Len())
	}
	want := map[string]Kind{"a": RecordCreated, "b": RecordUpdated, "c": RecordDeleted}
	batch.Flush(bus, time.Now())
	for i := 0; i < 3; i++ {
		n := receive(t, ch)
		if want[n.EntityID] != n.Kind {
			t.Errorf("%s: kind = %s, want %s", n.EntityID, n.Kind, want[n.EntityID])
		}
		delete(want, n.EntityID)
	}
	select {
	case n := <-ch:
		t.Fatalf("unexpected extra notification %+v", n)
	default:
	}
	if batch.Len() != 0 {
		t.Error("flush should reset the batch")
	}
}
