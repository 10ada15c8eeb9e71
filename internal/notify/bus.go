// Package notify is the outbound channel the sync engine publishes coarse
// record and cycle notifications to.
package notify

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	RecordCreated    Kind = "record-created"
	RecordUpdated    Kind = "record-updated"
	RecordDeleted    Kind = "record-deleted"
	CycleCompleted   Kind = "cycle-completed"
	CalendarFallback Kind = "calendar-fallback"
	SyncFailure      Kind = "sync-failure"
	ConflictQueued   Kind = "conflict"
)

// Notification is one message to subscribers.
type Notification struct {
	Kind     Kind              `json:"kind"`
	EntityID string            `json:"entity_id,omitempty"`
	IDs      []string          `json:"ids,omitempty"`
	Message  string            `json:"message,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	At       time.Time         `json:"at"`
}

// IsRecord reports whether n describes a single record change.
func (n Notification) IsRecord() bool {
	switch n.Kind {
	case RecordCreated, RecordUpdated, RecordDeleted:
		return true
	}
	return false
}

const defaultBuffer = 64

// Bus fans notifications out to subscribers. Publish never blocks; a
// subscriber that does not keep up loses messages.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Notification
	next    int
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel of notifications and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Batch collects record effects of one cycle so each record is reported once.
type Batch struct {
	kinds map[string]Kind
	order []string
}

func NewBatch() *Batch {
	return &Batch{kinds: make(map[string]Kind)}
}

// Add records an effect. Deletes dominate; a create followed by updates is
// still a create.
func (b *Batch) Add(kind Kind, entityID string) {
	prev, seen := b.kinds[entityID]
	if !seen {
		b.order = append(b.order, entityID)
		b.kinds[entityID] = kind
		return
	}
	switch {
	case prev == RecordDeleted:
	case kind == RecordDeleted:
		b.kinds[entityID] = RecordDeleted
	case prev == RecordCreated:
	default:
		b.kinds[entityID] = kind
	}
}

func (b *Batch) Len() int { return len(b.order) }

// IDs returns every affected entity id, sorted.
func (b *Batch) IDs() []string {
	out := append([]string(nil), b.order...)
	sort.Strings(out)
	return out
}

// Flush publishes one notification per affected record and resets the batch.
func (b *Batch) Flush(bus *Bus, at time.Time) {
	for _, id := range b.order {
		bus.Publish(Notification{Kind: b.kinds[id], EntityID: id, At: at})
	}
	b.kinds = make(map[string]Kind)
	b.order = nil
}
