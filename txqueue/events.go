package txqueue

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// EventType discriminates queue mutation events.
type EventType string

const (
	EventTransactionAdded     EventType = "transaction_added"
	EventTransactionConfirmed EventType = "transaction_confirmed"
	EventTransactionFailed    EventType = "transaction_failed"
	EventTransactionCancelled EventType = "transaction_cancelled"
	EventTransactionReplaced  EventType = "transaction_replaced"
	EventTransactionTimeout   EventType = "transaction_timeout"
	EventTransactionRemoved   EventType = "transaction_removed"
)

func eventTypeForStatus(s Status) EventType {
	switch s {
	case StatusConfirmed:
		return EventTransactionConfirmed
	case StatusFailed:
		return EventTransactionFailed
	case StatusCancelled:
		return EventTransactionCancelled
	case StatusReplaced:
		return EventTransactionReplaced
	case StatusTimeout:
		return EventTransactionTimeout
	}
	return EventType("")
}

// Event carries the mutation kind and a snapshot of the affected record.
// Listeners own Tx and may retain it.
type Event struct {
	Type EventType
	Tx   *QueuedTransaction
}

type listener struct {
	id uint64
	fn func(Event)
}

// Bus is a synchronous in-process publish/subscribe fan-out. Delivery is in
// subscription order; a panicking listener is logged and never aborts
// delivery to the remaining listeners.
type Bus struct {
	lggr *zap.SugaredLogger

	mu     sync.Mutex
	nextID uint64
	subs   []listener
}

func NewBus(lggr *zap.SugaredLogger) *Bus {
	return &Bus{lggr: lggr.Named("Bus")}
}

// Subscribe registers fn and returns its unsubscribe function. Unsubscribing
// twice is a no-op.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, listener{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(l listener) bool { return l.id == id })
	}
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, l := range subs {
		b.deliver(l, event)
	}
}

func (b *Bus) deliver(l listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.lggr.Errorw("event listener panicked", "eventType", event.Type, "panic", r)
		}
	}()
	l.fn(event)
}
