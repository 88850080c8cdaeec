// Package event defines the auction server's update-event bus: the
// broadcast queue of status changes subscribers (the out-of-scope
// WebSocket layer) read from. It is deliberately ephemeral — nothing here
// is persisted; the durable record of a bid's history lives in the bid and
// auction rows themselves (internal/store).
package event

import (
	"sync"

	"github.com/expressrelay/auction-server/internal/domain"
)

// Type tags the kind of update carried by an UpdateEvent. BidStatusUpdate is
// the only kind defined today; the enum leaves room for more without
// breaking subscribers that switch on Type.
type Type string

const BidStatusUpdate Type = "bid_status_update"

// UpdateEvent is the payload broadcast over the bus.
type UpdateEvent struct {
	Type      Type
	BidId     domain.BidId
	BidStatus domain.BidStatus
}

// Capacity is the fixed bound on each subscriber's buffered channel: a slow
// subscriber is dropped rather than allowed to apply backpressure to
// publishers.
const Capacity = 1000

// Bus is a fan-out broadcaster: every subscriber receives every event a
// publisher sends, in the sender's FIFO order, unless it falls behind, in
// which case it is dropped. Uses the same RWMutex-guarded map pattern as
// other shared in-memory state in this codebase, generalized here to a set
// of subscriber channels instead of a single value.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan UpdateEvent
	nextID      int
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan UpdateEvent)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function the caller must call when done.
func (b *Bus) Subscribe() (<-chan UpdateEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan UpdateEvent, Capacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish sends an event to every current subscriber without blocking; a
// subscriber whose buffer is full is dropped (its channel is closed and
// removed) rather than allowed to stall the publisher.
func (b *Bus) Publish(evt UpdateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			delete(b.subscribers, id)
			close(ch)
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
