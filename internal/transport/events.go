package transport

import (
	"sync"
	"time"

	"offsync/internal/models"
)

// EventKind selects which persistent channel events a subscription receives.
type EventKind string

const (
	EventConnectionStatus EventKind = "CONNECTION_STATUS"
	EventSyncNotification EventKind = "SYNC_NOTIFICATION"
	EventEntityChanged    EventKind = "ENTITY_CHANGED"
)

// Event is delivered to subscribers. Connected and Err are set for
// connection status events, Frame for the others.
type Event struct {
	Kind      EventKind
	Connected bool
	Err       error
	Frame     models.Frame
	At        time.Time
}

// Subscription receives events of one kind on C until Unsubscribe.
type Subscription struct {
	C    <-chan Event
	kind EventKind
	id   uint64
	bus  *eventBus
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.kind, s.id)
}

type eventBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[EventKind]map[uint64]chan Event
	buffer int
	// dropped counts events discarded because a subscriber was not reading.
	dropped uint64
}

func newEventBus(buffer int) *eventBus {
	return &eventBus{
		subs:   make(map[EventKind]map[uint64]chan Event),
		buffer: buffer,
	}
}

func (b *eventBus) subscribe(kind EventKind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Event, b.buffer)
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]chan Event)
	}
	b.subs[kind][b.nextID] = ch
	return &Subscription{C: ch, kind: kind, id: b.nextID, bus: b}
}

func (b *eventBus) remove(kind EventKind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[kind][id]; ok {
		delete(b.subs[kind], id)
		close(ch)
	}
}

// publish never blocks; a full subscriber misses the event.
func (b *eventBus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}
