package store

import "sync"

// watchBuffer is the per-subscriber channel capacity. A subscriber that falls
// this far behind starts missing events and must reconverge via Snapshot.
const watchBuffer = 64

type subscriber struct {
	watchID string
	ch      chan *ChangeEvent
}

// Broker fans committed change events out to in-process watchers. Drivers
// embed one and publish after each successful commit; delivery is best-effort
// (the durable change log, not the broker, is the source of truth).
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers a watcher for events where watchID is the entity owner
// or creator. The cancel func releases the subscription and closes the
// channel.
func (b *Broker) Subscribe(watchID string) (<-chan *ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{watchID: watchID, ch: make(chan *ChangeEvent, watchBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching watcher. Sends never block; a
// full subscriber buffer drops the event for that subscriber.
func (b *Broker) Publish(ev *ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.watchID != ev.OwnerID && sub.watchID != ev.CreatedBy {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close releases all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
