// Package bus provides the change notification bus for fieldsync.
//
// Consumers (grids, maps, dashboards) subscribe to learn about every
// materialized state change, whether it came from a local edit, a remote
// merge, or initial hydration from the local store. Snapshots are queued
// in the order the changes happened and delivered synchronously, so each
// subscriber sees changes exactly once, in occurrence order. There is no
// ordering guarantee between subscribers.
package bus

import (
	"sync"

	"github.com/propio/fieldsync/internal/record"
)

// Snapshot is the state handed to subscribers: the live records of one
// owner, in collection order.
type Snapshot []*record.Record

// Callback receives the current snapshot on subscribe and after every
// subsequent change.
type Callback func(Snapshot)

// Bus is an observer registry for one owner's collection.
type Bus struct {
	mu         sync.Mutex
	nextID     int
	subs       map[int]Callback
	current    Snapshot
	queue      []Snapshot
	delivering bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]Callback)}
}

// Subscribe registers cb and immediately invokes it with the current
// snapshot. The returned function removes the subscription; calling it
// more than once is harmless.
func (b *Bus) Subscribe(cb Callback) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cb
	current := b.current
	b.mu.Unlock()

	cb(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Enqueue appends snap to the delivery queue and records it as the
// current state. Callers that hold their own lock while changes happen
// enqueue inside it and call Deliver after releasing it, which pins
// delivery order to change order.
func (b *Bus) Enqueue(snap Snapshot) {
	b.mu.Lock()
	b.current = snap
	b.queue = append(b.queue, snap)
	b.mu.Unlock()
}

// Deliver drains the queue, invoking every subscriber for each queued
// snapshot in order. Only one goroutine delivers at a time; a Deliver
// that finds another in progress returns immediately and leaves the
// queue to the active one, so callbacks may publish without deadlock.
func (b *Bus) Deliver() {
	b.mu.Lock()
	if b.delivering {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for len(b.queue) > 0 {
		snap := b.queue[0]
		b.queue = b.queue[1:]
		cbs := make([]Callback, 0, len(b.subs))
		for _, cb := range b.subs {
			cbs = append(cbs, cb)
		}
		b.mu.Unlock()

		for _, cb := range cbs {
			cb(snap)
		}
		b.mu.Lock()
	}
	b.delivering = false
	b.mu.Unlock()
}

// Publish enqueues snap and delivers it, along with anything already
// queued, to all subscribers synchronously.
func (b *Bus) Publish(snap Snapshot) {
	b.Enqueue(snap)
	b.Deliver()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
