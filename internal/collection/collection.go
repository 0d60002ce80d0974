// Package collection implements the replicated record collection.
//
// A Collection is an ordered set of records for one owner (report), jointly
// owned by every replica that edits it. Concurrent inserts, updates and
// deletes performed independently on different replicas converge to the
// same state: each record id keeps the version with the highest UpdatedAt,
// tie-broken on NodeID, and deletes are soft so they replicate like any
// other write ("delete wins if newer"). Merge is commutative and
// idempotent, so replicas can exchange state in any order, any number of
// times.
//
// Mutating calls are atomic relative to each other; observers registered
// on the bus are notified synchronously on the mutating goroutine after
// every materialized change, local or remote. Subscribers may call back
// into the collection from their callbacks.
package collection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/propio/fieldsync/internal/bus"
	"github.com/propio/fieldsync/internal/record"
)

// ErrNotFound is returned when an operation names a record id that is
// absent or already deleted.
var ErrNotFound = fmt.Errorf("record not found")

// Collection holds the replicated records of one owner.
type Collection struct {
	mu      sync.Mutex
	ownerID string
	clock   *record.Clock
	records map[string]*record.Record
	bus     *bus.Bus

	// onMutate, when set, runs after every successful local mutation
	// (insert/update/remove), outside the collection lock. The sync
	// orchestrator uses it to persist and schedule an exchange.
	onMutate func()
}

// New creates an empty collection for ownerID using clk for versioning.
func New(ownerID string, clk *record.Clock, b *bus.Bus) *Collection {
	if b == nil {
		b = bus.New()
	}
	return &Collection{
		ownerID: ownerID,
		clock:   clk,
		records: make(map[string]*record.Record),
		bus:     b,
	}
}

// OwnerID returns the owning aggregate id.
func (c *Collection) OwnerID() string { return c.ownerID }

// Bus returns the notification bus for this collection.
func (c *Collection) Bus() *bus.Bus { return c.bus }

// SetMutationHook registers fn to run after every local mutation.
func (c *Collection) SetMutationHook(fn func()) {
	c.mu.Lock()
	c.onMutate = fn
	c.mu.Unlock()
}

// Insert creates a new pending record with the given payload and returns
// a copy of it. The id is generated client-side, before any network
// exchange.
func (c *Collection) Insert(payload map[string]json.RawMessage) *record.Record {
	c.mu.Lock()
	r := record.New(c.ownerID, payload, c.clock)
	c.records[r.ID] = r
	out := r.Clone()
	c.finishMutationLocked()
	return out
}

// Upsert creates a record with a caller-chosen id if absent, or patches
// the existing one. Used by importers that derive ids from the capture
// device's export.
func (c *Collection) Upsert(id string, payload map[string]json.RawMessage) *record.Record {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok {
		now := c.clock.Next()
		r = &record.Record{
			ID:        id,
			OwnerID:   c.ownerID,
			CreatedAt: now,
			UpdatedAt: now,
			NodeID:    c.clock.NodeID(),
		}
		c.records[id] = r
	}
	c.patchLocked(r, payload)
	out := r.Clone()
	c.finishMutationLocked()
	return out
}

// Update applies patch to the record's payload. Keys in patch overwrite
// existing keys; keys not mentioned are left as they are, including keys
// this build of the client has never heard of.
func (c *Collection) Update(id string, patch map[string]json.RawMessage) error {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok || r.Deleted {
		c.mu.Unlock()
		return ErrNotFound
	}
	c.patchLocked(r, patch)
	c.finishMutationLocked()
	return nil
}

// Remove soft-deletes the record. The tombstone stays in the set and
// replicates like any other pending write.
func (c *Collection) Remove(id string) error {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok || r.Deleted {
		c.mu.Unlock()
		return ErrNotFound
	}
	r.Deleted = true
	r.UpdatedAt = c.clock.Next()
	r.NodeID = c.clock.NodeID()
	r.SyncStatus = record.StatusPending
	r.SyncError = ""
	c.finishMutationLocked()
	return nil
}

// patchLocked bumps the record to a new pending local version.
func (c *Collection) patchLocked(r *record.Record, patch map[string]json.RawMessage) {
	if r.Payload == nil && len(patch) > 0 {
		r.Payload = make(map[string]json.RawMessage, len(patch))
	}
	for k, v := range patch {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		r.Payload[k] = cp
	}
	r.UpdatedAt = c.clock.Next()
	r.NodeID = c.clock.NodeID()
	r.Deleted = false
	r.SyncStatus = record.StatusPending
	r.SyncError = ""
}

// finishMutationLocked releases the lock, notifies observers, and runs
// the mutation hook. Must be the last statement of a mutating method.
// The snapshot is enqueued before the lock drops so concurrent mutators
// cannot reorder what subscribers see.
func (c *Collection) finishMutationLocked() {
	c.bus.Enqueue(c.listLocked())
	hook := c.onMutate
	c.mu.Unlock()

	c.bus.Deliver()
	if hook != nil {
		hook()
	}
}

// Find returns a copy of the live record with the given id.
func (c *Collection) Find(id string) (*record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[id]
	if !ok || r.Deleted {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of all live records in stable order: CreatedAt,
// then ID.
func (c *Collection) List() []*record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Collection) listLocked() []*record.Record {
	out := make([]*record.Record, 0, len(c.records))
	for _, r := range c.records {
		if !r.Deleted {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out
}

// Pending returns copies of the records awaiting acknowledgement,
// tombstones included. The queue is recomputed from the collection on
// every call so it can never drift from the authoritative state.
func (c *Collection) Pending() []*record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*record.Record, 0)
	for _, r := range c.records {
		if r.SyncStatus == record.StatusPending {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out
}

// Snapshot returns copies of every record, tombstones included, for
// durable persistence and full-state pushes.
func (c *Collection) Snapshot() []*record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*record.Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out
}

// Hydrate replaces the collection's state from a stored snapshot.
// Sync statuses come back exactly as persisted, so work that was pending
// at shutdown is still pending after restart. Observers are notified once
// hydration completes.
func (c *Collection) Hydrate(snapshot []*record.Record) {
	c.mu.Lock()
	c.records = make(map[string]*record.Record, len(snapshot))
	for _, r := range snapshot {
		c.records[r.ID] = r.Clone()
		c.clock.Observe(r.UpdatedAt)
	}
	c.bus.Enqueue(c.listLocked())
	c.mu.Unlock()

	c.bus.Deliver()
}

// Merge folds one remote version into the collection. The remote version
// wins only if it is strictly newer than the local one; merged copies
// arrive authoritative, so they land as synced. Returns true if state
// changed.
func (c *Collection) Merge(remote *record.Record) bool {
	c.mu.Lock()
	changed := c.mergeLocked(remote)
	if changed {
		c.bus.Enqueue(c.listLocked())
	}
	c.mu.Unlock()

	if changed {
		c.bus.Deliver()
	}
	return changed
}

// ApplyBatch merges an ordered inbound batch and returns how many
// records changed. Observers are notified once per batch. Applying the
// same batch twice leaves the state untouched the second time.
func (c *Collection) ApplyBatch(batch []*record.Record) int {
	c.mu.Lock()
	changed := 0
	for _, remote := range batch {
		if c.mergeLocked(remote) {
			changed++
		}
	}
	if changed > 0 {
		c.bus.Enqueue(c.listLocked())
	}
	c.mu.Unlock()

	if changed > 0 {
		c.bus.Deliver()
	}
	return changed
}

func (c *Collection) mergeLocked(remote *record.Record) bool {
	c.clock.Observe(remote.UpdatedAt)

	local, ok := c.records[remote.ID]
	if ok && !remote.Newer(local) {
		return false
	}

	merged := remote.Clone()
	merged.SyncStatus = record.StatusSynced
	merged.SyncError = ""
	c.records[remote.ID] = merged
	return true
}

// MarkSynced records a successful exchange for the version that was sent.
// If the record was edited again while the exchange was in flight the
// newer local version stays pending. Server-assigned fields, if any, are
// folded into the payload.
func (c *Collection) MarkSynced(id string, sentUpdatedAt int64, serverFields map[string]json.RawMessage) {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok || r.UpdatedAt != sentUpdatedAt {
		c.mu.Unlock()
		return
	}
	for k, v := range serverFields {
		if r.Payload == nil {
			r.Payload = make(map[string]json.RawMessage, len(serverFields))
		}
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		r.Payload[k] = cp
	}
	r.SyncStatus = record.StatusSynced
	r.SyncError = ""
	c.bus.Enqueue(c.listLocked())
	c.mu.Unlock()

	c.bus.Deliver()
}

// MarkFailed records a failed exchange for the version that was sent.
// A version edited since the send is already pending again and is left
// alone.
func (c *Collection) MarkFailed(id string, sentUpdatedAt int64, errText string) {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok || r.UpdatedAt != sentUpdatedAt || r.SyncStatus == record.StatusSynced {
		c.mu.Unlock()
		return
	}
	r.SyncStatus = record.StatusFailed
	r.SyncError = errText
	c.bus.Enqueue(c.listLocked())
	c.mu.Unlock()

	c.bus.Deliver()
}

// RequeueFailed flips every failed record back to pending and returns how
// many were requeued. The orchestrator calls this from its backoff timer,
// so no new edit is required for a retry.
func (c *Collection) RequeueFailed() int {
	c.mu.Lock()
	n := 0
	for _, r := range c.records {
		if r.SyncStatus == record.StatusFailed {
			r.SyncStatus = record.StatusPending
			n++
		}
	}
	c.mu.Unlock()
	return n
}

// PendingCount returns the number of records awaiting acknowledgement,
// failed ones included.
func (c *Collection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, r := range c.records {
		if r.SyncStatus == record.StatusPending || r.SyncStatus == record.StatusFailed {
			n++
		}
	}
	return n
}

func sortRecords(rs []*record.Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt != rs[j].CreatedAt {
			return rs[i].CreatedAt < rs[j].CreatedAt
		}
		return rs[i].ID < rs[j].ID
	})
}
