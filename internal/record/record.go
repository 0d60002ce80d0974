// Package record defines the unit of replication for fieldsync.
//
// A Record is one field-collected data item (typically a photo annotation)
// scoped to an owning report. Records are CRDT-friendly: flat fields,
// client-generated immutable IDs, and a per-replica logical timestamp that
// makes last-write-wins merges deterministic across replicas.
package record

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SyncStatus tracks whether a record's local changes have been durably
// acknowledged by the server.
type SyncStatus string

const (
	// StatusPending means the record has local changes not yet acknowledged.
	StatusPending SyncStatus = "pending"

	// StatusSynced means the server has acknowledged the latest local version.
	StatusSynced SyncStatus = "synced"

	// StatusFailed means the last exchange for this record failed.
	// The orchestrator retries failed records on its own timer; any new
	// local edit also moves the record back to pending.
	StatusFailed SyncStatus = "failed"
)

// Record represents one replicated field record.
//
// Payload values are kept as raw JSON so keys written by a newer (or older)
// schema survive a load/merge/persist round trip untouched.
type Record struct {
	// ID is globally unique, generated on the creating client before any
	// network exchange, and never reused.
	ID string `json:"id"`

	// OwnerID identifies the parent aggregate (e.g. a report).
	OwnerID string `json:"owner_id"`

	// Payload holds the domain fields (caption, geo tag, photo ref, ...).
	Payload map[string]json.RawMessage `json:"payload,omitempty"`

	// CreatedAt and UpdatedAt are replica-clock timestamps (milliseconds).
	// UpdatedAt strictly increases on every mutation by the same replica.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// NodeID identifies the replica that produced this version. Used as
	// the deterministic tie-break when two versions carry equal UpdatedAt.
	NodeID string `json:"node_id"`

	// Deleted marks a soft delete. Deleted records stay in the set so the
	// removal replicates; List() filters them out.
	Deleted bool `json:"deleted,omitempty"`

	// SyncStatus and SyncError are local bookkeeping, never merged from a
	// remote copy. They persist locally so pending work survives restarts.
	SyncStatus SyncStatus `json:"sync_status"`
	SyncError  string     `json:"sync_error,omitempty"`
}

// New creates a pending record owned by ownerID with the given payload.
// The ID is assigned client-side so two replicas independently creating
// "the same" logical record still merge deterministically.
func New(ownerID string, payload map[string]json.RawMessage, clk *Clock) *Record {
	now := clk.Next()
	return &Record{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Payload:    clonePayload(payload),
		CreatedAt:  now,
		UpdatedAt:  now,
		NodeID:     clk.NodeID(),
		SyncStatus: StatusPending,
	}
}

// Validate checks the fields every replicated record must carry.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if r.UpdatedAt <= 0 {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Newer reports whether r is a strictly newer version than other.
// Higher UpdatedAt wins; equal timestamps tie-break lexicographically on
// NodeID. This ordering applies across updates and deletes alike, so a
// delete only wins if it is the latest write.
func (r *Record) Newer(other *Record) bool {
	if r.UpdatedAt != other.UpdatedAt {
		return r.UpdatedAt > other.UpdatedAt
	}
	return r.NodeID > other.NodeID
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Payload = clonePayload(r.Payload)
	return &c
}

func clonePayload(p map[string]json.RawMessage) map[string]json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(p))
	for k, v := range p {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
