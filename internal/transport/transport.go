package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/propio/fieldsync/internal/record"
)

// ErrNotConnected reports a send attempted without a usable connection.
// This is a precondition failure, not an operation failure: the caller
// leaves affected records pending rather than marking them failed.
var ErrNotConnected = errors.New("transport not connected")

// Status describes a channel's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// Kind discriminates envelope payloads on the wire.
type Kind string

const (
	// KindRecord carries one outbound record version.
	KindRecord Kind = "record"

	// KindAck acknowledges one record exchange.
	KindAck Kind = "ack"

	// KindBatch carries an ordered set of records for one owner.
	KindBatch Kind = "batch"

	// KindSyncRequest asks the server for the owner's records newer than
	// Since. The reply arrives as a KindBatch envelope.
	KindSyncRequest Kind = "sync_request"

	// KindPing and KindPong are the heartbeat pair: an empty ping expects
	// an empty pong within the liveness interval.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Frame is the replicated portion of a record as it travels on the wire.
// Local bookkeeping (sync status, sync error) never leaves the device.
type Frame struct {
	RecordID  string                     `json:"record_id"`
	OwnerID   string                     `json:"owner_id"`
	Payload   map[string]json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64                      `json:"created_at"`
	UpdatedAt int64                      `json:"updated_at"`
	NodeID    string                     `json:"node_id"`
	Deleted   bool                       `json:"deleted,omitempty"`
}

// NewFrame extracts the wire view of a record.
func NewFrame(r *record.Record) *Frame {
	return &Frame{
		RecordID:  r.ID,
		OwnerID:   r.OwnerID,
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		NodeID:    r.NodeID,
		Deleted:   r.Deleted,
	}
}

// ToRecord converts the frame back into a record value.
func (f *Frame) ToRecord() *record.Record {
	return &record.Record{
		ID:        f.RecordID,
		OwnerID:   f.OwnerID,
		Payload:   f.Payload,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
		NodeID:    f.NodeID,
		Deleted:   f.Deleted,
	}
}

// Ack is the server's answer to one record exchange.
type Ack struct {
	RecordID string `json:"record_id"`
	Accepted bool   `json:"accepted"`
	// Error explains a rejection; empty when accepted.
	Error string `json:"error,omitempty"`
	// ServerFields carries server-assigned payload fields the client
	// folds into its copy (e.g. a storage URL for an uploaded photo).
	ServerFields map[string]json.RawMessage `json:"server_fields,omitempty"`
}

// SyncRequest asks for the owner's state newer than Since.
type SyncRequest struct {
	OwnerID string `json:"owner_id"`
	Since   int64  `json:"since"`
}

// Batch is an ordered set of record frames for one owner. ServerTime is
// the high-water mark clients use as Since on their next request.
type Batch struct {
	OwnerID    string   `json:"owner_id"`
	Records    []*Frame `json:"records"`
	ServerTime int64    `json:"server_time,omitempty"`
}

// Envelope is the single message type both channels speak. Exactly one
// payload field is set, matching Kind.
type Envelope struct {
	Kind   Kind         `json:"kind"`
	Record *Frame       `json:"record,omitempty"`
	Ack    *Ack         `json:"ack,omitempty"`
	Batch  *Batch       `json:"batch,omitempty"`
	Sync   *SyncRequest `json:"sync,omitempty"`
}

// Handler consumes inbound envelopes. Handlers run on the channel's
// receive goroutine and must not block.
type Handler func(*Envelope)

// Channel is the shared transport contract.
//
// Send reports whether the message was accepted for delivery: a push
// channel accepts once the write completes, a pull channel accepts by
// queueing the message into its next poll. Acknowledgements always arrive
// asynchronously through the OnMessage handler.
type Channel interface {
	// Connect establishes the channel. It returns once the channel is
	// usable or the context is done.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. In-flight exchanges are
	// cancelled, not failed. Safe to call repeatedly.
	Disconnect()

	// Send transmits one envelope.
	Send(ctx context.Context, env *Envelope) (accepted bool, err error)

	// OnMessage registers the inbound handler. Must be called before
	// Connect.
	OnMessage(h Handler)

	// Status returns the channel's current connection state.
	Status() Status

	// Strategy names the channel ("push" or "pull").
	Strategy() string
}
