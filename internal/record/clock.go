package record

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock issues the per-replica timestamps carried in Record.UpdatedAt.
//
// Timestamps are wall-clock milliseconds nudged forward so that successive
// calls on one replica are strictly increasing even when the system clock
// stalls or steps backwards. Observing remote timestamps keeps the replica
// from issuing versions that sort below state it has already merged.
type Clock struct {
	mu     sync.Mutex
	last   int64
	nodeID string
}

// NewClock creates a clock with a fresh node identity.
func NewClock() *Clock {
	return &Clock{nodeID: uuid.New().String()}
}

// NewClockWithNode creates a clock with a fixed node identity.
// Used when restoring a replica's identity from local storage, and in tests.
func NewClockWithNode(nodeID string) *Clock {
	return &Clock{nodeID: nodeID}
}

// Next returns the next timestamp, strictly greater than any previously
// returned or observed value.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		c.last++
	} else {
		c.last = now
	}
	return c.last
}

// Observe advances the clock past a timestamp seen on a remote version.
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.last {
		c.last = remote
	}
}

// NodeID returns the replica identity baked into versions from this clock.
func (c *Clock) NodeID() string {
	return c.nodeID
}
