package collection

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propio/fieldsync/internal/bus"
	"github.com/propio/fieldsync/internal/record"
)

func newTestCollection(t *testing.T, node string) *Collection {
	t.Helper()
	return New("report-1", record.NewClockWithNode(node), bus.New())
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func captionPayload(caption string) map[string]json.RawMessage {
	return map[string]json.RawMessage{"caption": raw(`"` + caption + `"`)}
}

// contentView strips local sync bookkeeping so two replicas can be
// compared on replicated content alone.
func contentView(rs []*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(rs))
	for _, r := range rs {
		c := r.Clone()
		c.SyncStatus = ""
		c.SyncError = ""
		out = append(out, c)
	}
	return out
}

func TestInsertIsPendingWithClientSideID(t *testing.T) {
	c := newTestCollection(t, "node-a")

	r := c.Insert(captionPayload("front"))

	require.NotEmpty(t, r.ID)
	assert.Equal(t, record.StatusPending, r.SyncStatus)

	got, ok := c.Find(r.ID)
	require.True(t, ok)
	assert.Equal(t, raw(`"front"`), got.Payload["caption"])
}

func TestUpdateBumpsVersionAndRequeues(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("front"))
	c.MarkSynced(r.ID, r.UpdatedAt, nil)

	require.NoError(t, c.Update(r.ID, captionPayload("side")))

	got, ok := c.Find(r.ID)
	require.True(t, ok)
	assert.Equal(t, record.StatusPending, got.SyncStatus)
	assert.Greater(t, got.UpdatedAt, r.UpdatedAt)
}

func TestUpdatePreservesUnknownKeys(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(map[string]json.RawMessage{
		"caption":      raw(`"front"`),
		"legacy_notes": raw(`{"field":"kept"}`),
	})

	require.NoError(t, c.Update(r.ID, captionPayload("side")))

	got, _ := c.Find(r.ID)
	assert.Equal(t, raw(`{"field":"kept"}`), got.Payload["legacy_notes"])
	assert.Equal(t, raw(`"side"`), got.Payload["caption"])
}

func TestRemoveLeavesReplicatingTombstone(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("front"))

	require.NoError(t, c.Remove(r.ID))

	_, ok := c.Find(r.ID)
	assert.False(t, ok)
	assert.Empty(t, c.List())

	// Tombstone still pending so the delete reaches the server.
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Deleted)

	assert.ErrorIs(t, c.Remove(r.ID), ErrNotFound)
}

func TestPendingIsDerivedNotStored(t *testing.T) {
	c := newTestCollection(t, "node-a")
	a := c.Insert(captionPayload("one"))
	b := c.Insert(captionPayload("two"))

	require.Len(t, c.Pending(), 2)

	c.MarkSynced(a.ID, a.UpdatedAt, nil)
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	c.MarkSynced(b.ID, b.UpdatedAt, nil)
	assert.Empty(t, c.Pending())
	assert.Zero(t, c.PendingCount())
}

func TestMarkSyncedSkipsVersionsEditedInFlight(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("front"))

	// Record is edited while its first version is on the wire.
	require.NoError(t, c.Update(r.ID, captionPayload("side")))

	c.MarkSynced(r.ID, r.UpdatedAt, nil)

	got, _ := c.Find(r.ID)
	assert.Equal(t, record.StatusPending, got.SyncStatus, "newer local edit must stay pending")
}

func TestMarkFailedThenRequeue(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("front"))

	c.MarkFailed(r.ID, r.UpdatedAt, "server rejected payload")

	got, _ := c.Find(r.ID)
	assert.Equal(t, record.StatusFailed, got.SyncStatus)
	assert.Equal(t, "server rejected payload", got.SyncError)
	assert.Empty(t, c.Pending(), "failed records wait for the retry timer")
	assert.Equal(t, 1, c.PendingCount())

	assert.Equal(t, 1, c.RequeueFailed())
	assert.Len(t, c.Pending(), 1)
}

func TestMergeLastWriteWins(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("side"))

	remote := r.Clone()
	remote.Payload = captionPayload("rear")
	remote.UpdatedAt = r.UpdatedAt + 100
	remote.NodeID = "node-b"

	assert.True(t, c.Merge(remote))
	got, _ := c.Find(r.ID)
	assert.Equal(t, raw(`"rear"`), got.Payload["caption"])
	assert.Equal(t, record.StatusSynced, got.SyncStatus)

	// An older remote version loses.
	stale := r.Clone()
	stale.Payload = captionPayload("stale")
	stale.UpdatedAt = r.UpdatedAt - 1
	assert.False(t, c.Merge(stale))
	got, _ = c.Find(r.ID)
	assert.Equal(t, raw(`"rear"`), got.Payload["caption"])
}

func TestMergeDeleteWinsIfNewer(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("front"))

	del := r.Clone()
	del.Deleted = true
	del.UpdatedAt = r.UpdatedAt + 1
	del.NodeID = "node-b"

	assert.True(t, c.Merge(del))
	_, ok := c.Find(r.ID)
	assert.False(t, ok)

	// An update newer than the delete resurrects the record.
	upd := r.Clone()
	upd.Payload = captionPayload("back again")
	upd.UpdatedAt = del.UpdatedAt + 1
	assert.True(t, c.Merge(upd))
	got, ok := c.Find(r.ID)
	require.True(t, ok)
	assert.Equal(t, raw(`"back again"`), got.Payload["caption"])
}

func TestApplyBatchIsIdempotent(t *testing.T) {
	c := newTestCollection(t, "node-a")

	batch := []*record.Record{
		{ID: "p1", OwnerID: "report-1", Payload: captionPayload("one"), CreatedAt: 1, UpdatedAt: 1, NodeID: "node-b"},
		{ID: "p2", OwnerID: "report-1", Payload: captionPayload("two"), CreatedAt: 2, UpdatedAt: 2, NodeID: "node-b"},
	}

	assert.Equal(t, 2, c.ApplyBatch(batch))
	first := c.Snapshot()

	assert.Equal(t, 0, c.ApplyBatch(batch), "second application must be a no-op")
	if diff := cmp.Diff(first, c.Snapshot()); diff != "" {
		t.Errorf("state changed on re-applied batch (-first +second):\n%s", diff)
	}
}

func TestDisjointEditsConvergeBothWays(t *testing.T) {
	a := newTestCollection(t, "node-a")
	b := newTestCollection(t, "node-b")

	// Replica A inserts p1, replica B inserts p2, both offline.
	a.Upsert("p1", captionPayload("front"))
	b.Upsert("p2", captionPayload("rear"))

	// Exchange full state in both directions, twice, in different orders.
	a.ApplyBatch(b.Snapshot())
	b.ApplyBatch(a.Snapshot())
	a.ApplyBatch(b.Snapshot())

	require.Len(t, a.List(), 2)
	require.Len(t, b.List(), 2)
	if diff := cmp.Diff(contentView(a.Snapshot()), contentView(b.Snapshot())); diff != "" {
		t.Errorf("replicas did not converge (-a +b):\n%s", diff)
	}
}

func TestConcurrentEditLaterTimestampWinsOnBothReplicas(t *testing.T) {
	a := newTestCollection(t, "node-a")
	b := newTestCollection(t, "node-b")

	base := &record.Record{ID: "p1", OwnerID: "report-1", Payload: captionPayload("front"), CreatedAt: 1, UpdatedAt: 1, NodeID: "seed"}
	a.Merge(base)
	b.Merge(base)

	// A edits at T1, B edits at T2 > T1, both offline.
	require.NoError(t, a.Update("p1", captionPayload("side")))
	ra, _ := a.Find("p1")
	forced := ra.Clone()
	forced.UpdatedAt = ra.UpdatedAt + 500
	forced.Payload = captionPayload("rear")
	forced.NodeID = "node-b"
	b.Merge(forced)

	a.ApplyBatch(b.Snapshot())
	b.ApplyBatch(a.Snapshot())

	ga, _ := a.Find("p1")
	gb, _ := b.Find("p1")
	assert.Equal(t, raw(`"rear"`), ga.Payload["caption"])
	assert.Equal(t, raw(`"rear"`), gb.Payload["caption"])
}

func TestHydratePreservesPendingWork(t *testing.T) {
	c := newTestCollection(t, "node-a")
	r := c.Insert(captionPayload("front"))
	snap := c.Snapshot()

	restored := newTestCollection(t, "node-a")
	restored.Hydrate(snap)

	pending := restored.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)

	// The restored clock must not issue versions below hydrated state.
	require.NoError(t, restored.Update(r.ID, captionPayload("side")))
	got, _ := restored.Find(r.ID)
	assert.Greater(t, got.UpdatedAt, r.UpdatedAt)
}

func TestObserversSeeLocalAndRemoteChanges(t *testing.T) {
	c := newTestCollection(t, "node-a")

	var snapshots []int
	unsub := c.Bus().Subscribe(func(s bus.Snapshot) { snapshots = append(snapshots, len(s)) })
	defer unsub()

	c.Insert(captionPayload("front"))
	c.Merge(&record.Record{ID: "p9", OwnerID: "report-1", CreatedAt: 9, UpdatedAt: 9, NodeID: "node-b"})

	// initial, after insert, after merge
	assert.Equal(t, []int{0, 1, 2}, snapshots)
}

func TestListOrderIsStable(t *testing.T) {
	c := newTestCollection(t, "node-a")
	c.Merge(&record.Record{ID: "b", OwnerID: "report-1", CreatedAt: 2, UpdatedAt: 2, NodeID: "x"})
	c.Merge(&record.Record{ID: "a", OwnerID: "report-1", CreatedAt: 1, UpdatedAt: 1, NodeID: "x"})
	c.Merge(&record.Record{ID: "c", OwnerID: "report-1", CreatedAt: 2, UpdatedAt: 3, NodeID: "x"})

	ids := make([]string, 0, 3)
	for _, r := range c.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func BenchmarkApplyBatch(b *testing.B) {
	src := New("report-1", record.NewClockWithNode("node-remote"), bus.New())
	for i := 0; i < 500; i++ {
		src.Insert(captionPayload("front porch"))
	}
	batch := src.Snapshot()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := New("report-1", record.NewClockWithNode("node-local"), bus.New())
		c.ApplyBatch(batch)
	}
}

func TestSubscriberMayMutateFromItsCallback(t *testing.T) {
	c := newTestCollection(t, "node-a")

	var snapshots []int
	reacted := false
	unsub := c.Bus().Subscribe(func(s bus.Snapshot) {
		snapshots = append(snapshots, len(s))
		if len(s) == 1 && !reacted {
			reacted = true
			c.Insert(captionPayload("back"))
		}
	})
	defer unsub()

	c.Insert(captionPayload("front"))

	// The nested insert must not deadlock, and its snapshot must arrive
	// after the one that triggered it.
	assert.Equal(t, []int{0, 1, 2}, snapshots)
	assert.Len(t, c.List(), 2)
}
