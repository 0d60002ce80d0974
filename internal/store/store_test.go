package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/propio/fieldsync/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadMissingOwnerReturnsNil(t *testing.T) {
	s := openTestStore(t)

	snap, err := s.Load("report-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := []*record.Record{
		{ID: "p1", OwnerID: "report-1", CreatedAt: 1, UpdatedAt: 2, NodeID: "a", SyncStatus: record.StatusPending},
		{ID: "p2", OwnerID: "report-1", CreatedAt: 3, UpdatedAt: 3, NodeID: "a", Deleted: true, SyncStatus: record.StatusSynced},
	}
	require.NoError(t, s.Persist("report-1", in))

	out, err := s.Load("report-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "p1", out[0].ID)
	assert.Equal(t, record.StatusPending, out[0].SyncStatus, "pending work survives restart")
	assert.True(t, out[1].Deleted, "tombstones survive restart")
}

func TestPersistOverwritesWholeSnapshot(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Persist("report-1", []*record.Record{
		{ID: "p1", OwnerID: "report-1", UpdatedAt: 1, NodeID: "a"},
		{ID: "p2", OwnerID: "report-1", UpdatedAt: 1, NodeID: "a"},
	}))
	require.NoError(t, s.Persist("report-1", []*record.Record{
		{ID: "p1", OwnerID: "report-1", UpdatedAt: 2, NodeID: "a"},
	}))

	out, err := s.Load("report-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 2, out[0].UpdatedAt)
}

func TestSnapshotsAreScopedPerOwner(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Persist("report-1", []*record.Record{{ID: "p1", OwnerID: "report-1", UpdatedAt: 1, NodeID: "a"}}))
	require.NoError(t, s.Persist("report-2", []*record.Record{{ID: "p2", OwnerID: "report-2", UpdatedAt: 1, NodeID: "a"}}))

	one, err := s.Load("report-1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "p1", one[0].ID)

	require.NoError(t, s.Delete("report-1"))
	gone, err := s.Load("report-1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	two, err := s.Load("report-2")
	require.NoError(t, err)
	assert.Len(t, two, 1)
}

func TestCorruptSnapshotTreatedAsAbsent(t *testing.T) {
	s := openTestStore(t)

	// Simulate a partially written crash artifact.
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte("report-1"), []byte(`[{"id":"p1","trunc`))
	})
	require.NoError(t, err)

	snap, err := s.Load("report-1")
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestNodeIDIsStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.db")

	s, err := Open(path)
	require.NoError(t, err)
	gen := func() string { return "generated-once" }
	id, err := s.NodeID(gen)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	id2, err := s2.NodeID(func() string { return "should-not-run" })
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}
