package server

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/propio/fieldsync/internal/transport"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenDB(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func frame(owner, id string, updatedAt int64, node, caption string) *transport.Frame {
	return &transport.Frame{
		RecordID:  id,
		OwnerID:   owner,
		Payload:   map[string]json.RawMessage{"caption": json.RawMessage(`"` + caption + `"`)},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
		NodeID:    node,
	}
}

func TestMergeRecordInsertsAndLists(t *testing.T) {
	db := openTestDB(t)

	applied, err := db.MergeRecord(frame("report-1", "p1", 10, "a", "front"))
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !applied {
		t.Fatal("first merge should apply")
	}

	frames, high, err := db.ListSince("report-1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(frames) != 1 || frames[0].RecordID != "p1" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
	if high != 10 {
		t.Errorf("expected high-water mark 10, got %d", high)
	}
}

func TestMergeRecordLastWriteWins(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.MergeRecord(frame("report-1", "p1", 10, "a", "front")); err != nil {
		t.Fatal(err)
	}

	// Newer wins.
	applied, err := db.MergeRecord(frame("report-1", "p1", 20, "b", "rear"))
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("newer version should apply")
	}

	// Stale loses.
	applied, err = db.MergeRecord(frame("report-1", "p1", 15, "c", "stale"))
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("stale version should not apply")
	}

	// Equal timestamp, lower node id loses.
	applied, err = db.MergeRecord(frame("report-1", "p1", 20, "a", "tie-loser"))
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("tie with lower node id should not apply")
	}

	frames, _, err := db.ListSince("report-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(frames[0].Payload["caption"]); got != `"rear"` {
		t.Errorf("expected caption rear, got %s", got)
	}
}

func TestMergeRecordIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	f := frame("report-1", "p1", 10, "a", "front")
	if _, err := db.MergeRecord(f); err != nil {
		t.Fatal(err)
	}
	applied, err := db.MergeRecord(f)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("identical re-delivery must be a no-op")
	}

	n, err := db.CountRecords("report-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
}

func TestListSinceFiltersAndOrders(t *testing.T) {
	db := openTestDB(t)

	for _, f := range []*transport.Frame{
		frame("report-1", "p2", 20, "a", "two"),
		frame("report-1", "p1", 10, "a", "one"),
		frame("report-1", "p3", 30, "a", "three"),
		frame("report-2", "q1", 99, "a", "other owner"),
	} {
		if _, err := db.MergeRecord(f); err != nil {
			t.Fatal(err)
		}
	}

	frames, high, err := db.ListSince("report-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames newer than 10, got %d", len(frames))
	}
	if frames[0].RecordID != "p2" || frames[1].RecordID != "p3" {
		t.Errorf("unexpected order: %s, %s", frames[0].RecordID, frames[1].RecordID)
	}
	if high != 30 {
		t.Errorf("expected high-water mark 30, got %d", high)
	}
}

func TestTombstonesReplicate(t *testing.T) {
	db := openTestDB(t)

	del := frame("report-1", "p1", 10, "a", "gone")
	del.Deleted = true
	if _, err := db.MergeRecord(del); err != nil {
		t.Fatal(err)
	}

	frames, _, err := db.ListSince("report-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || !frames[0].Deleted {
		t.Fatalf("tombstone not returned: %+v", frames)
	}
}
