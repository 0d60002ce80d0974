// Package server implements the central fieldsync server: the remote end
// of the wire contract that replicas push to and pull from.
//
// Server-side state lives in an embedded SQLite database (WAL mode for
// concurrent readers) keyed by (owner_id, record_id). Merges use the same
// last-write-wins rule as the client collection, so the server is just
// another replica that happens to be always on.
package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/propio/fieldsync/internal/transport"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    owner_id   TEXT NOT NULL,
    record_id  TEXT NOT NULL,
    payload    TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    node_id    TEXT NOT NULL,
    deleted    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (owner_id, record_id)
);

CREATE INDEX IF NOT EXISTS idx_records_owner_updated
    ON records(owner_id, updated_at);
`

// DB wraps the server's SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// OpenDB creates or opens the server database at path with WAL mode and
// a bounded connection pool. The caller must Close it.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.conn.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

// MergeRecord applies one inbound frame with last-write-wins semantics.
// It returns true when the frame won and server state changed; a stale
// frame is a no-op, which is what makes re-delivery harmless.
func (db *DB) MergeRecord(f *transport.Frame) (bool, error) {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload for %s: %w", f.RecordID, err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var updatedAt int64
	var nodeID string
	err = tx.QueryRow(
		`SELECT updated_at, node_id FROM records WHERE owner_id = ? AND record_id = ?`,
		f.OwnerID, f.RecordID,
	).Scan(&updatedAt, &nodeID)

	switch {
	case err == sql.ErrNoRows:
		// First version of this id.
	case err != nil:
		return false, fmt.Errorf("failed to read existing record: %w", err)
	default:
		// Same rule as the client: higher timestamp wins, NodeID breaks
		// ties. Losing frames change nothing.
		if f.UpdatedAt < updatedAt || (f.UpdatedAt == updatedAt && f.NodeID <= nodeID) {
			return false, nil
		}
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO records
		     (owner_id, record_id, payload, created_at, updated_at, node_id, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OwnerID, f.RecordID, string(payload), f.CreatedAt, f.UpdatedAt, f.NodeID, boolToInt(f.Deleted),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert record %s: %w", f.RecordID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit merge: %w", err)
	}
	return true, nil
}

// ListSince returns the owner's records with updated_at > since, ordered
// by created_at then record_id, plus the owner's high-water mark for use
// as the client's next Since.
func (db *DB) ListSince(ownerID string, since int64) ([]*transport.Frame, int64, error) {
	rows, err := db.conn.Query(
		`SELECT record_id, payload, created_at, updated_at, node_id, deleted
		   FROM records
		  WHERE owner_id = ? AND updated_at > ?
		  ORDER BY created_at, record_id`,
		ownerID, since,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var frames []*transport.Frame
	var high int64 = since
	for rows.Next() {
		var f transport.Frame
		var payload string
		var deleted int
		if err := rows.Scan(&f.RecordID, &payload, &f.CreatedAt, &f.UpdatedAt, &f.NodeID, &deleted); err != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", err)
		}
		f.OwnerID = ownerID
		f.Deleted = deleted != 0
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
				return nil, 0, fmt.Errorf("failed to decode payload for %s: %w", f.RecordID, err)
			}
		}
		if f.UpdatedAt > high {
			high = f.UpdatedAt
		}
		frames = append(frames, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate records: %w", err)
	}
	return frames, high, nil
}

// CountRecords returns the number of stored records for ownerID,
// tombstones included.
func (db *DB) CountRecords(ownerID string) (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM records WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for %s: %w", ownerID, err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
