// Package store provides the durable local store for fieldsync replicas.
//
// State is kept in a single BoltDB file, one whole-collection snapshot per
// owner. Whole-snapshot writes are deliberately simple: per-report record
// volumes are bounded, and overwriting the full value sidesteps partial
// per-record diff states. A snapshot that fails to decode (crash artifact,
// truncated write) is treated as absent so the engine falls back to a full
// remote pull instead of refusing to start.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/propio/fieldsync/internal/record"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")

	keyNodeID = []byte("node_id")
)

// ErrCorruptSnapshot reports a stored snapshot that could not be decoded.
// Callers treat the snapshot as absent; the error exists so the condition
// can be logged and surfaced as degraded durability.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Store is a BoltDB-backed snapshot store.
type Store struct {
	db   *bbolt.DB
	path string
}

// Open creates or opens the store at path, creating parent directories as
// needed. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Persist durably overwrites the snapshot for ownerID.
func (s *Store) Persist(ownerID string, snapshot []*record.Record) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", ownerID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(ownerID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist snapshot for %s: %w", ownerID, err)
	}
	return nil
}

// Load returns the last persisted snapshot for ownerID, or nil if none
// exists. A stored value that does not decode returns (nil,
// ErrCorruptSnapshot): the data is unusable but the store itself still
// works, so the caller hydrates empty and relies on a remote pull.
func (s *Store) Load(ownerID string) ([]*record.Record, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(ownerID))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", ownerID, err)
	}
	if data == nil {
		return nil, nil
	}

	var snapshot []*record.Record
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrCorruptSnapshot, ownerID, err)
	}
	return snapshot, nil
}

// Delete removes the snapshot for ownerID. Deleting an absent snapshot is
// a no-op.
func (s *Store) Delete(ownerID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(ownerID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", ownerID, err)
	}
	return nil
}

// NodeID returns this device's stable replica identity, generating and
// persisting one on first call. Reusing the identity across restarts keeps
// the tie-break ordering of this replica's versions consistent.
func (s *Store) NodeID(generate func() string) (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyNodeID); v != nil {
			id = string(v)
			return nil
		}
		id = generate()
		return b.Put(keyNodeID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("failed to load node id: %w", err)
	}
	return id, nil
}
