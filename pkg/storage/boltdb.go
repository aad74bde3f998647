package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/aurafw/aura/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSchedule = []byte("schedule_entries")
	bucketRuns     = []byte("run_history")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aura.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSchedule, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveScheduleEntry creates or updates a schedule entry
func (s *BoltStore) SaveScheduleEntry(entry *types.ScheduleEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedule)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID), data)
	})
}

// GetScheduleEntry returns one schedule entry by id
func (s *BoltStore) GetScheduleEntry(id string) (*types.ScheduleEntry, error) {
	var entry types.ScheduleEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedule).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("schedule entry %s not found", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListScheduleEntries returns all schedule entries sorted by id
func (s *BoltStore) ListScheduleEntries() ([]*types.ScheduleEntry, error) {
	var entries []*types.ScheduleEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedule).ForEach(func(k, v []byte) error {
			var entry types.ScheduleEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// DeleteScheduleEntry removes a schedule entry
func (s *BoltStore) DeleteScheduleEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedule).Delete([]byte(id))
	})
}

// AppendRunResult persists one terminal task result keyed by the bucket's
// next sequence number
func (s *BoltStore) AppendRunResult(result *types.TaskResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%016d", seq)
		return b.Put([]byte(key), data)
	})
}

// ListRunResults returns the most recent results, newest first
func (s *BoltStore) ListRunResults(limit int) ([]*types.TaskResult, error) {
	var results []*types.TaskResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(results) >= limit {
				break
			}
			var r types.TaskResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			results = append(results, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
