package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

var bucketTaskRecords = []byte("task_records")

// RunnerStore is the runner's embedded KV store of in-flight workloads,
// written before each container/VM creation and replayed by startup
// reconciliation after a crash.
type RunnerStore struct {
	db *bolt.DB
}

// NewRunnerStore opens (or creates) the runner state database.
func NewRunnerStore(dbPath string) (*RunnerStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open runner state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTaskRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &RunnerStore{db: db}, nil
}

// Close closes the database.
func (s *RunnerStore) Close() error {
	return s.db.Close()
}

// PutRecord upserts a task record.
func (s *RunnerStore) PutRecord(rec *types.RunnerTaskRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRecords)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(taskKey(rec.TaskID), data)
	})
}

// GetRecord fetches one record; nil when absent.
func (s *RunnerStore) GetRecord(taskID int64) (*types.RunnerTaskRecord, error) {
	var rec *types.RunnerTaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRecords)
		data := b.Get(taskKey(taskID))
		if data == nil {
			return nil
		}
		rec = &types.RunnerTaskRecord{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// ListRecords returns every durable record.
func (s *RunnerStore) ListRecords() ([]*types.RunnerTaskRecord, error) {
	var recs []*types.RunnerTaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec types.RunnerTaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// DeleteRecord removes a record once its workload reached a terminal state.
func (s *RunnerStore) DeleteRecord(taskID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRecords)
		return b.Delete(taskKey(taskID))
	})
}
