// Package collaborators defines the external-adapter seams of spec §6.3:
// task persistence, a work broker, and a publish-only event observer, with
// defaults suitable for a single-process deployment so the integrator runs
// standalone without a real database or message broker behind it.
package collaborators

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tasks")
	bucketTaskStatus = []byte("tasks_by_status")
)

// TaskRecord is the persisted shape of a routed task, independent of
// router.Task so the persistence layer has no import-cycle dependency on
// the router package.
type TaskRecord struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Progress    float64        `json:"progress"`
	Payload     map[string]any `json:"payload,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   time.Time      `json:"startedAt,omitempty"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
}

// TaskStore is the persistence collaborator interface of spec §6.3.
type TaskStore interface {
	Save(rec TaskRecord) error
	FindByID(id string) (TaskRecord, bool, error)
	UpdateStatus(id, status string) error
	UpdateProgress(id string, progress float64) error
	MarkStarted(id string) error
	MarkCompleted(id string, result map[string]any) error
	MarkFailed(id string, errMsg string) error
	GetStats() (map[string]int, error)
}

// BoltTaskStore is the bbolt-backed TaskStore, idempotent on (id, status):
// re-saving the same id with an unchanged status is a no-op write, adapted
// from the workflow package's versioned Store pattern applied to tasks
// instead of workflow definitions.
type BoltTaskStore struct {
	db *bbolt.DB
}

// OpenTaskStore opens (creating if absent) a bbolt database at path.
func OpenTaskStore(path string) (*BoltTaskStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("collaborators: open task store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketTaskStatus} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("collaborators: init buckets: %w", err)
	}
	return &BoltTaskStore{db: db}, nil
}

func (s *BoltTaskStore) Close() error { return s.db.Close() }

func (s *BoltTaskStore) Save(rec TaskRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		existing, ok, err := getRecord(tx, rec.ID)
		if err != nil {
			return err
		}
		if ok && existing.Status == rec.Status {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTaskStatus).Put(statusIndexKey(rec.Status, rec.ID), []byte{1})
	})
}

func statusIndexKey(status, id string) []byte {
	return []byte(status + "/" + id)
}

func getRecord(tx *bbolt.Tx, id string) (TaskRecord, bool, error) {
	var rec TaskRecord
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return rec, false, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *BoltTaskStore) FindByID(id string) (TaskRecord, bool, error) {
	var rec TaskRecord
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, ok, err = getRecord(tx, id)
		return err
	})
	return rec, ok, err
}

func (s *BoltTaskStore) mutate(id string, fn func(rec *TaskRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, ok, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("collaborators: task %s not found", id)
		}
		prevStatus := rec.Status
		fn(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(id), data); err != nil {
			return err
		}
		if prevStatus != rec.Status {
			_ = tx.Bucket(bucketTaskStatus).Delete(statusIndexKey(prevStatus, id))
			if err := tx.Bucket(bucketTaskStatus).Put(statusIndexKey(rec.Status, id), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltTaskStore) UpdateStatus(id, status string) error {
	return s.mutate(id, func(rec *TaskRecord) { rec.Status = status })
}

func (s *BoltTaskStore) UpdateProgress(id string, progress float64) error {
	return s.mutate(id, func(rec *TaskRecord) { rec.Progress = progress })
}

func (s *BoltTaskStore) MarkStarted(id string) error {
	return s.mutate(id, func(rec *TaskRecord) {
		rec.Status = "active"
		rec.StartedAt = time.Now()
	})
}

func (s *BoltTaskStore) MarkCompleted(id string, result map[string]any) error {
	return s.mutate(id, func(rec *TaskRecord) {
		rec.Status = "completed"
		rec.Result = result
		rec.Progress = 1.0
		rec.CompletedAt = time.Now()
	})
}

func (s *BoltTaskStore) MarkFailed(id string, errMsg string) error {
	return s.mutate(id, func(rec *TaskRecord) {
		rec.Status = "failed"
		rec.Error = errMsg
		rec.CompletedAt = time.Now()
	})
}

func (s *BoltTaskStore) GetStats() (map[string]int, error) {
	stats := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskStatus).ForEach(func(k, _ []byte) error {
			status := string(k)
			for i, c := range status {
				if c == '/' {
					status = status[:i]
					break
				}
			}
			stats[status]++
			return nil
		})
	})
	return stats, err
}
