package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketIndexes    = []byte("indexes")
	bucketSchedules  = []byte("schedules")
)

// Store is the bbolt-backed persistence layer for workflow definitions and
// their execution history, adapted from the teacher's WorkflowStore: same
// bucket layout, same archive-before-overwrite versioning, same time-indexed
// cursor scan for ListExecutions, applied here to this spec's Workflow and
// Execution types instead of the teacher's task-DAG ones.
type Store struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	wfCache      map[string]Workflow
	execCache    map[string]*Execution
	maxCacheSize int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// OpenStore opens (creating if absent) the bbolt database at path and
// prepares its buckets.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("workflow: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketIndexes, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("workflow: create buckets: %w", err)
	}

	meter := otel.Meter("fleetorch")
	readLatency, _ := meter.Float64Histogram("fleetorch_workflow_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("fleetorch_workflow_db_write_ms")
	cacheHits, _ := meter.Int64Counter("fleetorch_workflow_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("fleetorch_workflow_cache_misses_total")

	s := &Store{
		db:           db,
		wfCache:      make(map[string]Workflow),
		execCache:    make(map[string]*Execution),
		maxCacheSize: 1000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("workflow: warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutWorkflow stores wf, archiving any existing definition under the same id
// into the versions bucket first.
func (s *Store) PutWorkflow(wf Workflow) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(nil, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "put_workflow")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("workflow: marshal: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if existing := bucket.Get([]byte(wf.ID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", wf.ID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(wf.ID), data)
	})
	if err != nil {
		return fmt.Errorf("workflow: write: %w", err)
	}

	s.wfCache[wf.ID] = wf
	return nil
}

// GetWorkflow retrieves a workflow by id, checking the memory cache first.
func (s *Store) GetWorkflow(id string) (Workflow, bool, error) {
	s.mu.RLock()
	if wf, ok := s.wfCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(nil, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return wf, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(nil, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var wf Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return Workflow{}, false, fmt.Errorf("workflow: read: %w", err)
	}
	if wf.ID == "" {
		return Workflow{}, false, nil
	}

	s.mu.Lock()
	s.wfCache[id] = wf
	s.mu.Unlock()
	return wf, true, nil
}

// GetWorkflowVersions returns up to limit archived versions of id, oldest
// matching key first.
func (s *Store) GetWorkflowVersions(id string, limit int) ([]Workflow, error) {
	versions := make([]Workflow, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketVersions).Cursor()
		prefix := []byte(id + ":")
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				continue
			}
			versions = append(versions, wf)
			count++
		}
		return nil
	})
	return versions, err
}

// PutExecution stores exec and indexes it by (workflowId, startTime) for
// ListExecutions' range scans.
func (s *Store) PutExecution(exec *Execution) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(nil, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("workflow: marshal execution: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ExecutionID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", exec.WorkflowID, exec.StartedAt.UnixNano(), exec.ExecutionID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(exec.ExecutionID))
	})
	if err != nil {
		return fmt.Errorf("workflow: write execution: %w", err)
	}

	if len(s.execCache) >= s.maxCacheSize {
		s.evictOldestExecution()
	}
	s.execCache[exec.ExecutionID] = exec
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(id string) (*Execution, bool, error) {
	s.mu.RLock()
	if exec, ok := s.execCache[id]; ok {
		s.mu.RUnlock()
		return exec, true, nil
	}
	s.mu.RUnlock()

	var exec Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("workflow: read execution: %w", err)
	}
	if exec.ExecutionID == "" {
		return nil, false, nil
	}
	return &exec, true, nil
}

// ListExecutions returns up to limit executions for workflowID whose start
// time falls within [start, end].
func (s *Store) ListExecutions(workflowID string, start, end time.Time, limit int) ([]*Execution, error) {
	out := make([]*Execution, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)
		prefix := []byte(workflowID + ":")
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var exec Execution
			if err := json.Unmarshal(data, &exec); err != nil {
				continue
			}
			if exec.StartedAt.After(end) {
				break
			}
			if exec.StartedAt.Before(start) {
				continue
			}
			out = append(out, &exec)
			count++
		}
		return nil
	})
	return out, err
}

// PutScheduleConfig persists a schedule's configuration, keyed by workflow
// name, so it survives a restart (Scheduler.RestoreSchedules reloads these).
func (s *Store) PutScheduleConfig(workflowName string, cfg any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("workflow: marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(workflowName), data)
	})
}

// DeleteScheduleConfig removes a persisted schedule.
func (s *Store) DeleteScheduleConfig(workflowName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowName))
	})
}

// ListScheduleConfigs returns the raw JSON of every persisted schedule,
// keyed by workflow name, for the caller to unmarshal into its own type.
func (s *Store) ListScheduleConfigs() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}

// GetStats returns bucket sizes and cache occupancy.
func (s *Store) GetStats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketSchedules} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	stats["cache_workflows"] = len(s.wfCache)
	stats["cache_executions"] = len(s.execCache)
	return stats
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.wfCache[wf.ID] = wf
			return nil
		})
	})
}

func (s *Store) evictOldestExecution() {
	var oldestID string
	var oldestAt time.Time
	for id, exec := range s.execCache {
		if oldestID == "" || exec.StartedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = exec.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.execCache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
