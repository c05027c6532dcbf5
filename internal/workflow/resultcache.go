package workflow

import (
	"sync"
	"time"
)

// resultCache is an LRU-with-TTL cache of step results, ported from the
// teacher's DAGEngine.ResultCache and applied here to idempotent
// deterministic step executions so a retried DAG branch doesn't repeat an
// external call it already made successfully.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	result    any
	expiresAt time.Time
	lastUsed  time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	rc := &resultCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
	go rc.cleanup()
	return rc
}

func (rc *resultCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rc.mu.Lock()
		now := time.Now()
		for key, e := range rc.entries {
			if now.After(e.expiresAt) {
				delete(rc.entries, key)
			}
		}
		rc.mu.Unlock()
	}
}

func (rc *resultCache) get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.result, true
}

func (rc *resultCache) put(key string, result any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	rc.entries[key] = &cacheEntry{
		result:    result,
		expiresAt: time.Now().Add(rc.ttl),
		lastUsed:  time.Now(),
	}
}

func (rc *resultCache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range rc.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}
