package metrics

import (
	"container/list"
	"sync"
)

// dedupKey identifies one stage_history write: a job, the stage it
// touched, and the write's timestamp. The same (job, stage, timestamp)
// tuple observed twice means a redelivered broker task, not a new event.
type dedupKey struct {
	jobID             string
	stage             string
	updatedAtUnixNano int64
}

// dedupCache is a bounded FIFO set: capacity distinct keys are retained,
// and inserting past capacity evicts the oldest key first (spec §4.7,
// §8: "after more than 5,000 distinct keys have been marked, the
// first-inserted key is no longer present").
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[dedupKey]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[dedupKey]*list.Element),
	}
}

// markNew records key if unseen, evicting the oldest entry if the cache
// is at capacity. Returns true if key was newly inserted, false if it was
// already present (the idempotence property of spec §8's
// _mark_stage_event: a repeat call with the same key returns false).
func (c *dedupCache) markNew(key dedupKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[key]; ok {
		return false
	}

	elem := c.order.PushBack(key)
	c.index[key] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(dedupKey))
		}
	}
	return true
}

// contains reports whether key is currently tracked, for tests that
// assert on eviction order.
func (c *dedupCache) contains(key dedupKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}
