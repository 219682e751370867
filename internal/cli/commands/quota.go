package commands

import (
	"sync"
	"sync/atomic"

	"github.com/bbockelm/cvmfs/internal/external"
)

// simpleQuota is a minimal external.QuotaManager: it tracks bytes
// inserted minus bytes removed, with no eviction policy of its own.
// Full on-disk quota accounting (LRU eviction, a persistent journal) is
// named as an external-collaborator concern out of scope for this
// repository (spec §1); this is the reference implementation
// production binaries wire in when no fuller one is available.
type simpleQuota struct {
	limit int64

	mu     sync.Mutex
	sizeOf map[string]int64
	used   atomic.Int64
}

var _ external.QuotaManager = (*simpleQuota)(nil)

func newSimpleQuota(limitMB int64) *simpleQuota {
	limit := int64(-1)
	if limitMB > 0 {
		limit = limitMB * 1024 * 1024
	}
	return &simpleQuota{limit: limit, sizeOf: make(map[string]int64)}
}

func (q *simpleQuota) Insert(hash string, size int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.sizeOf[hash]; ok {
		q.used.Add(size - old)
	} else {
		q.used.Add(size)
	}
	q.sizeOf[hash] = size
	return nil
}

func (q *simpleQuota) Touch(hash string) {}

func (q *simpleQuota) Remove(hash string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if size, ok := q.sizeOf[hash]; ok {
		q.used.Add(-size)
		delete(q.sizeOf, hash)
	}
}

func (q *simpleQuota) Capacity() (used int64, limit int64) {
	return q.used.Load(), q.limit
}
