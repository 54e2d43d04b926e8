// Package queue holds the per-importer buffers of incremental records that
// wait for the ordering merge.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/cdcsink/record"
)

// Shard is a registered queue together with the importer that feeds it
type Shard struct {
	ID       string
	Importer record.Importer
	Queue    *ShardQueue
}

// Registry maps importer IDs to their queues. The queue map, the iteration
// order and the shards-online counter share one lock, so a reader never sees
// a queue without the matching counter increment.
type Registry struct {
	mu        sync.RWMutex
	queues    map[string]*ShardQueue
	importers map[string]record.Importer
	order     []string // ascending importer IDs
	online    int      // monotonic; never decremented by Remove
	limit     int
	cause     error
}

// NewRegistry creates a registry that accepts at most limit live queues
func NewRegistry(limit int) *Registry {
	return &Registry{
		queues:    make(map[string]*ShardQueue),
		importers: make(map[string]record.Importer),
		limit:     limit,
	}
}

// Register creates the queue for imp if it does not exist yet. online is the
// counter after the call; reached is true only for the registration that
// moved the counter onto the limit.
func (r *Registry) Register(imp record.Importer, capacity int) (online int, reached bool, err error) {
	id := imp.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[id]; ok {
		return r.online, false, nil
	}
	if r.limit > 0 && len(r.queues) >= r.limit {
		return r.online, false, fmt.Errorf("%w: %d queues for %d shards", ErrShardLimit, len(r.queues), r.limit)
	}

	q := NewShardQueue(capacity)
	if r.cause != nil {
		q.Fail(r.cause)
	}
	r.queues[id] = q
	r.importers[id] = imp
	idx := sort.SearchStrings(r.order, id)
	r.order = append(r.order, "")
	copy(r.order[idx+1:], r.order[idx:])
	r.order[idx] = id

	r.online++
	return r.online, r.online == r.limit, nil
}

// Enqueue appends records to id's queue in order, blocking while it is full.
// It fails fast with ErrNotRegistered when id has no queue.
func (r *Registry) Enqueue(ctx context.Context, id string, records []record.Record) error {
	q := r.Get(id)
	if q == nil {
		return ErrNotRegistered
	}
	for _, rec := range records {
		if err := q.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Get returns id's queue or nil
func (r *Registry) Get(id string) *ShardQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queues[id]
}

// Remove closes and drops id's queue. It reports whether a queue existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	q, ok := r.queues[id]
	if ok {
		delete(r.queues, id)
		delete(r.importers, id)
		idx := sort.SearchStrings(r.order, id)
		r.order = append(r.order[:idx], r.order[idx+1:]...)
	}
	r.mu.Unlock()

	if ok {
		q.Close()
	}
	return ok
}

// Shards returns the live queues in ascending importer-ID order
func (r *Registry) Shards() []Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := make([]Shard, len(r.order))
	for i, id := range r.order {
		shards[i] = Shard{ID: id, Importer: r.importers[id], Queue: r.queues[id]}
	}
	return shards
}

// Fail closes every live queue with cause and makes queues registered later
// start out failed. Producers get cause from Put.
func (r *Registry) Fail(cause error) {
	r.mu.Lock()
	if r.cause == nil {
		r.cause = cause
	}
	queues := make([]*ShardQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		q.Fail(cause)
	}
}

// Depths returns the number of queued records per importer
func (r *Registry) Depths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	depths := make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		depths[id] = q.Len()
	}
	return depths
}

// Online returns how many queues were ever registered
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online
}

// Len returns the number of live queues
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// Limit returns the configured shard count
func (r *Registry) Limit() int {
	return r.limit
}
