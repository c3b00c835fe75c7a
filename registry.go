package sessionid

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks every live Cache in the process. It exists for operators:
// aggregate statistics in one call, and a single place for the Flusher to
// sweep.
type Registry struct {
	mu     sync.RWMutex
	caches map[uint32]*Cache

	// Fast count without lock
	count atomic.Int32

	// Lifetime stats
	totalOpened  atomic.Uint64
	totalClosed  atomic.Uint64
	totalFlushed atomic.Uint64

	nextID atomic.Uint32
}

var globalRegistry = &Registry{
	caches: make(map[uint32]*Cache),
}

// GetRegistry returns the global cache registry.
func GetRegistry() *Registry {
	return globalRegistry
}

// register assigns the cache an instance ID and tracks it. Instance IDs
// start at 1; 0 is the "no cache" value in log contexts.
func (r *Registry) register(c *Cache) uint32 {
	id := r.nextID.Add(1)
	r.mu.Lock()
	r.caches[id] = c
	r.count.Add(1)
	r.mu.Unlock()

	// totalOpened outside lock is OK (monotonic counter)
	r.totalOpened.Add(1)
	return id
}

func (r *Registry) unregister(id uint32) {
	r.mu.Lock()
	_, ok := r.caches[id]
	if ok {
		delete(r.caches, id)
		r.count.Add(-1)
	}
	r.mu.Unlock()

	if ok {
		r.totalClosed.Add(1)
	}
}

// Count returns the number of live caches.
func (r *Registry) Count() int32 {
	return r.count.Load()
}

// Get returns a cache by instance ID, or nil if not found.
func (r *Registry) Get(id uint32) *Cache {
	r.mu.RLock()
	c := r.caches[id]
	r.mu.RUnlock()
	return c
}

// ForEach iterates over all caches with the given function. The function MAY
// call c.Close() or other methods that modify the registry. To prevent
// deadlock, we collect a snapshot first, then iterate without holding locks.
func (r *Registry) ForEach(fn func(*Cache)) {
	r.mu.RLock()
	snapshot := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// FlushAll sweeps expired sessions from every registered cache and returns
// the total number removed.
func (r *Registry) FlushAll(now time.Time) int {
	flushed := 0
	r.ForEach(func(c *Cache) {
		flushed += c.FlushExpired(now)
	})
	if flushed > 0 {
		r.totalFlushed.Add(uint64(flushed))
	}
	return flushed
}

// RegistryState contains registry statistics snapshot.
type RegistryState struct {
	Active       int32
	TotalOpened  uint64
	TotalClosed  uint64
	TotalFlushed uint64

	// Sessions sums stored sessions across live caches.
	Sessions int
}

// State returns current registry state.
func (r *Registry) State() RegistryState {
	sessions := 0
	r.ForEach(func(c *Cache) {
		sessions += c.Len()
	})

	return RegistryState{
		Active:       r.count.Load(),
		TotalOpened:  r.totalOpened.Load(),
		TotalClosed:  r.totalClosed.Load(),
		TotalFlushed: r.totalFlushed.Load(),
		Sessions:     sessions,
	}
}
