package sessionid

import "sync/atomic"

// stats holds the cache's counters. Monotonic counters are atomic so the hot
// paths can bump them without extending the cache lock's critical section.
type stats struct {
	generated    atomic.Uint64
	stored       atomic.Uint64
	hits         atomic.Uint64
	externalHits atomic.Uint64
	misses       atomic.Uint64
	timeouts     atomic.Uint64
	cacheFull    atomic.Uint64
	evicted      atomic.Uint64
	removed      atomic.Uint64
}

// Stats is a point-in-time snapshot of a cache's counters.
type Stats struct {
	// Generated counts session IDs handed out by NewID.
	Generated uint64
	// Stored counts sessions accepted by Put.
	Stored uint64
	// Hits counts internal-cache lookup hits.
	Hits uint64
	// ExternalHits counts sessions served by the external get callback.
	ExternalHits uint64
	// Misses counts lookups that found nothing anywhere.
	Misses uint64
	// Timeouts counts sessions that had expired by the time they were
	// looked up or swept.
	Timeouts uint64
	// CacheFull counts stores that forced an eviction.
	CacheFull uint64
	// Evicted counts sessions pushed out by capacity pressure.
	Evicted uint64
	// Removed counts explicit removals.
	Removed uint64

	// Sessions is the number of sessions currently stored.
	Sessions int
	// Reservations is the number of outstanding uncommitted IDs.
	Reservations int
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	sessions := len(c.m)
	reservations := len(c.reservations)
	c.mu.Unlock()

	return Stats{
		Generated:    c.stats.generated.Load(),
		Stored:       c.stats.stored.Load(),
		Hits:         c.stats.hits.Load(),
		ExternalHits: c.stats.externalHits.Load(),
		Misses:       c.stats.misses.Load(),
		Timeouts:     c.stats.timeouts.Load(),
		CacheFull:    c.stats.cacheFull.Load(),
		Evicted:      c.stats.evicted.Load(),
		Removed:      c.stats.removed.Load(),
		Sessions:     sessions,
		Reservations: reservations,
	}
}
