package sessionid

import (
	"container/list"
	"context"
	"sync"
	"time"

	siderrors "github.com/refraction-networking/sessionid/errors"
)

// Sentinel errors for the cache paths.
var (
	// ErrCacheClosed is returned by operations on a closed cache.
	ErrCacheClosed = siderrors.New("sessionid: cache is closed").AtError()

	// ErrSessionExpired is returned by Put for a session already past its
	// lifetime.
	ErrSessionExpired = siderrors.New("sessionid: session is already expired").AtError()
)

// Cache is a session cache: the authoritative store generated IDs are
// checked against, plus an LRU over the stored sessions.
//
// A Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	mu sync.Mutex

	config *Config
	mode   Mode

	// m indexes LRU elements by zero-padded ID; q is most-recently-used
	// first. capacity 0 means unlimited.
	m        map[string]*list.Element
	q        *list.List
	capacity int

	// reservations holds IDs handed out by NewID but not yet stored.
	// Entries lapse after reservationGrace.
	reservations map[string]time.Time

	// storeSeq drives the every-255th-store automatic expiry sweep.
	storeSeq uint64

	stats  stats
	closed bool

	// instanceID tags this cache's log lines and hook events.
	instanceID uint32
}

type cacheEntry struct {
	key  string
	sess *Session
}

// New creates a session cache from config and registers it with the global
// registry. config may be nil for all defaults. Callers that create caches
// dynamically should Close them to unregister.
func New(config *Config) *Cache {
	if config == nil {
		config = &Config{}
	}
	c := &Cache{
		config:       config,
		mode:         config.mode(),
		m:            make(map[string]*list.Element),
		q:            list.New(),
		capacity:     config.cacheSize(),
		reservations: make(map[string]time.Time),
	}
	c.instanceID = globalRegistry.register(c)
	siderrors.LogDebug(c.logCtx(context.Background()), "cache: created, mode=", uint32(c.mode), ", capacity=", c.capacity)
	return c
}

// logCtx tags ctx with this cache's instance ID for log prefixes.
func (c *Cache) logCtx(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return siderrors.ContextWithID(ctx, siderrors.ID(c.instanceID))
}

// Mode returns the cache's effective mode bitmask.
func (c *Cache) Mode() Mode {
	return c.mode
}

// InstanceID returns the registry-assigned ID that tags this cache's log
// lines and hook events.
func (c *Cache) InstanceID() uint32 {
	return c.instanceID
}

// Len returns the number of stored sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// CacheSize returns the capacity in sessions, 0 meaning unlimited.
func (c *Cache) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// SetCacheSize changes the capacity and returns the previous value. Passing
// 0 makes the cache unlimited. Shrinking below the current size evicts the
// least recently used sessions immediately.
func (c *Cache) SetCacheSize(n int) int {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	prev := c.capacity
	c.capacity = n
	var evicted []*Session
	if n > 0 {
		for c.q.Len() > n {
			if sess := c.evictTailLocked(); sess != nil {
				evicted = append(evicted, sess)
			} else {
				break
			}
		}
	}
	c.mu.Unlock()

	for _, sess := range evicted {
		c.notifyRemoved(sess, evictReasonCapacity)
	}
	return prev
}

// Put stores a session, consuming any reservation NewID made for its ID.
//
// Behavior by mode:
//   - server caching disabled (ModeOff / client-only): the session is
//     dropped; the reservation is released.
//   - ModeNoInternalStore: skips the internal cache but still offers the
//     session to the external new-session callback.
//   - otherwise: stored internally (refreshing in place on duplicate ID
//     without re-notifying), then offered to the external callback.
//
// Storing may evict the least recently used session when the cache is at
// capacity, and every 255th store sweeps expired entries unless
// ModeNoAutoClear is set.
func (c *Cache) Put(ctx context.Context, sess *Session) error {
	if sess == nil {
		return siderrors.New("sessionid: Put called with nil session").AtError()
	}
	if err := sess.id.validate(); err != nil {
		return err
	}
	now := c.config.now()
	key := sess.id.key()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	delete(c.reservations, key)

	if !c.mode.serverCaching() {
		c.mu.Unlock()
		siderrors.LogDebug(c.logCtx(ctx), "cache: server caching disabled, dropping session ", sess.id.String())
		return nil
	}
	if sess.expiredAt(now, c.config.timeout()) {
		c.mu.Unlock()
		return ErrSessionExpired
	}

	var evicted *Session
	if c.mode&ModeNoInternalStore == 0 {
		evicted = c.storeLocked(sess)
	}

	c.storeSeq++
	sweep := c.storeSeq%autoFlushInterval == 0 && c.mode&ModeNoAutoClear == 0
	var swept []*Session
	if sweep {
		swept = c.flushExpiredLocked(now)
	}
	c.mu.Unlock()

	c.stats.stored.Add(1)

	if evicted != nil {
		c.stats.cacheFull.Add(1)
		c.stats.evicted.Add(1)
		c.notifyRemoved(evicted, evictReasonCapacity)
	}
	for _, s := range swept {
		c.stats.timeouts.Add(1)
		c.notifyRemoved(s, evictReasonExpired)
	}
	if sweep {
		callOnCacheFlush(c.instanceID, len(swept))
	}

	if cb := c.config.NewSession; cb != nil {
		if err := cb(sess); err != nil {
			siderrors.LogWarningInner(c.logCtx(ctx), err, "cache: external new-session callback failed for ", sess.id.String())
		}
	}
	return nil
}

// storeLocked inserts or refreshes sess and returns a session evicted by
// capacity pressure, if any. Caller holds c.mu.
func (c *Cache) storeLocked(sess *Session) *Session {
	key := sess.id.key()
	if elem, ok := c.m[key]; ok {
		// Duplicate ID: refresh in place, no eviction, no re-notify.
		entry := elem.Value.(*cacheEntry)
		entry.sess = sess
		c.q.MoveToFront(elem)
		return nil
	}

	if c.capacity == 0 || c.q.Len() < c.capacity {
		c.m[key] = c.q.PushFront(&cacheEntry{key: key, sess: sess})
		return nil
	}

	// At capacity: reuse the tail element for the new session instead of
	// removing and reallocating a list node.
	elem := c.q.Back()
	if elem == nil {
		c.m[key] = c.q.PushFront(&cacheEntry{key: key, sess: sess})
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	evicted := entry.sess
	delete(c.m, entry.key)
	entry.key = key
	entry.sess = sess
	c.q.MoveToFront(elem)
	c.m[key] = elem
	return evicted
}

// Get looks a session up in the internal cache only. Expired sessions are
// removed on access and reported as a miss. External callbacks are not
// consulted; see Lookup for the full path.
func (c *Cache) Get(id ID) (*Session, bool) {
	if id.validate() != nil {
		return nil, false
	}
	sess, expired := c.getInternal(id)
	if sess != nil {
		c.stats.hits.Add(1)
		callOnCacheHit(c.instanceID)
		return sess, true
	}
	if expired != nil {
		c.stats.timeouts.Add(1)
		c.notifyRemoved(expired, evictReasonExpired)
	}
	c.stats.misses.Add(1)
	callOnCacheMiss(c.instanceID)
	return nil, false
}

// getInternal is the stat-free lookup core. It returns the live session if
// present, or the expired session it unlinked on access (for the caller to
// notify about), never both.
func (c *Cache) getInternal(id ID) (sess, expired *Session) {
	now := c.config.now()
	key := id.key()

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.m[key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*cacheEntry)
	if entry.sess.expiredAt(now, c.config.timeout()) {
		c.q.Remove(elem)
		delete(c.m, key)
		return nil, entry.sess
	}
	c.q.MoveToFront(elem)
	return entry.sess, nil
}

// Remove deletes a stored session and fires the remove notification. It is a
// no-op for IDs that are not stored (reservations are released, though).
func (c *Cache) Remove(ctx context.Context, id ID) {
	if id.validate() != nil {
		return
	}
	key := id.key()

	c.mu.Lock()
	delete(c.reservations, key)
	elem, ok := c.m[key]
	var removed *Session
	if ok {
		entry := elem.Value.(*cacheEntry)
		removed = entry.sess
		c.q.Remove(elem)
		delete(c.m, key)
	}
	c.mu.Unlock()

	if removed != nil {
		c.stats.removed.Add(1)
		siderrors.LogDebug(c.logCtx(ctx), "cache: removed session ", id.String())
		c.notifyRemoved(removed, evictReasonRemoved)
	}
}

// evictTailLocked removes the least recently used session and returns it.
// Caller holds c.mu.
func (c *Cache) evictTailLocked() *Session {
	elem := c.q.Back()
	if elem == nil {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	c.q.Remove(elem)
	delete(c.m, entry.key)
	c.stats.cacheFull.Add(1)
	c.stats.evicted.Add(1)
	return entry.sess
}

// Close empties the cache and unregisters it from the global registry.
// Subsequent Put calls fail with ErrCacheClosed; lookups miss.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	removed := make([]*Session, 0, len(c.m))
	for _, elem := range c.m {
		removed = append(removed, elem.Value.(*cacheEntry).sess)
	}
	c.m = make(map[string]*list.Element)
	c.q.Init()
	c.reservations = make(map[string]time.Time)
	c.mu.Unlock()

	for _, sess := range removed {
		c.notifyRemoved(sess, evictReasonRemoved)
	}
	globalRegistry.unregister(c.instanceID)
	siderrors.LogDebug(c.logCtx(context.Background()), "cache: closed, dropped ", len(removed), " sessions")
}

// Eviction reasons reported to hooks and logs.
const (
	evictReasonCapacity = "capacity"
	evictReasonExpired  = "expired"
	evictReasonRemoved  = "removed"
)

// notifyRemoved fires the external remove callback and the evict hook for a
// session that left the cache. Must be called without holding c.mu: the
// callback may re-enter the cache.
func (c *Cache) notifyRemoved(sess *Session, reason string) {
	callOnCacheEvict(c.instanceID, reason)
	if cb := c.config.RemoveSession; cb != nil {
		cb(sess)
	}
}
