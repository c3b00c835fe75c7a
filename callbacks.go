package sessionid

import (
	"context"

	siderrors "github.com/refraction-networking/sessionid/errors"
)

// External session-cache callbacks. A host can keep sessions in an
// out-of-process store (a shared cache for a server cluster, a database, a
// key-value service) by wiring these into Config. The internal cache remains
// authoritative for ID uniqueness: Contains and the NewID collision check
// never consult the external store.

// NewSessionFunc is invoked whenever Put accepts a session, so an external
// cache can persist it. Returning an error does not undo the store; the
// error is logged at warning level. Implementations wanting a compact,
// confidential representation should use a Codec.
type NewSessionFunc func(sess *Session) error

// GetSessionFunc is consulted by Lookup when the internal cache has no match
// (or is bypassed by ModeNoInternalLookup). Returning (nil, nil) means the
// external cache has no session for the ID.
type GetSessionFunc func(ctx context.Context, id ID) (*Session, error)

// RemoveSessionFunc is invoked when a stored session leaves the internal
// cache for any reason: explicit Remove, capacity eviction, expiry sweep, or
// cache Close. It is called exactly once per stored session, without the
// cache lock held, so it may re-enter the cache.
type RemoveSessionFunc func(sess *Session)

// Lookup resolves a session ID through the full server lookup path:
//
//  1. the internal cache, unless ModeNoInternalLookup is set;
//  2. the external get callback, if configured.
//
// Externally found sessions are checked for expiry and, unless
// ModeNoInternalStore is set, copied into the internal cache so later
// lookups hit locally. A nil result with a nil error is a plain miss.
func (c *Cache) Lookup(ctx context.Context, id ID) (*Session, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	if !c.mode.serverCaching() {
		return nil, nil
	}

	if c.mode&ModeNoInternalLookup == 0 {
		sess, expired := c.getInternal(id)
		if sess != nil {
			c.stats.hits.Add(1)
			callOnCacheHit(c.instanceID)
			return sess, nil
		}
		if expired != nil {
			c.stats.timeouts.Add(1)
			c.notifyRemoved(expired, evictReasonExpired)
		}
	}

	cb := c.config.GetSession
	if cb == nil {
		return c.lookupMiss()
	}
	callOnExternalLookup(c.instanceID)
	sess, err := cb(ctx, id)
	if err != nil {
		// External-store trouble must not fail the handshake; a fresh
		// session will be negotiated instead.
		siderrors.LogWarningInner(c.logCtx(ctx), err, "cache: external get-session callback failed for ", id.String())
		return c.lookupMiss()
	}
	if sess == nil {
		return c.lookupMiss()
	}
	if !sess.id.Equal(id) {
		siderrors.LogWarning(c.logCtx(ctx), "cache: external callback returned session with mismatched ID, dropping")
		return c.lookupMiss()
	}
	if sess.expiredAt(c.config.now(), c.config.timeout()) {
		c.stats.timeouts.Add(1)
		return c.lookupMiss()
	}

	c.stats.externalHits.Add(1)
	callOnCacheHit(c.instanceID)

	if c.mode&ModeNoInternalStore == 0 {
		c.mu.Lock()
		var evicted *Session
		if !c.closed {
			evicted = c.storeLocked(sess)
		}
		c.mu.Unlock()
		if evicted != nil {
			c.stats.cacheFull.Add(1)
			c.stats.evicted.Add(1)
			c.notifyRemoved(evicted, evictReasonCapacity)
		}
	}
	return sess, nil
}

// lookupMiss records a full-path miss; a miss is counted once per Lookup,
// not once per layer consulted.
func (c *Cache) lookupMiss() (*Session, error) {
	c.stats.misses.Add(1)
	callOnCacheMiss(c.instanceID)
	return nil, nil
}
