package sessionid

import (
	"container/list"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/idna"
)

// ClientCache is a cache of sessions a client can use to resume with a given
// server, keyed by server name. Implementations must be safe for concurrent
// use by multiple goroutines. Up to TLS 1.2 a session is reused repeatedly;
// under TLS 1.3 semantics entries are single-use, which callers model by
// removing after Get.
type ClientCache interface {
	// Get searches for a session associated with the given server name.
	// On return, ok is true if one was found.
	Get(serverName string) (sess *Session, ok bool)

	// Put adds the session to the cache with the given server name. If
	// sess is nil, the entry for serverName is removed instead.
	Put(serverName string, sess *Session)
}

// lruClientCache is a ClientCache implementation that uses an LRU caching
// strategy.
type lruClientCache struct {
	sync.Mutex

	m        map[string]*list.Element
	q        *list.List
	capacity int
}

type lruClientCacheEntry struct {
	key  string
	sess *Session
}

// NewLRUClientCache returns a [ClientCache] with the given capacity that
// uses an LRU strategy. If capacity is < 1, a default capacity is used
// instead.
func NewLRUClientCache(capacity int) ClientCache {
	const defaultClientCacheCapacity = 64

	if capacity < 1 {
		capacity = defaultClientCacheCapacity
	}
	return &lruClientCache{
		m:        make(map[string]*list.Element),
		q:        list.New(),
		capacity: capacity,
	}
}

// Put adds the provided (serverName, sess) pair to the cache. If sess is
// nil, the entry corresponding to serverName is removed from the cache
// instead.
func (c *lruClientCache) Put(serverName string, sess *Session) {
	key := normalizeServerName(serverName)

	c.Lock()
	defer c.Unlock()

	if elem, ok := c.m[key]; ok {
		if sess == nil {
			c.q.Remove(elem)
			delete(c.m, key)
			return
		}
		entry := elem.Value.(*lruClientCacheEntry)
		entry.sess = sess
		c.q.MoveToFront(elem)
		return
	}
	if sess == nil {
		return
	}

	if c.q.Len() < c.capacity {
		c.m[key] = c.q.PushFront(&lruClientCacheEntry{key, sess})
		return
	}

	elem := c.q.Back()
	if elem == nil {
		c.m[key] = c.q.PushFront(&lruClientCacheEntry{key, sess})
		return
	}
	entry := elem.Value.(*lruClientCacheEntry)
	delete(c.m, entry.key)
	entry.key = key
	entry.sess = sess
	c.q.MoveToFront(elem)
	c.m[key] = elem
}

// Get returns the session associated with a given server name. It returns
// (nil, false) if no session is found.
func (c *lruClientCache) Get(serverName string) (*Session, bool) {
	key := normalizeServerName(serverName)

	c.Lock()
	defer c.Unlock()

	if elem, ok := c.m[key]; ok {
		c.q.MoveToFront(elem)
		return elem.Value.(*lruClientCacheEntry).sess, true
	}
	return nil, false
}

// normalizeServerName canonicalizes a server name into a cache key:
// optional port stripped, case folded, and IDNs punycoded, so
// "EXAMPLE.com:443" and "example.com" share an entry. Names that fail IDNA
// mapping (already-escaped or malformed labels) fall back to the folded
// form rather than being dropped.
func normalizeServerName(serverName string) string {
	name := serverName
	if host, _, err := net.SplitHostPort(name); err == nil {
		name = host
	}
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii
	}
	return name
}
