package sessionid

import (
	"context"
	"crypto/rand"
	"io"

	siderrors "github.com/refraction-networking/sessionid/errors"
)

// cryptoRandReader is the default entropy source, swappable only through
// Config.Rand.
var cryptoRandReader io.Reader = rand.Reader

// Sentinel errors for the generation path.
var (
	// ErrGenerateFailed indicates the generation callback returned an
	// error. A server should fail the handshake that asked for the ID.
	ErrGenerateFailed = siderrors.New("sessionid: generation callback failed").AtError()

	// ErrIDExhausted indicates the callback produced an ID already present
	// in the cache on every attempt. A callback with too little entropy,
	// or one ignoring its collision check, will end up here.
	ErrIDExhausted = siderrors.New("sessionid: could not generate a unique session ID").AtError()

	// ErrIDTooLong indicates an ID longer than MaxIDLength. The generation
	// callback may shorten the ID it is handed, never lengthen it.
	ErrIDTooLong = siderrors.New("sessionid: session ID exceeds maximum length").AtError()

	// ErrZeroID indicates an empty or all-zero ID, which cannot label a
	// session.
	ErrZeroID = siderrors.New("sessionid: session ID is empty or all zero").AtError()
)

// GenerateIDFunc is the session-ID generation callback.
//
// The callback receives a buffer of the configured maximum ID length and
// returns the number of bytes it actually used. It may use fewer bytes than
// offered, shortening the ID, but returning n > len(id) is an error: the
// ID length can never be increased.
//
// The engine checks the produced ID against the cache and retries on
// collision, so the callback itself does not need to consult
// [Cache.Contains]; callbacks that derive IDs from external state (worker
// PIDs, shard numbers) may still want to.
//
// The callback must be safe for concurrent use: generation runs on the
// handshake path of every connection.
type GenerateIDFunc func(ctx context.Context, id []byte) (int, error)

// randomGenerator fills the whole buffer from r.
type randomGenerator struct {
	r io.Reader
}

func (g randomGenerator) generate(_ context.Context, id []byte) (int, error) {
	if _, err := io.ReadFull(g.r, id); err != nil {
		return 0, siderrors.New("sessionid: entropy source failed").Base(err).AtError()
	}
	return len(id), nil
}

// NewRandomGenerator returns the default generator as an explicit
// GenerateIDFunc: a CSPRNG fill of the full offered length. r may be nil to
// use crypto/rand.
func NewRandomGenerator(r io.Reader) GenerateIDFunc {
	if r == nil {
		r = cryptoRandReader
	}
	return randomGenerator{r: r}.generate
}

// NewPrefixedGenerator returns a generator that embeds a fixed prefix at the
// start of every ID and fills the remainder from r (nil means crypto/rand).
//
// A cluster of servers sharing one external cache can use a distinct prefix
// per server so that an ID names the server that minted it. The prefix must
// leave at least 16 random bytes of tail.
func NewPrefixedGenerator(prefix []byte, r io.Reader) (GenerateIDFunc, error) {
	const minRandomTail = 16
	if len(prefix) > MaxIDLength-minRandomTail {
		return nil, siderrors.New("sessionid: generator prefix too long: ", len(prefix), " bytes leaves fewer than ", minRandomTail, " random bytes").AtError()
	}
	if r == nil {
		r = cryptoRandReader
	}
	p := append([]byte(nil), prefix...)
	return func(_ context.Context, id []byte) (int, error) {
		if len(p) >= len(id) {
			return 0, siderrors.New("sessionid: ID buffer shorter than generator prefix").AtError()
		}
		n := copy(id, p)
		if _, err := io.ReadFull(r, id[n:]); err != nil {
			return 0, siderrors.New("sessionid: entropy source failed").Base(err).AtError()
		}
		return len(id), nil
	}, nil
}

// NewID generates a fresh session ID that is unique within this cache.
//
// The configured callback (default: CSPRNG fill) is invoked with a buffer of
// Config.IDLength bytes. The result is rejected if the callback errors,
// reports an impossible length, or produces an all-zero ID; a result already
// present in the cache is retried, up to a bounded number of attempts.
//
// The winning ID is reserved under the cache lock before NewID returns, so
// two goroutines generating concurrently can never be handed the same ID.
// The reservation is consumed by [Cache.Put] and released by
// [Cache.Release]; abandoned reservations lapse after a grace period.
func (c *Cache) NewID(ctx context.Context) (ID, error) {
	return c.NewIDFrom(ctx, c.config.GenerateID)
}

// NewIDFrom is NewID with a per-call generation callback, for servers that
// mint differently shaped IDs from one cache (one prefix per certificate or
// listener, say). gen may be nil to use the cache's configured callback; the
// uniqueness check, retry loop and reservation behave exactly as in NewID.
func (c *Cache) NewIDFrom(ctx context.Context, gen GenerateIDFunc) (ID, error) {
	if gen == nil {
		gen = c.config.GenerateID
	}
	if gen == nil {
		gen = NewRandomGenerator(c.config.rand())
	}
	length := c.config.idLength()
	if length > MaxIDLength {
		return nil, ErrIDTooLong
	}
	buf := make([]byte, length)

	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		n, err := gen(ctx, buf)
		if err != nil {
			return nil, siderrors.New("sessionid: generate attempt ", attempt, " failed").Base(siderrors.Combine(ErrGenerateFailed, err)).AtError()
		}
		if n <= 0 || n > len(buf) {
			return nil, siderrors.New("sessionid: generation callback returned impossible length ", n).Base(ErrIDTooLong).AtError()
		}
		id := append(ID(nil), buf[:n]...)
		if id.IsZero() {
			return nil, ErrZeroID
		}

		if c.reserve(id) {
			c.stats.generated.Add(1)
			callOnSessionGenerated(c.instanceID, attempt)
			siderrors.LogDebug(c.logCtx(ctx), "generator: new session ID after ", attempt, " attempt(s), len=", n)
			return id, nil
		}
		// Collision with a cached or reserved ID. Retry with a fresh draw.
		siderrors.LogDebug(c.logCtx(ctx), "generator: collision on attempt ", attempt)
	}
	return nil, ErrIDExhausted
}

// Contains reports whether a session with the given ID is present in the
// internal cache (stored or reserved).
//
// Only the internal cache is consulted: sessions held solely by an external
// cache attached via Config.GetSession are not covered, so Contains cannot
// vouch for uniqueness across an external store.
//
// Contains is safe to call from generation callbacks. Note that with respect
// to callers other than NewID it is only a point-in-time answer: a session
// may be inserted immediately after Contains returns false. NewID itself does
// not suffer that race because it reserves under the same lock it checks.
func (c *Cache) Contains(id ID) bool {
	if id.validate() != nil {
		return false
	}
	key := id.key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; ok {
		return true
	}
	_, ok := c.reservations[key]
	return ok
}

// reserve atomically checks uniqueness and claims the ID. It returns false
// if the ID is already stored or reserved.
func (c *Cache) reserve(id ID) bool {
	key := id.key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; ok {
		return false
	}
	if _, ok := c.reservations[key]; ok {
		return false
	}
	c.reservations[key] = c.config.now()
	return true
}

// Release abandons a reservation made by NewID without storing a session.
func (c *Cache) Release(id ID) {
	key := id.key()
	c.mu.Lock()
	delete(c.reservations, key)
	c.mu.Unlock()
}
