// Package sessionid implements server-side TLS session-ID generation and
// session caching: callback-driven ID generation with collision checking, an
// internal LRU session cache with modes, timeouts and statistics, optional
// external-store callbacks, and a sealed wire format for shipping sessions to
// out-of-process caches.
//
// The generation contract follows the classic shape: a callback is handed a
// buffer of the maximum ID length and reports how many bytes it used. It may
// shorten the ID, never lengthen it. Uniqueness is the caller's problem in
// the classic API; here NewID closes the cross-goroutine race by reserving
// the winning ID under the cache lock before returning it.
package sessionid

import (
	"crypto/subtle"
	"encoding/hex"
	"io"
	"time"
)

const (
	// MaxIDLength is the maximum session ID length in bytes.
	MaxIDLength = 32

	// DefaultCacheSize is the default internal cache capacity in sessions.
	DefaultCacheSize = 1024 * 20

	// DefaultTimeout is the default session lifetime.
	DefaultTimeout = 5 * time.Minute

	// maxGenerateAttempts bounds the generate-and-check loop. A callback
	// that keeps producing IDs already present in the cache eventually
	// fails generation instead of spinning.
	maxGenerateAttempts = 10

	// autoFlushInterval is the store count between automatic expiry sweeps.
	autoFlushInterval = 255

	// reservationGrace is how long an uncommitted reservation blocks its ID.
	reservationGrace = time.Minute

	// maxSessionLifetime caps parsed session lifetimes, matching the 7-day
	// ceiling RFC 8446 places on ticket lifetimes.
	maxSessionLifetime = 7 * 24 * time.Hour
)

// An ID is a session identifier, 1 to MaxIDLength bytes chosen by the server.
type ID []byte

// String returns the hex form of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

// IsZero reports whether the ID is empty or all zero bytes.
func (id ID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two IDs match. IDs shorter than MaxIDLength compare
// zero-padded to the full length, so a 16-byte ID and the same bytes followed
// by zeros are the same identity. The comparison is constant time.
func (id ID) Equal(other ID) bool {
	if len(id) > MaxIDLength || len(other) > MaxIDLength {
		return false
	}
	var a, b [MaxIDLength]byte
	copy(a[:], id)
	copy(b[:], other)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// key returns the zero-padded cache key for the ID.
func (id ID) key() string {
	var padded [MaxIDLength]byte
	copy(padded[:], id)
	return string(padded[:])
}

// validate checks ID length bounds.
func (id ID) validate() error {
	if len(id) == 0 {
		return ErrZeroID
	}
	if len(id) > MaxIDLength {
		return ErrIDTooLong
	}
	return nil
}

// Mode is the session-cache mode bitmask.
type Mode uint32

const (
	// ModeOff disables session caching entirely.
	ModeOff Mode = 0

	// ModeClient caches client-side sessions.
	ModeClient Mode = 1 << 0

	// ModeServer caches server-side sessions. This is the default.
	ModeServer Mode = 1 << 1

	// ModeBoth caches both directions.
	ModeBoth = ModeClient | ModeServer

	// ModeNoAutoClear disables the automatic expiry sweep that otherwise
	// runs every 255th store.
	ModeNoAutoClear Mode = 1 << 7

	// ModeNoInternalLookup makes Lookup skip the internal cache and go
	// straight to the external get callback.
	ModeNoInternalLookup Mode = 1 << 8

	// ModeNoInternalStore keeps sessions out of the internal cache; they
	// are still offered to the external new-session callback.
	ModeNoInternalStore Mode = 1 << 9

	// ModeNoInternal combines ModeNoInternalLookup and ModeNoInternalStore.
	ModeNoInternal = ModeNoInternalLookup | ModeNoInternalStore
)

// serverCaching reports whether server-side sessions are cached at all.
func (m Mode) serverCaching() bool {
	return m&ModeServer != 0
}

// SealCipher selects the cipher used by a Sealer.
type SealCipher int

const (
	// SealAESCTRHMAC seals with AES-256-CTR + HMAC-SHA256 and opens with
	// constant-time multi-key trial decryption.
	SealAESCTRHMAC SealCipher = iota

	// SealChaCha20Poly1305 seals with the ChaCha20-Poly1305 AEAD.
	SealChaCha20Poly1305
)

// Config configures a Cache. A zero Config is valid: server-mode caching with
// default size, timeout and CSPRNG ID generation.
//
// A Config must not be modified after it has been passed to New.
type Config struct {
	// GenerateID is the session-ID generation callback. Nil means the
	// default generator, which fills the whole buffer from Rand.
	GenerateID GenerateIDFunc

	// IDLength is the length handed to the generation callback.
	// Zero means MaxIDLength. Must not exceed MaxIDLength.
	IDLength int

	// Rand is the entropy source for the default generator.
	// Nil means crypto/rand.Reader.
	Rand io.Reader

	// Mode is the cache mode bitmask. Zero means ModeServer; disabling
	// caching outright is done with CachingDisabled, not Mode.
	Mode Mode

	// CachingDisabled turns session caching off (ModeOff).
	CachingDisabled bool

	// CacheSize is the internal cache capacity in sessions. Zero means
	// DefaultCacheSize; negative means unlimited.
	CacheSize int

	// Timeout is the default session lifetime. Zero means DefaultTimeout.
	// Sessions can override it individually with Session.SetTimeout.
	Timeout time.Duration

	// NewSession, if set, is invoked whenever a session is stored, so an
	// external cache can persist it. See Cache.Put.
	NewSession NewSessionFunc

	// GetSession, if set, is consulted by Cache.Lookup when the internal
	// cache has no match (or is bypassed by ModeNoInternalLookup).
	GetSession GetSessionFunc

	// RemoveSession, if set, is invoked when a stored session is removed,
	// evicted, or expires, exactly once per stored session.
	RemoveSession RemoveSessionFunc

	// Time returns the current time, for tests. Nil means time.Now.
	Time func() time.Time
}

func (c *Config) now() time.Time {
	if c != nil && c.Time != nil {
		return c.Time()
	}
	return time.Now()
}

func (c *Config) rand() io.Reader {
	if c != nil && c.Rand != nil {
		return c.Rand
	}
	return cryptoRandReader
}

func (c *Config) idLength() int {
	if c == nil || c.IDLength == 0 {
		return MaxIDLength
	}
	return c.IDLength
}

func (c *Config) mode() Mode {
	if c == nil {
		return ModeServer
	}
	if c.CachingDisabled {
		return ModeOff
	}
	if c.Mode == ModeOff {
		return ModeServer
	}
	return c.Mode
}

func (c *Config) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Config) cacheSize() int {
	if c == nil || c.CacheSize == 0 {
		return DefaultCacheSize
	}
	if c.CacheSize < 0 {
		return 0 // unlimited
	}
	return c.CacheSize
}
