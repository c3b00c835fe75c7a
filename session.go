package sessionid

import (
	"context"
	"time"

	siderrors "github.com/refraction-networking/sessionid/errors"
	"golang.org/x/crypto/cryptobyte"
)

// A Session is a resumable-session record held by the cache.
//
// The encoding produced by [Session.Bytes] is:
//
//	struct {
//	    uint8 encoding_version = 1;
//	    uint16 version;
//	    uint16 cipher_suite;
//	    uint64 created_at;            /* seconds since UNIX epoch */
//	    opaque id<1..32>;
//	    opaque secret<1..2^8-1>;
//	    opaque extra<0..2^24-1>;      /* sequence of uint24-prefixed entries */
//	    uint32 timeout_seconds;       /* 0 = cache default */
//	}
type Session struct {
	// Extra is ignored by this package, but is encoded by [Session.Bytes]
	// and parsed by [ParseSession].
	//
	// This lets external caches and wrapping layers store additional data
	// alongside the session. To allow different layers to share the field,
	// applications must only append to it, not replace it, and must use
	// entries that can be recognized even if out of order (for example, by
	// starting with an id and version prefix).
	Extra [][]byte

	id          ID
	version     uint16
	cipherSuite uint16
	createdAt   uint64 // seconds since UNIX epoch
	secret      []byte
	timeout     time.Duration // 0 means the owning cache's default
}

// NewSession builds a session record. The secret is the resumption secret the
// session labels; it must be non-empty. createdAt truncates to seconds.
func NewSession(id ID, version, cipherSuite uint16, secret []byte, createdAt time.Time) (*Session, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, siderrors.New("sessionid: session secret must not be empty").AtError()
	}
	if len(secret) > 255 {
		return nil, siderrors.New("sessionid: session secret too long: ", len(secret), " bytes").AtError()
	}
	return &Session{
		id:          append(ID(nil), id...),
		version:     version,
		cipherSuite: cipherSuite,
		createdAt:   uint64(createdAt.Unix()),
		secret:      append([]byte(nil), secret...),
	}, nil
}

// NewResumptionSession rebuilds a session from previously exported fields, for
// external stores that persist sessions in their own schema rather than via
// [Session.Bytes].
func NewResumptionSession(id ID, version, cipherSuite uint16, secret []byte, createdAt uint64, timeout time.Duration) (*Session, error) {
	s, err := NewSession(id, version, cipherSuite, secret, time.Unix(int64(createdAt), 0))
	if err != nil {
		return nil, err
	}
	s.timeout = timeout
	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() ID {
	return append(ID(nil), s.id...)
}

// Version returns the protocol version the session was negotiated under.
func (s *Session) Version() uint16 { return s.version }

// CipherSuite returns the session's cipher suite.
func (s *Session) CipherSuite() uint16 { return s.cipherSuite }

// Secret returns a copy of the resumption secret.
func (s *Session) Secret() []byte {
	return append([]byte(nil), s.secret...)
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	return time.Unix(int64(s.createdAt), 0)
}

// Timeout returns the per-session lifetime override, or 0 if the session uses
// the cache default.
func (s *Session) Timeout() time.Duration { return s.timeout }

// SetTimeout overrides the session's lifetime. Non-positive values restore
// the cache default.
func (s *Session) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.timeout = d
}

// lifetime resolves the effective lifetime against the cache default.
func (s *Session) lifetime(def time.Duration) time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return def
}

// expiredAt reports whether the session is past its lifetime at now.
func (s *Session) expiredAt(now time.Time, def time.Duration) bool {
	return now.Sub(s.CreatedAt()) > s.lifetime(def)
}

// Bytes encodes the session so that it can be parsed by [ParseSession]. The
// encoding contains the resumption secret; callers shipping it anywhere
// untrusted must seal it first (see [Sealer] and [Codec]).
func (s *Session) Bytes() ([]byte, error) {
	if err := s.id.validate(); err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddUint8(sessionEncodingVersion)
	b.AddUint16(s.version)
	b.AddUint16(s.cipherSuite)
	addUint64(&b, s.createdAt)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s.id)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s.secret)
	})
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, extra := range s.Extra {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(extra)
			})
		}
	})
	b.AddUint32(uint32(s.timeout / time.Second))
	return b.Bytes()
}

const sessionEncodingVersion = 1

// ParseSession parses a [Session] encoded by [Session.Bytes].
func ParseSession(data []byte) (*Session, error) {
	ss := &Session{}
	s := cryptobyte.String(data)
	var encVersion uint8
	var extra cryptobyte.String
	var id []byte
	var timeoutSeconds uint32
	if !s.ReadUint8(&encVersion) ||
		encVersion != sessionEncodingVersion ||
		!s.ReadUint16(&ss.version) ||
		!s.ReadUint16(&ss.cipherSuite) ||
		!readUint64(&s, &ss.createdAt) ||
		!readUint8LengthPrefixed(&s, &id) ||
		!readUint8LengthPrefixed(&s, &ss.secret) ||
		!s.ReadUint24LengthPrefixed(&extra) ||
		len(ss.secret) == 0 {
		return nil, siderrors.New("sessionid: invalid session encoding").AtError()
	}
	ss.id = ID(id)
	if err := ss.id.validate(); err != nil {
		return nil, siderrors.New("sessionid: invalid session encoding: bad id").Base(err).AtError()
	}
	for !extra.Empty() {
		var e []byte
		if !readUint24LengthPrefixed(&extra, &e) {
			return nil, siderrors.New("sessionid: invalid session encoding: malformed extra data").AtError()
		}
		ss.Extra = append(ss.Extra, e)
	}
	if !s.ReadUint32(&timeoutSeconds) {
		return nil, siderrors.New("sessionid: invalid session encoding: missing timeout").AtError()
	}
	if !s.Empty() {
		return nil, siderrors.New("sessionid: invalid session encoding: trailing data").AtError()
	}
	ss.timeout = time.Duration(timeoutSeconds) * time.Second

	// Reject lifetimes past the 7-day ceiling to catch malformed or
	// malicious session data before it enters a cache.
	if ss.timeout > maxSessionLifetime {
		return nil, siderrors.New("sessionid: session lifetime exceeds the 7-day maximum").AtError()
	}

	siderrors.LogDebug(context.Background(), "session: parsed session state, version=", ss.version, ", id=", ss.id.String())
	return ss, nil
}

// cryptobyte helpers for fields wider or shaped differently than the
// package's native set.

func addUint64(b *cryptobyte.Builder, v uint64) {
	b.AddUint32(uint32(v >> 32))
	b.AddUint32(uint32(v))
}

func readUint64(s *cryptobyte.String, out *uint64) bool {
	var hi, lo uint32
	if !s.ReadUint32(&hi) || !s.ReadUint32(&lo) {
		return false
	}
	*out = uint64(hi)<<32 | uint64(lo)
	return true
}

func readUint8LengthPrefixed(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint8LengthPrefixed((*cryptobyte.String)(out))
}

func readUint24LengthPrefixed(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint24LengthPrefixed((*cryptobyte.String)(out))
}
