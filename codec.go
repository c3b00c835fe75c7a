package sessionid

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	siderrors "github.com/refraction-networking/sessionid/errors"
	"golang.org/x/crypto/cryptobyte"
)

// Compression selects the codec's compression algorithm.
type Compression uint8

const (
	// CompressionNone stores the serialized session as-is.
	CompressionNone Compression = 0
	// CompressionZstd compresses with zstd before sealing.
	CompressionZstd Compression = 1
	// CompressionBrotli compresses with brotli before sealing.
	CompressionBrotli Compression = 2
)

// codecMagic marks a codec frame. Version bumps on incompatible layout
// changes.
var codecMagic = []byte{'s', 'i', 'd'}

const codecVersion = 1

// maxCodecRawLen bounds the decompressed size a frame may declare, so a
// hostile store cannot make Decode allocate unbounded memory.
const maxCodecRawLen = 1 << 20

// A Codec turns sessions into self-describing sealed frames for external
// stores and back. The frame is:
//
//	magic "sid" || uint8 version || uint8 compression ||
//	uint24 raw_len || sealed(compress(session.Bytes()))
//
// Compression runs before sealing; compressing ciphertext is pointless.
//
// A Codec is safe for concurrent use.
type Codec struct {
	sealer      *Sealer
	compression Compression

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCodec builds a codec over sealer. sealer is required: external stores
// hold resumption secrets and never receive them unsealed.
func NewCodec(sealer *Sealer, compression Compression) (*Codec, error) {
	if sealer == nil {
		return nil, siderrors.New("sessionid: codec requires a sealer").AtError()
	}
	c := &Codec{sealer: sealer, compression: compression}
	switch compression {
	case CompressionNone, CompressionBrotli:
	case CompressionZstd:
		var err error
		// Concurrency 1 keeps the encoder's memory footprint flat;
		// session states are far too small to fan out.
		c.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, siderrors.New("sessionid: failed to create zstd encoder").Base(err).AtError()
		}
		c.zdec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, siderrors.New("sessionid: failed to create zstd decoder").Base(err).AtError()
		}
	default:
		return nil, siderrors.New("sessionid: unknown compression algorithm ", int(compression)).AtError()
	}
	return c, nil
}

// Encode serializes, compresses, seals and frames a session.
func (c *Codec) Encode(sess *Session) ([]byte, error) {
	raw, err := sess.Bytes()
	if err != nil {
		return nil, err
	}
	if len(raw) > maxCodecRawLen {
		return nil, siderrors.New("sessionid: session state too large to encode: ", len(raw), " bytes").AtError()
	}

	payload := raw
	switch c.compression {
	case CompressionZstd:
		payload = c.zenc.EncodeAll(raw, nil)
	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, siderrors.New("sessionid: brotli compression failed").Base(err).AtError()
		}
		if err := w.Close(); err != nil {
			return nil, siderrors.New("sessionid: brotli compression failed").Base(err).AtError()
		}
		payload = buf.Bytes()
	}

	sealed, err := c.sealer.Seal(payload)
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddBytes(codecMagic)
	b.AddUint8(codecVersion)
	b.AddUint8(uint8(c.compression))
	b.AddUint24(uint32(len(raw)))
	b.AddBytes(sealed)
	return b.Bytes()
}

// Decode reverses Encode. Frames sealed under rotated-out keys fail with
// ErrOpenFailed; frames that open but do not parse back into a session fail
// with ErrSealedCorrupt.
func (c *Codec) Decode(frame []byte) (*Session, error) {
	s := cryptobyte.String(frame)
	var magic []byte
	var version, compression uint8
	var rawLen uint32
	if !s.ReadBytes(&magic, len(codecMagic)) ||
		!bytes.Equal(magic, codecMagic) ||
		!s.ReadUint8(&version) ||
		!s.ReadUint8(&compression) ||
		!s.ReadUint24(&rawLen) {
		return nil, siderrors.New("sessionid: invalid codec frame header").AtError()
	}
	if version != codecVersion {
		return nil, siderrors.New("sessionid: unsupported codec frame version ", version).AtError()
	}
	if Compression(compression) != c.compression {
		return nil, siderrors.New("sessionid: codec frame compression mismatch: frame=", compression, ", codec=", uint8(c.compression)).AtError()
	}
	if rawLen == 0 || rawLen > maxCodecRawLen {
		return nil, siderrors.New("sessionid: codec frame declares impossible raw length ", rawLen).AtError()
	}

	payload, err := c.sealer.Open([]byte(s))
	if err != nil {
		return nil, err
	}

	raw := payload
	switch c.compression {
	case CompressionZstd:
		raw, err = c.zdec.DecodeAll(payload, nil)
		if err != nil {
			return nil, siderrors.New("sessionid: zstd decompression failed").Base(siderrors.Combine(ErrSealedCorrupt, err)).AtError()
		}
	case CompressionBrotli:
		raw, err = io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(payload)), maxCodecRawLen+1))
		if err != nil {
			return nil, siderrors.New("sessionid: brotli decompression failed").Base(siderrors.Combine(ErrSealedCorrupt, err)).AtError()
		}
	}
	if len(raw) != int(rawLen) {
		return nil, siderrors.New("sessionid: codec frame raw length mismatch: declared ", rawLen, ", got ", len(raw)).Base(ErrSealedCorrupt).AtError()
	}

	sess, err := ParseSession(raw)
	if err != nil {
		// The frame authenticated but its contents do not parse. That
		// should never happen for frames this process sealed, so keep
		// it distinguishable from a plain bad-key failure.
		return nil, siderrors.New("sessionid: sealed session parsing failed after successful open").Base(siderrors.Combine(ErrSealedCorrupt, err)).AtError()
	}
	return sess, nil
}
