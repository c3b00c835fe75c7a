package sessionid

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"sync"

	siderrors "github.com/refraction-networking/sessionid/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sentinel errors for seal/open failures. These allow callers to distinguish
// between different failure modes.
var (
	// ErrOpenFailed indicates the sealed blob could not be authenticated
	// with any current key. This is the expected outcome for blobs sealed
	// under rotated-out keys, tampered blobs, or blobs from a different
	// cluster, and is usually handled by negotiating a fresh session.
	ErrOpenFailed = siderrors.New("sessionid: sealed session could not be opened").AtError()

	// ErrSealedTooShort indicates a blob shorter than the minimum sealed
	// length for its cipher.
	ErrSealedTooShort = siderrors.New("sessionid: sealed session too short").AtError()

	// ErrSealedCorrupt indicates a blob that authenticated but whose
	// contents failed to parse. A cryptographically valid blob with
	// corrupt contents may indicate data corruption, a bug, or a
	// sophisticated attack, so it gets a distinct error callers can
	// monitor.
	ErrSealedCorrupt = siderrors.New("sessionid: sealed session corrupt after successful open").AtError()
)

// SealKeyLen is the serialized size of a SealKey.
const SealKeyLen = 64

// A SealKey protects serialized sessions bound for external stores. The
// first half keys the cipher, the second half the MAC (unused by the AEAD
// cipher, which authenticates on its own).
type SealKey struct {
	cipherKey [32]byte
	macKey    [32]byte
}

// NewSealKey draws a fresh key from r (nil means crypto/rand).
func NewSealKey(r io.Reader) (SealKey, error) {
	if r == nil {
		r = cryptoRandReader
	}
	var k SealKey
	if _, err := io.ReadFull(r, k.cipherKey[:]); err != nil {
		return SealKey{}, siderrors.New("sessionid: failed to generate seal key").Base(err).AtError()
	}
	if _, err := io.ReadFull(r, k.macKey[:]); err != nil {
		return SealKey{}, siderrors.New("sessionid: failed to generate seal key").Base(err).AtError()
	}
	return k, nil
}

// SealKeyFromBytes rebuilds a key from its 64-byte serialized form, for
// hosts that distribute keys across a cluster.
func SealKeyFromBytes(b []byte) (SealKey, error) {
	if len(b) != SealKeyLen {
		return SealKey{}, siderrors.New("sessionid: seal key must be ", SealKeyLen, " bytes, got ", len(b)).AtError()
	}
	var k SealKey
	copy(k.cipherKey[:], b[:32])
	copy(k.macKey[:], b[32:])
	return k, nil
}

// Bytes returns the 64-byte serialized form of the key.
func (k SealKey) Bytes() []byte {
	out := make([]byte, SealKeyLen)
	copy(out[:32], k.cipherKey[:])
	copy(out[32:], k.macKey[:])
	return out
}

// A Sealer encrypts serialized sessions for storage outside the process and
// decrypts them on the way back. Seal always uses the newest key; Open tries
// every key, so blobs sealed before a rotation stay readable until their key
// ages out.
//
// A Sealer is safe for concurrent use.
type Sealer struct {
	mu     sync.RWMutex
	keys   []SealKey // newest first
	cipher SealCipher
	rand   io.Reader
}

// NewSealer builds a sealer over the given keys, newest first. At least one
// key is required.
func NewSealer(cipher SealCipher, keys ...SealKey) (*Sealer, error) {
	if len(keys) == 0 {
		return nil, siderrors.New("sessionid: sealer requires at least one key").AtError()
	}
	switch cipher {
	case SealAESCTRHMAC, SealChaCha20Poly1305:
	default:
		return nil, siderrors.New("sessionid: unknown seal cipher ", int(cipher)).AtError()
	}
	return &Sealer{
		keys:   append([]SealKey(nil), keys...),
		cipher: cipher,
		rand:   cryptoRandReader,
	}, nil
}

// SetKeys replaces the key set, newest first.
func (s *Sealer) SetKeys(keys ...SealKey) error {
	if len(keys) == 0 {
		return siderrors.New("sessionid: sealer requires at least one key").AtError()
	}
	s.mu.Lock()
	s.keys = append([]SealKey(nil), keys...)
	s.mu.Unlock()
	return nil
}

// Rotate prepends a fresh key and trims the set to keep keys. Blobs sealed
// under trimmed keys stop opening.
func (s *Sealer) Rotate(keep int) error {
	if keep < 1 {
		keep = 1
	}
	key, err := NewSealKey(s.randReader())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys = append([]SealKey{key}, s.keys...)
	if len(s.keys) > keep {
		s.keys = s.keys[:keep]
	}
	n := len(s.keys)
	s.mu.Unlock()
	siderrors.LogDebug(context.Background(), "sealer: rotated keys, keeping ", n)
	return nil
}

// KeyCount returns the number of keys currently held.
func (s *Sealer) KeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Sealer) randReader() io.Reader {
	if s.rand != nil {
		return s.rand
	}
	return cryptoRandReader
}

func (s *Sealer) snapshotKeys() []SealKey {
	s.mu.RLock()
	keys := append([]SealKey(nil), s.keys...)
	s.mu.RUnlock()
	return keys
}

// Seal encrypts plaintext under the newest key.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	keys := s.snapshotKeys()
	if len(keys) == 0 {
		return nil, siderrors.New("sessionid: internal error: sealer has no keys").AtError()
	}
	switch s.cipher {
	case SealChaCha20Poly1305:
		return sealAEAD(s.randReader(), keys[0], plaintext)
	default:
		return sealCTR(s.randReader(), keys[0], plaintext)
	}
}

// Open authenticates and decrypts a sealed blob, trying every held key.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	keys := s.snapshotKeys()
	switch s.cipher {
	case SealChaCha20Poly1305:
		return openAEAD(keys, sealed)
	default:
		return openCTR(keys, sealed)
	}
}

// sealCTR produces iv || ciphertext || hmac-sha256(iv || ciphertext).
func sealCTR(rand io.Reader, key SealKey, plaintext []byte) ([]byte, error) {
	sealed := make([]byte, aes.BlockSize+len(plaintext)+sha256.Size)
	iv := sealed[:aes.BlockSize]
	ciphertext := sealed[aes.BlockSize : len(sealed)-sha256.Size]
	authenticated := sealed[:len(sealed)-sha256.Size]
	macBytes := sealed[len(sealed)-sha256.Size:]

	if _, err := io.ReadFull(rand, iv); err != nil {
		return nil, siderrors.New("sessionid: failed to generate IV for sealing").Base(err).AtError()
	}
	block, err := aes.NewCipher(key.cipherKey[:])
	if err != nil {
		return nil, siderrors.New("sessionid: failed to create cipher while sealing").Base(err).AtError()
	}
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, key.macKey[:])
	mac.Write(authenticated)
	mac.Sum(macBytes[:0])
	return sealed, nil
}

// openCTR opens a sealCTR blob.
//
// SECURITY: Fully constant-time implementation to prevent timing attacks
// that could reveal which key in the rotation pool was used.
//
// Strategy: Decrypt with ALL keys, then use constant-time selection to pick
// the result from the matching key. This ensures identical timing regardless
// of which key (if any) matches.
func openCTR(keys []SealKey, sealed []byte) ([]byte, error) {
	if len(sealed) < aes.BlockSize+sha256.Size {
		return nil, ErrSealedTooShort
	}
	numKeys := len(keys)
	if numKeys == 0 {
		return nil, ErrOpenFailed
	}

	iv := sealed[:aes.BlockSize]
	ciphertext := sealed[aes.BlockSize : len(sealed)-sha256.Size]
	authenticated := sealed[:len(sealed)-sha256.Size]
	macBytes := sealed[len(sealed)-sha256.Size:]

	// Pre-allocate decryption results for all keys
	decrypted := make([][]byte, numKeys)
	matchResults := make([]int, numKeys)

	// Process ALL keys unconditionally - same operations for each
	for i, key := range keys {
		mac := hmac.New(sha256.New, key.macKey[:])
		mac.Write(authenticated)
		expected := mac.Sum(nil)

		// Constant-time compare - result is 1 for match, 0 for mismatch
		matchResults[i] = subtle.ConstantTimeCompare(macBytes, expected)

		// ALWAYS decrypt for every key to ensure constant timing
		block, err := aes.NewCipher(key.cipherKey[:])
		if err != nil {
			// Create dummy plaintext on error to maintain constant timing
			decrypted[i] = make([]byte, len(ciphertext))
			matchResults[i] = 0
			continue
		}
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
		decrypted[i] = plaintext
	}

	// Constant-time selection: find the matching result.
	// If multiple keys match (shouldn't happen), use the first one.
	var result []byte
	foundMask := 0
	for i := 0; i < numKeys; i++ {
		isMatch := matchResults[i]
		notYetFound := 1 - foundMask

		// shouldSelect is 1 only if isMatch==1 AND foundMask==0
		shouldSelect := isMatch & notYetFound

		// Once we find a match, foundMask stays 1
		foundMask |= isMatch

		if result == nil {
			result = make([]byte, len(ciphertext))
		}
		for j := 0; j < len(result); j++ {
			result[j] = byte(subtle.ConstantTimeSelect(shouldSelect, int(decrypted[i][j]), int(result[j])))
		}
	}

	if foundMask == 0 {
		return nil, ErrOpenFailed
	}
	return result, nil
}

// sealAEAD produces nonce || chacha20poly1305(plaintext).
func sealAEAD(rand io.Reader, key SealKey, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.cipherKey[:])
	if err != nil {
		return nil, siderrors.New("sessionid: failed to create AEAD while sealing").Base(err).AtError()
	}
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, siderrors.New("sessionid: failed to generate nonce for sealing").Base(err).AtError()
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openAEAD opens a sealAEAD blob, trying keys newest first. Unlike the CTR
// path this is not constant-time across keys: the AEAD's own open already
// rejects in constant time per key, and which rotation generation a blob
// belongs to is not secret.
func openAEAD(keys []SealKey, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	nonce := sealed[:chacha20poly1305.NonceSize]
	ciphertext := sealed[chacha20poly1305.NonceSize:]
	for _, key := range keys {
		aead, err := chacha20poly1305.New(key.cipherKey[:])
		if err != nil {
			continue
		}
		if plaintext, err := aead.Open(nil, nonce, ciphertext, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrOpenFailed
}
