package sessionid

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"
)

// testID generates a random ID of the given length for testing.
func testID(t *testing.T, n int) ID {
	t.Helper()
	id := make(ID, n)
	if _, err := rand.Read(id); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	// Guard against the astronomically unlikely all-zero draw.
	id[0] |= 1
	return id
}

// testSession creates a minimal session for testing, created at now.
func testSession(t *testing.T, id ID, now time.Time) *Session {
	t.Helper()
	sess, err := NewSession(id, 0x0303, 0xc02f, []byte("test-resumption-secret-32-bytes!"), now)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return sess
}

func TestNewSessionValidation(t *testing.T) {
	now := time.Now()
	testCases := []struct {
		name    string
		id      ID
		secret  []byte
		wantErr bool
	}{
		{"Valid32", testID(t, 32), []byte("secret"), false},
		{"Valid1", ID{0x01}, []byte("secret"), false},
		{"EmptyID", ID{}, []byte("secret"), true},
		{"TooLongID", make(ID, 33), []byte("secret"), true},
		{"EmptySecret", testID(t, 32), nil, true},
		{"SecretTooLong", testID(t, 32), bytes.Repeat([]byte{0x42}, 256), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSession(tc.id, 0x0303, 0xc02f, tc.secret, now)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("NewSession error = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestSessionRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := testID(t, 32)
	sess := testSession(t, id, now)
	sess.SetTimeout(42 * time.Second)
	sess.Extra = [][]byte{[]byte("layer-a"), []byte("layer-b")}

	data, err := sess.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	parsed, err := ParseSession(data)
	if err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}

	if !parsed.ID().Equal(id) {
		t.Errorf("ID mismatch: got %s, want %s", parsed.ID(), id)
	}
	if parsed.Version() != 0x0303 {
		t.Errorf("Version = %#x, want 0x0303", parsed.Version())
	}
	if parsed.CipherSuite() != 0xc02f {
		t.Errorf("CipherSuite = %#x, want 0xc02f", parsed.CipherSuite())
	}
	if !bytes.Equal(parsed.Secret(), sess.Secret()) {
		t.Error("secret mismatch after round trip")
	}
	if !parsed.CreatedAt().Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", parsed.CreatedAt(), now)
	}
	if parsed.Timeout() != 42*time.Second {
		t.Errorf("Timeout = %v, want 42s", parsed.Timeout())
	}
	if len(parsed.Extra) != 2 || !bytes.Equal(parsed.Extra[0], []byte("layer-a")) || !bytes.Equal(parsed.Extra[1], []byte("layer-b")) {
		t.Errorf("Extra mismatch: got %q", parsed.Extra)
	}
}

func TestSessionShortIDRoundTrip(t *testing.T) {
	id := testID(t, 16)
	sess := testSession(t, id, time.Now())
	data, err := sess.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	parsed, err := ParseSession(data)
	if err != nil {
		t.Fatalf("ParseSession failed: %v", err)
	}
	if got := parsed.ID(); len(got) != 16 || !got.Equal(id) {
		t.Errorf("short ID not preserved: got len %d", len(got))
	}
}

func TestParseSessionRejectsGarbage(t *testing.T) {
	sess := testSession(t, testID(t, 32), time.Now())
	good, err := sess.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Truncated", good[:len(good)-3]},
		{"TrailingData", append(append([]byte(nil), good...), 0x00)},
		{"BadEncodingVersion", append([]byte{0xff}, good[1:]...)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSession(tc.data); err == nil {
				t.Fatal("ParseSession accepted malformed data")
			}
		})
	}
}

func TestParseSessionRejectsExcessiveLifetime(t *testing.T) {
	sess := testSession(t, testID(t, 32), time.Now())
	sess.SetTimeout(8 * 24 * time.Hour)
	data, err := sess.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if _, err := ParseSession(data); err == nil {
		t.Fatal("ParseSession accepted a lifetime beyond 7 days")
	}
}

func TestNewResumptionSession(t *testing.T) {
	id := testID(t, 24)
	sess, err := NewResumptionSession(id, 0x0304, 0x1301, []byte("psk"), 1700000000, time.Hour)
	if err != nil {
		t.Fatalf("NewResumptionSession failed: %v", err)
	}
	if !sess.ID().Equal(id) || sess.Timeout() != time.Hour {
		t.Error("NewResumptionSession did not preserve fields")
	}
	if sess.CreatedAt().Unix() != 1700000000 {
		t.Errorf("CreatedAt = %d, want 1700000000", sess.CreatedAt().Unix())
	}
}

func TestIDEqualPadding(t *testing.T) {
	short := ID{0xde, 0xad, 0xbe, 0xef}
	padded := make(ID, MaxIDLength)
	copy(padded, short)

	if !short.Equal(padded) {
		t.Error("short ID should equal its zero-padded form")
	}
	if short.Equal(ID{0xde, 0xad, 0xbe, 0xee}) {
		t.Error("distinct IDs compared equal")
	}
	if short.Equal(append(make(ID, MaxIDLength), 0x01)) {
		t.Error("overlong ID compared equal")
	}
}

func TestSessionExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess := testSession(t, testID(t, 32), now)

	if sess.expiredAt(now.Add(4*time.Minute), DefaultTimeout) {
		t.Error("session expired before default timeout")
	}
	if !sess.expiredAt(now.Add(6*time.Minute), DefaultTimeout) {
		t.Error("session not expired after default timeout")
	}

	sess.SetTimeout(10 * time.Minute)
	if sess.expiredAt(now.Add(6*time.Minute), DefaultTimeout) {
		t.Error("per-session override ignored")
	}
}
