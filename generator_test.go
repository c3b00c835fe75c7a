package sessionid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewIDDefaultGenerator(t *testing.T) {
	c := New(nil)
	defer c.Close()

	id, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if len(id) != MaxIDLength {
		t.Errorf("default ID length = %d, want %d", len(id), MaxIDLength)
	}
	if id.IsZero() {
		t.Error("generated ID is all zero")
	}
	if !c.Contains(id) {
		t.Error("freshly generated ID not reserved")
	}
}

func TestNewIDConfiguredLength(t *testing.T) {
	c := New(&Config{IDLength: 16})
	defer c.Close()

	id, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if len(id) != 16 {
		t.Errorf("ID length = %d, want 16", len(id))
	}
}

func TestNewIDShorteningCallback(t *testing.T) {
	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			for i := range id {
				id[i] = byte(i + 1)
			}
			return 8, nil
		},
	})
	defer c.Close()

	id, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if !bytes.Equal(id, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("shortened ID = %x", []byte(id))
	}
}

func TestNewIDCallbackError(t *testing.T) {
	cbErr := errors.New("backend down")
	c := New(&Config{
		GenerateID: func(context.Context, []byte) (int, error) {
			return 0, cbErr
		},
	})
	defer c.Close()

	_, err := c.NewID(context.Background())
	if err == nil {
		t.Fatal("NewID succeeded with a failing callback")
	}
	if !errors.Is(err, ErrGenerateFailed) {
		t.Errorf("error does not wrap ErrGenerateFailed: %v", err)
	}
	if !errors.Is(err, cbErr) {
		t.Errorf("error does not wrap the callback error: %v", err)
	}
}

func TestNewIDImpossibleLength(t *testing.T) {
	testCases := []struct {
		name string
		n    int
	}{
		{"Zero", 0},
		{"Negative", -1},
		{"Lengthened", MaxIDLength + 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(&Config{
				GenerateID: func(_ context.Context, id []byte) (int, error) {
					id[0] = 0x01
					return tc.n, nil
				},
			})
			defer c.Close()
			_, err := c.NewID(context.Background())
			if !errors.Is(err, ErrIDTooLong) {
				t.Errorf("error = %v, want ErrIDTooLong", err)
			}
		})
	}
}

func TestNewIDZeroID(t *testing.T) {
	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			for i := range id {
				id[i] = 0
			}
			return len(id), nil
		},
	})
	defer c.Close()

	if _, err := c.NewID(context.Background()); !errors.Is(err, ErrZeroID) {
		t.Errorf("error = %v, want ErrZeroID", err)
	}
}

func TestNewIDRetriesOnCollision(t *testing.T) {
	calls := 0
	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			calls++
			// First draw collides with the stored session below.
			if calls == 1 {
				id[0] = 0xaa
				return 1, nil
			}
			id[0] = 0xbb
			return 1, nil
		},
	})
	defer c.Close()

	sess := testSession(t, ID{0xaa}, time.Now())
	if err := c.Put(context.Background(), sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	id, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if !id.Equal(ID{0xbb}) {
		t.Errorf("got ID %s, want bb", id)
	}
	if calls != 2 {
		t.Errorf("callback called %d times, want 2", calls)
	}
}

func TestNewIDExhaustion(t *testing.T) {
	calls := 0
	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			calls++
			id[0] = 0xaa
			return 1, nil
		},
	})
	defer c.Close()

	if err := c.Put(context.Background(), testSession(t, ID{0xaa}, time.Now())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := c.NewID(context.Background())
	if !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("error = %v, want ErrIDExhausted", err)
	}
	if calls != maxGenerateAttempts {
		t.Errorf("callback called %d times, want %d", calls, maxGenerateAttempts)
	}
}

func TestNewIDConcurrentUniqueness(t *testing.T) {
	// A deliberately low-entropy generator: without reservation under the
	// cache lock, concurrent callers would collide constantly.
	var seq sync.Mutex
	next := 0
	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			seq.Lock()
			next++
			n := next
			seq.Unlock()
			id[0] = byte(n >> 8)
			id[1] = byte(n)
			id[2] = 0x01
			return 3, nil
		},
	})
	defer c.Close()

	const goroutines = 50
	var wg sync.WaitGroup
	ids := make([]ID, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = c.NewID(context.Background())
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i := 0; i < goroutines; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: NewID failed: %v", i, errs[i])
		}
		key := ids[i].key()
		if prev, dup := seen[key]; dup {
			t.Fatalf("goroutines %d and %d got the same ID %s", prev, i, ids[i])
		}
		seen[key] = i
	}
	if got := c.Stats().Reservations; got != goroutines {
		t.Errorf("Reservations = %d, want %d", got, goroutines)
	}
}

func TestReservationLifecycle(t *testing.T) {
	c := New(nil)
	defer c.Close()

	id, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if !c.Contains(id) {
		t.Fatal("reserved ID not visible to Contains")
	}

	// Put consumes the reservation and stores the session.
	if err := c.Put(context.Background(), testSession(t, id, time.Now())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got := c.Stats().Reservations; got != 0 {
		t.Errorf("Reservations after Put = %d, want 0", got)
	}
	if !c.Contains(id) {
		t.Error("stored ID not visible to Contains")
	}

	// Release drops an abandoned reservation.
	id2, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	c.Release(id2)
	if c.Contains(id2) {
		t.Error("released ID still visible to Contains")
	}
}

func TestNewIDFromOverride(t *testing.T) {
	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			id[0] = 0x11
			return 1, nil
		},
	})
	defer c.Close()

	override := func(_ context.Context, id []byte) (int, error) {
		id[0] = 0x22
		return 1, nil
	}
	id, err := c.NewIDFrom(context.Background(), override)
	if err != nil {
		t.Fatalf("NewIDFrom failed: %v", err)
	}
	if !id.Equal(ID{0x22}) {
		t.Errorf("override ignored: got %s", id)
	}

	// nil falls back to the configured callback.
	id, err = c.NewIDFrom(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewIDFrom(nil) failed: %v", err)
	}
	if !id.Equal(ID{0x11}) {
		t.Errorf("configured callback not used: got %s", id)
	}
}

func TestContainsZeroPadding(t *testing.T) {
	c := New(nil)
	defer c.Close()

	short := ID{0x11, 0x22}
	if err := c.Put(context.Background(), testSession(t, short, time.Now())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	padded := make(ID, MaxIDLength)
	copy(padded, short)
	if !c.Contains(padded) {
		t.Error("zero-padded form of a stored short ID not found")
	}
	if c.Contains(ID{0x11}) {
		t.Error("prefix of a stored ID reported as present")
	}
	if c.Contains(nil) {
		t.Error("empty ID reported as present")
	}
}

func TestNewPrefixedGenerator(t *testing.T) {
	prefix := []byte("node7-")
	gen, err := NewPrefixedGenerator(prefix, nil)
	if err != nil {
		t.Fatalf("NewPrefixedGenerator failed: %v", err)
	}

	c := New(&Config{GenerateID: gen})
	defer c.Close()

	id, err := c.NewID(context.Background())
	if err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if !bytes.HasPrefix(id, prefix) {
		t.Errorf("ID %x does not carry prefix %q", []byte(id), prefix)
	}
	if len(id) != MaxIDLength {
		t.Errorf("ID length = %d, want %d", len(id), MaxIDLength)
	}
}

func TestNewPrefixedGeneratorRejectsLongPrefix(t *testing.T) {
	if _, err := NewPrefixedGenerator(make([]byte, MaxIDLength-8), nil); err == nil {
		t.Fatal("accepted a prefix leaving fewer than 16 random bytes")
	}
}

func TestNewPrefixedGeneratorDistinctTails(t *testing.T) {
	gen, err := NewPrefixedGenerator([]byte{0x01}, nil)
	if err != nil {
		t.Fatalf("NewPrefixedGenerator failed: %v", err)
	}
	buf1 := make([]byte, MaxIDLength)
	buf2 := make([]byte, MaxIDLength)
	if _, err := gen(context.Background(), buf1); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := gen(context.Background(), buf2); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if bytes.Equal(buf1, buf2) {
		t.Error("two draws produced identical IDs")
	}
}

func TestNewRandomGeneratorCustomSource(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x5a}, MaxIDLength))
	gen := NewRandomGenerator(src)
	buf := make([]byte, MaxIDLength)
	n, err := gen(context.Background(), buf)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if n != MaxIDLength || !bytes.Equal(buf, bytes.Repeat([]byte{0x5a}, MaxIDLength)) {
		t.Errorf("generator did not read from the provided source: n=%d buf=%x", n, buf)
	}

	// Exhausted source surfaces as an error, not a short ID.
	if _, err := gen(context.Background(), buf); err == nil {
		t.Fatal("generate succeeded on an exhausted entropy source")
	}
}

func TestNewIDStatsAndHook(t *testing.T) {
	hook := &captureHook{}
	SetHook(hook)
	defer UnsetHook()

	c := New(&Config{
		GenerateID: func(_ context.Context, id []byte) (int, error) {
			id[0] = 0xcc
			return 1, nil
		},
	})
	defer c.Close()

	if err := c.Put(context.Background(), testSession(t, ID{0xcc}, time.Now())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// All draws collide now; exhaustion must not bump the generated stat.
	if _, err := c.NewID(context.Background()); !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("error = %v, want ErrIDExhausted", err)
	}
	if got := c.Stats().Generated; got != 0 {
		t.Errorf("Generated after exhaustion = %d, want 0", got)
	}

	c.Remove(context.Background(), ID{0xcc})
	if _, err := c.NewID(context.Background()); err != nil {
		t.Fatalf("NewID failed: %v", err)
	}
	if got := c.Stats().Generated; got != 1 {
		t.Errorf("Generated = %d, want 1", got)
	}
	events := hook.snapshot()
	want := fmt.Sprintf("generated cache=%d attempts=1", c.InstanceID())
	if !containsEvent(events, want) {
		t.Errorf("hook events %q missing %q", events, want)
	}
}
