package sessionid

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestNewRotatorClamps(t *testing.T) {
	r := NewRotator(testSealer(t, SealAESCTRHMAC), time.Second, 0)
	if r.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", r.Interval)
	}
	if r.Keep != 2 {
		t.Errorf("Keep = %d, want 2", r.Keep)
	}

	r = NewRotator(testSealer(t, SealAESCTRHMAC), time.Hour, 5)
	if r.Interval != time.Hour || r.Keep != 5 {
		t.Errorf("clamps altered valid values: interval=%v keep=%d", r.Interval, r.Keep)
	}
}

func TestRotatorLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRotator(testSealer(t, SealAESCTRHMAC), time.Hour, 2)
	r.Start(context.Background())
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}

func TestRotatorStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRotator(testSealer(t, SealAESCTRHMAC), time.Hour, 2)
	r.Start(ctx)
	cancel()
	<-r.done
	r.Stop()
}
