package sessionid

import (
	"context"
	"sync"
	"time"

	siderrors "github.com/refraction-networking/sessionid/errors"
)

// Rotator rotates a Sealer's keys on a jittered schedule, so blobs sealed
// for external stores age out cryptographically rather than relying on every
// store honoring timeouts.
//
// Rotator is safe for concurrent use. Start and Stop may be called from any
// goroutine; the sealer itself carries its own lock, so rotation never
// blocks Seal or Open for longer than a key-slice swap.
type Rotator struct {
	// Interval is the base rotation period. Each sleep is jittered up to
	// +25% so a fleet of servers does not rotate in lockstep.
	Interval time.Duration

	// Keep is how many keys survive each rotation (newest first). Blobs
	// sealed more than Keep*Interval ago stop opening.
	Keep int

	sealer *Sealer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRotator builds a stopped rotator for sealer. interval below one minute
// is raised to one minute; keep below 2 is raised to 2 so the key sealed
// with immediately before a rotation still opens after it.
func NewRotator(sealer *Sealer, interval time.Duration, keep int) *Rotator {
	if interval < time.Minute {
		interval = time.Minute
	}
	if keep < 2 {
		keep = 2
	}
	return &Rotator{
		Interval: interval,
		Keep:     keep,
		sealer:   sealer,
	}
}

// Start launches the rotation goroutine. Starting a started Rotator is a
// no-op. The goroutine exits when Stop is called or ctx is canceled.
func (r *Rotator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.started = true
	go r.run(ctx, r.done)
	siderrors.LogDebug(ctx, "rotator: started, interval=", r.Interval, ", keep=", r.Keep)
}

// Stop halts rotation and waits for the goroutine to exit. Stopping a
// stopped Rotator is a no-op.
func (r *Rotator) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.started = false
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Rotator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(jittered(r.Interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.sealer.Rotate(r.Keep); err != nil {
				// Entropy failure: keep the current keys and retry
				// next tick rather than sealing with nothing.
				siderrors.LogWarningInner(ctx, err, "rotator: key rotation failed")
			}
			timer.Reset(jittered(r.Interval))
		}
	}
}
