package sessionid

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	siderrors "github.com/refraction-networking/sessionid/errors"
)

// FlushExpired removes sessions whose lifetime has passed as of now, plus
// reservations older than the grace interval, and returns how many sessions
// were dropped. Put runs the same sweep automatically every 255th store
// unless ModeNoAutoClear is set; FlushExpired exists for hosts that disable
// that and sweep on their own schedule.
func (c *Cache) FlushExpired(now time.Time) int {
	c.mu.Lock()
	removed := c.flushExpiredLocked(now)
	c.mu.Unlock()

	for _, sess := range removed {
		c.stats.timeouts.Add(1)
		c.notifyRemoved(sess, evictReasonExpired)
	}
	callOnCacheFlush(c.instanceID, len(removed))
	if len(removed) > 0 {
		siderrors.LogDebug(c.logCtx(context.Background()), "cache: flushed ", len(removed), " expired sessions")
	}
	return len(removed)
}

// flushExpiredLocked collects and unlinks expired sessions and lapsed
// reservations. Caller holds c.mu; notifications happen outside the lock.
func (c *Cache) flushExpiredLocked(now time.Time) []*Session {
	def := c.config.timeout()
	var removed []*Session
	for key, elem := range c.m {
		entry := elem.Value.(*cacheEntry)
		if entry.sess.expiredAt(now, def) {
			c.q.Remove(elem)
			delete(c.m, key)
			removed = append(removed, entry.sess)
		}
	}
	for key, reservedAt := range c.reservations {
		if now.Sub(reservedAt) > reservationGrace {
			delete(c.reservations, key)
		}
	}
	return removed
}

// Flusher periodically flushes expired sessions from every cache in the
// global registry. One Flusher per process is plenty; most hosts instead
// rely on the automatic every-255th-store sweep and never start one.
type Flusher struct {
	// Interval is the base sweep interval. Each sleep is jittered up to
	// +25% so a fleet of processes does not sweep in lockstep.
	Interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewFlusher returns a stopped Flusher. interval below one second is raised
// to one second.
func NewFlusher(interval time.Duration) *Flusher {
	if interval < time.Second {
		interval = time.Second
	}
	return &Flusher{Interval: interval}
}

// Start launches the background sweep goroutine. Starting a started Flusher
// is a no-op. The goroutine exits when Stop is called or ctx is canceled.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	f.started = true
	go f.run(ctx, f.done)
	siderrors.LogDebug(ctx, "flusher: started, interval=", f.Interval)
}

// Stop halts the sweep goroutine and waits for it to exit. Stopping a
// stopped Flusher is a no-op.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	cancel, done := f.cancel, f.done
	f.started = false
	f.mu.Unlock()

	cancel()
	<-done
}

func (f *Flusher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(jittered(f.Interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			flushed := globalRegistry.FlushAll(time.Now())
			if flushed > 0 {
				siderrors.LogDebug(ctx, "flusher: swept ", flushed, " expired sessions")
			}
			timer.Reset(jittered(f.Interval))
		}
	}
}

// jittered returns d plus up to 25% of cryptographically random slack.
func jittered(d time.Duration) time.Duration {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return d
	}
	slack := time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(d/4+1))
	return d + slack
}
