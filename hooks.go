// Minimal observability hook interface - zero-overhead monitoring
package sessionid

import (
	"context"
	"fmt"
	"sync/atomic"

	siderrors "github.com/refraction-networking/sessionid/errors"
)

// hooksLogCtx is a background context used for hooks logging.
var hooksLogCtx = context.Background()

// Hook defines optional callbacks for monitoring, logging, and metrics
// collection around session generation and caching.
//
// The default is a no-op implementation, replaceable atomically at runtime
// with SetHook. Access is lock-free (atomic.Value), so leaving the default
// in place costs a single atomic load per event.
//
// THREAD-SAFETY GUARANTEES:
//   - All hook methods are called lock-free
//   - Implementations must be thread-safe (called from multiple goroutines)
//   - No synchronization needed by caller (SetHook handles atomic swap)
//
// IMPLEMENTATION REQUIREMENTS:
//   - Methods must be fast - several are called on the handshake path of
//     every connection (generation, hit/miss)
//   - No blocking I/O (network, file, DB) - would stall handshakes
//   - Implementations exporting to Prometheus, DataDog, etc. should bump
//     local counters here and scrape elsewhere
type Hook interface {
	// Generation and cache events. cacheID identifies the Cache instance
	// (matching the ID prefix on its log lines).
	OnSessionGenerated(cacheID uint32, attempts int)
	OnCacheHit(cacheID uint32)
	OnCacheMiss(cacheID uint32)
	OnExternalLookup(cacheID uint32)
	OnCacheEvict(cacheID uint32, reason string)
	OnCacheFlush(cacheID uint32, removed int)

	// Logging events (standard log levels)
	OnDebug(message string)
	OnInfo(message string)
	OnWarn(message string)
	OnError(message string)
}

// noOpHook is a zero-overhead implementation that does nothing
type noOpHook struct{}

func (h *noOpHook) OnSessionGenerated(cacheID uint32, attempts int) {}
func (h *noOpHook) OnCacheHit(cacheID uint32)                       {}
func (h *noOpHook) OnCacheMiss(cacheID uint32)                      {}
func (h *noOpHook) OnExternalLookup(cacheID uint32)                 {}
func (h *noOpHook) OnCacheEvict(cacheID uint32, reason string)      {}
func (h *noOpHook) OnCacheFlush(cacheID uint32, removed int)        {}
func (h *noOpHook) OnDebug(message string)                          {}
func (h *noOpHook) OnInfo(message string)                           {}
func (h *noOpHook) OnWarn(message string)                           {}
func (h *noOpHook) OnError(message string)                          {}

// hookBox wraps a Hook to ensure type consistency in atomic.Value.
// Go's atomic.Value requires all Store() calls to use the same concrete type.
// Without this wrapper, storing *noOpHook then *MetricsHook would panic with:
//
//	"sync/atomic: store of inconsistently typed value into Value"
//
// By always storing *hookBox, we maintain type consistency while allowing
// different hook implementations inside.
type hookBox struct {
	hook Hook
}

// hookStorage wraps atomic.Value with cache-line padding to prevent false
// sharing. On x86-64, cache lines are 64 bytes; atomic.Value is 16 bytes,
// so 48 bytes of tail padding fill the line.
type hookStorage struct {
	_    [64]byte     // padding to isolate from preceding allocations
	hook atomic.Value // stores *hookBox
	_    [48]byte     // fill rest of 64-byte cache line (64-16=48)
}

// globalHook is the global hook holder.
// NOTE: Always stores *hookBox to maintain type consistency (see hookBox comment).
var globalHook hookStorage

func init() {
	// Initialize with no-op hook to prevent nil panics
	globalHook.hook.Store(&hookBox{hook: &noOpHook{}})

	// Connect errors package logging to the hook system:
	// errors.LogDebug/Info/Warning/Error -> hook.OnDebug/Info/Warn/Error.
	// Without this, logs would go directly to stderr, bypassing the hook.
	siderrors.SetLogCallback(func(severity siderrors.Severity, msg string) {
		switch severity {
		case siderrors.SeverityDebug:
			callOnDebug(msg)
		case siderrors.SeverityInfo:
			callOnInfo(msg)
		case siderrors.SeverityWarning:
			callOnWarn(msg)
		case siderrors.SeverityError:
			callOnError(msg)
		default:
			// Unknown severity falls back to info level
			callOnInfo(msg)
		}
	})
}

// SetHook registers a custom hook for metrics/monitoring.
//
// Call once during initialization, before creating caches; it can also be
// called at any time, since replacement is atomic and in-flight calls to the
// old hook simply complete. Passing nil restores the default no-op hook.
func SetHook(hook Hook) {
	if hook == nil {
		siderrors.LogDebug(hooksLogCtx, "hooks: registering nil hook, using noOpHook")
		hook = &noOpHook{}
	} else {
		siderrors.LogDebug(hooksLogCtx, "hooks: registering custom hook",
			" hookType=", fmt.Sprintf("%T", hook))
	}
	globalHook.hook.Store(&hookBox{hook: hook})
}

// UnsetHook removes the current hook and restores the no-op hook.
func UnsetHook() {
	SetHook(nil)
}

// GetHook returns the currently active hook.
func GetHook() Hook {
	return globalHook.hook.Load().(*hookBox).hook
}

// Helper functions for calling hooks with lock-free atomic access

func callOnSessionGenerated(cacheID uint32, attempts int) {
	globalHook.hook.Load().(*hookBox).hook.OnSessionGenerated(cacheID, attempts)
}

func callOnCacheHit(cacheID uint32) {
	globalHook.hook.Load().(*hookBox).hook.OnCacheHit(cacheID)
}

func callOnCacheMiss(cacheID uint32) {
	globalHook.hook.Load().(*hookBox).hook.OnCacheMiss(cacheID)
}

func callOnExternalLookup(cacheID uint32) {
	globalHook.hook.Load().(*hookBox).hook.OnExternalLookup(cacheID)
}

func callOnCacheEvict(cacheID uint32, reason string) {
	globalHook.hook.Load().(*hookBox).hook.OnCacheEvict(cacheID, reason)
}

func callOnCacheFlush(cacheID uint32, removed int) {
	globalHook.hook.Load().(*hookBox).hook.OnCacheFlush(cacheID, removed)
}

func callOnDebug(message string) {
	globalHook.hook.Load().(*hookBox).hook.OnDebug(message)
}

func callOnInfo(message string) {
	globalHook.hook.Load().(*hookBox).hook.OnInfo(message)
}

func callOnWarn(message string) {
	globalHook.hook.Load().(*hookBox).hook.OnWarn(message)
}

func callOnError(message string) {
	globalHook.hook.Load().(*hookBox).hook.OnError(message)
}
