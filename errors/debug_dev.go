//go:build debug

package errors

// DebugLoggingEnabled is true in debug builds. Build with -tags=debug to
// enable debug-level logging; release builds compile it out entirely.
const DebugLoggingEnabled = true
