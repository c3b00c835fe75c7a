//go:build !debug

package errors

// DebugLoggingEnabled is false in release builds, letting the compiler drop
// debug log calls from the hot paths. Build with -tags=debug to enable them.
const DebugLoggingEnabled = false
