// Package ccberr defines the small sentinel-error taxonomy shared by every
// ccb package, mirroring the error kinds in the request/reply engine design:
// configuration, resource, transport, cancellation, timeout, and internal.
package ccberr

import "errors"

// Sentinel errors. Use errors.Is against these; wrap with fmt.Errorf("...: %w", ErrX)
// so the underlying cause is preserved alongside the kind.
var (
	// ErrNoSession means no session binding exists for a work_dir/provider pair.
	ErrNoSession = errors.New("provider not mounted in this directory")

	// ErrCorruptSession means the session file exists but could not be parsed.
	// Per the session-store invariant, a corrupt file is treated as "no binding",
	// never deleted.
	ErrCorruptSession = errors.New("session file is corrupt")

	// ErrPaneDead means the backend reports the pane is not alive and it could
	// not be respawned or re-found by title marker.
	ErrPaneDead = errors.New("pane is not alive")

	// ErrBackendUnavailable means the terminal backend itself could not be used
	// (e.g. tmux not installed, no tmux server running).
	ErrBackendUnavailable = errors.New("terminal backend unavailable")

	// ErrCancelled means the provider recorded a user-initiated cancellation
	// attributable to our request id.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimeout means no done marker was observed before the deadline.
	ErrTimeout = errors.New("timed out waiting for done marker")

	// ErrTransport means the wire-level request/response exchange failed
	// (malformed JSON, short read, bad token).
	ErrTransport = errors.New("transport error")

	// ErrUnauthorized means the request's token did not match the daemon's.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal wraps an unexpected failure inside a worker. Workers convert
	// every panic/error into a Result carrying this kind; they never terminate.
	ErrInternal = errors.New("internal error")

	// ErrLocked means a cross-process lock could not be acquired before its
	// bounded timeout elapsed.
	ErrLocked = errors.New("lock busy")
)

// ExitCode maps an error to the exit code defined by the protocol:
// 0 = done observed (never produced here; callers set that directly),
// 1 = hard failure, 2 = timeout.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrTimeout) {
		return 2
	}
	return 1
}
