// Package sessionerr defines the error taxonomy shared by every component
// of the session engine. Errors are sentinel values so callers can branch
// with errors.Is instead of string matching, while still carrying the
// underlying cause via %w wrapping.
package sessionerr

import "errors"

var (
	// ErrInitializationFailed means the engine could not stand up a
	// browser/context/page for a new session. Fatal for that session.
	ErrInitializationFailed = errors.New("initialization failed")

	// ErrBrowserCrashed means the underlying browser process died
	// unexpectedly mid-session. Fatal for that session.
	ErrBrowserCrashed = errors.New("browser crashed")

	// ErrNavigationTimeout is soft: the step reports isNavigationTimeout=true
	// without failing. Every navigation error is mapped to it, and no local
	// timeout page is rendered.
	ErrNavigationTimeout = errors.New("navigation timeout")

	// ErrStabilityTimeout is soft: it never fails a command, and may
	// trigger auto-disable of the stability detector.
	ErrStabilityTimeout = errors.New("stability timeout")

	// ErrContextDestroyed is soft: the step is reported as success with a
	// flag, and commandCounter is not advanced.
	ErrContextDestroyed = errors.New("execution context destroyed")

	// ErrUnknownCommand is hard but makes no state change.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrCommandDispatchFailed is hard: the queue is cleared, but the
	// session is not ended.
	ErrCommandDispatchFailed = errors.New("command dispatch failed")

	// ErrArtifactWriteFailed is warn-and-continue: never aborts a step.
	ErrArtifactWriteFailed = errors.New("artifact write failed")

	// ErrUploadFailed is warn-only.
	ErrUploadFailed = errors.New("upload failed")

	// ErrLlmAPIFailed surfaces only after retry exhaustion.
	ErrLlmAPIFailed = errors.New("llm api call failed")

	// ErrPostProcessingFailed is warn-and-continue: the session still
	// completes with whatever artifacts were produced.
	ErrPostProcessingFailed = errors.New("post-processing failed")

	// ErrInactivityTimeout triggers an auto-end, exit code 0 shortly after.
	ErrInactivityTimeout = errors.New("session inactivity timeout")

	// ErrQueueOverloaded is returned by the Command Queue's admission
	// limiter (§4.14) when a client's enqueue burst is rejected.
	ErrQueueOverloaded = errors.New("queue admission limit exceeded")

	// ErrQueueDisabled is returned when enqueue is attempted after a
	// dispatch failure has disabled further processing.
	ErrQueueDisabled = errors.New("queue disabled after dispatch failure")

	// ErrSessionNotInitialized is returned when execute/end is dispatched
	// before initialize has completed successfully.
	ErrSessionNotInitialized = errors.New("session not initialized")

	// ErrNoActiveDrag is a soft warning: :end-drag without a prior
	// :start-drag no-ops the button release.
	ErrNoActiveDrag = errors.New("no active drag")

	// ErrHoldStateMismatch is a soft warning: a release verb without a
	// matching hold state.
	ErrHoldStateMismatch = errors.New("hold/release state mismatch")
)

// Soft reports whether err represents one of the "soft" classes from
// SPEC_FULL.md §7: the step is still reported as (qualified) success and
// commandCounter still advances, except ErrContextDestroyed which holds
// the counter back per spec.md §4.7.
func Soft(err error) bool {
	switch {
	case errors.Is(err, ErrNavigationTimeout),
		errors.Is(err, ErrStabilityTimeout),
		errors.Is(err, ErrContextDestroyed),
		errors.Is(err, ErrNoActiveDrag),
		errors.Is(err, ErrHoldStateMismatch):
		return true
	default:
		return false
	}
}
