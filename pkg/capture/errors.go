package capture

import (
	"errors"
	"fmt"
)

// Sentinel errors of the dispatch loop and session lifecycle. Callers branch
// on them with errors.Is; everything else coming out of Next is fatal for the
// session.
var (
	// ErrTimeout means no event arrived within the capture timeout. The
	// session is still healthy; call Next again.
	ErrTimeout = errors.New("capture: timeout")

	// ErrEOF means a trace file has been fully consumed. It is sticky:
	// every subsequent Next returns it again.
	ErrEOF = errors.New("capture: end of capture")

	// ErrPaused is returned by Next while the capture is stopped.
	ErrPaused = errors.New("capture: capture stopped")

	// ErrInterrupted means the source was asked to abort a blocked read.
	ErrInterrupted = errors.New("capture: interrupted")

	// ErrNotCapturing is returned by operations that need an open session.
	ErrNotCapturing = errors.New("capture: session not open")

	// ErrAlreadyOpen is returned by Open on a session that is already
	// capturing, and by pre-open-only operations after Open.
	ErrAlreadyOpen = errors.New("capture: session already open")

	// ErrLiveOnly is returned by operations that only apply to a live
	// source, such as stopping the driver or changing the snapshot length.
	ErrLiveOnly = errors.New("capture: operation requires a live capture")
)

// OpenError wraps a failure to open a source, keeping the source name for
// the operator-facing message.
type OpenError struct {
	Source string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("opening %s source: %v", e.Source, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// DispatchError wraps a non-sentinel failure inside the dispatch loop with
// the ordinal of the event being handled when it happened.
type DispatchError struct {
	EventNum uint64
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch at event %d: %v", e.EventNum, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
