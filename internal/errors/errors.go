// Package errors defines the categorical result codes used across the
// streaming runtime (spec §7). Errors here are plain values, not exceptions:
// every call site that can fail returns one of these codes wrapped with
// enough context (Op) to log and classify it.
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
)

// Code is a categorical result code. Zero value is OK.
type Code int

const (
	OK Code = iota

	// Flow control, not fatal.
	ObjectFull
	ObjectEmpty
	ObjectNotCurrent

	// Configuration (board/unit construction).
	BoardConstructionInvalidConfiguration
	BoardConstructionIncompleteConfiguration

	// Invariant / programming errors.
	RangeViolation
	InvalidStreamingStateForCommand
	InvalidStreamingDirection
	InvalidStreamingSpeed
	InvalidStreamingStepTime
	InvalidStreamingCommand

	// Pre-existing work in flight.
	ProcessingCommand

	// Resource exhaustion.
	NotEnoughMemory

	// Sentinel used only between the parser and its derived class.
	DeferStreamParseConfigure
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case ObjectFull:
		return "object_full"
	case ObjectEmpty:
		return "object_empty"
	case ObjectNotCurrent:
		return "object_not_current"
	case BoardConstructionInvalidConfiguration:
		return "boardconstruction_invalid_configuration"
	case BoardConstructionIncompleteConfiguration:
		return "boardconstruction_incomplete_configuration"
	case RangeViolation:
		return "range_violation"
	case InvalidStreamingStateForCommand:
		return "invalid_streaming_state_for_command"
	case InvalidStreamingDirection:
		return "invalid_streaming_direction"
	case InvalidStreamingSpeed:
		return "invalid_streaming_speed"
	case InvalidStreamingStepTime:
		return "invalid_streaming_steptime"
	case InvalidStreamingCommand:
		return "invalid_streaming_command"
	case ProcessingCommand:
		return "processing_command"
	case NotEnoughMemory:
		return "not_enough_memory"
	case DeferStreamParseConfigure:
		return "defer_stream_parse_configure"
	default:
		return "unknown"
	}
}

// StreamingError carries a Code plus the operation it happened in and,
// optionally, an underlying cause.
type StreamingError struct {
	Code Code
	Op   string
	Err  error
}

func (e *StreamingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *StreamingError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, New(code, "", nil)) match any StreamingError with
// the same code, regardless of Op/Err.
func (e *StreamingError) Is(target error) bool {
	t, ok := target.(*StreamingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New constructs a StreamingError for code, tagged with the operation it
// occurred in, optionally wrapping cause.
func New(code Code, op string, cause error) error {
	return &StreamingError{Code: code, Op: op, Err: cause}
}

// CodeOf extracts the Code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var se *StreamingError
	if stdErrors.As(err, &se) {
		return se.Code, true
	}
	return OK, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsFlowControl reports whether err is a recoverable flow-control signal
// (object_full / object_empty / object_not_current) as opposed to a fatal
// command-phase or programming error. Flow-control errors are retried at
// the point they arose (spec §7 propagation policy); everything else is
// fatal to the chain.
func IsFlowControl(err error) bool {
	c, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch c {
	case ObjectFull, ObjectEmpty, ObjectNotCurrent:
		return true
	default:
		return false
	}
}

// IsFatalToChain reports whether err must drive every participant of a
// chain into the terminated state (spec §7).
func IsFatalToChain(err error) bool {
	if err == nil {
		return false
	}
	if IsFlowControl(err) {
		return false
	}
	c, ok := CodeOf(err)
	if !ok {
		// Unclassified errors are treated as fatal: the proxy has no way
		// to retry them. Context cancellation is the one exception.
		return !stdErrors.Is(err, context.Canceled)
	}
	switch c {
	case OK, ProcessingCommand:
		return false
	default:
		return true
	}
}
