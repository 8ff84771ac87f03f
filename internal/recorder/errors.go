package recorder

import "fmt"

// AbortReason classifies why recording stopped without producing a trace.
type AbortReason byte

const (
	// AbortUnsupported is an operation the tracer cannot record.
	AbortUnsupported AbortReason = iota
	// AbortGuardAfterEffect is a branch taken after a side effect in the same bytecode, which could not resume.
	AbortGuardAfterEffect
	// AbortTooLong is a trace exceeding Config.TraceLimit operations.
	AbortTooLong
	// AbortLeftFrame is a loop trace whose frame returned.
	AbortLeftFrame
	// AbortRaised is an exception raised by the program while recording.
	AbortRaised
	// AbortCancelled is a recording interrupted by its context.
	AbortCancelled
)

// String implements fmt.Stringer
func (r AbortReason) String() string {
	switch r {
	case AbortUnsupported:
		return "unsupported operation"
	case AbortGuardAfterEffect:
		return "guard after side effect"
	case AbortTooLong:
		return "trace too long"
	case AbortLeftFrame:
		return "frame returned"
	case AbortRaised:
		return "exception raised"
	case AbortCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("AbortReason(%d)", r)
}

// AbortError is returned when recording stopped without a trace. The caller blacklists the header.
type AbortError struct {
	Reason AbortReason
	// PC is the bytecode at which recording stopped.
	PC    int
	Cause error
}

// Error implements error.
func (e *AbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("trace aborted at pc %d: %s: %v", e.PC, e.Reason, e.Cause)
	}
	return fmt.Sprintf("trace aborted at pc %d: %s", e.PC, e.Reason)
}

// Unwrap returns the cause of the abort, if any.
func (e *AbortError) Unwrap() error { return e.Cause }
