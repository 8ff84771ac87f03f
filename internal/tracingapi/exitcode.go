package tracingapi

// ExitCode is the reason compiled code returned to the engine. Guard failures and external jumps carry an index in
// the upper bits.
type ExitCode uint32

const (
	// ExitCodeFinish is a FINISH reached: the interpreter resumes at the descriptor of the FINISH.
	ExitCodeFinish ExitCode = iota
	// ExitCodeGuardFailure is a failing guard not patched to a bridge.
	ExitCodeGuardFailure
	// ExitCodeJump is a jump to another compiled unit.
	ExitCodeJump
	// ExitCodeCallHost is an operation performed by the engine on behalf of compiled code, which continues at the
	// continuation offset afterwards.
	ExitCodeCallHost

	exitCodeMax
)

// ExitCodeMask masks the kind of an ExitCode.
const ExitCodeMask = 0xff

// String implements fmt.Stringer.
func (e ExitCode) String() string {
	switch e & ExitCodeMask {
	case ExitCodeFinish:
		return "finish"
	case ExitCodeGuardFailure:
		return "guard_failure"
	case ExitCodeJump:
		return "jump"
	case ExitCodeCallHost:
		return "call_host"
	}
	return "unknown"
}

// Kind returns the exit code without its index.
func (e ExitCode) Kind() ExitCode { return e & ExitCodeMask }

// Index returns the guard or jump index carried by e.
func (e ExitCode) Index() int { return int(e >> 8) }

// ExitCodeFinishWithIndex returns the exit code of the FINISH whose guard table entry is at index.
func ExitCodeFinishWithIndex(index int) ExitCode {
	return ExitCodeFinish | ExitCode(index<<8)
}

// ExitCodeGuardFailureWithIndex returns the exit code of the failing guard at index.
func ExitCodeGuardFailureWithIndex(index int) ExitCode {
	return ExitCodeGuardFailure | ExitCode(index<<8)
}

// ExitCodeJumpWithIndex returns the exit code of the external jump at index.
func ExitCodeJumpWithIndex(index int) ExitCode {
	return ExitCodeJump | ExitCode(index<<8)
}

// ExitCodeCallHostWithIndex returns the exit code of the host call performed by the instruction at index.
func ExitCodeCallHostWithIndex(index int) ExitCode {
	return ExitCodeCallHost | ExitCode(index<<8)
}
