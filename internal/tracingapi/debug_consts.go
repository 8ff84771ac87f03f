package tracingapi

// These consts are used in various places of the tracer. Defining them here lets us flip debugging output on and
// off without hunting for the places that print.

// ----- Debug logging -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	RegAllocLoggingEnabled = false
)

// ----- Output prints -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	PrintRecordedTrace     = false
	PrintPeeledTrace       = false
	PrintOptimizedTrace    = false
	PrintLoweredCode       = false
	PrintRegisterAllocated = false
	PrintMachineCodeHex    = false
)

// ----- Validations -----
// These consts must be enabled by default until the optimizer has been fuzzed long enough to trust it.

const (
	TraceValidationEnabled    = true
	RegAllocValidationEnabled = true
)
