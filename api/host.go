package api

// Host is implemented by the base interpreter and gives the JIT access to the current frame, the heap and the
// interpreter's own operations. Every real allocation and store performed on behalf of compiled code goes through
// GCAlloc, Store and WriteBarrier.
type Host interface {
	// NumLocals returns the number of local slots of the current frame.
	NumLocals() int

	// ReadLocal returns the value of the given slot of the current frame.
	ReadLocal(slot int) Handle

	// WriteLocal overwrites the given slot of the current frame.
	WriteLocal(slot int, v Handle)

	// PerformBytecode runs an interpreter operation described by a CallDescr. A non-nil error is an exception
	// raised by the program.
	PerformBytecode(op uint32, operands []uint64) (uint64, error)

	// GCAlloc allocates a zeroed object of the given size in bytes.
	GCAlloc(size uint32, layout *Layout) Ref

	// WriteBarrier is invoked after every store into obj.
	WriteBarrier(obj Ref)

	// Load reads the word at offset of obj.
	Load(obj Ref, offset uint32) uint64

	// Store writes the word at offset of obj.
	Store(obj Ref, offset uint32, v uint64)

	// LayoutOf returns the layout of a non-null object.
	LayoutOf(obj Ref) *Layout

	// ReadAssumption returns the current value of a quasi-immutable location.
	ReadAssumption(id AssumptionID) Handle
}

// Interpreter is the base interpreter as seen by the tracer.
type Interpreter interface {
	// Step executes exactly one bytecode at pc through the executor and returns the next pc, or PCReturn when
	// the frame returned. A non-nil error is an exception raised by the program, except when it wraps
	// ErrUnsupported.
	Step(ex Executor, pc int) (next int, err error)

	// Header returns the loop header identifier if pc is a loop header.
	Header(pc int) (HeaderID, bool)
}

// Executor performs the operations of one bytecode on behalf of the interpreter.
//
// Interpreters write each bytecode once against this interface. A plain executor just computes values, the tracer
// additionally records each operation and turns every branch taken on a value into a guard.
type Executor interface {
	// Local returns the value of the given slot.
	Local(slot int) Handle
	// SetLocal overwrites the given slot.
	SetLocal(slot int, v Handle)

	// Int returns a constant integer.
	Int(v int64) Handle
	// Float returns a constant float.
	Float(v float64) Handle
	// Ref returns a constant reference, for example a prebuilt object.
	Ref(r Ref) Handle

	// Do performs one operation without control flow: pure arithmetic and comparisons (no descriptor), OpNew
	// (*Layout), OpNewArray (*Layout, length), OpGetField and OpSetField (*Field, obj[, value]),
	// OpGetArrayItem and OpSetArrayItem (*Layout, array, index[, value]) and OpArrayLen (*Layout, array).
	// Operations without a result return the zero Handle.
	Do(op Opcode, d Descr, args ...Handle) Handle

	// DoOvf performs overflow-checked arithmetic and reports whether it did not overflow.
	DoOvf(op Opcode, a, b Handle) (result Handle, ok bool)

	// IsTrue branches on a non-zero integer.
	IsTrue(cond Handle) bool
	// IsNull branches on a null reference.
	IsNull(obj Handle) bool
	// LayoutOf branches on the layout of a non-null object.
	LayoutOf(obj Handle) *Layout
	// Promote returns the current value as a constant the following code may specialize on.
	Promote(v Handle) uint64

	// Call performs an interpreter operation. A non-nil error is an exception raised by the program.
	Call(d *CallDescr, args ...Handle) (Handle, error)

	// ReadAssumption reads a quasi-immutable value. Compiled code depending on it is invalidated when it changes.
	ReadAssumption(id AssumptionID) Handle
}
