package api

// Opcode is the closed set of operations that can appear in a trace.
//
// Interpreters reach most of them through Executor.Do; guards, overflow-checked arithmetic, calls and control flow
// are only emitted by the tracer itself.
type Opcode uint16

const (
	OpInvalid Opcode = iota

	// Integer arithmetic. Shifts take the count modulo 64.
	OpIntAdd
	OpIntSub
	OpIntMul
	OpIntFloorDiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntShl
	OpIntShr
	OpIntNeg
	OpIntIsZero
	OpIntIsTrue
	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe

	// Overflow-checked integer arithmetic, always followed by OpGuardNoOverflow or OpGuardOverflow.
	OpIntAddOvf
	OpIntSubOvf
	OpIntMulOvf

	// Float arithmetic, IEEE 754 double precision.
	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatDiv
	OpFloatNeg
	OpFloatAbs
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe
	OpCastIntToFloat
	OpCastFloatToInt

	// Reference comparisons.
	OpPtrEq
	OpPtrNe

	// OpSameAs copies its operand.
	OpSameAs

	// Guards. Each carries the interpreter state needed to resume when it fails.
	OpGuardTrue
	OpGuardFalse
	OpGuardValue
	OpGuardClass
	OpGuardNonnullClass
	OpGuardNonnull
	OpGuardIsnull
	OpGuardNoOverflow
	OpGuardOverflow
	OpGuardNoException
	OpGuardNotInvalidated

	// Heap access. Objects are sequences of 8-byte words; arrays keep their length in word zero.
	OpNew
	OpNewArray
	OpGetField
	OpSetField
	OpGetArrayItem
	OpSetArrayItem
	OpArrayLen

	// Calls into the interpreter's own operations, see CallDescr.
	OpCall
	OpCallPure

	// Control flow.
	OpLabel
	OpJump
	OpFinish

	opcodeEnd
)

type opcodeFlag uint8

const (
	flagPure opcodeFlag = 1 << iota
	flagGuard
	flagOvf
	flagEffect
	flagCall
	flagControl
)

type opcodeInfo struct {
	name   string
	arity  int // -1 for variadic
	result ValueType
	flags  opcodeFlag
}

var opcodeInfos = [opcodeEnd]opcodeInfo{
	OpInvalid:             {"invalid", 0, ValueTypeVoid, 0},
	OpIntAdd:              {"int_add", 2, ValueTypeInt, flagPure},
	OpIntSub:              {"int_sub", 2, ValueTypeInt, flagPure},
	OpIntMul:              {"int_mul", 2, ValueTypeInt, flagPure},
	OpIntFloorDiv:         {"int_floordiv", 2, ValueTypeInt, flagPure},
	OpIntMod:              {"int_mod", 2, ValueTypeInt, flagPure},
	OpIntAnd:              {"int_and", 2, ValueTypeInt, flagPure},
	OpIntOr:               {"int_or", 2, ValueTypeInt, flagPure},
	OpIntXor:              {"int_xor", 2, ValueTypeInt, flagPure},
	OpIntShl:              {"int_lshift", 2, ValueTypeInt, flagPure},
	OpIntShr:              {"int_rshift", 2, ValueTypeInt, flagPure},
	OpIntNeg:              {"int_neg", 1, ValueTypeInt, flagPure},
	OpIntIsZero:           {"int_is_zero", 1, ValueTypeInt, flagPure},
	OpIntIsTrue:           {"int_is_true", 1, ValueTypeInt, flagPure},
	OpIntLt:               {"int_lt", 2, ValueTypeInt, flagPure},
	OpIntLe:               {"int_le", 2, ValueTypeInt, flagPure},
	OpIntEq:               {"int_eq", 2, ValueTypeInt, flagPure},
	OpIntNe:               {"int_ne", 2, ValueTypeInt, flagPure},
	OpIntGt:               {"int_gt", 2, ValueTypeInt, flagPure},
	OpIntGe:               {"int_ge", 2, ValueTypeInt, flagPure},
	OpIntAddOvf:           {"int_add_ovf", 2, ValueTypeInt, flagOvf},
	OpIntSubOvf:           {"int_sub_ovf", 2, ValueTypeInt, flagOvf},
	OpIntMulOvf:           {"int_mul_ovf", 2, ValueTypeInt, flagOvf},
	OpFloatAdd:            {"float_add", 2, ValueTypeFloat, flagPure},
	OpFloatSub:            {"float_sub", 2, ValueTypeFloat, flagPure},
	OpFloatMul:            {"float_mul", 2, ValueTypeFloat, flagPure},
	OpFloatDiv:            {"float_truediv", 2, ValueTypeFloat, flagPure},
	OpFloatNeg:            {"float_neg", 1, ValueTypeFloat, flagPure},
	OpFloatAbs:            {"float_abs", 1, ValueTypeFloat, flagPure},
	OpFloatLt:             {"float_lt", 2, ValueTypeInt, flagPure},
	OpFloatLe:             {"float_le", 2, ValueTypeInt, flagPure},
	OpFloatEq:             {"float_eq", 2, ValueTypeInt, flagPure},
	OpFloatNe:             {"float_ne", 2, ValueTypeInt, flagPure},
	OpFloatGt:             {"float_gt", 2, ValueTypeInt, flagPure},
	OpFloatGe:             {"float_ge", 2, ValueTypeInt, flagPure},
	OpCastIntToFloat:      {"cast_int_to_float", 1, ValueTypeFloat, flagPure},
	OpCastFloatToInt:      {"cast_float_to_int", 1, ValueTypeInt, flagPure},
	OpPtrEq:               {"ptr_eq", 2, ValueTypeInt, flagPure},
	OpPtrNe:               {"ptr_ne", 2, ValueTypeInt, flagPure},
	OpSameAs:              {"same_as", 1, ValueTypeVoid, flagPure},
	OpGuardTrue:           {"guard_true", 1, ValueTypeVoid, flagGuard},
	OpGuardFalse:          {"guard_false", 1, ValueTypeVoid, flagGuard},
	OpGuardValue:          {"guard_value", 2, ValueTypeVoid, flagGuard},
	OpGuardClass:          {"guard_class", 1, ValueTypeVoid, flagGuard},
	OpGuardNonnullClass:   {"guard_nonnull_class", 1, ValueTypeVoid, flagGuard},
	OpGuardNonnull:        {"guard_nonnull", 1, ValueTypeVoid, flagGuard},
	OpGuardIsnull:         {"guard_isnull", 1, ValueTypeVoid, flagGuard},
	OpGuardNoOverflow:     {"guard_no_overflow", 0, ValueTypeVoid, flagGuard},
	OpGuardOverflow:       {"guard_overflow", 0, ValueTypeVoid, flagGuard},
	OpGuardNoException:    {"guard_no_exception", 0, ValueTypeVoid, flagGuard},
	OpGuardNotInvalidated: {"guard_not_invalidated", 0, ValueTypeVoid, flagGuard},
	OpNew:                 {"new", 0, ValueTypeRef, 0},
	OpNewArray:            {"new_array", 1, ValueTypeRef, 0},
	OpGetField:            {"getfield", 1, ValueTypeVoid, 0},
	OpSetField:            {"setfield", 2, ValueTypeVoid, flagEffect},
	OpGetArrayItem:        {"getarrayitem", 2, ValueTypeVoid, 0},
	OpSetArrayItem:        {"setarrayitem", 3, ValueTypeVoid, flagEffect},
	OpArrayLen:            {"arraylen", 1, ValueTypeInt, 0},
	OpCall:                {"call", -1, ValueTypeVoid, flagCall | flagEffect},
	OpCallPure:            {"call_pure", -1, ValueTypeVoid, flagCall},
	OpLabel:               {"label", -1, ValueTypeVoid, flagControl},
	OpJump:                {"jump", -1, ValueTypeVoid, flagControl},
	OpFinish:              {"finish", 0, ValueTypeVoid, flagControl},
}

// String implements fmt.Stringer
func (o Opcode) String() string {
	if o >= opcodeEnd {
		return "unknown"
	}
	return opcodeInfos[o].name
}

// Valid returns true if the opcode belongs to the closed set.
func (o Opcode) Valid() bool { return o > OpInvalid && o < opcodeEnd }

// Arity returns the number of operands, or -1 if the opcode is variadic.
func (o Opcode) Arity() int { return opcodeInfos[o].arity }

// ResultType returns the static result type, or ValueTypeVoid when the result type depends on the descriptor
// (loads, calls) or there is no result.
func (o Opcode) ResultType() ValueType { return opcodeInfos[o].result }

// IsPure returns true if the operation has no side effect and its result only depends on its operands.
func (o Opcode) IsPure() bool { return opcodeInfos[o].flags&flagPure != 0 }

// IsGuard returns true for the guard opcodes.
func (o Opcode) IsGuard() bool { return opcodeInfos[o].flags&flagGuard != 0 }

// IsOvf returns true for the overflow-checked arithmetic opcodes.
func (o Opcode) IsOvf() bool { return opcodeInfos[o].flags&flagOvf != 0 }

// HasSideEffect returns true if the operation mutates state observable outside the trace.
func (o Opcode) HasSideEffect() bool { return opcodeInfos[o].flags&flagEffect != 0 }

// IsCall returns true for OpCall and OpCallPure.
func (o Opcode) IsCall() bool { return opcodeInfos[o].flags&flagCall != 0 }

// IsControl returns true for OpLabel, OpJump and OpFinish.
func (o Opcode) IsControl() bool { return opcodeInfos[o].flags&flagControl != 0 }

// IsCommutative returns true if swapping the two operands of a pure binary operation yields the same result.
func (o Opcode) IsCommutative() bool {
	switch o {
	case OpIntAdd, OpIntMul, OpIntAnd, OpIntOr, OpIntXor, OpIntEq, OpIntNe,
		OpIntAddOvf, OpIntMulOvf, OpPtrEq, OpPtrNe:
		return true
	}
	return false
}
