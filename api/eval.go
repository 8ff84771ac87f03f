package api

import (
	"fmt"
	"math"
)

// Eval computes a pure operation over encoded operands. Both the interpreter side and compiled code evaluate pure
// operations through this function, so their results are bit-identical.
//
// Eval is total: integer division and modulo by zero return zero, float to int casts saturate and map NaN to zero.
// Interpreters raise their own errors before reaching such operands.
func Eval(op Opcode, args ...uint64) uint64 {
	var a, b uint64
	if len(args) > 0 {
		a = args[0]
	}
	if len(args) > 1 {
		b = args[1]
	}
	x, y := int64(a), int64(b)
	switch op {
	case OpIntAdd:
		return uint64(x + y)
	case OpIntSub:
		return uint64(x - y)
	case OpIntMul:
		return uint64(x * y)
	case OpIntFloorDiv:
		return uint64(floorDiv(x, y))
	case OpIntMod:
		return uint64(floorMod(x, y))
	case OpIntAnd:
		return a & b
	case OpIntOr:
		return a | b
	case OpIntXor:
		return a ^ b
	case OpIntShl:
		return a << (b & 63)
	case OpIntShr:
		return uint64(x >> (b & 63))
	case OpIntNeg:
		return uint64(-x)
	case OpIntIsZero:
		return boolBits(a == 0)
	case OpIntIsTrue:
		return boolBits(a != 0)
	case OpIntLt:
		return boolBits(x < y)
	case OpIntLe:
		return boolBits(x <= y)
	case OpIntEq, OpPtrEq:
		return boolBits(a == b)
	case OpIntNe, OpPtrNe:
		return boolBits(a != b)
	case OpIntGt:
		return boolBits(x > y)
	case OpIntGe:
		return boolBits(x >= y)
	case OpFloatAdd:
		return EncodeFloat(DecodeFloat(a) + DecodeFloat(b))
	case OpFloatSub:
		return EncodeFloat(DecodeFloat(a) - DecodeFloat(b))
	case OpFloatMul:
		return EncodeFloat(DecodeFloat(a) * DecodeFloat(b))
	case OpFloatDiv:
		return EncodeFloat(DecodeFloat(a) / DecodeFloat(b))
	case OpFloatNeg:
		return a ^ (1 << 63)
	case OpFloatAbs:
		return a &^ (1 << 63)
	case OpFloatLt:
		return boolBits(DecodeFloat(a) < DecodeFloat(b))
	case OpFloatLe:
		return boolBits(DecodeFloat(a) <= DecodeFloat(b))
	case OpFloatEq:
		return boolBits(DecodeFloat(a) == DecodeFloat(b))
	case OpFloatNe:
		return boolBits(DecodeFloat(a) != DecodeFloat(b))
	case OpFloatGt:
		return boolBits(DecodeFloat(a) > DecodeFloat(b))
	case OpFloatGe:
		return boolBits(DecodeFloat(a) >= DecodeFloat(b))
	case OpCastIntToFloat:
		return EncodeFloat(float64(x))
	case OpCastFloatToInt:
		return uint64(saturatingTrunc(DecodeFloat(a)))
	case OpSameAs:
		return a
	}
	panic(fmt.Sprintf("BUG: %s is not a pure operation", op))
}

// EvalOvf computes overflow-checked arithmetic. The result wraps around when overflow is true.
func EvalOvf(op Opcode, a, b uint64) (result uint64, overflow bool) {
	x, y := int64(a), int64(b)
	switch op {
	case OpIntAddOvf:
		r := x + y
		return uint64(r), (x >= 0) == (y >= 0) && (r >= 0) != (x >= 0)
	case OpIntSubOvf:
		r := x - y
		return uint64(r), (x >= 0) != (y >= 0) && (r >= 0) != (x >= 0)
	case OpIntMulOvf:
		r := x * y
		if x == 0 || y == 0 {
			return 0, false
		}
		if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return uint64(r), true
		}
		return uint64(r), r/y != x
	}
	panic(fmt.Sprintf("BUG: %s is not an overflow-checked operation", op))
}

// Exec performs a heap operation or a pure operation against the host. It is the shared concrete semantics of the
// operations an interpreter reaches through Executor.Do.
func Exec(host Host, op Opcode, d Descr, args ...uint64) uint64 {
	switch op {
	case OpNew:
		l := d.(*Layout)
		return uint64(host.GCAlloc(l.Size(), l))
	case OpNewArray:
		l := d.(*Layout)
		n := int(int64(args[0]))
		if n < 0 {
			n = 0
		}
		obj := host.GCAlloc(ArraySize(n), l)
		host.Store(obj, ArrayLengthOffset, uint64(n))
		host.WriteBarrier(obj)
		return uint64(obj)
	case OpGetField:
		return host.Load(Ref(args[0]), d.(*Field).Offset())
	case OpSetField:
		obj := Ref(args[0])
		host.Store(obj, d.(*Field).Offset(), args[1])
		host.WriteBarrier(obj)
		return 0
	case OpGetArrayItem:
		return host.Load(Ref(args[0]), ItemOffset(int(int64(args[1]))))
	case OpSetArrayItem:
		obj := Ref(args[0])
		host.Store(obj, ItemOffset(int(int64(args[1]))), args[2])
		host.WriteBarrier(obj)
		return 0
	case OpArrayLen:
		return host.Load(Ref(args[0]), ArrayLengthOffset)
	}
	return Eval(op, args...)
}

// ResultType returns the type produced by op with descriptor d.
func ResultType(op Opcode, d Descr) ValueType {
	switch op {
	case OpGetField:
		return d.(*Field).Type
	case OpGetArrayItem:
		return d.(*Layout).Item
	case OpCall, OpCallPure:
		return d.(*CallDescr).Result
	}
	return op.ResultType()
}

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func floorDiv(x, y int64) int64 {
	if y == 0 {
		return 0
	}
	if x == math.MinInt64 && y == -1 {
		return x
	}
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}

func floorMod(x, y int64) int64 {
	if y == 0 || y == -1 {
		return 0
	}
	m := x % y
	if m != 0 && ((m < 0) != (y < 0)) {
		m += y
	}
	return m
}

func saturatingTrunc(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
