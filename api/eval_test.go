package api

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	i := func(v int64) uint64 { return EncodeInt(v) }
	f := EncodeFloat

	tests := []struct {
		name string
		op   Opcode
		args []uint64
		exp  uint64
	}{
		{name: "add", op: OpIntAdd, args: []uint64{i(40), i(2)}, exp: i(42)},
		{name: "add wraps", op: OpIntAdd, args: []uint64{i(math.MaxInt64), i(1)}, exp: i(math.MinInt64)},
		{name: "floordiv negative", op: OpIntFloorDiv, args: []uint64{i(-7), i(2)}, exp: i(-4)},
		{name: "floordiv by zero", op: OpIntFloorDiv, args: []uint64{i(7), i(0)}, exp: 0},
		{name: "mod sign of divisor", op: OpIntMod, args: []uint64{i(-7), i(3)}, exp: i(2)},
		{name: "shr arithmetic", op: OpIntShr, args: []uint64{i(-8), i(1)}, exp: i(-4)},
		{name: "shl modulo", op: OpIntShl, args: []uint64{i(1), i(65)}, exp: i(2)},
		{name: "lt", op: OpIntLt, args: []uint64{i(-1), i(0)}, exp: 1},
		{name: "float add", op: OpFloatAdd, args: []uint64{f(0.5), f(0.25)}, exp: f(0.75)},
		{name: "float neg zero", op: OpFloatNeg, args: []uint64{f(0)}, exp: f(math.Copysign(0, -1))},
		{name: "float eq nan", op: OpFloatEq, args: []uint64{f(math.NaN()), f(math.NaN())}, exp: 0},
		{name: "float ne nan", op: OpFloatNe, args: []uint64{f(math.NaN()), f(math.NaN())}, exp: 1},
		{name: "cast nan", op: OpCastFloatToInt, args: []uint64{f(math.NaN())}, exp: 0},
		{name: "cast saturates", op: OpCastFloatToInt, args: []uint64{f(1e300)}, exp: i(math.MaxInt64)},
		{name: "cast truncates", op: OpCastFloatToInt, args: []uint64{f(-2.7)}, exp: i(-2)},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, Eval(tc.op, tc.args...))
		})
	}
}

func TestEvalOvf(t *testing.T) {
	tests := []struct {
		op       Opcode
		a, b     int64
		exp      int64
		overflow bool
	}{
		{op: OpIntAddOvf, a: 1, b: 2, exp: 3},
		{op: OpIntAddOvf, a: math.MaxInt64, b: 1, exp: math.MinInt64, overflow: true},
		{op: OpIntSubOvf, a: math.MinInt64, b: 1, exp: math.MaxInt64, overflow: true},
		{op: OpIntSubOvf, a: -1, b: math.MaxInt64, exp: math.MinInt64},
		{op: OpIntMulOvf, a: 1 << 32, b: 1 << 31, exp: math.MinInt64, overflow: true},
		{op: OpIntMulOvf, a: -1, b: math.MinInt64, exp: math.MinInt64, overflow: true},
		{op: OpIntMulOvf, a: -3, b: 7, exp: -21},
		{op: OpIntMulOvf, a: 0, b: math.MinInt64, exp: 0},
	}

	for _, tc := range tests {
		r, ovf := EvalOvf(tc.op, EncodeInt(tc.a), EncodeInt(tc.b))
		require.Equal(t, tc.overflow, ovf, "%s(%d, %d)", tc.op, tc.a, tc.b)
		require.Equal(t, tc.exp, DecodeInt(r), "%s(%d, %d)", tc.op, tc.a, tc.b)
	}
}

func TestOpcode_Properties(t *testing.T) {
	for op := OpInvalid + 1; op < opcodeEnd; op++ {
		require.NotEqual(t, "", op.String())
		require.False(t, op.IsPure() && op.IsGuard(), op.String())
		require.False(t, op.IsPure() && op.HasSideEffect(), op.String())
		if op.IsPure() {
			// Compiled code evaluates pure operations without a heap.
			args := make([]uint64, op.Arity())
			for i := range args {
				args[i] = EncodeInt(1)
			}
			require.NotPanics(t, func() { Eval(op, args...) }, op.String())
		}
	}
	require.False(t, OpArrayLen.IsPure())
	require.True(t, OpGuardClass.IsGuard())
	require.True(t, OpIntAddOvf.IsOvf())
	require.True(t, OpCall.HasSideEffect())
	require.False(t, OpCallPure.HasSideEffect())
	require.Equal(t, "unknown", Opcode(9999).String())
}

func TestHandle(t *testing.T) {
	h := IntHandle(-5).WithTag(3)
	require.Equal(t, int64(-5), h.Int())
	require.Equal(t, uint32(3), h.Tag())
	require.Equal(t, IntHandle(-5), h.Untagged())
	require.Equal(t, "null", RefHandle(Null).String())
	require.Equal(t, "1.5", FloatHandle(1.5).String())
}

func TestLayout(t *testing.T) {
	value := NewField("value", ValueTypeInt, true)
	l := NewLayout(1, "Int", value)
	require.Equal(t, uint32(8), l.Size())
	require.Equal(t, "Int.value", value.String())
	require.False(t, l.IsArray())

	arr := NewArrayLayout(2, "IntArray", ValueTypeInt)
	require.True(t, arr.IsArray())
	require.Equal(t, uint32(8+3*8), ArraySize(3))
	require.Equal(t, uint32(16), ItemOffset(1))
}
