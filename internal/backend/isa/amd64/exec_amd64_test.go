//go:build unix

package amd64

import (
	"fmt"
	"math"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/opt"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

// execContext is the execution context compiled code reads and writes through ctxReg.
type execContext [16]uint64

func (c *execContext) exitCode() tracingapi.ExitCode {
	return tracingapi.ExitCode(uint32(c[ctxExitCodeOffset/api.WordSize]))
}

// execute encodes c into executable memory and runs it from its first instruction.
func execute(t *testing.T, c *backend.Code, ctx *execContext, spill []uint64) tracingapi.ExitCode {
	code, err := NewMachine().Encode(c)
	require.NoError(t, err)
	seg, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer func() { require.NoError(t, unix.Munmap(seg)) }()
	copy(seg, code)
	require.NoError(t, unix.Mprotect(seg, unix.PROT_READ|unix.PROT_EXEC))

	nativecall(uintptr(unsafe.Pointer(&seg[0])), uintptr(unsafe.Pointer(&ctx[0])), uintptr(unsafe.Pointer(&spill[0])))
	runtime.KeepAlive(ctx)
	runtime.KeepAlive(spill)
	return ctx.exitCode()
}

// placement is where the operands of the instruction under test live.
type placement byte

const (
	inSlots placement = iota
	inRegisters
	withImmediate
)

func (p placement) String() string {
	switch p {
	case inSlots:
		return "slots"
	case inRegisters:
		return "registers"
	}
	return "immediate"
}

var placements = []placement{inSlots, inRegisters, withImmediate}

// operandRegs returns the registers of the two arguments and the result for inRegisters. rcx and rdx are the
// registers borrowed by shifts and divisions.
func operandRegs(typ api.ValueType) [3]regalloc.RealReg {
	if typ == api.ValueTypeFloat {
		return [3]regalloc.RealReg{xmm1, xmm2, xmm3}
	}
	return [3]regalloc.RealReg{rcx, rax, rdx}
}

func move(dst, src backend.Operand) backend.Instr {
	return backend.Instr{Kind: backend.InstrMove, Dst: dst, Args: []backend.Operand{src}, Index: -1}
}

// slotInstr returns an instruction reading its arguments from the spill slots 0 and 1 and writing slot 2.
func slotInstr(op api.Opcode, d api.Descr, args ...api.ValueType) backend.Instr {
	in := backend.Instr{Kind: backend.InstrOp, Op: op, Descr: d, Index: -1}
	for i, typ := range args {
		in.Args = append(in.Args, backend.SlotOperand(i, typ))
	}
	if res := api.ResultType(op, d); res != api.ValueTypeVoid {
		in.Dst = backend.SlotOperand(2, res)
	}
	return in
}

// wrap returns code running in with its operands moved according to p, then the guards of follow, then a FINISH
// whose guard table index follows theirs. imm replaces the last argument for withImmediate.
func wrap(in backend.Instr, p placement, imm uint64, follow ...backend.Instr) *backend.Code {
	c := &backend.Code{Labels: map[*ir.TargetToken]*backend.LabelInfo{}}
	in.Args = append([]backend.Operand(nil), in.Args...)
	var epilogue []backend.Instr
	switch p {
	case inRegisters:
		for i, a := range in.Args {
			r := backend.RegOperand(operandRegs(a.Type)[i], a.Type)
			c.Instrs = append(c.Instrs, move(r, a))
			in.Args[i] = r
		}
		if in.Dst.Kind != backend.OperandNone {
			r := backend.RegOperand(operandRegs(in.Dst.Type)[2], in.Dst.Type)
			epilogue = append(epilogue, move(in.Dst, r))
			in.Dst = r
		}
	case withImmediate:
		last := len(in.Args) - 1
		in.Args[last] = backend.ImmOperand(in.Args[last].Type, imm)
	}
	c.Instrs = append(c.Instrs, in)
	c.Instrs = append(c.Instrs, epilogue...)
	if in.IsGuard() {
		c.Instrs[len(c.Instrs)-1-len(epilogue)].Index = 0
		c.Guards = append(c.Guards, &backend.GuardInfo{Op: in.Op})
	}
	for _, g := range follow {
		g.Index = len(c.Guards)
		c.Instrs = append(c.Instrs, g)
		c.Guards = append(c.Guards, &backend.GuardInfo{Op: g.Op})
	}
	c.Instrs = append(c.Instrs, backend.Instr{Kind: backend.InstrExit, Index: len(c.Guards)})
	return c
}

var (
	execInts   = []int64{0, 1, -1, 3, -3, 7, -7, 63, 64, math.MaxInt64, math.MinInt64}
	execFloats = []float64{
		0, math.Copysign(0, -1), 0.5, -2.5, 3, 1e300, -1e300, 9.3e18, -9.3e18, math.Inf(1), math.Inf(-1), math.NaN(),
	}
)

func execValues(typ api.ValueType) (ret []uint64) {
	if typ == api.ValueTypeFloat {
		for _, f := range execFloats {
			ret = append(ret, api.EncodeFloat(f))
		}
		return
	}
	for _, i := range execInts {
		ret = append(ret, api.EncodeInt(i))
	}
	return
}

// argTuples returns every combination of the test values of types.
func argTuples(types []api.ValueType) [][]uint64 {
	ret := [][]uint64{nil}
	for _, typ := range types {
		var next [][]uint64
		for _, prefix := range ret {
			for _, v := range execValues(typ) {
				next = append(next, append(append([]uint64(nil), prefix...), v))
			}
		}
		ret = next
	}
	return ret
}

func TestMachine_exec_pure(t *testing.T) {
	i, f, r := api.ValueTypeInt, api.ValueTypeFloat, api.ValueTypeRef
	for _, tc := range []struct {
		op   api.Opcode
		args []api.ValueType
	}{
		{api.OpIntAdd, []api.ValueType{i, i}},
		{api.OpIntSub, []api.ValueType{i, i}},
		{api.OpIntMul, []api.ValueType{i, i}},
		{api.OpIntFloorDiv, []api.ValueType{i, i}},
		{api.OpIntMod, []api.ValueType{i, i}},
		{api.OpIntAnd, []api.ValueType{i, i}},
		{api.OpIntOr, []api.ValueType{i, i}},
		{api.OpIntXor, []api.ValueType{i, i}},
		{api.OpIntShl, []api.ValueType{i, i}},
		{api.OpIntShr, []api.ValueType{i, i}},
		{api.OpIntNeg, []api.ValueType{i}},
		{api.OpIntIsZero, []api.ValueType{i}},
		{api.OpIntIsTrue, []api.ValueType{i}},
		{api.OpIntLt, []api.ValueType{i, i}},
		{api.OpIntLe, []api.ValueType{i, i}},
		{api.OpIntEq, []api.ValueType{i, i}},
		{api.OpIntNe, []api.ValueType{i, i}},
		{api.OpIntGt, []api.ValueType{i, i}},
		{api.OpIntGe, []api.ValueType{i, i}},
		{api.OpPtrEq, []api.ValueType{r, r}},
		{api.OpPtrNe, []api.ValueType{r, r}},
		{api.OpFloatAdd, []api.ValueType{f, f}},
		{api.OpFloatSub, []api.ValueType{f, f}},
		{api.OpFloatMul, []api.ValueType{f, f}},
		{api.OpFloatDiv, []api.ValueType{f, f}},
		{api.OpFloatNeg, []api.ValueType{f}},
		{api.OpFloatAbs, []api.ValueType{f}},
		{api.OpFloatLt, []api.ValueType{f, f}},
		{api.OpFloatLe, []api.ValueType{f, f}},
		{api.OpFloatEq, []api.ValueType{f, f}},
		{api.OpFloatNe, []api.ValueType{f, f}},
		{api.OpFloatGt, []api.ValueType{f, f}},
		{api.OpFloatGe, []api.ValueType{f, f}},
		{api.OpCastIntToFloat, []api.ValueType{i}},
		{api.OpCastFloatToInt, []api.ValueType{f}},
	} {
		tc := tc
		require.True(t, tc.op.IsPure(), tc.op.String())
		for _, p := range placements {
			t.Run(fmt.Sprintf("%s/%s", tc.op, p), func(t *testing.T) {
				in := slotInstr(tc.op, nil, tc.args...)
				for _, args := range argTuples(tc.args) {
					spill := make([]uint64, 3)
					copy(spill, args)
					var ctx execContext
					exit := execute(t, wrap(in, p, args[len(args)-1]), &ctx, spill)
					require.Equal(t, tracingapi.ExitCodeFinishWithIndex(0), exit)
					require.Equal(t, api.Eval(tc.op, args...), spill[2], "%s %#x", tc.op, args)
				}
			})
		}
	}
}

func TestMachine_exec_overflow(t *testing.T) {
	for _, op := range []api.Opcode{api.OpIntAddOvf, api.OpIntSubOvf, api.OpIntMulOvf} {
		for _, g := range []api.Opcode{api.OpGuardNoOverflow, api.OpGuardOverflow} {
			for _, p := range placements {
				op, g, p := op, g, p
				t.Run(fmt.Sprintf("%s/%s/%s", op, g, p), func(t *testing.T) {
					in := slotInstr(op, nil, api.ValueTypeInt, api.ValueTypeInt)
					guard := backend.Instr{Kind: backend.InstrOp, Op: g}
					for _, args := range argTuples([]api.ValueType{api.ValueTypeInt, api.ValueTypeInt}) {
						spill := make([]uint64, 3)
						copy(spill, args)
						var ctx execContext
						exit := execute(t, wrap(in, p, args[1], guard), &ctx, spill)

						res, overflow := api.EvalOvf(op, args[0], args[1])
						require.Equal(t, res, spill[2], "%s %#x", op, args)
						if overflow == (g == api.OpGuardNoOverflow) {
							require.Equal(t, tracingapi.ExitCodeGuardFailureWithIndex(0), exit, "%s %#x", op, args)
						} else {
							require.Equal(t, tracingapi.ExitCodeFinishWithIndex(1), exit, "%s %#x", op, args)
						}
					}
				})
			}
		}
	}
}

func TestMachine_exec_guards(t *testing.T) {
	point := []uint64{uint64(pointLayout.ID), api.EncodeInt(-5), api.EncodeFloat(2.5)}
	array := []uint64{uint64(floatArray.ID), 1, api.EncodeFloat(0.5)}
	pointRef, arrayRef := uint64(uintptr(unsafe.Pointer(&point[1]))), uint64(uintptr(unsafe.Pointer(&array[1])))
	defer runtime.KeepAlive(point)
	defer runtime.KeepAlive(array)

	for _, tc := range []struct {
		op    api.Opcode
		d     api.Descr
		args  [][]uint64
		fails func(args []uint64) bool
	}{
		{
			op: api.OpGuardTrue, args: argTuples([]api.ValueType{api.ValueTypeInt}),
			fails: func(args []uint64) bool { return args[0] == 0 },
		},
		{
			op: api.OpGuardFalse, args: argTuples([]api.ValueType{api.ValueTypeInt}),
			fails: func(args []uint64) bool { return args[0] != 0 },
		},
		{
			op: api.OpGuardNonnull, args: [][]uint64{{0}, {pointRef}},
			fails: func(args []uint64) bool { return args[0] == uint64(api.Null) },
		},
		{
			op: api.OpGuardIsnull, args: [][]uint64{{0}, {pointRef}},
			fails: func(args []uint64) bool { return args[0] != uint64(api.Null) },
		},
		{
			op: api.OpGuardValue, args: argTuples([]api.ValueType{api.ValueTypeInt, api.ValueTypeInt}),
			fails: func(args []uint64) bool { return args[0] != args[1] },
		},
		{
			op: api.OpGuardClass, d: pointLayout, args: [][]uint64{{pointRef}, {arrayRef}},
			fails: func(args []uint64) bool { return args[0] != pointRef },
		},
		{
			op: api.OpGuardNonnullClass, d: floatArray, args: [][]uint64{{0}, {pointRef}, {arrayRef}},
			fails: func(args []uint64) bool { return args[0] != arrayRef },
		},
	} {
		tc := tc
		for _, p := range placements {
			t.Run(fmt.Sprintf("%s/%s", tc.op, p), func(t *testing.T) {
				types := make([]api.ValueType, len(tc.args[0]))
				for i := range types {
					types[i] = api.ValueTypeRef
				}
				in := slotInstr(tc.op, tc.d, types...)
				for _, args := range tc.args {
					spill := make([]uint64, 3)
					copy(spill, args)
					var ctx execContext
					exit := execute(t, wrap(in, p, args[len(args)-1]), &ctx, spill)
					if tc.fails(args) {
						require.Equal(t, tracingapi.ExitCodeGuardFailureWithIndex(0), exit, "%#x", args)
					} else {
						require.Equal(t, tracingapi.ExitCodeFinishWithIndex(1), exit, "%#x", args)
					}
				}
			})
		}
	}

	for _, tc := range []struct {
		op     api.Opcode
		offset int
	}{
		{api.OpGuardNoException, ctxExceptionOffset},
		{api.OpGuardNotInvalidated, ctxInvalidatedOffset},
	} {
		for _, set := range []bool{false, true} {
			var ctx execContext
			if set {
				ctx[tc.offset/api.WordSize] = 1
			}
			in := backend.Instr{Kind: backend.InstrOp, Op: tc.op}
			exit := execute(t, wrap(in, inSlots, 0), &ctx, make([]uint64, 1))
			if set {
				require.Equal(t, tracingapi.ExitCodeGuardFailureWithIndex(0), exit, tc.op.String())
			} else {
				require.Equal(t, tracingapi.ExitCodeFinishWithIndex(1), exit, tc.op.String())
			}
		}
	}
}

func TestMachine_exec_heap(t *testing.T) {
	point := []uint64{uint64(pointLayout.ID), api.EncodeInt(-5), api.EncodeFloat(2.5)}
	array := []uint64{uint64(floatArray.ID), 3, api.EncodeFloat(0.5), api.EncodeFloat(-1), api.EncodeFloat(7)}
	pointRef, arrayRef := uint64(uintptr(unsafe.Pointer(&point[1]))), uint64(uintptr(unsafe.Pointer(&array[1])))
	defer runtime.KeepAlive(point)
	defer runtime.KeepAlive(array)

	type load struct {
		in   backend.Instr
		args []uint64
		exp  uint64
	}
	loads := []load{
		{slotInstr(api.OpGetField, pointX, api.ValueTypeRef), []uint64{pointRef}, api.EncodeInt(-5)},
		{slotInstr(api.OpGetField, pointY, api.ValueTypeRef), []uint64{pointRef}, api.EncodeFloat(2.5)},
		{slotInstr(api.OpArrayLen, floatArray, api.ValueTypeRef), []uint64{arrayRef}, 3},
	}
	for i := 0; i < 3; i++ {
		loads = append(loads, load{
			slotInstr(api.OpGetArrayItem, floatArray, api.ValueTypeRef, api.ValueTypeInt),
			[]uint64{arrayRef, api.EncodeInt(int64(i))},
			array[2+i],
		})
	}
	for _, l := range loads {
		for _, p := range placements {
			spill := make([]uint64, 3)
			copy(spill, l.args)
			var ctx execContext
			exit := execute(t, wrap(l.in, p, l.args[len(l.args)-1]), &ctx, spill)
			require.Equal(t, tracingapi.ExitCodeFinishWithIndex(0), exit)
			require.Equal(t, l.exp, spill[2], "%s %s %#x", l.in.Op, p, l.args)
		}
	}
}

// TestMachine_exec_loop runs a compiled counting loop until its bound check fails.
func TestMachine_exec_loop(t *testing.T) {
	for _, start := range []int64{0, 999, 2000} {
		tr := ir.NewTrace(ir.TraceLoop, 1)
		i := tr.NewInput(api.ValueTypeInt)
		lt := tr.Emit(api.OpIntLt, nil, i, ir.ConstInt(1000)).Result
		guard(tr, api.OpGuardTrue, nil, snap(3, i), lt)
		next := tr.Emit(api.OpIntAddOvf, nil, i, ir.ConstInt(1)).Result
		guard(tr, api.OpGuardNoOverflow, nil, snap(4, i))
		tr.Append(&ir.Operation{Opcode: api.OpJump, Args: []ir.Value{next}, Descr: &ir.JumpTarget{}})

		optimized, err := opt.Optimize(opt.Peel(tr), opt.DefaultConfig)
		require.NoError(t, err)
		c, err := backend.Compile(optimized, NewMachine())
		require.NoError(t, err)

		// The engine places the inputs: here they are moved from the words after the spill area.
		base := c.Frame.SpillSlots
		prologue := make([]backend.Instr, len(c.Inputs))
		for k, in := range c.Inputs {
			prologue[k] = move(in, backend.SlotOperand(base+k, in.Type))
		}
		c.Instrs = append(prologue, c.Instrs...)
		for _, l := range c.Labels {
			l.Index += len(prologue)
		}

		spill := make([]uint64, base+len(c.Inputs))
		spill[base] = api.EncodeInt(start)
		var ctx execContext
		exit := execute(t, c, &ctx, spill)
		require.Equal(t, tracingapi.ExitCodeGuardFailure, exit.Kind(), exit.String())
		require.Equal(t, api.OpGuardTrue, c.Guards[exit.Index()].Op, exit.String())
	}
}
