package amd64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/opt"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

var (
	pointX      = api.NewField("x", api.ValueTypeInt, false)
	pointY      = api.NewField("y", api.ValueTypeFloat, false)
	pointLayout = api.NewLayout(7, "Point", pointX, pointY)
	floatArray  = api.NewArrayLayout(8, "FloatArray", api.ValueTypeFloat)
	raiseCall   = &api.CallDescr{Op: 3, Name: "raise", Args: []api.ValueType{api.ValueTypeInt}, Result: api.ValueTypeInt, CanRaise: true}
)

func snap(pc int, slots ...ir.Value) *ir.Snapshot {
	return &ir.Snapshot{PC: pc, Slots: slots}
}

func guard(tr *ir.Trace, opcode api.Opcode, d api.Descr, s *ir.Snapshot, args ...ir.Value) {
	tr.Append(&ir.Operation{Opcode: opcode, Args: args, Descr: d, Snapshot: s})
}

// requireStub checks the out of line code of the guard at index.
func requireStub(t *testing.T, c *backend.Code, index int) {
	g := c.Guards[index]
	require.True(t, g.BranchOffset < g.StubOffset)
	stub := c.Native[g.StubOffset:]
	require.True(t, len(stub) >= 8)
	// MOVL $imm32, (R14)
	require.Equal(t, []byte{0x41, 0xc7, 0x06}, stub[:3])
	require.Equal(t, uint32(tracingapi.ExitCodeGuardFailureWithIndex(index)), binary.LittleEndian.Uint32(stub[3:7]))
	// RET
	require.Equal(t, byte(0xc3), stub[7])
}

func TestMachine_loop(t *testing.T) {
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
	require.NotEmpty(t, c.Native)
	require.Len(t, c.Guards, 4)
	for index := range c.Guards {
		requireStub(t, c, index)
	}
	// Stubs follow the main code in guard order.
	for index := 1; index < len(c.Guards); index++ {
		require.True(t, c.Guards[index-1].StubOffset < c.Guards[index].StubOffset)
		require.True(t, c.Guards[index].BranchOffset < c.Guards[0].StubOffset)
	}
}

func TestMachine_callHost(t *testing.T) {
	tr := ir.NewTrace(ir.TraceBridge, 1)
	x := tr.NewInput(api.ValueTypeInt)
	r := tr.Emit(api.OpCall, raiseCall, x).Result
	guard(tr, api.OpGuardNoException, nil, snap(5, x))
	s := tr.Emit(api.OpIntAdd, nil, x, r).Result
	tr.Append(&ir.Operation{Opcode: api.OpFinish, Snapshot: snap(6, s)})

	c, err := backend.Compile(tr, NewMachine())
	require.NoError(t, err)

	// MOVQ $continuation, 8(R14)
	movq := []byte{0x49, 0xc7, 0x46, ctxContinuationOffset}
	at := bytes.Index(c.Native, movq)
	require.NotEqual(t, -1, at, "%x", c.Native)
	cont := binary.LittleEndian.Uint32(c.Native[at+len(movq):])
	require.NotEqual(t, uint32(0x7fffffff), cont)
	// The continuation is right after the RET returning to the engine.
	require.Equal(t, at+len(movq)+4+1, int(cont))
	require.Equal(t, byte(0xc3), c.Native[cont-1])
	require.Equal(t, -1, bytes.Index(c.Native[at+1:], movq))

	require.Len(t, c.Guards, 2)
	requireStub(t, c, 0)
	require.True(t, c.Guards[1].IsFinish())
}

func TestMachine_operations(t *testing.T) {
	tr := ir.NewTrace(ir.TraceBridge, 1)
	a := tr.NewInput(api.ValueTypeInt)
	b := tr.NewInput(api.ValueTypeInt)
	f := tr.NewInput(api.ValueTypeFloat)
	g := tr.NewInput(api.ValueTypeFloat)
	p := tr.NewInput(api.ValueTypeRef)
	arr := tr.NewInput(api.ValueTypeRef)

	var live []ir.Value
	emit := func(op api.Opcode, d api.Descr, args ...ir.Value) {
		if res := tr.Emit(op, d, args...).Result; res != nil {
			live = append(live, res)
		}
	}
	for _, op := range []api.Opcode{
		api.OpIntAdd, api.OpIntSub, api.OpIntMul, api.OpIntFloorDiv, api.OpIntMod, api.OpIntAnd, api.OpIntOr,
		api.OpIntXor, api.OpIntShl, api.OpIntShr, api.OpIntLt, api.OpIntLe, api.OpIntEq, api.OpIntNe,
		api.OpIntGt, api.OpIntGe,
	} {
		emit(op, nil, a, b)
		emit(op, nil, a, ir.ConstInt(-3))
	}
	for _, op := range []api.Opcode{api.OpIntNeg, api.OpIntIsZero, api.OpIntIsTrue, api.OpCastIntToFloat} {
		emit(op, nil, a)
	}
	for _, op := range []api.Opcode{
		api.OpFloatAdd, api.OpFloatSub, api.OpFloatMul, api.OpFloatDiv, api.OpFloatLt, api.OpFloatLe,
		api.OpFloatEq, api.OpFloatNe, api.OpFloatGt, api.OpFloatGe,
	} {
		emit(op, nil, f, g)
		emit(op, nil, ir.ConstFloat(0.5), f)
		emit(op, nil, f, ir.ConstFloat(2.5))
	}
	for _, op := range []api.Opcode{api.OpFloatNeg, api.OpFloatAbs, api.OpCastFloatToInt} {
		emit(op, nil, f)
	}
	emit(api.OpPtrEq, nil, p, arr)
	emit(api.OpPtrNe, nil, p, ir.ConstRef(api.Null))

	s := snap(1, a, b, f, g, p)
	guard(tr, api.OpGuardNonnullClass, pointLayout, s, p)
	guard(tr, api.OpGuardClass, floatArray, s, arr)
	guard(tr, api.OpGuardValue, nil, s, a, ir.ConstInt(3))
	guard(tr, api.OpGuardFalse, nil, s, b)
	emit(api.OpGetField, pointX, p)
	emit(api.OpGetField, pointY, p)
	emit(api.OpArrayLen, floatArray, arr)
	emit(api.OpGetArrayItem, floatArray, arr, a)
	emit(api.OpSetField, pointY, p, g)
	emit(api.OpSetArrayItem, floatArray, arr, b, f)
	emit(api.OpNew, pointLayout)
	emit(api.OpNewArray, floatArray, a)
	guard(tr, api.OpGuardNotInvalidated, nil, s)
	tr.Append(&ir.Operation{Opcode: api.OpFinish, Snapshot: snap(2, live...)})

	c, err := backend.Compile(tr, NewMachine())
	require.NoError(t, err)
	require.NotZero(t, c.Frame.SpillSlots)
	require.Len(t, c.Guards, 6)
	for index := 0; index < 5; index++ {
		requireStub(t, c, index)
	}
	// One continuation per host call.
	require.Equal(t, 4, bytes.Count(c.Native, []byte{0x49, 0xc7, 0x46, ctxContinuationOffset}))
}

func TestMachine_unsupported(t *testing.T) {
	m := NewMachine()
	c := &backend.Code{
		Instrs: []backend.Instr{{Kind: backend.InstrOp, Op: api.OpLabel, Index: -1}},
		Labels: map[*ir.TargetToken]*backend.LabelInfo{},
	}
	_, err := m.Encode(c)
	require.EqualError(t, err, "label: unsupported operation label")
}
