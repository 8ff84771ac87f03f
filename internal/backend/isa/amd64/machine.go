// Package amd64 encodes register-allocated traces to amd64 machine code.
//
// Please refer to https://www.felixcloutier.com/x86/index.html if unfamiliar with amd64 instructions used here.
// Note that x86 pkg used here prefixes all the instructions with "A" e.g. MOVQ will be given as x86.AMOVQ.
//
// Compiled code runs with ctxReg pointing to the execution context and spillBaseReg pointing to the spill area,
// and returns to the engine with RET after writing an exit code into the context. A reference is the address of
// the first word of its object, whose layout ID is stored in the word right before it.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

// Offsets in the execution context.
const (
	ctxExitCodeOffset     = 0
	ctxContinuationOffset = 8
	// ctxInvalidatedOffset is a byte set by the engine once the loop was invalidated.
	ctxInvalidatedOffset = 16
	// ctxExceptionOffset is a byte set by the engine when the last host call raised.
	ctxExceptionOffset = 24
	// ctxFloatTmpOffset is a word used to pass float immediates to instructions only taking memory operands.
	ctxFloatTmpOffset = 32
	// ctxArgsOffset is where host call arguments are passed and their result returned.
	ctxArgsOffset = 40

	layoutIDOffset = -8
)

type machine struct {
	b *asm.Builder
	c *backend.Code

	// Set a jmp kind instruction where you want to set the next coming
	// instruction as the destination of the jmp instruction.
	setJmpOrigins []*obj.Prog
	// nextTargets are the instructions whose code starts with the next added prog.
	nextTargets []int
	instrProgs  map[int]*obj.Prog

	jumps         []pendingJump
	guardBranches []pendingGuardBranch
	continuations []*obj.Prog
}

type pendingJump struct {
	prog  *obj.Prog
	instr int
}

type pendingGuardBranch struct {
	prog  *obj.Prog
	guard int
}

// NewMachine returns the amd64 backend.Machine.
func NewMachine() backend.Machine {
	return &machine{}
}

// RegisterInfo implements backend.Machine.
func (m *machine) RegisterInfo() *regalloc.RegisterInfo { return RegInfo }

// Encode implements backend.Machine.
func (m *machine) Encode(c *backend.Code) ([]byte, error) {
	// We can choose arbitrary number instead of 1024 which indicates the cache size in the builder.
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	*m = machine{b: b, c: c, instrProgs: map[int]*obj.Prog{}}

	targets := map[int]struct{}{}
	for _, l := range c.Labels {
		targets[l.Index] = struct{}{}
	}
	for i := range c.Instrs {
		if _, ok := targets[i]; ok {
			m.nextTargets = append(m.nextTargets, i)
		}
		if err := m.lowerInstr(i, &c.Instrs[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Instrs[i].String(), err)
		}
	}

	stubs := make([]*obj.Prog, len(c.Guards))
	for _, g := range m.guardBranches {
		if stubs[g.guard] == nil {
			stubs[g.guard] = m.emitGuardStub(g.guard)
		}
		g.prog.To.SetTarget(stubs[g.guard])
	}
	for _, j := range m.jumps {
		target, ok := m.instrProgs[j.instr]
		if !ok {
			return nil, fmt.Errorf("jump to instruction %d without code", j.instr)
		}
		j.prog.To.SetTarget(target)
	}

	code := m.b.Assemble()

	// Each continuation is the instruction right after the RET following the MOVQ which stores it, so we patch the
	// 32-bit immediate of the MOVQ now that offsets are known.
	for _, mov := range m.continuations {
		ret := mov.Link
		binary.LittleEndian.PutUint32(code[ret.Pc-4:ret.Pc], uint32(ret.Pc+1))
	}
	for i := len(m.guardBranches) - 1; i >= 0; i-- {
		g := m.guardBranches[i]
		info := c.Guards[g.guard]
		info.BranchOffset, info.StubOffset = int(g.prog.Pc), int(stubs[g.guard].Pc)
	}
	return code, nil
}

func (m *machine) addInstruction(prog *obj.Prog) {
	m.b.AddInstruction(prog)
	for _, origin := range m.setJmpOrigins {
		origin.To.SetTarget(prog)
	}
	m.setJmpOrigins = nil
	for _, i := range m.nextTargets {
		m.instrProgs[i] = prog
	}
	m.nextTargets = nil
}

func (m *machine) addSetJmpOrigins(progs ...*obj.Prog) {
	m.setJmpOrigins = append(m.setJmpOrigins, progs...)
}

func (m *machine) emit(as obj.As, from, to obj.Addr) *obj.Prog {
	p := m.b.NewProg()
	p.As = as
	p.From = from
	p.To = to
	m.addInstruction(p)
	return p
}

func (m *machine) branch(as obj.As) *obj.Prog {
	return m.emit(as, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
}

func regAddr(r regalloc.RealReg) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: asmReg(r)}
}

func byteRegAddr(r regalloc.RealReg) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: asmByteReg(r)}
}

func memAddr(base regalloc.RealReg, offset int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: asmReg(base), Offset: offset}
}

func constAddr(c int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: c} }

func slotAddr(slot int) obj.Addr { return memAddr(spillBaseReg, int64(slot)*api.WordSize) }

// movFor returns the move between r and memory, or between r and another register of the same class.
func movFor(r regalloc.RealReg) obj.As {
	if isXmm(r) {
		return x86.AMOVSD
	}
	return x86.AMOVQ
}

// load moves the operand o into the register r. Immediates go through tmpReg2 when r is a vector register.
func (m *machine) load(o backend.Operand, r regalloc.RealReg) {
	switch o.Kind {
	case backend.OperandImm:
		if isXmm(r) {
			m.emit(x86.AMOVQ, constAddr(int64(o.Value)), regAddr(tmpReg2))
			m.emit(x86.AMOVQ, regAddr(tmpReg2), regAddr(r))
		} else {
			m.emit(x86.AMOVQ, constAddr(int64(o.Value)), regAddr(r))
		}
	case backend.OperandReg:
		m.moveReg(o.Reg(), r)
	case backend.OperandSlot:
		m.emit(movFor(r), slotAddr(o.Slot()), regAddr(r))
	default:
		panic(fmt.Sprintf("BUG: cannot load %s", o))
	}
}

// store moves the register r to the location dst. Nothing happens for OperandNone.
func (m *machine) store(r regalloc.RealReg, dst backend.Operand) {
	switch dst.Kind {
	case backend.OperandNone:
	case backend.OperandReg:
		m.moveReg(r, dst.Reg())
	case backend.OperandSlot:
		m.emit(movFor(r), regAddr(r), slotAddr(dst.Slot()))
	default:
		panic(fmt.Sprintf("BUG: cannot store to %s", dst))
	}
}

func (m *machine) moveReg(from, to regalloc.RealReg) {
	if from == to {
		return
	}
	as := x86.AMOVQ
	if isXmm(from) && isXmm(to) {
		as = x86.AMOVSD
	}
	m.emit(as, regAddr(from), regAddr(to))
}

// floatSource returns an operand usable as the memory-or-register source of an SSE instruction.
func (m *machine) floatSource(o backend.Operand) obj.Addr {
	switch o.Kind {
	case backend.OperandReg:
		return regAddr(o.Reg())
	case backend.OperandSlot:
		return slotAddr(o.Slot())
	case backend.OperandImm:
		m.emit(x86.AMOVQ, constAddr(int64(o.Value)), regAddr(tmpReg2))
		m.emit(x86.AMOVQ, regAddr(tmpReg2), memAddr(ctxReg, ctxFloatTmpOffset))
		return memAddr(ctxReg, ctxFloatTmpOffset)
	}
	panic(fmt.Sprintf("BUG: cannot read %s", o))
}

func (m *machine) exit(code tracingapi.ExitCode) {
	m.emit(x86.AMOVL, constAddr(int64(code)), memAddr(ctxReg, ctxExitCodeOffset))
	m.emit(obj.ARET, obj.Addr{}, obj.Addr{})
}

func (m *machine) lowerInstr(index int, in *backend.Instr) error {
	switch in.Kind {
	case backend.InstrMove:
		m.lowerMove(in.Dst, in.Args[0])
	case backend.InstrLabel:
		// The code of the label starts with the next instruction.
	case backend.InstrJump:
		l, ok := m.c.Labels[in.Target]
		if !ok {
			return fmt.Errorf("unknown label %s", in.Target)
		}
		m.jumps = append(m.jumps, pendingJump{prog: m.branch(obj.AJMP), instr: l.Index})
	case backend.InstrExit:
		if in.Target == nil {
			m.exit(tracingapi.ExitCodeFinishWithIndex(in.Index))
			return nil
		}
		m.storeArgs(in.Args)
		m.exit(tracingapi.ExitCodeJumpWithIndex(in.Index))
	case backend.InstrOp:
		return m.lowerOp(index, in)
	}
	return nil
}

func (m *machine) lowerMove(dst, src backend.Operand) {
	switch {
	case dst.Kind == backend.OperandReg:
		m.load(src, dst.Reg())
	case src.Kind == backend.OperandReg:
		m.store(src.Reg(), dst)
	default:
		// Memory to memory moves and immediates go through the integer scratch, whatever the type.
		m.load(backend.Operand{Kind: src.Kind, Type: api.ValueTypeInt, Value: src.Value}, tmpReg2)
		m.store(tmpReg2, dst)
	}
}

// storeArgs passes the given values to the engine in the argument area of the context.
func (m *machine) storeArgs(args []backend.Operand) {
	for i, a := range args {
		m.load(backend.Operand{Kind: a.Kind, Type: api.ValueTypeInt, Value: a.Value}, tmpReg)
		m.emit(x86.AMOVQ, regAddr(tmpReg), memAddr(ctxReg, ctxArgsOffset+int64(i)*api.WordSize))
	}
}

func (m *machine) lowerOp(index int, in *backend.Instr) error {
	switch op := in.Op; op {
	case api.OpIntAdd, api.OpIntAddOvf:
		m.intBinary(x86.AADDQ, in)
	case api.OpIntSub, api.OpIntSubOvf:
		m.intBinary(x86.ASUBQ, in)
	case api.OpIntMul, api.OpIntMulOvf:
		m.intBinary(x86.AIMULQ, in)
	case api.OpIntAnd:
		m.intBinary(x86.AANDQ, in)
	case api.OpIntOr:
		m.intBinary(x86.AORQ, in)
	case api.OpIntXor:
		m.intBinary(x86.AXORQ, in)
	case api.OpIntShl:
		m.shift(x86.ASHLQ, in)
	case api.OpIntShr:
		m.shift(x86.ASARQ, in)
	case api.OpIntNeg:
		m.load(in.Args[0], tmpReg)
		m.emit(x86.ANEGQ, obj.Addr{}, regAddr(tmpReg))
		m.store(tmpReg, in.Dst)
	case api.OpIntIsZero, api.OpIntIsTrue:
		m.load(in.Args[0], tmpReg)
		m.emit(x86.ATESTQ, regAddr(tmpReg), regAddr(tmpReg))
		set := x86.ASETEQ
		if op == api.OpIntIsTrue {
			set = x86.ASETNE
		}
		m.setFlag(set, in.Dst)
	case api.OpIntLt, api.OpIntLe, api.OpIntEq, api.OpIntNe, api.OpIntGt, api.OpIntGe, api.OpPtrEq, api.OpPtrNe:
		m.intCompare(in)
	case api.OpIntFloorDiv, api.OpIntMod:
		m.division(in, op == api.OpIntMod)
	case api.OpFloatAdd:
		m.floatBinary(x86.AADDSD, in)
	case api.OpFloatSub:
		m.floatBinary(x86.ASUBSD, in)
	case api.OpFloatMul:
		m.floatBinary(x86.AMULSD, in)
	case api.OpFloatDiv:
		m.floatBinary(x86.ADIVSD, in)
	case api.OpFloatNeg, api.OpFloatAbs:
		// Flip or clear the sign bit on the integer side.
		m.load(in.Args[0], tmpReg)
		as := x86.ABTCQ
		if op == api.OpFloatAbs {
			as = x86.ABTRQ
		}
		m.emit(as, constAddr(63), regAddr(tmpReg))
		m.store(tmpReg, in.Dst)
	case api.OpFloatLt, api.OpFloatLe, api.OpFloatEq, api.OpFloatNe, api.OpFloatGt, api.OpFloatGe:
		m.floatCompare(in)
	case api.OpCastIntToFloat:
		m.load(in.Args[0], tmpReg)
		m.emit(x86.ACVTSQ2SD, regAddr(tmpReg), regAddr(tmpXmm))
		m.store(tmpXmm, in.Dst)
	case api.OpCastFloatToInt:
		m.castFloatToInt(in)
	case api.OpGetField:
		m.load(in.Args[0], tmpReg)
		m.emit(x86.AMOVQ, memAddr(tmpReg, int64(in.Descr.(*api.Field).Offset())), regAddr(tmpReg))
		m.store(tmpReg, in.Dst)
	case api.OpGetArrayItem:
		m.load(in.Args[0], tmpReg)
		m.load(in.Args[1], tmpReg2)
		item := memAddr(tmpReg, api.ArrayItemsOffset)
		item.Index, item.Scale = asmReg(tmpReg2), api.WordSize
		m.emit(x86.AMOVQ, item, regAddr(tmpReg))
		m.store(tmpReg, in.Dst)
	case api.OpArrayLen:
		m.load(in.Args[0], tmpReg)
		m.emit(x86.AMOVQ, memAddr(tmpReg, api.ArrayLengthOffset), regAddr(tmpReg))
		m.store(tmpReg, in.Dst)
	case api.OpNew, api.OpNewArray, api.OpSetField, api.OpSetArrayItem, api.OpCall, api.OpCallPure:
		m.callHost(index, in)
	default:
		if op.IsGuard() {
			return m.lowerGuard(in)
		}
		return fmt.Errorf("unsupported operation %s", op)
	}
	return nil
}

func (m *machine) intBinary(as obj.As, in *backend.Instr) {
	m.load(in.Args[0], tmpReg)
	m.load(in.Args[1], tmpReg2)
	m.emit(as, regAddr(tmpReg2), regAddr(tmpReg))
	// Moves do not modify flags, so a guard on the overflow flag can follow.
	m.store(tmpReg, in.Dst)
}

// shift needs the count in CL, so CX is swapped with the count for the duration of the shift.
func (m *machine) shift(as obj.As, in *backend.Instr) {
	m.load(in.Args[0], tmpReg)
	m.load(in.Args[1], tmpReg2)
	m.emit(x86.AXCHGQ, regAddr(tmpReg2), regAddr(rcx))
	m.emit(as, regAddr(rcx), regAddr(tmpReg))
	m.emit(x86.AXCHGQ, regAddr(tmpReg2), regAddr(rcx))
	m.store(tmpReg, in.Dst)
}

// setFlag materializes the condition of set as 0 or 1 in dst.
func (m *machine) setFlag(set obj.As, dst backend.Operand) {
	m.emit(set, obj.Addr{}, byteRegAddr(tmpReg))
	m.emit(x86.AMOVBQZX, byteRegAddr(tmpReg), regAddr(tmpReg))
	m.store(tmpReg, dst)
}

func (m *machine) intCompare(in *backend.Instr) {
	var set obj.As
	switch in.Op {
	case api.OpIntLt:
		set = x86.ASETLT
	case api.OpIntLe:
		set = x86.ASETLE
	case api.OpIntEq, api.OpPtrEq:
		set = x86.ASETEQ
	case api.OpIntNe, api.OpPtrNe:
		set = x86.ASETNE
	case api.OpIntGt:
		set = x86.ASETGT
	case api.OpIntGe:
		set = x86.ASETGE
	}
	m.load(in.Args[0], tmpReg)
	m.load(in.Args[1], tmpReg2)
	m.emit(x86.ACMPQ, regAddr(tmpReg), regAddr(tmpReg2))
	m.setFlag(set, in.Dst)
}

// division computes the floored quotient or modulo with IDIVQ, which works on RDX:RAX. Both are saved around it.
// Division by zero yields zero and division by -1 is a negation, matching api.Eval.
func (m *machine) division(in *backend.Instr, mod bool) {
	m.load(in.Args[0], tmpReg)
	m.load(in.Args[1], tmpReg2)
	m.emit(x86.APUSHQ, regAddr(rax), obj.Addr{})
	m.emit(x86.APUSHQ, regAddr(rdx), obj.Addr{})

	m.emit(x86.ATESTQ, regAddr(tmpReg2), regAddr(tmpReg2))
	jmpIfZero := m.branch(x86.AJEQ)
	m.emit(x86.ACMPQ, regAddr(tmpReg2), constAddr(-1))
	jmpIfMinusOne := m.branch(x86.AJEQ)

	m.emit(x86.AMOVQ, regAddr(tmpReg), regAddr(rax))
	m.emit(x86.ACQO, obj.Addr{}, obj.Addr{})
	m.emit(x86.AIDIVQ, regAddr(tmpReg2), obj.Addr{})

	var jmpToEnd []*obj.Prog
	if mod {
		// A non-zero remainder whose sign differs from the divisor's is moved towards it.
		m.emit(x86.AMOVQ, regAddr(rdx), regAddr(tmpReg))
		m.emit(x86.ATESTQ, regAddr(rdx), regAddr(rdx))
		jmpToEnd = append(jmpToEnd, m.branch(x86.AJEQ))
		m.emit(x86.AMOVQ, regAddr(rdx), regAddr(rax))
		m.emit(x86.AXORQ, regAddr(tmpReg2), regAddr(rax))
		jmpToEnd = append(jmpToEnd, m.branch(x86.AJGE))
		m.emit(x86.AADDQ, regAddr(tmpReg2), regAddr(tmpReg))
	} else {
		// The quotient is truncated: decrement it when the remainder is not zero and the signs differ.
		m.emit(x86.AMOVQ, regAddr(rdx), regAddr(tmpReg))
		m.emit(x86.ATESTQ, regAddr(tmpReg), regAddr(tmpReg))
		jmpIfExact := m.branch(x86.AJEQ)
		m.emit(x86.AXORQ, regAddr(tmpReg2), regAddr(tmpReg))
		jmpIfSameSign := m.branch(x86.AJGE)
		m.emit(x86.ADECQ, obj.Addr{}, regAddr(rax))
		m.addSetJmpOrigins(jmpIfExact, jmpIfSameSign)
		m.emit(x86.AMOVQ, regAddr(rax), regAddr(tmpReg))
	}
	jmpToEnd = append(jmpToEnd, m.branch(obj.AJMP))

	m.addSetJmpOrigins(jmpIfZero)
	m.emit(x86.AXORQ, regAddr(tmpReg), regAddr(tmpReg))
	jmpToEnd = append(jmpToEnd, m.branch(obj.AJMP))

	m.addSetJmpOrigins(jmpIfMinusOne)
	if mod {
		m.emit(x86.AXORQ, regAddr(tmpReg), regAddr(tmpReg))
	} else {
		m.emit(x86.ANEGQ, obj.Addr{}, regAddr(tmpReg))
	}

	m.addSetJmpOrigins(jmpToEnd...)
	m.emit(x86.APOPQ, obj.Addr{}, regAddr(rdx))
	m.emit(x86.APOPQ, obj.Addr{}, regAddr(rax))
	m.store(tmpReg, in.Dst)
}

func (m *machine) floatBinary(as obj.As, in *backend.Instr) {
	m.load(in.Args[0], tmpXmm)
	m.emit(as, m.floatSource(in.Args[1]), regAddr(tmpXmm))
	m.store(tmpXmm, in.Dst)
}

// floatCompare uses UCOMISD, which sets ZF, PF and CF on unordered operands: comparisons are turned into "above"
// or "above or equal" so that NaN yields false, and equality also checks the parity flag.
func (m *machine) floatCompare(in *backend.Instr) {
	first, second := in.Args[0], in.Args[1]
	var set obj.As
	switch in.Op {
	case api.OpFloatGt:
		set = x86.ASETHI
	case api.OpFloatGe:
		set = x86.ASETCC
	case api.OpFloatLt:
		first, second, set = second, first, x86.ASETHI
	case api.OpFloatLe:
		first, second, set = second, first, x86.ASETCC
	}
	m.load(first, tmpXmm)
	m.emit(x86.AUCOMISD, m.floatSource(second), regAddr(tmpXmm))

	switch in.Op {
	case api.OpFloatEq:
		m.emit(x86.ASETEQ, obj.Addr{}, byteRegAddr(tmpReg))
		m.emit(x86.ASETPC, obj.Addr{}, byteRegAddr(tmpReg2))
		m.emit(x86.AANDB, byteRegAddr(tmpReg2), byteRegAddr(tmpReg))
	case api.OpFloatNe:
		m.emit(x86.ASETNE, obj.Addr{}, byteRegAddr(tmpReg))
		m.emit(x86.ASETPS, obj.Addr{}, byteRegAddr(tmpReg2))
		m.emit(x86.AORB, byteRegAddr(tmpReg2), byteRegAddr(tmpReg))
	default:
		m.emit(set, obj.Addr{}, byteRegAddr(tmpReg))
	}
	m.emit(x86.AMOVBQZX, byteRegAddr(tmpReg), regAddr(tmpReg))
	m.store(tmpReg, in.Dst)
}

// castFloatToInt saturates like api.Eval: CVTTSD2SQ returns math.MinInt64 for NaN and out of range values, which
// is fixed up afterwards.
func (m *machine) castFloatToInt(in *backend.Instr) {
	m.load(in.Args[0], tmpXmm)
	m.emit(x86.ACVTTSD2SQ, regAddr(tmpXmm), regAddr(tmpReg))
	m.emit(x86.AMOVQ, constAddr(math.MinInt64), regAddr(tmpReg2))
	m.emit(x86.ACMPQ, regAddr(tmpReg), regAddr(tmpReg2))
	jmpIfInRange := m.branch(x86.AJNE)

	m.emit(x86.AUCOMISD, regAddr(tmpXmm), regAddr(tmpXmm))
	jmpIfNaN := m.branch(x86.AJPS)
	m.emit(x86.AMOVQ, regAddr(tmpXmm), regAddr(tmpReg2))
	m.emit(x86.ATESTQ, regAddr(tmpReg2), regAddr(tmpReg2))
	jmpIfNegative := m.branch(x86.AJLT)
	m.emit(x86.AMOVQ, constAddr(math.MaxInt64), regAddr(tmpReg))
	jmpIfPositive := m.branch(obj.AJMP)

	m.addSetJmpOrigins(jmpIfNaN)
	m.emit(x86.AXORQ, regAddr(tmpReg), regAddr(tmpReg))

	m.addSetJmpOrigins(jmpIfInRange, jmpIfNegative, jmpIfPositive)
	m.store(tmpReg, in.Dst)
}

// callHost returns to the engine, which performs the operation of the instruction at index with the arguments
// passed in the context, and continues right after the RET.
func (m *machine) callHost(index int, in *backend.Instr) {
	m.storeArgs(in.Args)
	m.emit(x86.AMOVL, constAddr(int64(tracingapi.ExitCodeCallHostWithIndex(index))), memAddr(ctxReg, ctxExitCodeOffset))
	// The continuation is patched once the offsets are known.
	mov := m.emit(x86.AMOVQ, constAddr(math.MaxInt32), memAddr(ctxReg, ctxContinuationOffset))
	m.emit(obj.ARET, obj.Addr{}, obj.Addr{})
	m.continuations = append(m.continuations, mov)

	if in.Dst.Kind != backend.OperandNone {
		m.emit(x86.AMOVQ, memAddr(ctxReg, ctxArgsOffset), regAddr(tmpReg))
		m.store(tmpReg, in.Dst)
	}
}

func (m *machine) guardBranch(as obj.As, guard int) {
	m.guardBranches = append(m.guardBranches, pendingGuardBranch{prog: m.branch(as), guard: guard})
}

func (m *machine) lowerGuard(in *backend.Instr) error {
	switch in.Op {
	case api.OpGuardTrue, api.OpGuardFalse, api.OpGuardNonnull, api.OpGuardIsnull:
		m.load(in.Args[0], tmpReg)
		m.emit(x86.ATESTQ, regAddr(tmpReg), regAddr(tmpReg))
		as := x86.AJEQ
		if in.Op == api.OpGuardFalse || in.Op == api.OpGuardIsnull {
			as = x86.AJNE
		}
		m.guardBranch(as, in.Index)
	case api.OpGuardValue:
		m.load(in.Args[0], tmpReg)
		m.load(in.Args[1], tmpReg2)
		m.emit(x86.ACMPQ, regAddr(tmpReg), regAddr(tmpReg2))
		m.guardBranch(x86.AJNE, in.Index)
	case api.OpGuardNonnullClass, api.OpGuardClass:
		m.load(in.Args[0], tmpReg)
		if in.Op == api.OpGuardNonnullClass {
			m.emit(x86.ATESTQ, regAddr(tmpReg), regAddr(tmpReg))
			m.guardBranch(x86.AJEQ, in.Index)
		}
		m.emit(x86.AMOVQ, memAddr(tmpReg, layoutIDOffset), regAddr(tmpReg2))
		m.emit(x86.ACMPQ, regAddr(tmpReg2), constAddr(int64(in.Descr.(*api.Layout).ID)))
		m.guardBranch(x86.AJNE, in.Index)
	case api.OpGuardNoOverflow:
		m.guardBranch(x86.AJOS, in.Index)
	case api.OpGuardOverflow:
		m.guardBranch(x86.AJOC, in.Index)
	case api.OpGuardNoException:
		m.emit(x86.ACMPB, memAddr(ctxReg, ctxExceptionOffset), constAddr(0))
		m.guardBranch(x86.AJNE, in.Index)
	case api.OpGuardNotInvalidated:
		m.emit(x86.ACMPB, memAddr(ctxReg, ctxInvalidatedOffset), constAddr(0))
		m.guardBranch(x86.AJNE, in.Index)
	default:
		return fmt.Errorf("unsupported guard %s", in.Op)
	}
	return nil
}

// emitGuardStub emits the out of line code of a guard: it records the guard index and returns to the engine.
func (m *machine) emitGuardStub(guard int) *obj.Prog {
	first := m.emit(x86.AMOVL, constAddr(int64(tracingapi.ExitCodeGuardFailureWithIndex(guard))),
		memAddr(ctxReg, ctxExitCodeOffset))
	m.emit(obj.ARET, obj.Addr{}, obj.Addr{})
	return first
}
