package engine

import (
	"context"
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

// ExitKind is the reason execution left compiled code.
type ExitKind byte

const (
	// ExitFinish is a FINISH reached. The interpreter resumes at the descriptor of Exit.Guard.
	ExitFinish ExitKind = iota
	// ExitGuardFailure is a failing guard without a bridge. The interpreter resumes at the descriptor of
	// Exit.Guard.
	ExitGuardFailure
	// ExitRedirect is a jump to a loop which was invalidated in the meantime. Exit.Frame is already written back
	// to the host.
	ExitRedirect
	// ExitInterrupted is a loop whose context was cancelled. Exit.Frame is already written back to the host.
	ExitInterrupted
)

// String implements fmt.Stringer.
func (k ExitKind) String() string {
	switch k {
	case ExitFinish:
		return "finish"
	case ExitGuardFailure:
		return "guard_failure"
	case ExitRedirect:
		return "redirect"
	case ExitInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("ExitKind(%d)", k)
}

// Exit describes how execution left compiled code.
type Exit struct {
	Kind ExitKind
	// Guard is the failing guard or the FINISH.
	Guard *Guard
	// FailArgs are the values passed to the descriptor of Guard.
	FailArgs []uint64
	// Raised is the exception of a failing GUARD_NO_EXCEPTION.
	Raised error
	// Frame is the rebuilt interpreter frame of ExitRedirect and ExitInterrupted.
	Frame *api.Frame
	// Err is the context error of ExitInterrupted.
	Err error
}

// interruptCheckInterval is the number of loop iterations between two checks of the context.
const interruptCheckInterval = 1 << 10

// clobberedBits is written to every register after calls into the host when validation is enabled.
const clobberedBits = 0xdeadbeefdeadbeef

// machine executes the allocated instruction stream of installed code. Registers and spill slots hold the same
// bits the native code keeps in them.
type machine struct {
	e    *Engine
	host api.Host

	loop  *Loop
	unit  *Unit
	regs  [256]uint64
	slots []uint64
	// ovf is the overflow flag of the last overflow-checked operation.
	ovf bool
	// exc is the exception raised by the last call.
	exc error
}

// Enter executes the loop of h from its entry with the frame slot values args, until a guard without bridge
// fails, a FINISH is reached or ctx is done. It returns ErrInvalidated (wrapped) if the loop cannot be entered.
func (e *Engine) Enter(ctx context.Context, h Handle, host api.Host, args []uint64) (*Exit, error) {
	l, err := e.acquire(h)
	if err != nil {
		return nil, err
	}
	entry := l.Code.Labels[l.Code.Entry]
	if len(args) != len(entry.Params) {
		e.release(ctx, l)
		return nil, fmt.Errorf("%s takes %d values, got %d", l, len(entry.Params), len(args))
	}
	m := &machine{e: e, host: host, loop: l}
	m.transfer(&l.Unit, entry.Params, args)
	exit, err := m.run(ctx, entry.Index)
	e.release(ctx, m.loop)
	return exit, err
}

func (m *machine) read(o backend.Operand) uint64 {
	switch o.Kind {
	case backend.OperandReg:
		return m.regs[o.Reg()]
	case backend.OperandSlot:
		return m.slots[o.Slot()]
	case backend.OperandImm:
		return o.Value
	}
	panic(fmt.Sprintf("BUG: reading operand %s", o))
}

func (m *machine) readAll(os []backend.Operand) []uint64 {
	ret := make([]uint64, len(os))
	for i, o := range os {
		ret[i] = m.read(o)
	}
	return ret
}

func (m *machine) write(o backend.Operand, v uint64) {
	switch o.Kind {
	case backend.OperandReg:
		m.regs[o.Reg()] = v
	case backend.OperandSlot:
		m.slots[o.Slot()] = v
	case backend.OperandNone:
	default:
		panic(fmt.Sprintf("BUG: writing operand %s", o))
	}
}

// transfer switches to u and places vals in the given locations of u.
func (m *machine) transfer(u *Unit, params []backend.Operand, vals []uint64) {
	m.unit = u
	if n := u.Code.Frame.SpillSlots; cap(m.slots) >= n {
		m.slots = m.slots[:n]
	} else {
		m.slots = make([]uint64, n)
	}
	for i, p := range params {
		m.write(p, vals[i])
	}
}

func (m *machine) run(ctx context.Context, at int) (*Exit, error) {
	iterations := 0
	for {
		code := m.unit.Code
		in := &code.Instrs[at]
		switch in.Kind {
		case backend.InstrMove:
			m.write(in.Dst, m.read(in.Args[0]))
			at++
		case backend.InstrLabel:
			at++
		case backend.InstrJump:
			label := code.Labels[in.Target]
			if iterations++; iterations%interruptCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					frame := m.rebuild(label.State, m.readAll(label.Params), label.Params, m.loop.pc)
					return &Exit{Kind: ExitInterrupted, Frame: frame, Err: err}, nil
				}
			}
			at = label.Index
		case backend.InstrExit:
			if in.Target == nil {
				g := m.unit.Guards[in.Index]
				return &Exit{Kind: ExitFinish, Guard: g, FailArgs: m.readAll(g.Info.FailArgs)}, nil
			}
			next, exit, err := m.jump(ctx, in.Index)
			if exit != nil || err != nil {
				return exit, err
			}
			at = next
		case backend.InstrOp:
			if !in.IsGuard() {
				m.exec(in)
				at++
				continue
			}
			g := m.unit.Guards[in.Index]
			if m.check(in) && (m.e.cfg.FailGuard == nil || in.Op == api.OpGuardNoException || !m.e.cfg.FailGuard(g)) {
				at++
				continue
			}
			failArgs := m.readAll(g.Info.FailArgs)
			if in.Op == api.OpGuardNoException {
				return &Exit{Kind: ExitGuardFailure, Guard: g, FailArgs: failArgs, Raised: m.exc}, nil
			}
			if b := g.Bridge(); b != nil && in.Op != api.OpGuardNotInvalidated {
				m.transfer(b, b.Code.Inputs, failArgs)
				at = 0
				continue
			}
			return &Exit{Kind: ExitGuardFailure, Guard: g, FailArgs: failArgs}, nil
		default:
			return nil, fmt.Errorf("unexpected instruction %s", in)
		}
	}
}

// jump continues at the label of another loop, or leaves with ExitRedirect if the loop was invalidated.
func (m *machine) jump(ctx context.Context, index int) (int, *Exit, error) {
	target := m.unit.jumps[index]
	args := m.readAll(m.unit.Code.Jumps[index].Args)
	l, err := m.e.acquire(target.loop)
	if err != nil {
		frame := m.rebuild(target.token.State, args, m.unit.Code.Jumps[index].Args, target.pc)
		return 0, &Exit{Kind: ExitRedirect, Frame: frame}, nil
	}
	m.e.release(ctx, m.loop)
	m.loop = l
	label, ok := l.Code.Labels[target.token]
	if !ok {
		return 0, nil, fmt.Errorf("%s has no label %s", l, target.token)
	}
	m.transfer(&l.Unit, label.Params, args)
	return label.Index, nil, nil
}

func (m *machine) exec(in *backend.Instr) {
	args := m.readAll(in.Args)
	var v uint64
	switch {
	case in.Op.IsOvf():
		v, m.ovf = api.EvalOvf(in.Op, args[0], args[1])
	case in.Op.IsCall():
		d := in.Descr.(*api.CallDescr)
		v, m.exc = m.host.PerformBytecode(d.Op, args)
		m.clobber()
	case in.Op.IsPure():
		v = api.Eval(in.Op, args...)
	default:
		v = api.Exec(m.host, in.Op, in.Descr, args...)
		if in.Op == api.OpNew || in.Op == api.OpNewArray || in.Op == api.OpSetField || in.Op == api.OpSetArrayItem {
			m.clobber()
		}
	}
	m.write(in.Dst, v)
}

// clobber overwrites the registers after a call into the host, which native code does not preserve.
func (m *machine) clobber() {
	if !tracingapi.RegAllocValidationEnabled {
		return
	}
	for i := range m.regs {
		m.regs[i] = clobberedBits
	}
}

// check returns true if the guard passes.
func (m *machine) check(in *backend.Instr) bool {
	arg := func(i int) uint64 { return m.read(in.Args[i]) }
	switch in.Op {
	case api.OpGuardTrue:
		return arg(0) != 0
	case api.OpGuardFalse:
		return arg(0) == 0
	case api.OpGuardValue:
		return arg(0) == arg(1)
	case api.OpGuardNonnull:
		return arg(0) != 0
	case api.OpGuardIsnull:
		return arg(0) == 0
	case api.OpGuardClass:
		return m.host.LayoutOf(api.Ref(arg(0))).ID == in.Descr.(*api.Layout).ID
	case api.OpGuardNonnullClass:
		ref := api.Ref(arg(0))
		return ref != api.Null && m.host.LayoutOf(ref).ID == in.Descr.(*api.Layout).ID
	case api.OpGuardNoOverflow:
		return !m.ovf
	case api.OpGuardOverflow:
		return m.ovf
	case api.OpGuardNoException:
		return m.exc == nil
	case api.OpGuardNotInvalidated:
		return m.loop.Valid()
	}
	panic(fmt.Sprintf("BUG: unexpected guard %s", in.Op))
}

// rebuild writes to the host the frame at pc whose slots are described by state, with vals the label parameters
// held at locs.
func (m *machine) rebuild(state *ir.VirtualState, vals []uint64, locs []backend.Operand, pc int) *api.Frame {
	next := 0
	param := func() api.Handle {
		h := api.NewHandle(locs[next].Type, vals[next])
		next++
		return h
	}
	var materialize func(v *ir.VirtualSlot) api.Handle
	materialize = func(v *ir.VirtualSlot) api.Handle {
		if v == nil {
			return param()
		}
		var obj uint64
		if v.Layout.IsArray() {
			obj = api.Exec(m.host, api.OpNewArray, v.Layout, uint64(v.Length))
		} else {
			obj = api.Exec(m.host, api.OpNew, v.Layout)
		}
		for i, f := range v.Fields {
			fv := materialize(f)
			if v.Layout.IsArray() {
				api.Exec(m.host, api.OpSetArrayItem, v.Layout, obj, uint64(i), fv.Bits())
			} else {
				api.Exec(m.host, api.OpSetField, v.Layout.Fields[i], obj, fv.Bits())
			}
		}
		return api.RefHandle(api.Ref(obj))
	}

	frame := &api.Frame{PC: pc}
	if state == nil {
		for range vals {
			frame.Slots = append(frame.Slots, param())
		}
	} else {
		for _, v := range state.Slots {
			frame.Slots = append(frame.Slots, materialize(v))
		}
	}
	for i, s := range frame.Slots {
		if i < m.host.NumLocals() {
			m.host.WriteLocal(i, s)
		}
	}
	return frame
}
