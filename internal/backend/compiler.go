// Package backend lowers optimized traces to a register-allocated instruction stream, builds their guard tables and
// hands them to a Machine for native encoding.
package backend

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/resume"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

// Machine is the ISA specific part of the backend.
type Machine interface {
	// RegisterInfo returns the registers handed out by the allocator and the scratch registers.
	RegisterInfo() *regalloc.RegisterInfo

	// Encode assembles allocated code and sets the native offsets of its guard table.
	Encode(c *Code) ([]byte, error)
}

// Compile lowers an optimized trace, allocates its registers and encodes it with m.
func Compile(t *ir.Trace, m Machine) (*Code, error) {
	l := newLowering(t)
	if err := l.lower(); err != nil {
		return nil, err
	}
	if tracingapi.PrintLoweredCode {
		fmt.Printf("[[[lowered %s]]]\n", t.Kind)
		for i := range l.instrs {
			fmt.Printf("\t%s\n", l.instrs[i].String())
		}
	}

	info := m.RegisterInfo()
	a := regalloc.NewAllocator(info)
	res, err := a.DoAllocation(l.intervals(), l.clobbers)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate registers: %w", err)
	}

	c := l.finish(res, info.ScratchRegisters)
	if tracingapi.PrintRegisterAllocated {
		fmt.Printf("[[[register allocated]]]\n%s", c.Format(info))
	}

	native, err := m.Encode(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	c.Native = native
	if tracingapi.PrintMachineCodeHex {
		fmt.Printf("[[[machine code]]]\n%x\n", native)
	}
	return c, nil
}

// lowering turns the operations of a trace into instructions over virtual registers, one per variable, and
// collects their live intervals.
type lowering struct {
	t      *ir.Trace
	instrs []Instr
	inputs []Operand
	guards []*GuardInfo
	jumps  []*JumpInfo

	types        map[regalloc.VRegID]api.ValueType
	starts, ends map[regalloc.VRegID]int
	// order is the definition order of the virtual registers.
	order []regalloc.VRegID
	// clobbers are the positions of the instructions calling into the host.
	clobbers  []int
	ownLabels map[*ir.TargetToken]struct{}
}

func newLowering(t *ir.Trace) *lowering {
	return &lowering{
		t:         t,
		types:     map[regalloc.VRegID]api.ValueType{},
		starts:    map[regalloc.VRegID]int{},
		ends:      map[regalloc.VRegID]int{},
		ownLabels: map[*ir.TargetToken]struct{}{},
	}
}

// pos is the position of the next instruction. Inputs are defined at position zero.
func (l *lowering) pos() int { return len(l.instrs) + 1 }

func (l *lowering) def(x *ir.Var, pos int) Operand {
	id := regalloc.VRegID(x.ID)
	l.starts[id], l.ends[id] = pos, pos
	l.types[id] = x.Type()
	l.order = append(l.order, id)
	return VRegOperand(id, x.Type())
}

func (l *lowering) use(v ir.Value, pos int) (Operand, error) {
	switch v := v.(type) {
	case *ir.Const:
		return ImmOperand(v.Type(), v.Bits()), nil
	case *ir.Var:
		id := regalloc.VRegID(v.ID)
		if _, ok := l.starts[id]; !ok {
			return Operand{}, fmt.Errorf("%s used before its definition", v)
		}
		l.ends[id] = pos
		return VRegOperand(id, v.Type()), nil
	}
	return Operand{}, fmt.Errorf("unexpected operand %v", v)
}

func (l *lowering) uses(vs []ir.Value, pos int) ([]Operand, error) {
	ret := make([]Operand, len(vs))
	for i, v := range vs {
		o, err := l.use(v, pos)
		if err != nil {
			return nil, err
		}
		ret[i] = o
	}
	return ret, nil
}

func (l *lowering) lower() error {
	for _, in := range l.t.Inputs {
		l.inputs = append(l.inputs, l.def(in, 0))
	}
	for _, op := range l.t.Ops {
		if err := l.lowerOp(op); err != nil {
			return fmt.Errorf("failed to lower %s: %w", op, err)
		}
	}
	return nil
}

func (l *lowering) lowerOp(op *ir.Operation) error {
	pos := l.pos()
	args, err := l.uses(op.Args, pos)
	if err != nil {
		return err
	}
	instr := Instr{Kind: InstrOp, Op: op.Opcode, Descr: op.Descr, Args: args, Index: -1}

	switch op.Opcode {
	case api.OpLabel:
		token := op.Descr.(*ir.TargetToken)
		instr.Kind, instr.Descr, instr.Target = InstrLabel, nil, token
		for _, p := range op.Params {
			instr.Defs = append(instr.Defs, l.def(p, pos))
		}
		l.ownLabels[token] = struct{}{}
	case api.OpJump:
		target := op.Descr.(*ir.JumpTarget).Target()
		if target == nil {
			return fmt.Errorf("jump without target")
		}
		instr.Descr, instr.Target = nil, target
		if _, own := l.ownLabels[target]; own || target == l.t.Entry {
			instr.Kind = InstrJump
		} else {
			instr.Kind = InstrExit
			instr.Index = len(l.jumps)
			l.jumps = append(l.jumps, &JumpInfo{Target: target})
		}
	case api.OpFinish:
		instr.Kind = InstrExit
	case api.OpSameAs:
		instr.Kind = InstrMove
	}

	if op.Opcode.IsGuard() || op.Opcode == api.OpFinish {
		g, err := l.guard(op, pos)
		if err != nil {
			return err
		}
		instr.Index = len(l.guards)
		l.guards = append(l.guards, g)
	}
	if op.Result != nil {
		instr.Dst = l.def(op.Result, pos)
	}
	if callsHost(op.Opcode) {
		l.clobbers = append(l.clobbers, pos)
	}
	l.instrs = append(l.instrs, instr)
	return nil
}

// guard builds the guard table entry of a guard or a FINISH. Its fail arguments are used at the guard.
func (l *lowering) guard(op *ir.Operation, pos int) (*GuardInfo, error) {
	desc, failArgs := resume.Build(op.Snapshot)
	g := &GuardInfo{Op: op.Opcode, Descriptor: desc, Encoded: desc.Encode()}
	for _, fa := range failArgs {
		o, err := l.use(fa, pos)
		if err != nil {
			return nil, err
		}
		g.FailArgs = append(g.FailArgs, o)
	}
	return g, nil
}

// callsHost returns true if the operation goes through the host, which may overwrite every register.
func callsHost(op api.Opcode) bool {
	switch op {
	case api.OpNew, api.OpNewArray, api.OpSetField, api.OpSetArrayItem, api.OpCall, api.OpCallPure:
		return true
	}
	return false
}

func (l *lowering) intervals() []regalloc.Interval {
	ret := make([]regalloc.Interval, len(l.order))
	for i, id := range l.order {
		ret[i] = regalloc.Interval{
			ID: id, Type: regalloc.RegTypeOf(l.types[id]), Start: l.starts[id], End: l.ends[id],
		}
	}
	return ret
}

// finish replaces virtual registers with their locations and resolves the parallel moves of labels and jumps.
func (l *lowering) finish(res *regalloc.Result, scratch [regalloc.NumRegType]regalloc.RealReg) *Code {
	loc := func(o Operand) Operand {
		if o.Kind != OperandVReg {
			return o
		}
		return LocationOperand(res.Locations[o.VReg()], o.Type)
	}
	locs := func(os []Operand) []Operand {
		if os == nil {
			return nil
		}
		ret := make([]Operand, len(os))
		for i, o := range os {
			ret[i] = loc(o)
		}
		return ret
	}
	pairs := func(dsts, srcs []Operand) []move {
		ret := make([]move, len(dsts))
		for i := range dsts {
			ret[i] = move{dst: dsts[i], src: srcs[i]}
		}
		return ret
	}

	t := l.t
	c := &Code{
		Kind:        t.Kind,
		Header:      t.Header,
		Inputs:      locs(l.inputs),
		Entry:       t.Entry,
		Labels:      map[*ir.TargetToken]*LabelInfo{},
		Guards:      l.guards,
		Jumps:       l.jumps,
		Frame:       FrameLayout{SpillSlots: res.NumSpillSlots, UsedRegisters: res.UsedRegisters},
		Assumptions: t.Assumptions,
		Layouts:     map[api.LayoutID]*api.Layout{},
		Instrs:      make([]Instr, 0, len(l.instrs)),
	}
	if t.Entry != nil {
		c.Labels[t.Entry] = &LabelInfo{Index: 0, Params: c.Inputs}
	}
	for _, g := range c.Guards {
		g.FailArgs = locs(g.FailArgs)
		for _, r := range g.Descriptor.Recipes {
			c.Layouts[r.Layout.ID] = r.Layout
		}
	}

	for _, in := range l.instrs {
		in.Dst, in.Args, in.Defs = loc(in.Dst), locs(in.Args), locs(in.Defs)
		switch in.Kind {
		case InstrLabel:
			c.Instrs = append(c.Instrs, sequentialize(pairs(in.Defs, in.Args), scratch)...)
			c.Labels[in.Target] = &LabelInfo{Index: len(c.Instrs), Params: in.Defs, State: in.Target.State}
			in.Args = nil
		case InstrJump:
			target := c.Labels[in.Target]
			c.Instrs = append(c.Instrs, sequentialize(pairs(target.Params, in.Args), scratch)...)
			in.Args = nil
		case InstrExit:
			if in.Target != nil {
				c.Jumps[in.Index].Args = in.Args
			}
		case InstrMove:
			if in.Dst.SameLocation(in.Args[0]) {
				continue
			}
		}
		c.Instrs = append(c.Instrs, in)
	}
	return c
}
