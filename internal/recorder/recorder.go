// Package recorder records traces by letting the interpreter execute bytecodes through an api.Executor which
// performs every operation concretely and appends it to the trace.
package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/resume"
	"github.com/tracelet/tracelet/internal/tracingapi"
	"github.com/tracelet/tracelet/internal/virtualstate"
)

// DefaultTraceLimit is the default maximum number of operations of a trace.
const DefaultTraceLimit = 4000

// Config holds the tunables of a Recorder.
type Config struct {
	// TraceLimit is the maximum number of operations of a trace.
	TraceLimit int
}

// TargetFunc returns the jump target of the loop installed for a header, if any, whose entry takes values of
// the given types.
type TargetFunc func(h api.HeaderID, types []api.ValueType) (*ir.JumpTarget, bool)

// BridgeStart describes where a bridge starts: the interpreter state after a guard failure was deoptimized.
type BridgeStart struct {
	// Header is the header of the loop owning the failing guard.
	Header api.HeaderID
	// Descriptor is the resume descriptor of the failing guard. The host frame already holds its deoptimized
	// values.
	Descriptor *resume.Descriptor
	// Targets resolves the headers a bridge may jump to.
	Targets TargetFunc
}

// Result is the outcome of a recording.
type Result struct {
	// Trace is the recorded trace, nil on abort.
	Trace *ir.Trace
	// PC is the bytecode at which the interpreter continues.
	PC int
	// Raised is the exception the program raised while recording.
	Raised error
	// Steps is the number of bytecodes executed.
	Steps int
	// Virtuals is the number of allocations which did not escape while recording.
	Virtuals int
}

// Recorder implements api.Executor for one recording at a time.
type Recorder struct {
	host   api.Host
	interp api.Interpreter
	cfg    Config

	trace   *ir.Trace
	targets TargetFunc
	startPC int

	// slots is the symbolic frame.
	slots []ir.Value
	// tags maps variables to the handle tags given out for them.
	tags    map[*ir.Var]uint32
	tagged  []ir.Value
	tracker *virtualstate.Tracker
	// known holds the layouts proven by guards or allocations, nonnull the values proven non-null.
	known   map[ir.Value]*api.Layout
	nonnull map[ir.Value]struct{}
	// promoted maps variables to the constants a GUARD_VALUE fixed them to.
	promoted map[*ir.Var]*ir.Const

	// Per-bytecode state.
	stepPC     int
	stepStart  int
	entrySlots []ir.Value
	snapshot   *ir.Snapshot
	effect     bool
	poison     *AbortError
	steps      int
}

var _ api.Executor = (*Recorder)(nil)

// New returns a Recorder. A zero TraceLimit is replaced by DefaultTraceLimit.
func New(host api.Host, interp api.Interpreter, cfg Config) *Recorder {
	if cfg.TraceLimit <= 0 {
		cfg.TraceLimit = DefaultTraceLimit
	}
	return &Recorder{host: host, interp: interp, cfg: cfg}
}

func (r *Recorder) reset(kind ir.TraceKind, header api.HeaderID) {
	r.trace = ir.NewTrace(kind, header)
	r.slots = make([]ir.Value, r.host.NumLocals())
	r.tags = map[*ir.Var]uint32{}
	r.tagged = r.tagged[:0]
	r.tracker = virtualstate.NewTracker()
	r.known = map[ir.Value]*api.Layout{}
	r.nonnull = map[ir.Value]struct{}{}
	r.promoted = map[*ir.Var]*ir.Const{}
	r.poison = nil
	r.steps = 0
	r.targets = nil
}

// RecordLoop records the loop starting at the header at pc. Recording succeeds when execution comes back to pc.
func (r *Recorder) RecordLoop(ctx context.Context, header api.HeaderID, pc int) (*Result, error) {
	r.reset(ir.TraceLoop, header)
	r.startPC = pc
	for i := range r.slots {
		typ := r.host.ReadLocal(i).Type()
		if typ == api.ValueTypeVoid {
			typ = api.ValueTypeInt
		}
		r.slots[i] = r.trace.NewInput(typ)
	}
	return r.run(ctx, pc)
}

// RecordBridge records a bridge from the deoptimized state of a failing guard until execution reaches a header
// with an installed loop.
func (r *Recorder) RecordBridge(ctx context.Context, start BridgeStart) (*Result, error) {
	r.reset(ir.TraceBridge, start.Header)
	r.targets = start.Targets
	r.startPC = -1

	desc := start.Descriptor
	inputs := make([]ir.Value, len(desc.FailArgTypes))
	for i, typ := range desc.FailArgTypes {
		inputs[i] = r.trace.NewInput(typ)
	}
	// Virtual objects of the guard are re-emitted as allocations the optimizer can remove again. Their concrete
	// counterparts were allocated by deoptimization.
	recipes := make([]*ir.Var, len(desc.Recipes))
	for i, rc := range desc.Recipes {
		var op *ir.Operation
		if rc.Layout.IsArray() {
			op = r.trace.Emit(api.OpNewArray, rc.Layout, ir.ConstInt(int64(rc.Length)))
			r.tracker.MakeVirtualArray(op.Result, rc.Layout, rc.Length)
		} else {
			op = r.trace.Emit(api.OpNew, rc.Layout)
			r.tracker.MakeVirtual(op.Result, rc.Layout)
		}
		recipes[i] = op.Result
		r.known[op.Result] = rc.Layout
		r.nonnull[op.Result] = struct{}{}
	}
	source := func(s resume.Source) ir.Value {
		switch s.Kind {
		case resume.SourceFailArg:
			return inputs[s.Index]
		case resume.SourceVirtual:
			return recipes[s.Index]
		}
		return ir.NewConst(s.Type, s.Bits)
	}
	for i, rc := range desc.Recipes {
		obj := recipes[i]
		for j, f := range rc.Fields {
			if f.Kind == resume.SourceConst && f.Bits == 0 {
				continue
			}
			v := source(f)
			if rc.Layout.IsArray() {
				r.trace.Emit(api.OpSetArrayItem, rc.Layout, obj, ir.ConstInt(int64(j)), v)
				if r.tracker.Info(obj) != nil {
					r.tracker.SetItem(obj, j, v)
				}
			} else {
				r.trace.Emit(api.OpSetField, rc.Layout.Fields[j], obj, v)
				r.tracker.SetField(obj, rc.Layout.Fields[j], v)
			}
		}
	}
	for i := range r.slots {
		if i < len(desc.Slots) {
			r.slots[i] = source(desc.Slots[i])
		} else {
			r.slots[i] = ir.Zero(api.ValueTypeRef)
		}
	}
	return r.run(ctx, desc.PC)
}

func (r *Recorder) run(ctx context.Context, pc int) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.abort(pc, AbortCancelled, err)
		}
		r.beginStep(pc)
		next, err := r.interp.Step(r, pc)
		r.steps++
		if err != nil {
			if errors.Is(err, api.ErrUnsupported) {
				return r.abort(pc, AbortUnsupported, err)
			}
			res, aerr := r.abort(pc, AbortRaised, err)
			res.Raised = err
			return res, aerr
		}
		if r.poison != nil {
			return &Result{PC: next, Steps: r.steps}, r.poison
		}
		if next == api.PCReturn {
			if r.trace.Kind == ir.TraceBridge {
				return r.finish()
			}
			return r.abort(next, AbortLeftFrame, nil)
		}
		if r.trace.Len() > r.cfg.TraceLimit {
			return r.abort(next, AbortTooLong, nil)
		}
		if r.trace.Kind == ir.TraceLoop && next == r.startPC {
			for i, in := range r.trace.Inputs {
				if r.slots[i].Type() != in.Type() {
					return r.abort(next, AbortUnsupported, fmt.Errorf("slot %d changed type from %s to %s",
						i, api.ValueTypeName(in.Type()), api.ValueTypeName(r.slots[i].Type())))
				}
			}
			return r.close(next, &ir.JumpTarget{})
		}
		if r.trace.Kind == ir.TraceBridge && r.targets != nil {
			if h, ok := r.interp.Header(next); ok {
				if target, ok := r.targets(h, r.slotTypes()); ok {
					return r.close(next, target)
				}
			}
		}
		pc = next
	}
}

func (r *Recorder) slotTypes() []api.ValueType {
	ret := make([]api.ValueType, len(r.slots))
	for i, s := range r.slots {
		ret[i] = s.Type()
	}
	return ret
}

func (r *Recorder) abort(pc int, reason AbortReason, cause error) (*Result, error) {
	return &Result{PC: pc, Steps: r.steps}, &AbortError{Reason: reason, PC: pc, Cause: cause}
}

func (r *Recorder) result(pc int) *Result {
	virtuals := 0
	for _, v := range r.trace.Ops {
		if v.Result != nil && r.tracker.IsVirtual(v.Result) {
			virtuals++
		}
	}
	if tracingapi.PrintRecordedTrace {
		fmt.Println(ir.Format(r.trace))
	}
	return &Result{Trace: r.trace, PC: pc, Steps: r.steps, Virtuals: virtuals}
}

func (r *Recorder) close(pc int, target *ir.JumpTarget) (*Result, error) {
	args := make([]ir.Value, len(r.slots))
	copy(args, r.slots)
	r.trace.Append(&ir.Operation{Opcode: api.OpJump, Args: args, Descr: target})
	return r.result(pc), nil
}

// finish ends a bridge whose frame returned: the returning bytecode is dropped from the trace and left to the
// interpreter, which compiled code reaches through FINISH.
func (r *Recorder) finish() (*Result, error) {
	r.trace.Truncate(r.stepStart)
	r.trace.Append(&ir.Operation{Opcode: api.OpFinish, Snapshot: r.stepSnapshot()})
	return r.result(api.PCReturn), nil
}

func (r *Recorder) beginStep(pc int) {
	r.stepPC = pc
	r.stepStart = r.trace.Len()
	r.entrySlots = make([]ir.Value, len(r.slots))
	copy(r.entrySlots, r.slots)
	r.snapshot = nil
	r.effect = false
}

// stepSnapshot returns the frame at the start of the current bytecode, shared by all its guards.
func (r *Recorder) stepSnapshot() *ir.Snapshot {
	if r.snapshot == nil {
		r.snapshot = &ir.Snapshot{PC: r.stepPC, Slots: r.entrySlots}
	}
	return r.snapshot
}

func (r *Recorder) poisonWith(reason AbortReason, cause error) {
	if r.poison == nil {
		r.poison = &AbortError{Reason: reason, PC: r.stepPC, Cause: cause}
	}
}

func (r *Recorder) guard(op api.Opcode, d api.Descr, args ...ir.Value) {
	if r.effect && op != api.OpGuardNoException {
		r.poisonWith(AbortGuardAfterEffect, fmt.Errorf("%s", op))
	}
	r.trace.Append(&ir.Operation{Opcode: op, Args: args, Descr: d, Snapshot: r.stepSnapshot()})
}

// handle returns a handle for v carrying the given concrete bits.
func (r *Recorder) handle(v ir.Value, typ api.ValueType, bits uint64) api.Handle {
	h := api.NewHandle(typ, bits)
	x, ok := v.(*ir.Var)
	if !ok {
		return h
	}
	tag, ok := r.tags[x]
	if !ok {
		r.tagged = append(r.tagged, x)
		tag = uint32(len(r.tagged))
		r.tags[x] = tag
	}
	return h.WithTag(tag)
}

// value returns the symbolic value of a handle. Untagged handles are constants of the interpreter.
func (r *Recorder) value(h api.Handle) ir.Value {
	tag := h.Tag()
	if tag == 0 || int(tag) > len(r.tagged) {
		return ir.NewConst(h.Type(), h.Bits())
	}
	v := r.tagged[tag-1]
	if x, ok := v.(*ir.Var); ok {
		if c, ok := r.promoted[x]; ok {
			return c
		}
	}
	return v
}

func isConst(v ir.Value) bool {
	_, ok := v.(*ir.Const)
	return ok
}

// Local implements api.Executor.Local
func (r *Recorder) Local(slot int) api.Handle {
	h := r.host.ReadLocal(slot)
	return r.handle(r.slots[slot], h.Type(), h.Bits())
}

// SetLocal implements api.Executor.SetLocal
func (r *Recorder) SetLocal(slot int, v api.Handle) {
	r.slots[slot] = r.value(v)
	r.host.WriteLocal(slot, v.Untagged())
}

// Int implements api.Executor.Int
func (r *Recorder) Int(v int64) api.Handle { return api.IntHandle(v) }

// Float implements api.Executor.Float
func (r *Recorder) Float(v float64) api.Handle { return api.FloatHandle(v) }

// Ref implements api.Executor.Ref
func (r *Recorder) Ref(ref api.Ref) api.Handle { return api.RefHandle(ref) }

// Do implements api.Executor.Do
func (r *Recorder) Do(op api.Opcode, d api.Descr, args ...api.Handle) api.Handle {
	vals := make([]ir.Value, len(args))
	bits := make([]uint64, len(args))
	allConst := true
	for i, a := range args {
		vals[i] = r.value(a)
		bits[i] = a.Bits()
		allConst = allConst && isConst(vals[i])
	}
	res := api.Exec(r.host, op, d, bits...)
	typ := ir.ResultType(op, d, vals)

	switch op {
	case api.OpNew:
		o := r.trace.Emit(op, d)
		r.tracker.MakeVirtual(o.Result, d.(*api.Layout))
		r.known[o.Result] = d.(*api.Layout)
		r.nonnull[o.Result] = struct{}{}
		return r.handle(o.Result, typ, res)
	case api.OpNewArray:
		l := d.(*api.Layout)
		o := r.trace.Emit(op, d, vals...)
		if c, ok := vals[0].(*ir.Const); ok {
			r.tracker.MakeVirtualArray(o.Result, l, int(c.Int()))
		}
		r.known[o.Result] = l
		r.nonnull[o.Result] = struct{}{}
		return r.handle(o.Result, typ, res)
	case api.OpSetField:
		r.store(vals[0], vals[1], func() { r.tracker.SetField(vals[0], d.(*api.Field), vals[1]) })
		r.trace.Emit(op, d, vals...)
		return api.Handle{}
	case api.OpSetArrayItem:
		idx, constIdx := vals[1].(*ir.Const)
		if info := r.tracker.Info(vals[0]); info != nil &&
			(!constIdx || idx.Int() < 0 || idx.Int() >= int64(info.Length)) {
			r.tracker.Escape(vals[0])
		}
		r.store(vals[0], vals[2], func() { r.tracker.SetItem(vals[0], int(idx.Int()), vals[2]) })
		r.trace.Emit(op, d, vals...)
		return api.Handle{}
	case api.OpGetField:
		if f := d.(*api.Field); f.Immutable && allConst {
			return api.NewHandle(typ, res)
		}
	case api.OpArrayLen:
		if allConst {
			return api.NewHandle(typ, res)
		}
	default:
		if op.IsPure() && allConst {
			return api.NewHandle(typ, res)
		}
	}
	o := r.trace.Emit(op, d, vals...)
	return r.handle(o.Result, typ, res)
}

// store updates the bookkeeping of a store of val into obj: stores into fresh objects are recorded by the tracker,
// other stores are side effects that leak val.
func (r *Recorder) store(obj, val ir.Value, track func()) {
	if r.tracker.IsVirtual(obj) {
		track()
		return
	}
	r.effect = true
	r.tracker.Escape(val)
}

// DoOvf implements api.Executor.DoOvf
func (r *Recorder) DoOvf(op api.Opcode, a, b api.Handle) (api.Handle, bool) {
	va, vb := r.value(a), r.value(b)
	res, ovf := api.EvalOvf(op, a.Bits(), b.Bits())
	if isConst(va) && isConst(vb) {
		return api.NewHandle(api.ValueTypeInt, res), !ovf
	}
	o := r.trace.Emit(op, nil, va, vb)
	if ovf {
		r.guard(api.OpGuardOverflow, nil)
	} else {
		r.guard(api.OpGuardNoOverflow, nil)
	}
	return r.handle(o.Result, api.ValueTypeInt, res), !ovf
}

// IsTrue implements api.Executor.IsTrue
func (r *Recorder) IsTrue(cond api.Handle) bool {
	v := r.value(cond)
	taken := cond.Bits() != 0
	if isConst(v) {
		return taken
	}
	if taken {
		r.guard(api.OpGuardTrue, nil, v)
	} else {
		r.guard(api.OpGuardFalse, nil, v)
	}
	return taken
}

// IsNull implements api.Executor.IsNull
func (r *Recorder) IsNull(obj api.Handle) bool {
	v := r.value(obj)
	null := obj.Bits() == 0
	if isConst(v) {
		return null
	}
	if _, ok := r.nonnull[v]; ok {
		return false
	}
	if null {
		r.guard(api.OpGuardIsnull, nil, v)
	} else {
		r.guard(api.OpGuardNonnull, nil, v)
		r.nonnull[v] = struct{}{}
	}
	return null
}

// LayoutOf implements api.Executor.LayoutOf
func (r *Recorder) LayoutOf(obj api.Handle) *api.Layout {
	v := r.value(obj)
	l := r.host.LayoutOf(obj.Ref())
	if isConst(v) {
		return l
	}
	if known, ok := r.known[v]; ok {
		return known
	}
	if _, ok := r.nonnull[v]; ok {
		r.guard(api.OpGuardClass, l, v)
	} else {
		r.guard(api.OpGuardNonnullClass, l, v)
		r.nonnull[v] = struct{}{}
	}
	r.known[v] = l
	return l
}

// Promote implements api.Executor.Promote
func (r *Recorder) Promote(h api.Handle) uint64 {
	v := r.value(h)
	x, ok := v.(*ir.Var)
	if !ok {
		return h.Bits()
	}
	c := ir.NewConst(h.Type(), h.Bits())
	r.guard(api.OpGuardValue, nil, x, c)
	r.promoted[x] = c
	for i, s := range r.slots {
		if s == x {
			r.slots[i] = c
		}
	}
	return h.Bits()
}

// Call implements api.Executor.Call
func (r *Recorder) Call(d *api.CallDescr, args ...api.Handle) (api.Handle, error) {
	vals := make([]ir.Value, len(args))
	bits := make([]uint64, len(args))
	allConst := true
	for i, a := range args {
		vals[i] = r.value(a)
		bits[i] = a.Bits()
		allConst = allConst && isConst(vals[i])
	}
	res, err := r.host.PerformBytecode(d.Op, bits)
	if d.NoTrace {
		r.poisonWith(AbortUnsupported, fmt.Errorf("%s: %w", d.Name, api.ErrUnsupported))
		return api.NewHandle(d.Result, res), err
	}
	if d.Pure && allConst && err == nil {
		return api.NewHandle(d.Result, res), nil
	}

	opcode := api.OpCallPure
	if !d.Pure {
		opcode = api.OpCall
		r.effect = true
		for _, v := range vals {
			r.tracker.Escape(v)
		}
	}
	o := r.trace.Emit(opcode, d, vals...)
	if d.CanRaise {
		r.guard(api.OpGuardNoException, nil)
	}
	if err != nil {
		return api.Handle{}, err
	}
	if o.Result == nil {
		return api.Handle{}, nil
	}
	return r.handle(o.Result, d.Result, res), nil
}

// ReadAssumption implements api.Executor.ReadAssumption
func (r *Recorder) ReadAssumption(id api.AssumptionID) api.Handle {
	h := r.host.ReadAssumption(id)
	r.guard(api.OpGuardNotInvalidated, nil)
	for _, a := range r.trace.Assumptions {
		if a == id {
			return h.Untagged()
		}
	}
	r.trace.Assumptions = append(r.trace.Assumptions, id)
	return h.Untagged()
}
