package opt

import (
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/virtualstate"
)

// passVirtuals removes allocations which do not escape. Accesses to such virtual objects become the values they
// hold, guards and FINISH describe them with recipes, and the loop label receives their fields instead of the
// objects when the state at the end of the body matches the one at the label. Everything else forces them.
func passVirtuals(t *ir.Trace) *ir.Trace {
	r := newRewriter(t)
	v := &virtualizer{rewriter: r, tracker: virtualstate.NewTracker()}
	for _, op := range t.Ops {
		v.visit(op)
	}
	return r.out
}

type virtualizer struct {
	*rewriter
	tracker *virtualstate.Tracker
}

func (v *virtualizer) forceAll(args []ir.Value) []ir.Value { return v.tracker.ForceAll(args, v.out) }

func (v *virtualizer) snapshot(s *ir.Snapshot) *ir.Snapshot {
	mapped := v.rewriter.snapshot(s)
	return v.tracker.Snapshot(mapped.PC, mapped.Slots)
}

func (v *virtualizer) emitForced(op *ir.Operation, args []ir.Value) {
	cp := &ir.Operation{Opcode: op.Opcode, Args: v.forceAll(args), Result: op.Result, Descr: op.Descr}
	if op.Snapshot != nil {
		cp.Snapshot = v.snapshot(op.Snapshot)
	}
	v.emit(cp)
}

func (v *virtualizer) visit(op *ir.Operation) {
	args := v.args(op)
	t := v.tracker
	switch op.Opcode {
	case api.OpNew:
		t.MakeVirtual(op.Result, op.Descr.(*api.Layout))
		return
	case api.OpNewArray:
		if n, ok := args[0].(*ir.Const); ok {
			if _, ok := t.MakeVirtualArray(op.Result, op.Descr.(*api.Layout), int(n.Int())); ok {
				return
			}
		}
	case api.OpGetField:
		if t.IsVirtual(args[0]) {
			v.replace(op.Result, t.FieldValue(args[0], op.Descr.(*api.Field)))
			return
		}
	case api.OpSetField:
		if t.IsVirtual(args[0]) {
			t.SetField(args[0], op.Descr.(*api.Field), args[1])
			return
		}
	case api.OpGetArrayItem:
		if i, ok := v.virtualIndex(args[0], args[1]); ok {
			v.replace(op.Result, t.ItemValue(args[0], i))
			return
		}
	case api.OpSetArrayItem:
		if i, ok := v.virtualIndex(args[0], args[1]); ok {
			t.SetItem(args[0], i, args[2])
			return
		}
	case api.OpArrayLen:
		if t.IsVirtual(args[0]) {
			v.replace(op.Result, ir.ConstInt(int64(t.Info(args[0]).Length)))
			return
		}
	case api.OpGuardClass, api.OpGuardNonnullClass:
		if l, ok := t.LayoutOf(args[0]); ok && t.IsVirtual(args[0]) && l == op.Descr {
			return
		}
	case api.OpGuardNonnull:
		if t.IsVirtual(args[0]) {
			return
		}
	case api.OpPtrEq, api.OpPtrNe:
		if t.IsVirtual(args[0]) || t.IsVirtual(args[1]) {
			eq := t.Info(args[0]) == t.Info(args[1])
			if op.Opcode == api.OpPtrNe {
				eq = !eq
			}
			res := int64(0)
			if eq {
				res = 1
			}
			v.replace(op.Result, ir.ConstInt(res))
			return
		}
	case api.OpSameAs:
		if t.IsVirtual(args[0]) {
			v.replace(op.Result, args[0])
			return
		}
	case api.OpLabel:
		v.label(op, args)
		return
	case api.OpJump:
		v.jump(op, args)
		return
	case api.OpFinish:
		v.emit(&ir.Operation{Opcode: api.OpFinish, Snapshot: v.snapshot(op.Snapshot)})
		return
	}
	v.emitForced(op, args)
}

// virtualIndex returns the index of an access to a virtual array. Accesses with a variable or out of range index
// force the array.
func (v *virtualizer) virtualIndex(obj, idx ir.Value) (int, bool) {
	if !v.tracker.IsVirtual(obj) {
		return 0, false
	}
	c, ok := idx.(*ir.Const)
	if !ok || c.Int() < 0 || c.Int() >= int64(v.tracker.Info(obj).Length) {
		return 0, false
	}
	return int(c.Int()), true
}

// label passes the virtual arguments of the label as their fields and starts tracking them again in the body.
func (v *virtualizer) label(op *ir.Operation, args []ir.Value) {
	token := op.Descr.(*ir.TargetToken)
	state, flat := v.tracker.ExportState(args, v.out)
	params := make([]*ir.Var, len(flat))
	for i, f := range flat {
		params[i] = v.out.NewVar(f.Type())
	}
	token.State = state
	v.emit(&ir.Operation{Opcode: api.OpLabel, Args: flat, Params: params, Descr: token})

	// Nothing defined before the label is visible after it.
	v.tracker.Reset()
	values := v.tracker.ImportState(state, op.Params, params, v.out)
	for i, p := range op.Params {
		v.replace(p, values[i])
	}
}

// jump goes to the label when the arguments match its state, otherwise to the entry with everything forced.
func (v *virtualizer) jump(op *ir.Operation, args []ir.Value) {
	jt := op.Descr.(*ir.JumpTarget)
	if jt.Label != nil && v.tracker.MatchState(jt.Label.State, args) {
		jt.Chosen = jt.Label
		v.emit(&ir.Operation{Opcode: api.OpJump, Args: v.tracker.Flatten(jt.Label.State, args, v.out), Descr: jt})
		return
	}
	jt.Chosen = jt.Entry
	v.emit(&ir.Operation{Opcode: api.OpJump, Args: v.forceAll(args), Descr: jt})
}
