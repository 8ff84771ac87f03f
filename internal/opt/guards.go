package opt

import (
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

// knowledge is what the guards seen so far proved about values.
type knowledge struct {
	class   map[valueKey]*api.Layout
	nonnull map[valueKey]struct{}
	isnull  map[valueKey]struct{}
	truth   map[valueKey]bool
	// checked is set once GUARD_NOT_INVALIDATED ran and no call could have invalidated anything since.
	checked bool
}

// noKnowledge only proves guards on constants.
var noKnowledge = newKnowledge()

func newKnowledge() *knowledge {
	return &knowledge{
		class:   map[valueKey]*api.Layout{},
		nonnull: map[valueKey]struct{}{},
		isnull:  map[valueKey]struct{}{},
		truth:   map[valueKey]bool{},
	}
}

func (k *knowledge) isNonnull(v ir.Value) bool {
	if c, ok := v.(*ir.Const); ok {
		return c.Bits() != 0
	}
	key := keyOf(v)
	if _, ok := k.nonnull[key]; ok {
		return true
	}
	_, ok := k.class[key]
	return ok
}

// passGuards removes guards implied by earlier ones and by constants, weakens GUARD_NONNULL_CLASS when the value is
// known to be non-null and replaces values fixed by GUARD_VALUE with their constant.
func passGuards(t *ir.Trace) *ir.Trace {
	r := newRewriter(t)
	k := newKnowledge()
	for _, op := range t.Ops {
		cp := r.copyOp(op)
		if cp.Opcode.IsGuard() && guardImplied(cp, k) {
			continue
		}

		switch cp.Opcode {
		case api.OpLabel:
			k = newKnowledge()
		case api.OpNew, api.OpNewArray:
			key := keyOf(cp.Result)
			k.class[key] = cp.Descr.(*api.Layout)
			k.nonnull[key] = struct{}{}
		case api.OpCall:
			k.checked = false
		case api.OpGuardTrue, api.OpGuardFalse:
			k.truth[keyOf(cp.Args[0])] = cp.Opcode == api.OpGuardTrue
		case api.OpGuardNonnull:
			k.nonnull[keyOf(cp.Args[0])] = struct{}{}
		case api.OpGuardIsnull:
			k.isnull[keyOf(cp.Args[0])] = struct{}{}
		case api.OpGuardNonnullClass:
			if k.isNonnull(cp.Args[0]) {
				cp.Opcode = api.OpGuardClass
			}
			fallthrough
		case api.OpGuardClass:
			key := keyOf(cp.Args[0])
			k.class[key] = cp.Descr.(*api.Layout)
			k.nonnull[key] = struct{}{}
		case api.OpGuardValue:
			if x, ok := cp.Args[0].(*ir.Var); ok {
				r.replace(x, cp.Args[1])
			}
		case api.OpGuardNotInvalidated:
			k.checked = true
		}
		r.emit(cp)
	}
	return r.out
}

// guardImplied returns true if the guard cannot fail given k.
func guardImplied(op *ir.Operation, k *knowledge) bool {
	var arg ir.Value
	if len(op.Args) > 0 {
		arg = op.Args[0]
	}
	c, isConst := arg.(*ir.Const)
	key := keyOf(arg)

	switch op.Opcode {
	case api.OpGuardTrue, api.OpGuardFalse:
		want := op.Opcode == api.OpGuardTrue
		if isConst {
			return (c.Bits() != 0) == want
		}
		known, ok := k.truth[key]
		return ok && known == want
	case api.OpGuardNonnull:
		return k.isNonnull(arg)
	case api.OpGuardIsnull:
		if isConst {
			return c.Bits() == 0
		}
		_, ok := k.isnull[key]
		return ok
	case api.OpGuardClass, api.OpGuardNonnullClass:
		l, ok := k.class[key]
		return ok && l == op.Descr
	case api.OpGuardValue:
		return ir.SameValue(op.Args[0], op.Args[1])
	case api.OpGuardNotInvalidated:
		return k.checked
	}
	return false
}
