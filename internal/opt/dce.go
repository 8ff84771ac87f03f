package opt

import (
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

// removable returns true if op can be dropped when its result is unused.
func removable(op *ir.Operation) bool {
	switch op.Opcode {
	case api.OpGetField, api.OpGetArrayItem, api.OpArrayLen:
		return true
	case api.OpCallPure:
		return !op.Descr.(*api.CallDescr).CanRaise
	}
	return op.Opcode.IsPure()
}

// passDCE removes the operations without side effect whose result is never used, walking backwards so that whole
// unused chains go at once.
func passDCE(t *ir.Trace) *ir.Trace {
	used := map[*ir.Var]struct{}{}
	use := func(v ir.Value) {
		if x, ok := v.(*ir.Var); ok {
			used[x] = struct{}{}
		}
	}

	keep := make([]bool, len(t.Ops))
	for i := len(t.Ops) - 1; i >= 0; i-- {
		op := t.Ops[i]
		if op.Result != nil && removable(op) {
			if _, ok := used[op.Result]; !ok {
				continue
			}
		}
		keep[i] = true
		for _, a := range op.Args {
			use(a)
		}
		if op.Snapshot != nil {
			op.Snapshot.Values(use)
		}
	}

	out := t.Derive()
	for i, op := range t.Ops {
		if keep[i] {
			out.Append(op)
		}
	}
	return out
}
