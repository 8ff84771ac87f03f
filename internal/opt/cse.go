package opt

import (
	"math/bits"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

// valueKey identifies a value independently of how it was built: constants by their bits, variables by their ID.
type valueKey struct {
	isConst bool
	typ     api.ValueType
	bits    uint64
}

func keyOf(v ir.Value) valueKey {
	switch v := v.(type) {
	case *ir.Const:
		return valueKey{isConst: true, typ: v.Type(), bits: v.Bits()}
	case *ir.Var:
		return valueKey{typ: v.Type(), bits: uint64(v.ID)}
	}
	return valueKey{}
}

// exprKey identifies a pure computation.
type exprKey struct {
	op      api.Opcode
	d       api.Descr
	n       int
	a, b, c valueKey
}

func exprKeyOf(op *ir.Operation) (exprKey, bool) {
	if len(op.Args) > 3 {
		return exprKey{}, false
	}
	k := exprKey{op: op.Opcode, d: op.Descr, n: len(op.Args)}
	keys := [3]*valueKey{&k.a, &k.b, &k.c}
	for i, a := range op.Args {
		*keys[i] = keyOf(a)
	}
	return k, true
}

// canonicalize orders the operands of a commutative operation: constants second, lower variable IDs first.
func canonicalize(op *ir.Operation) {
	if !op.Opcode.IsCommutative() || len(op.Args) != 2 {
		return
	}
	a, b := op.Args[0], op.Args[1]
	_, aConst := a.(*ir.Const)
	_, bConst := b.(*ir.Const)
	swap := aConst && !bConst
	if x, ok := a.(*ir.Var); ok {
		if y, ok := b.(*ir.Var); ok && x.ID > y.ID {
			swap = true
		}
	}
	if swap {
		op.Args[0], op.Args[1] = b, a
	}
}

// passCSE folds constants, simplifies integer arithmetic, drops guards on constants that hold and merges identical
// pure operations. An overflow-checked
// operation that is folded or merged takes its GUARD_NO_OVERFLOW along, and so does a merged call with
// GUARD_NO_EXCEPTION.
func passCSE(t *ir.Trace) *ir.Trace {
	r := newRewriter(t)
	seen := map[exprKey]*ir.Var{}
	defs := map[*ir.Var]*ir.Operation{}
	// skip is the guard to drop when it immediately follows.
	skip := api.OpInvalid
	var pendingOvf *exprKey

	for _, op := range t.Ops {
		if skip != api.OpInvalid && op.Opcode == skip {
			skip = api.OpInvalid
			continue
		}
		skip = api.OpInvalid

		cp := r.copyOp(op)
		canonicalize(cp)

		// Overflow-checked results are reused only where they were proven not to overflow.
		if pendingOvf != nil {
			if cp.Opcode == api.OpGuardNoOverflow {
				seen[*pendingOvf] = r.out.Ops[len(r.out.Ops)-1].Result
			}
			pendingOvf = nil
		}

		switch {
		case cp.Opcode.IsGuard() && guardImplied(cp, noKnowledge):
			continue
		case cp.Opcode == api.OpLabel:
			seen = map[exprKey]*ir.Var{}
		case cp.Opcode.IsOvf():
			if a, ok := cp.Args[0].(*ir.Const); ok {
				if b, ok := cp.Args[1].(*ir.Const); ok {
					if res, ovf := api.EvalOvf(cp.Opcode, a.Bits(), b.Bits()); !ovf {
						r.replace(cp.Result, ir.NewConst(api.ValueTypeInt, res))
						skip = api.OpGuardNoOverflow
						continue
					}
				}
			}
			key, _ := exprKeyOf(cp)
			if prev, ok := seen[key]; ok {
				r.replace(cp.Result, prev)
				skip = api.OpGuardNoOverflow
				continue
			}
			pendingOvf = &key
		case cp.Opcode.IsPure() || cp.Opcode == api.OpCallPure:
			if v := simplify(cp, defs); v != nil {
				r.replace(cp.Result, v)
				continue
			}
			if key, ok := exprKeyOf(cp); ok {
				if prev, ok := seen[key]; ok {
					r.replace(cp.Result, prev)
					if cp.Opcode == api.OpCallPure {
						skip = api.OpGuardNoException
					}
					continue
				}
				if cp.Result != nil {
					seen[key] = cp.Result
				}
			}
		}
		if cp.Result != nil {
			defs[cp.Result] = cp
		}
		r.emit(cp)
	}
	return r.out
}

// simplify returns the value replacing op, or nil. It may also rewrite op into a cheaper operation.
func simplify(op *ir.Operation, defs map[*ir.Var]*ir.Operation) ir.Value {
	if op.Opcode == api.OpSameAs {
		return op.Args[0]
	}
	if op.Opcode == api.OpCallPure || op.Opcode == api.OpArrayLen {
		// The heap is needed to evaluate these.
		return nil
	}

	allConst := true
	operands := make([]uint64, len(op.Args))
	for i, a := range op.Args {
		c, ok := a.(*ir.Const)
		if !ok {
			allConst = false
			break
		}
		operands[i] = c.Bits()
	}
	if allConst {
		return ir.NewConst(op.Result.Type(), api.Eval(op.Opcode, operands...))
	}

	var x, y ir.Value
	x = op.Args[0]
	if len(op.Args) > 1 {
		y = op.Args[1]
	}
	c, yConst := y.(*ir.Const)
	isInt := func(v int64) bool { return yConst && c.Type() == api.ValueTypeInt && c.Int() == v }
	same := y != nil && ir.SameValue(x, y)

	switch op.Opcode {
	case api.OpIntAdd, api.OpIntOr, api.OpIntXor, api.OpIntShl, api.OpIntShr:
		if isInt(0) {
			return x
		}
		if same && op.Opcode == api.OpIntOr {
			return x
		}
		if same && op.Opcode == api.OpIntXor {
			return ir.ConstInt(0)
		}
	case api.OpIntSub:
		if isInt(0) {
			return x
		}
		if same {
			return ir.ConstInt(0)
		}
	case api.OpIntMul:
		if isInt(1) {
			return x
		}
		if isInt(0) {
			return ir.ConstInt(0)
		}
		if yConst && c.Int() > 0 && c.Bits()&(c.Bits()-1) == 0 {
			op.Opcode = api.OpIntShl
			op.Args = []ir.Value{x, ir.ConstInt(int64(bits.TrailingZeros64(c.Bits())))}
		}
	case api.OpIntFloorDiv:
		if isInt(1) {
			return x
		}
	case api.OpIntAnd:
		if same {
			return x
		}
		if isInt(0) {
			return ir.ConstInt(0)
		}
	case api.OpIntNeg:
		if v, ok := x.(*ir.Var); ok {
			if def, ok := defs[v]; ok && def.Opcode == api.OpIntNeg {
				return def.Args[0]
			}
		}
	case api.OpIntEq, api.OpIntLe, api.OpIntGe, api.OpPtrEq:
		if same {
			return ir.ConstInt(1)
		}
	case api.OpIntNe, api.OpIntLt, api.OpIntGt, api.OpPtrNe:
		if same {
			return ir.ConstInt(0)
		}
	}
	return nil
}
