// Package opt rewrites recorded traces. Passes run in a fixed order, each one building a new trace from the previous
// one.
package opt

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

// Config selects optional passes.
type Config struct {
	// Virtuals enables allocation removal. Disabling it only affects performance.
	Virtuals bool
}

// DefaultConfig enables every pass.
var DefaultConfig = Config{Virtuals: true}

// Optimize runs the passes over t, which must have been peeled if it is a loop. An *ir.InvariantError is returned
// when the result is malformed.
//
// The order here matters; later passes rely on the constants and knowledge exposed by earlier ones.
func Optimize(t *ir.Trace, cfg Config) (*ir.Trace, error) {
	t = passCSE(t)
	t = passGuards(t)
	// Promoted values become constants, fold them.
	t = passCSE(t)
	t = passHeap(t)
	if cfg.Virtuals {
		t = passVirtuals(t)
	} else {
		chooseTargets(t)
	}
	t = passDCE(t)

	if tracingapi.PrintOptimizedTrace {
		fmt.Println(ir.Format(t))
	}
	if tracingapi.TraceValidationEnabled {
		if err := ir.Verify(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// chooseTargets fixes the targets of jumps when allocation removal is disabled: labels only take plain values.
func chooseTargets(t *ir.Trace) {
	last := t.Ops[len(t.Ops)-1]
	if last.Opcode != api.OpJump {
		return
	}
	jt := last.Descr.(*ir.JumpTarget)
	if jt.Chosen == nil {
		jt.Chosen = jt.Target()
	}
}

// rewriter carries the substitution of variables by their replacements while a pass builds its output trace.
type rewriter struct {
	in, out *ir.Trace
	subst   map[*ir.Var]ir.Value
}

func newRewriter(in *ir.Trace) *rewriter {
	return &rewriter{in: in, out: in.Derive(), subst: map[*ir.Var]ir.Value{}}
}

// get returns the current replacement of v.
func (r *rewriter) get(v ir.Value) ir.Value {
	for {
		x, ok := v.(*ir.Var)
		if !ok {
			return v
		}
		next, ok := r.subst[x]
		if !ok {
			return v
		}
		v = next
	}
}

func (r *rewriter) replace(x *ir.Var, v ir.Value) {
	if x != nil && v != x {
		r.subst[x] = v
	}
}

func (r *rewriter) args(op *ir.Operation) []ir.Value {
	ret := make([]ir.Value, len(op.Args))
	for i, a := range op.Args {
		ret[i] = r.get(a)
	}
	return ret
}

func (r *rewriter) snapshot(s *ir.Snapshot) *ir.Snapshot {
	if s == nil {
		return nil
	}
	ret := s.Clone()
	for i, v := range ret.Slots {
		if v != nil {
			ret.Slots[i] = r.get(v)
		}
	}
	for _, rc := range ret.Virtuals {
		for i, v := range rc.Fields {
			if v != nil {
				rc.Fields[i] = r.get(v)
			}
		}
	}
	return ret
}

// copyOp returns op with its operands and snapshot substituted.
func (r *rewriter) copyOp(op *ir.Operation) *ir.Operation {
	return &ir.Operation{
		Opcode:   op.Opcode,
		Args:     r.args(op),
		Result:   op.Result,
		Descr:    op.Descr,
		Snapshot: r.snapshot(op.Snapshot),
		Params:   op.Params,
	}
}

func (r *rewriter) emit(op *ir.Operation) { r.out.Append(op) }

// emitNew appends a new operation allocating its result.
func (r *rewriter) emitNew(opcode api.Opcode, d api.Descr, args ...ir.Value) *ir.Var {
	return r.out.Emit(opcode, d, args...).Result
}
