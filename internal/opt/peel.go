package opt

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/tracingapi"
)

// Peel duplicates the body of a recorded loop behind a LABEL. The first copy becomes the preamble, run once per
// entry, and the second copy the body the final JUMP loops over. Checks repeated in the body and already done by
// the preamble can then be removed by the optimizer.
//
// The trace entry gets a fresh token, and the JUMP targets the label, or the entry when the arguments cannot be
// passed to the label.
func Peel(t *ir.Trace) *ir.Trace {
	last := t.Ops[len(t.Ops)-1]
	if t.Kind != ir.TraceLoop || last.Opcode != api.OpJump {
		panic(fmt.Sprintf("BUG: peeling a %s trace ending in %s", t.Kind, last.Opcode))
	}
	body := t.Ops[:len(t.Ops)-1]

	out := t.Derive()
	entry, label := ir.NewTargetToken(t.Header), ir.NewTargetToken(t.Header)
	out.Entry = entry

	for _, op := range body {
		out.Append(op)
	}

	params := make([]*ir.Var, len(last.Args))
	m := make(map[*ir.Var]ir.Value, len(t.Inputs)+len(body))
	for i, a := range last.Args {
		params[i] = out.NewVar(a.Type())
		m[t.Inputs[i]] = params[i]
	}
	out.Append(&ir.Operation{Opcode: api.OpLabel, Args: last.Args, Params: params, Descr: label})

	mapValue := func(v ir.Value) ir.Value {
		if x, ok := v.(*ir.Var); ok {
			if y, ok := m[x]; ok {
				return y
			}
		}
		return v
	}
	mapValues := func(vs []ir.Value) []ir.Value {
		ret := make([]ir.Value, len(vs))
		for i, v := range vs {
			if v != nil {
				ret[i] = mapValue(v)
			}
		}
		return ret
	}

	for _, op := range body {
		cp := &ir.Operation{Opcode: op.Opcode, Args: mapValues(op.Args), Descr: op.Descr}
		if op.Result != nil {
			cp.Result = out.NewVar(op.Result.Type())
			m[op.Result] = cp.Result
		}
		if s := op.Snapshot; s != nil {
			cp.Snapshot = s.Clone()
			cp.Snapshot.Slots = mapValues(cp.Snapshot.Slots)
			for _, rc := range cp.Snapshot.Virtuals {
				rc.Fields = mapValues(rc.Fields)
			}
		}
		out.Append(cp)
	}
	out.Append(&ir.Operation{
		Opcode: api.OpJump,
		Args:   mapValues(last.Args),
		Descr:  &ir.JumpTarget{Label: label, Entry: entry},
	})

	if tracingapi.PrintPeeledTrace {
		fmt.Println(ir.Format(out))
	}
	return out
}
