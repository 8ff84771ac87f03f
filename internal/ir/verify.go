package ir

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
)

// InvariantError reports a malformed trace. It is fatal for the compilation of that trace.
type InvariantError struct {
	Kind   TraceKind
	Header api.HeaderID
	// Index is the position of the offending operation, or -1.
	Index int
	Msg   string
}

// Error implements error.
func (e *InvariantError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s trace for header %d: %s", e.Kind, e.Header, e.Msg)
	}
	return fmt.Sprintf("invalid %s trace for header %d at op %d: %s", e.Kind, e.Header, e.Index, e.Msg)
}

// Verify checks that every variable is defined before use and in scope, that guards carry snapshots and that the
// trace is properly terminated. A LABEL closes the scope of everything defined before it.
func Verify(t *Trace) error {
	v := verifier{t: t, defined: map[*Var]struct{}{}, everDefined: map[*Var]struct{}{}}
	return v.run()
}

type verifier struct {
	t           *Trace
	defined     map[*Var]struct{}
	everDefined map[*Var]struct{}
	label       *Operation
}

func (v *verifier) errorf(index int, format string, args ...interface{}) error {
	return &InvariantError{Kind: v.t.Kind, Header: v.t.Header, Index: index, Msg: fmt.Sprintf(format, args...)}
}

func (v *verifier) define(index int, x *Var) error {
	if _, ok := v.everDefined[x]; ok {
		return v.errorf(index, "%s defined twice", x)
	}
	v.everDefined[x] = struct{}{}
	v.defined[x] = struct{}{}
	return nil
}

func (v *verifier) use(index int, val Value, inSnapshot bool, numVirtuals int) error {
	switch x := val.(type) {
	case nil:
		return v.errorf(index, "nil operand")
	case *Const:
		return nil
	case *Var:
		if _, ok := v.defined[x]; !ok {
			if _, ok := v.everDefined[x]; ok {
				return v.errorf(index, "%s used out of scope", x)
			}
			return v.errorf(index, "%s used before definition", x)
		}
	case *VirtualRef:
		if !inSnapshot {
			return v.errorf(index, "%s outside of a snapshot", x)
		}
		if x.Index < 0 || x.Index >= numVirtuals {
			return v.errorf(index, "dangling %s", x)
		}
	}
	return nil
}

func (v *verifier) run() error {
	t := v.t
	for _, in := range t.Inputs {
		if err := v.define(-1, in); err != nil {
			return err
		}
	}
	if len(t.Ops) == 0 {
		return v.errorf(-1, "empty trace")
	}

	for i, op := range t.Ops {
		if !op.Opcode.Valid() {
			return v.errorf(i, "invalid opcode %d", op.Opcode)
		}
		if a := op.Opcode.Arity(); a >= 0 && a != len(op.Args) {
			return v.errorf(i, "%s takes %d operands but has %d", op.Opcode, a, len(op.Args))
		}
		for _, arg := range op.Args {
			if err := v.use(i, arg, false, 0); err != nil {
				return err
			}
		}
		if err := v.checkDescr(i, op); err != nil {
			return err
		}
		if op.Opcode.IsGuard() || op.Opcode == api.OpFinish {
			s := op.Snapshot
			if s == nil {
				return v.errorf(i, "%s without snapshot", op.Opcode)
			}
			var err error
			s.Values(func(val Value) {
				if err == nil {
					err = v.use(i, val, true, len(s.Virtuals))
				}
			})
			if err != nil {
				return err
			}
		}

		switch op.Opcode {
		case api.OpLabel:
			if v.label != nil {
				return v.errorf(i, "more than one label")
			}
			if len(op.Params) != len(op.Args) {
				return v.errorf(i, "label has %d arguments but %d parameters", len(op.Args), len(op.Params))
			}
			v.label = op
			v.defined = map[*Var]struct{}{}
			for j, p := range op.Params {
				if p.Type() != op.Args[j].Type() {
					return v.errorf(i, "label parameter %s does not match argument %s", p, op.Args[j])
				}
				if err := v.define(i, p); err != nil {
					return err
				}
			}
		case api.OpJump:
			if err := v.checkJump(i, op); err != nil {
				return err
			}
		}

		if op.Result != nil {
			if err := v.define(i, op.Result); err != nil {
				return err
			}
		}

		if op.Opcode == api.OpJump || op.Opcode == api.OpFinish {
			if i != len(t.Ops)-1 {
				return v.errorf(i, "%s must be the last operation", op.Opcode)
			}
		}
	}

	last := t.Ops[len(t.Ops)-1].Opcode
	if last != api.OpJump && last != api.OpFinish {
		return v.errorf(len(t.Ops)-1, "trace ends in %s", last)
	}
	return nil
}

func (v *verifier) checkDescr(i int, op *Operation) error {
	var ok bool
	switch op.Opcode {
	case api.OpNew, api.OpNewArray, api.OpGetArrayItem, api.OpSetArrayItem, api.OpArrayLen,
		api.OpGuardClass, api.OpGuardNonnullClass:
		_, ok = op.Descr.(*api.Layout)
	case api.OpGetField, api.OpSetField:
		_, ok = op.Descr.(*api.Field)
	case api.OpCall, api.OpCallPure:
		var d *api.CallDescr
		if d, ok = op.Descr.(*api.CallDescr); ok && len(d.Args) != len(op.Args) {
			return v.errorf(i, "%s takes %d arguments but has %d", d.Name, len(d.Args), len(op.Args))
		}
	case api.OpLabel:
		_, ok = op.Descr.(*TargetToken)
	case api.OpJump:
		_, ok = op.Descr.(*JumpTarget)
	default:
		ok = true
	}
	if !ok {
		return v.errorf(i, "%s has descriptor %v", op.Opcode, op.Descr)
	}
	return nil
}

func (v *verifier) checkJump(i int, op *Operation) error {
	target := op.Descr.(*JumpTarget).Target()
	if target == nil {
		return v.errorf(i, "jump without target")
	}
	if v.label != nil && target == v.label.Descr {
		if len(op.Args) != len(v.label.Params) {
			return v.errorf(i, "jump passes %d values to a label with %d parameters", len(op.Args), len(v.label.Params))
		}
		for j, a := range op.Args {
			if a.Type() != v.label.Params[j].Type() {
				return v.errorf(i, "jump argument %s does not match label parameter %s", a, v.label.Params[j])
			}
		}
	} else if target == v.t.Entry && len(op.Args) != len(v.t.Inputs) {
		return v.errorf(i, "jump passes %d values to an entry with %d inputs", len(op.Args), len(v.t.Inputs))
	}
	return nil
}
