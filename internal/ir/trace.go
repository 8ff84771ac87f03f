// Package ir defines the trace intermediate representation shared by the recorder, the optimizer and the backend.
package ir

import (
	"github.com/tracelet/tracelet/api"
)

// TraceKind distinguishes loops from bridges.
type TraceKind byte

const (
	// TraceLoop starts and ends at the same loop header.
	TraceLoop TraceKind = iota
	// TraceBridge starts at a failing guard.
	TraceBridge
)

// String implements fmt.Stringer
func (k TraceKind) String() string {
	if k == TraceBridge {
		return "bridge"
	}
	return "loop"
}

// Emitter receives operations produced while rewriting a trace.
type Emitter interface {
	// NewVar allocates a fresh variable.
	NewVar(typ api.ValueType) *Var
	// Append adds an operation at the end.
	Append(op *Operation)
}

// Trace is a linear sequence of operations ending in OpJump or OpFinish.
type Trace struct {
	Kind   TraceKind
	Header api.HeaderID
	// Inputs are the frame slots for loops and the fail arguments of the originating guard for bridges.
	Inputs []*Var
	Ops    []*Operation
	// Entry is the token of a loop's entry, whose parameters are Inputs.
	Entry *TargetToken
	// Assumptions lists the quasi-immutable values this trace depends on.
	Assumptions []api.AssumptionID

	nextVar uint32
}

// NewTrace returns an empty trace.
func NewTrace(kind TraceKind, header api.HeaderID) *Trace {
	return &Trace{Kind: kind, Header: header}
}

// NewVar implements Emitter.NewVar
func (t *Trace) NewVar(typ api.ValueType) *Var {
	v := &Var{ID: t.nextVar, typ: typ}
	t.nextVar++
	return v
}

// NumVars returns an upper bound of the variable IDs of this trace.
func (t *Trace) NumVars() int { return int(t.nextVar) }

// NewInput appends a fresh input variable.
func (t *Trace) NewInput(typ api.ValueType) *Var {
	v := t.NewVar(typ)
	t.Inputs = append(t.Inputs, v)
	return v
}

// Append implements Emitter.Append
func (t *Trace) Append(op *Operation) {
	t.Ops = append(t.Ops, op)
}

// Emit appends an operation, allocating its result variable when the opcode produces one.
func (t *Trace) Emit(opcode api.Opcode, d api.Descr, args ...Value) *Operation {
	op := &Operation{Opcode: opcode, Args: args, Descr: d}
	if typ := ResultType(opcode, d, args); typ != api.ValueTypeVoid {
		op.Result = t.NewVar(typ)
	}
	t.Append(op)
	return op
}

// Len returns the number of operations.
func (t *Trace) Len() int { return len(t.Ops) }

// Truncate drops the operations from index n on.
func (t *Trace) Truncate(n int) {
	for i := n; i < len(t.Ops); i++ {
		t.Ops[i] = nil
	}
	t.Ops = t.Ops[:n]
}

// Derive returns an empty trace with the same metadata and inputs which continues the variable numbering of t.
func (t *Trace) Derive() *Trace {
	return &Trace{
		Kind:        t.Kind,
		Header:      t.Header,
		Inputs:      t.Inputs,
		Entry:       t.Entry,
		Assumptions: t.Assumptions,
		nextVar:     t.nextVar,
		Ops:         make([]*Operation, 0, len(t.Ops)),
	}
}

// Label returns the index of the OpLabel operation or -1.
func (t *Trace) Label() int {
	for i, op := range t.Ops {
		if op.Opcode == api.OpLabel {
			return i
		}
	}
	return -1
}

// ResultType returns the type of the result of an operation.
func ResultType(opcode api.Opcode, d api.Descr, args []Value) api.ValueType {
	if opcode == api.OpSameAs {
		return args[0].Type()
	}
	return api.ResultType(opcode, d)
}
