package api

import "fmt"

// NewExecutor returns an Executor which only computes values against host, without recording anything. Interpreters
// use it to run bytecodes outside of tracing, so that every bytecode has a single implementation.
func NewExecutor(host Host) Executor {
	return &executor{host: host}
}

type executor struct {
	host Host
	args [4]uint64
}

// Local implements Executor.Local
func (e *executor) Local(slot int) Handle { return e.host.ReadLocal(slot).Untagged() }

// SetLocal implements Executor.SetLocal
func (e *executor) SetLocal(slot int, v Handle) { e.host.WriteLocal(slot, v.Untagged()) }

// Int implements Executor.Int
func (e *executor) Int(v int64) Handle { return IntHandle(v) }

// Float implements Executor.Float
func (e *executor) Float(v float64) Handle { return FloatHandle(v) }

// Ref implements Executor.Ref
func (e *executor) Ref(r Ref) Handle { return RefHandle(r) }

// Do implements Executor.Do
func (e *executor) Do(op Opcode, d Descr, args ...Handle) Handle {
	bits := e.bits(args)
	res := Exec(e.host, op, d, bits...)
	typ := ResultType(op, d)
	if op == OpSameAs && len(args) > 0 {
		typ = args[0].Type()
	}
	if typ == ValueTypeVoid {
		return Handle{}
	}
	return NewHandle(typ, res)
}

// DoOvf implements Executor.DoOvf
func (e *executor) DoOvf(op Opcode, a, b Handle) (Handle, bool) {
	res, overflow := EvalOvf(op, a.Bits(), b.Bits())
	return IntHandle(DecodeInt(res)), !overflow
}

// IsTrue implements Executor.IsTrue
func (e *executor) IsTrue(cond Handle) bool { return cond.Bits() != 0 }

// IsNull implements Executor.IsNull
func (e *executor) IsNull(obj Handle) bool { return obj.Ref() == Null }

// LayoutOf implements Executor.LayoutOf
func (e *executor) LayoutOf(obj Handle) *Layout {
	if obj.Ref() == Null {
		panic("BUG: LayoutOf null")
	}
	return e.host.LayoutOf(obj.Ref())
}

// Promote implements Executor.Promote
func (e *executor) Promote(v Handle) uint64 { return v.Bits() }

// Call implements Executor.Call
func (e *executor) Call(d *CallDescr, args ...Handle) (Handle, error) {
	if len(args) != len(d.Args) {
		panic(fmt.Sprintf("BUG: %s takes %d arguments, got %d", d.Name, len(d.Args), len(args)))
	}
	// PerformBytecode may retain the operands, so they are not taken from the scratch buffer.
	ops := make([]uint64, len(args))
	for i, a := range args {
		ops[i] = a.Bits()
	}
	res, err := e.host.PerformBytecode(d.Op, ops)
	if err != nil {
		return Handle{}, err
	}
	if d.Result == ValueTypeVoid {
		return Handle{}, nil
	}
	return NewHandle(d.Result, res), nil
}

// ReadAssumption implements Executor.ReadAssumption
func (e *executor) ReadAssumption(id AssumptionID) Handle {
	return e.host.ReadAssumption(id).Untagged()
}

func (e *executor) bits(args []Handle) []uint64 {
	var bits []uint64
	if len(args) <= len(e.args) {
		bits = e.args[:len(args)]
	} else {
		bits = make([]uint64, len(args))
	}
	for i, a := range args {
		bits[i] = a.Bits()
	}
	return bits
}
