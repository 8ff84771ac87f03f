// Package toyvm is a small dynamically typed register VM with boxed numbers, tuples, arrays, globals and builtins.
// It implements api.Interpreter and api.Host so the tracer can observe it.
package toyvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tracelet/tracelet/api"
)

// Layouts of the heap objects of the VM. Numbers are boxed.
var (
	IntLayout   = api.NewLayout(1, "int", api.NewField("value", api.ValueTypeInt, true))
	FloatLayout = api.NewLayout(2, "float", api.NewField("value", api.ValueTypeFloat, true))
	TupleLayout = api.NewLayout(3, "tuple",
		api.NewField("first", api.ValueTypeRef, true),
		api.NewField("second", api.ValueTypeRef, true))
	IntArrayLayout   = api.NewArrayLayout(4, "int_array", api.ValueTypeInt)
	FloatArrayLayout = api.NewArrayLayout(5, "float_array", api.ValueTypeFloat)
)

var (
	intValue    = IntLayout.Fields[0]
	floatValue  = FloatLayout.Fields[0]
	tupleFirst  = TupleLayout.Fields[0]
	tupleSecond = TupleLayout.Fields[1]
)

// Errors raised by programs.
var (
	ErrType          = errors.New("type error")
	ErrZeroDivision  = errors.New("division by zero")
	ErrOverflow      = errors.New("integer overflow")
	ErrIndex         = errors.New("index out of range")
	ErrValue         = errors.New("value error")
	ErrFailed        = errors.New("failed")
	errNotAnInt      = fmt.Errorf("%w: expected an int", ErrType)
	errNotAnArray    = fmt.Errorf("%w: expected an array", ErrType)
	errNotATuple     = fmt.Errorf("%w: expected a tuple", ErrType)
	errNullOperand   = fmt.Errorf("%w: null operand", ErrType)
	errNegativeCount = fmt.Errorf("%w: negative array length", ErrValue)
)

// Tracer is consulted at every loop header, see tracelet.JIT.
type Tracer interface {
	MaybeTrace(ctx context.Context, header api.HeaderID, pc int) (api.Outcome, error)
}

// VM runs one Program. It is not safe for concurrent use.
type VM struct {
	prog    *Program
	locals  []api.Handle
	globals []api.Handle
	heap    heap
	plain   api.Executor
	result  api.Handle

	// Stdout receives the output of the print builtin and of debug instructions.
	Stdout io.Writer
	// OnGlobalWrite is invoked after a global was written, with the assumption id of the global.
	OnGlobalWrite func(id api.AssumptionID)
	// Kept holds the objects passed to the keep builtin.
	Kept []api.Ref
}

var (
	_ api.Host        = (*VM)(nil)
	_ api.Interpreter = (*VM)(nil)
)

// New returns a VM ready to run p. Locals and globals start null.
func New(p *Program) *VM {
	vm := &VM{
		prog:    p,
		locals:  make([]api.Handle, p.NumLocals),
		globals: make([]api.Handle, p.NumGlobals),
		Stdout:  io.Discard,
	}
	for i := range vm.locals {
		vm.locals[i] = api.RefHandle(api.Null)
	}
	for i := range vm.globals {
		vm.globals[i] = api.RefHandle(api.Null)
	}
	vm.heap.init()
	vm.plain = api.NewExecutor(vm)
	return vm
}

// Program returns the program run by the VM.
func (vm *VM) Program() *Program { return vm.prog }

// Run interprets the program from its first instruction and returns the returned value.
func (vm *VM) Run(ctx context.Context, t Tracer) (api.Handle, error) {
	return vm.RunAt(ctx, 0, t)
}

// RunAt interprets the program from pc with the current locals. t may be nil.
func (vm *VM) RunAt(ctx context.Context, pc int, t Tracer) (api.Handle, error) {
	for pc != api.PCReturn {
		if h, ok := vm.Header(pc); ok {
			if err := ctx.Err(); err != nil {
				return api.Handle{}, err
			}
			if t != nil {
				out, err := t.MaybeTrace(ctx, h, pc)
				if err != nil {
					return api.Handle{}, err
				}
				if out.Raised != nil {
					return api.Handle{}, fmt.Errorf("pc %d: %w", out.PC, out.Raised)
				}
				if out.PC == api.PCReturn {
					break
				}
				pc = out.PC
			}
		}
		next, err := vm.Step(vm.plain, pc)
		if err != nil {
			return api.Handle{}, fmt.Errorf("pc %d: %w", pc, err)
		}
		pc = next
	}
	return vm.result, nil
}

// Header implements api.Interpreter.Header
func (vm *VM) Header(pc int) (api.HeaderID, bool) {
	if pc < 0 || pc >= len(vm.prog.Code) || vm.prog.Code[pc].Op != OpLoop {
		return 0, false
	}
	return api.HeaderID(pc), true
}

// Step implements api.Interpreter.Step
func (vm *VM) Step(ex api.Executor, pc int) (int, error) {
	in := &vm.prog.Code[pc]
	switch in.Op {
	case OpNop, OpLoop:
	case OpInt:
		ex.SetLocal(in.A, boxInt(ex, ex.Int(in.Imm)))
	case OpFloat:
		ex.SetLocal(in.A, boxFloat(ex, ex.Float(in.F)))
	case OpNull:
		ex.SetLocal(in.A, ex.Ref(api.Null))
	case OpMove:
		ex.SetLocal(in.A, ex.Local(in.B))
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpLt, OpLe, OpEq:
		v, err := arith(ex, in.Op, ex.Local(in.B), ex.Local(in.C))
		if err != nil {
			return pc, err
		}
		ex.SetLocal(in.A, v)
	case OpJump:
		return in.Target, nil
	case OpJumpIfFalse:
		if !truth(ex, ex.Local(in.B)) {
			return in.Target, nil
		}
	case OpTuple:
		t := ex.Do(api.OpNew, TupleLayout)
		ex.Do(api.OpSetField, tupleFirst, t, ex.Local(in.B))
		ex.Do(api.OpSetField, tupleSecond, t, ex.Local(in.C))
		ex.SetLocal(in.A, t)
	case OpFirst, OpSecond:
		t := ex.Local(in.B)
		if l, err := layoutOf(ex, t); err != nil {
			return pc, err
		} else if l != TupleLayout {
			return pc, errNotATuple
		}
		f := tupleFirst
		if in.Op == OpSecond {
			f = tupleSecond
		}
		ex.SetLocal(in.A, ex.Do(api.OpGetField, f, t))
	case OpNewArray:
		n, err := unboxInt(ex, ex.Local(in.B))
		if err != nil {
			return pc, err
		}
		if ex.IsTrue(ex.Do(api.OpIntLt, nil, n, ex.Int(0))) {
			return pc, errNegativeCount
		}
		l := IntArrayLayout
		if in.Imm != 0 {
			l = FloatArrayLayout
		}
		ex.SetLocal(in.A, ex.Do(api.OpNewArray, l, n))
	case OpGetItem:
		arr := ex.Local(in.B)
		l, i, err := index(ex, arr, ex.Local(in.C))
		if err != nil {
			return pc, err
		}
		item := ex.Do(api.OpGetArrayItem, l, arr, i)
		if l == IntArrayLayout {
			ex.SetLocal(in.A, boxInt(ex, item))
		} else {
			ex.SetLocal(in.A, boxFloat(ex, item))
		}
	case OpSetItem:
		arr := ex.Local(in.A)
		l, i, err := index(ex, arr, ex.Local(in.B))
		if err != nil {
			return pc, err
		}
		v, err := unboxItem(ex, l, ex.Local(in.C))
		if err != nil {
			return pc, err
		}
		ex.Do(api.OpSetArrayItem, l, arr, i, v)
	case OpLen:
		arr := ex.Local(in.B)
		l, err := arrayLayout(ex, arr)
		if err != nil {
			return pc, err
		}
		ex.SetLocal(in.A, boxInt(ex, ex.Do(api.OpArrayLen, l, arr)))
	case OpGetGlobal:
		ex.SetLocal(in.A, ex.ReadAssumption(api.AssumptionID(in.Imm)))
	case OpSetGlobal:
		if _, err := ex.Call(setGlobal, ex.Int(in.Imm), ex.Local(in.B)); err != nil {
			return pc, err
		}
	case OpCall:
		b := builtins[in.Imm]
		args := make([]api.Handle, len(b.Args))
		for i := range args {
			args[i] = ex.Local(in.Args[i])
		}
		v, err := ex.Call(b.CallDescr, args...)
		if err != nil {
			return pc, err
		}
		if b.Result != api.ValueTypeVoid {
			ex.SetLocal(in.A, v)
		}
	case OpDebug:
		if ex != vm.plain {
			return pc, fmt.Errorf("debug: %w", api.ErrUnsupported)
		}
		fmt.Fprintln(vm.Stdout, vm.Format(ex.Local(in.B))) //nolint
	case OpReturn:
		vm.result = ex.Local(in.B).Untagged()
		return api.PCReturn, nil
	default:
		panic(fmt.Sprintf("BUG: invalid opcode %d at pc %d", in.Op, pc))
	}
	return pc + 1, nil
}

func boxInt(ex api.Executor, v api.Handle) api.Handle {
	b := ex.Do(api.OpNew, IntLayout)
	ex.Do(api.OpSetField, intValue, b, v)
	return b
}

func boxFloat(ex api.Executor, v api.Handle) api.Handle {
	b := ex.Do(api.OpNew, FloatLayout)
	ex.Do(api.OpSetField, floatValue, b, v)
	return b
}

func layoutOf(ex api.Executor, v api.Handle) (*api.Layout, error) {
	if ex.IsNull(v) {
		return nil, errNullOperand
	}
	return ex.LayoutOf(v), nil
}

func unboxInt(ex api.Executor, v api.Handle) (api.Handle, error) {
	l, err := layoutOf(ex, v)
	if err != nil {
		return api.Handle{}, err
	}
	if l != IntLayout {
		return api.Handle{}, errNotAnInt
	}
	return ex.Do(api.OpGetField, intValue, v), nil
}

// toFloat unboxes a number as a float.
func toFloat(ex api.Executor, l *api.Layout, v api.Handle) (api.Handle, bool) {
	switch l {
	case FloatLayout:
		return ex.Do(api.OpGetField, floatValue, v), true
	case IntLayout:
		return ex.Do(api.OpCastIntToFloat, nil, ex.Do(api.OpGetField, intValue, v)), true
	}
	return api.Handle{}, false
}

func truth(ex api.Executor, v api.Handle) bool {
	if ex.IsNull(v) {
		return false
	}
	switch ex.LayoutOf(v) {
	case IntLayout:
		return ex.IsTrue(ex.Do(api.OpGetField, intValue, v))
	case FloatLayout:
		return ex.IsTrue(ex.Do(api.OpFloatNe, nil, ex.Do(api.OpGetField, floatValue, v), ex.Float(0)))
	}
	return true
}

func arith(ex api.Executor, op Opcode, a, b api.Handle) (api.Handle, error) {
	la, err := layoutOf(ex, a)
	if err != nil {
		return api.Handle{}, err
	}
	lb, err := layoutOf(ex, b)
	if err != nil {
		return api.Handle{}, err
	}
	if la == IntLayout && lb == IntLayout {
		return intArith(ex, op, ex.Do(api.OpGetField, intValue, a), ex.Do(api.OpGetField, intValue, b))
	}
	x, okx := toFloat(ex, la, a)
	y, oky := toFloat(ex, lb, b)
	if !okx || !oky {
		return api.Handle{}, fmt.Errorf("%w: unsupported operand types for %s: %s and %s", ErrType, op, la, lb)
	}
	return floatArith(ex, op, x, y)
}

var ovfOps = map[Opcode]api.Opcode{OpAdd: api.OpIntAddOvf, OpSub: api.OpIntSubOvf, OpMul: api.OpIntMulOvf}

func intArith(ex api.Executor, op Opcode, x, y api.Handle) (api.Handle, error) {
	switch op {
	case OpAdd, OpSub, OpMul:
		r, ok := ex.DoOvf(ovfOps[op], x, y)
		if !ok {
			return api.Handle{}, ErrOverflow
		}
		return boxInt(ex, r), nil
	case OpDiv, OpMod:
		if ex.IsTrue(ex.Do(api.OpIntEq, nil, y, ex.Int(0))) {
			return api.Handle{}, ErrZeroDivision
		}
		if op == OpDiv {
			return boxInt(ex, ex.Do(api.OpIntFloorDiv, nil, x, y)), nil
		}
		return boxInt(ex, ex.Do(api.OpIntMod, nil, x, y)), nil
	case OpLt:
		return boxInt(ex, ex.Do(api.OpIntLt, nil, x, y)), nil
	case OpLe:
		return boxInt(ex, ex.Do(api.OpIntLe, nil, x, y)), nil
	case OpEq:
		return boxInt(ex, ex.Do(api.OpIntEq, nil, x, y)), nil
	}
	panic(fmt.Sprintf("BUG: %s is not arithmetic", op))
}

func floatArith(ex api.Executor, op Opcode, x, y api.Handle) (api.Handle, error) {
	switch op {
	case OpAdd:
		return boxFloat(ex, ex.Do(api.OpFloatAdd, nil, x, y)), nil
	case OpSub:
		return boxFloat(ex, ex.Do(api.OpFloatSub, nil, x, y)), nil
	case OpMul:
		return boxFloat(ex, ex.Do(api.OpFloatMul, nil, x, y)), nil
	case OpDiv:
		if ex.IsTrue(ex.Do(api.OpFloatEq, nil, y, ex.Float(0))) {
			return api.Handle{}, ErrZeroDivision
		}
		return boxFloat(ex, ex.Do(api.OpFloatDiv, nil, x, y)), nil
	case OpLt:
		return boxInt(ex, ex.Do(api.OpFloatLt, nil, x, y)), nil
	case OpLe:
		return boxInt(ex, ex.Do(api.OpFloatLe, nil, x, y)), nil
	case OpEq:
		return boxInt(ex, ex.Do(api.OpFloatEq, nil, x, y)), nil
	}
	return api.Handle{}, fmt.Errorf("%w: unsupported operand types for %s: float", ErrType, op)
}

func arrayLayout(ex api.Executor, arr api.Handle) (*api.Layout, error) {
	l, err := layoutOf(ex, arr)
	if err != nil {
		return nil, err
	}
	if !l.IsArray() {
		return nil, errNotAnArray
	}
	return l, nil
}

// index returns the layout of arr and the unboxed index idx, checked against the bounds of arr.
func index(ex api.Executor, arr, idx api.Handle) (*api.Layout, api.Handle, error) {
	l, err := arrayLayout(ex, arr)
	if err != nil {
		return nil, api.Handle{}, err
	}
	i, err := unboxInt(ex, idx)
	if err != nil {
		return nil, api.Handle{}, err
	}
	n := ex.Do(api.OpArrayLen, l, arr)
	if ex.IsTrue(ex.Do(api.OpIntLt, nil, i, ex.Int(0))) || !ex.IsTrue(ex.Do(api.OpIntLt, nil, i, n)) {
		return nil, api.Handle{}, ErrIndex
	}
	return l, i, nil
}

func unboxItem(ex api.Executor, l *api.Layout, v api.Handle) (api.Handle, error) {
	if l == IntArrayLayout {
		return unboxInt(ex, v)
	}
	lv, err := layoutOf(ex, v)
	if err != nil {
		return api.Handle{}, err
	}
	f, ok := toFloat(ex, lv, v)
	if !ok {
		return api.Handle{}, fmt.Errorf("%w: cannot store %s into %s", ErrType, lv, l)
	}
	return f, nil
}

// Local returns the value of a local.
func (vm *VM) Local(i int) api.Handle { return vm.locals[i] }

// SetLocal overwrites a local.
func (vm *VM) SetLocal(i int, v api.Handle) { vm.locals[i] = v }

// Global returns the value of a global.
func (vm *VM) Global(i int) api.Handle { return vm.globals[i] }

// SetGlobal overwrites a global without notifying OnGlobalWrite. Use it to set up a program before running it.
func (vm *VM) SetGlobal(i int, v api.Handle) { vm.globals[i] = v }

// Allocs returns the number of objects allocated so far.
func (vm *VM) Allocs() int { return vm.heap.allocs }

// Int returns a new boxed int.
func (vm *VM) Int(v int64) api.Handle { return boxInt(vm.plain, api.IntHandle(v)) }

// Float returns a new boxed float.
func (vm *VM) Float(v float64) api.Handle { return boxFloat(vm.plain, api.FloatHandle(v)) }

// Tuple returns a new tuple.
func (vm *VM) Tuple(a, b api.Handle) api.Handle {
	return api.RefHandle(vm.heap.newObject(TupleLayout, a.Bits(), b.Bits()))
}

// IntArray returns a new array of ints.
func (vm *VM) IntArray(items ...int64) api.Handle {
	words := make([]uint64, len(items))
	for i, v := range items {
		words[i] = api.EncodeInt(v)
	}
	return api.RefHandle(vm.heap.newArray(IntArrayLayout, words))
}

// FloatArray returns a new array of floats.
func (vm *VM) FloatArray(items ...float64) api.Handle {
	words := make([]uint64, len(items))
	for i, v := range items {
		words[i] = api.EncodeFloat(v)
	}
	return api.RefHandle(vm.heap.newArray(FloatArrayLayout, words))
}

// Format returns the program-level representation of v, for example "(1, 2.5)".
func (vm *VM) Format(v api.Handle) string {
	r := v.Ref()
	if v.Type() != api.ValueTypeRef || r == api.Null {
		return "null"
	}
	o := vm.heap.object(r)
	switch o.layout {
	case IntLayout:
		return strconv.FormatInt(api.DecodeInt(o.words[0]), 10)
	case FloatLayout:
		return strconv.FormatFloat(api.DecodeFloat(o.words[0]), 'g', -1, 64)
	case TupleLayout:
		return "(" + vm.Format(api.RefHandle(api.Ref(o.words[0]))) + ", " +
			vm.Format(api.RefHandle(api.Ref(o.words[1]))) + ")"
	}
	items := o.words[api.ArrayItemsOffset/api.WordSize:]
	var sb strings.Builder
	sb.WriteByte('[')
	for i, w := range items {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if o.layout == IntArrayLayout {
			sb.WriteString(strconv.FormatInt(api.DecodeInt(w), 10))
		} else {
			sb.WriteString(strconv.FormatFloat(api.DecodeFloat(w), 'g', -1, 64))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
