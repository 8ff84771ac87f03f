package toyvm

import (
	"fmt"
	"math"

	"github.com/tracelet/tracelet/api"
)

type object struct {
	layout *api.Layout
	words  []uint64
}

// heap holds the objects of a VM. Objects are never freed.
type heap struct {
	objects []object
	allocs  int
	// barriers counts write barriers.
	barriers int
}

func (h *heap) init() {
	// Ref zero is null.
	h.objects = []object{{}}
}

func (h *heap) object(ref api.Ref) *object {
	if ref == api.Null || int(ref) >= len(h.objects) {
		panic(fmt.Sprintf("BUG: invalid reference %d", ref))
	}
	return &h.objects[ref]
}

func (h *heap) alloc(size uint32, l *api.Layout) api.Ref {
	h.allocs++
	h.objects = append(h.objects, object{layout: l, words: make([]uint64, size/api.WordSize)})
	return api.Ref(len(h.objects) - 1)
}

func (h *heap) newObject(l *api.Layout, fields ...uint64) api.Ref {
	ref := h.alloc(l.Size(), l)
	copy(h.object(ref).words, fields)
	return ref
}

func (h *heap) newArray(l *api.Layout, items []uint64) api.Ref {
	ref := h.alloc(api.ArraySize(len(items)), l)
	o := h.object(ref)
	o.words[0] = uint64(len(items))
	copy(o.words[1:], items)
	return ref
}

func (h *heap) word(obj api.Ref, offset uint32) *uint64 {
	o := h.object(obj)
	i := int(offset / api.WordSize)
	if i >= len(o.words) {
		panic(fmt.Sprintf("BUG: access out of bounds of %s: offset %d", o.layout, offset))
	}
	return &o.words[i]
}

// NumLocals implements api.Host.NumLocals
func (vm *VM) NumLocals() int { return len(vm.locals) }

// ReadLocal implements api.Host.ReadLocal
func (vm *VM) ReadLocal(slot int) api.Handle { return vm.locals[slot] }

// WriteLocal implements api.Host.WriteLocal
func (vm *VM) WriteLocal(slot int, v api.Handle) { vm.locals[slot] = v }

// GCAlloc implements api.Host.GCAlloc
func (vm *VM) GCAlloc(size uint32, l *api.Layout) api.Ref { return vm.heap.alloc(size, l) }

// WriteBarrier implements api.Host.WriteBarrier
func (vm *VM) WriteBarrier(api.Ref) { vm.heap.barriers++ }

// Load implements api.Host.Load
func (vm *VM) Load(obj api.Ref, offset uint32) uint64 { return *vm.heap.word(obj, offset) }

// Store implements api.Host.Store
func (vm *VM) Store(obj api.Ref, offset uint32, v uint64) { *vm.heap.word(obj, offset) = v }

// LayoutOf implements api.Host.LayoutOf
func (vm *VM) LayoutOf(obj api.Ref) *api.Layout { return vm.heap.object(obj).layout }

// ReadAssumption implements api.Host.ReadAssumption
func (vm *VM) ReadAssumption(id api.AssumptionID) api.Handle { return vm.globals[id] }

// PerformBytecode implements api.Host.PerformBytecode
func (vm *VM) PerformBytecode(op uint32, operands []uint64) (uint64, error) {
	if op == setGlobal.Op {
		id := api.AssumptionID(operands[0])
		vm.globals[id] = api.RefHandle(api.Ref(operands[1]))
		if vm.OnGlobalWrite != nil {
			vm.OnGlobalWrite(id)
		}
		return 0, nil
	}
	if int(op) >= len(builtins) {
		panic(fmt.Sprintf("BUG: unknown builtin %d", op))
	}
	return builtins[op].fn(vm, operands)
}

// Builtin is a function programs reach with OpCall. The tracer treats it as opaque.
type Builtin struct {
	*api.CallDescr
	fn func(vm *VM, args []uint64) (uint64, error)
}

var setGlobal = &api.CallDescr{
	Op: 1 << 16, Name: "set_global", Args: []api.ValueType{api.ValueTypeInt, api.ValueTypeRef},
}

var refArg = []api.ValueType{api.ValueTypeRef}

var builtins = []Builtin{
	{
		// keep retains its argument and returns it.
		CallDescr: &api.CallDescr{Name: "keep", Args: refArg, Result: api.ValueTypeRef},
		fn: func(vm *VM, args []uint64) (uint64, error) {
			vm.Kept = append(vm.Kept, api.Ref(args[0]))
			return args[0], nil
		},
	},
	{
		CallDescr: &api.CallDescr{Name: "sqrt", Args: refArg, Result: api.ValueTypeRef, CanRaise: true},
		fn: func(vm *VM, args []uint64) (uint64, error) {
			f, err := vm.number(api.Ref(args[0]))
			if err != nil {
				return 0, err
			}
			if f < 0 {
				return 0, fmt.Errorf("%w: sqrt of a negative number", ErrValue)
			}
			return uint64(vm.heap.newObject(FloatLayout, api.EncodeFloat(math.Sqrt(f)))), nil
		},
	},
	{
		CallDescr: &api.CallDescr{Name: "fail", Args: refArg, Result: api.ValueTypeRef, CanRaise: true},
		fn: func(vm *VM, args []uint64) (uint64, error) {
			return 0, fmt.Errorf("%w: %s", ErrFailed, vm.Format(api.RefHandle(api.Ref(args[0]))))
		},
	},
	{
		CallDescr: &api.CallDescr{Name: "print", Args: refArg, NoTrace: true},
		fn: func(vm *VM, args []uint64) (uint64, error) {
			fmt.Fprintln(vm.Stdout, vm.Format(api.RefHandle(api.Ref(args[0])))) //nolint
			return 0, nil
		},
	},
}

func init() {
	for i := range builtins {
		builtins[i].Op = uint32(i)
	}
}

// lookupBuiltin returns the index of the named builtin.
func lookupBuiltin(name string) (int, bool) {
	for i, b := range builtins {
		if b.Name == name {
			return i, true
		}
	}
	return 0, false
}

func (vm *VM) number(ref api.Ref) (float64, error) {
	if ref == api.Null {
		return 0, errNullOperand
	}
	o := vm.heap.object(ref)
	switch o.layout {
	case IntLayout:
		return float64(api.DecodeInt(o.words[0])), nil
	case FloatLayout:
		return api.DecodeFloat(o.words[0]), nil
	}
	return 0, fmt.Errorf("%w: expected a number, got %s", ErrType, o.layout)
}
