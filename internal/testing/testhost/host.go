// Package testhost provides an api.Host over a Go heap for tests.
package testhost

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
)

// Call is a host operation reachable through PerformBytecode.
type Call func(operands []uint64) (uint64, error)

// Host is an api.Host whose objects are word slices. The zero value is not usable, see New.
type Host struct {
	Locals []api.Handle
	// Calls are the operations of PerformBytecode, indexed by op.
	Calls map[uint32]Call
	// Assumptions are the values of ReadAssumption.
	Assumptions map[api.AssumptionID]api.Handle

	objects []object
	// Allocs counts GCAlloc calls, Barriers WriteBarrier calls.
	Allocs, Barriers int
}

type object struct {
	layout *api.Layout
	words  []uint64
}

var _ api.Host = (*Host)(nil)

// New returns a Host with the given frame slots.
func New(locals ...api.Handle) *Host {
	return &Host{
		Locals:      locals,
		Calls:       map[uint32]Call{},
		Assumptions: map[api.AssumptionID]api.Handle{},
		// Ref zero is null.
		objects: []object{{}},
	}
}

func (h *Host) object(ref api.Ref) *object {
	if ref == api.Null || int(ref) >= len(h.objects) {
		panic(fmt.Sprintf("invalid reference %d", ref))
	}
	return &h.objects[ref]
}

// NumLocals implements api.Host.
func (h *Host) NumLocals() int { return len(h.Locals) }

// ReadLocal implements api.Host.
func (h *Host) ReadLocal(slot int) api.Handle { return h.Locals[slot] }

// WriteLocal implements api.Host.
func (h *Host) WriteLocal(slot int, v api.Handle) { h.Locals[slot] = v }

// PerformBytecode implements api.Host.
func (h *Host) PerformBytecode(op uint32, operands []uint64) (uint64, error) {
	c, ok := h.Calls[op]
	if !ok {
		panic(fmt.Sprintf("unknown operation %d", op))
	}
	return c(operands)
}

// GCAlloc implements api.Host.
func (h *Host) GCAlloc(size uint32, layout *api.Layout) api.Ref {
	h.Allocs++
	h.objects = append(h.objects, object{layout: layout, words: make([]uint64, size/api.WordSize)})
	return api.Ref(len(h.objects) - 1)
}

// WriteBarrier implements api.Host.
func (h *Host) WriteBarrier(api.Ref) { h.Barriers++ }

// Load implements api.Host.
func (h *Host) Load(obj api.Ref, offset uint32) uint64 {
	o := h.object(obj)
	i := int(offset / api.WordSize)
	if i >= len(o.words) {
		panic(fmt.Sprintf("load out of bounds of %s: offset %d", o.layout, offset))
	}
	return o.words[i]
}

// Store implements api.Host.
func (h *Host) Store(obj api.Ref, offset uint32, v uint64) {
	o := h.object(obj)
	i := int(offset / api.WordSize)
	if i >= len(o.words) {
		panic(fmt.Sprintf("store out of bounds of %s: offset %d", o.layout, offset))
	}
	o.words[i] = v
}

// LayoutOf implements api.Host.
func (h *Host) LayoutOf(obj api.Ref) *api.Layout { return h.object(obj).layout }

// ReadAssumption implements api.Host.
func (h *Host) ReadAssumption(id api.AssumptionID) api.Handle { return h.Assumptions[id] }

// NewObject allocates an object of l with the given field values.
func (h *Host) NewObject(l *api.Layout, fields ...uint64) api.Ref {
	ref := h.GCAlloc(l.Size(), l)
	copy(h.object(ref).words, fields)
	return ref
}

// NewArray allocates an array of l with the given items.
func (h *Host) NewArray(l *api.Layout, items ...uint64) api.Ref {
	ref := h.GCAlloc(api.ArraySize(len(items)), l)
	o := h.object(ref)
	o.words[api.ArrayLengthOffset/api.WordSize] = uint64(len(items))
	copy(o.words[api.ArrayItemsOffset/api.WordSize:], items)
	return ref
}

// Words returns the words of obj.
func (h *Host) Words(obj api.Ref) []uint64 { return h.object(obj).words }
