package opt

import (
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

type fieldKey struct {
	obj   valueKey
	field *api.Field
}

type itemKey struct {
	obj    valueKey
	layout *api.Layout
	index  int64
}

// heapCache holds the values known to be in the heap.
type heapCache struct {
	fields map[fieldKey]ir.Value
	items  map[itemKey]ir.Value
	// lengths never change once an array is allocated.
	lengths map[valueKey]ir.Value
	// fresh are the objects allocated by the trace which were never stored anywhere nor passed to a call.
	fresh map[valueKey]struct{}
}

func newHeapCache() *heapCache {
	return &heapCache{
		fields:  map[fieldKey]ir.Value{},
		items:   map[itemKey]ir.Value{},
		lengths: map[valueKey]ir.Value{},
		fresh:   map[valueKey]struct{}{},
	}
}

// mayAlias returns false if a and b are proven to be different objects.
func (h *heapCache) mayAlias(a, b valueKey) bool {
	if a == b {
		return true
	}
	if a.isConst && b.isConst {
		return false
	}
	_, aFresh := h.fresh[a]
	_, bFresh := h.fresh[b]
	return !aFresh && !bFresh
}

func (h *heapCache) escape(v ir.Value) {
	if v.Type() == api.ValueTypeRef {
		delete(h.fresh, keyOf(v))
	}
}

// clobber forgets everything an opaque call may have changed.
func (h *heapCache) clobber() {
	for k := range h.fields {
		if !k.field.Immutable {
			delete(h.fields, k)
		}
	}
	h.items = map[itemKey]ir.Value{}
}

// passHeap forwards loads from earlier loads and stores of the same location and removes stores of the value the
// location already holds. Stores forget the locations they may alias, and opaque calls everything mutable.
func passHeap(t *ir.Trace) *ir.Trace {
	r := newRewriter(t)
	h := newHeapCache()
	for _, op := range t.Ops {
		cp := r.copyOp(op)
		switch cp.Opcode {
		case api.OpLabel:
			h = newHeapCache()
		case api.OpNew:
			obj := keyOf(cp.Result)
			h.fresh[obj] = struct{}{}
			for _, f := range cp.Descr.(*api.Layout).Fields {
				h.fields[fieldKey{obj, f}] = ir.Zero(f.Type)
			}
		case api.OpNewArray:
			obj := keyOf(cp.Result)
			h.fresh[obj] = struct{}{}
			h.lengths[obj] = cp.Args[0]
			if n, ok := cp.Args[0].(*ir.Const); ok && n.Int() <= maxCachedItems {
				l := cp.Descr.(*api.Layout)
				for i := int64(0); i < n.Int(); i++ {
					h.items[itemKey{obj, l, i}] = ir.Zero(l.Item)
				}
			}
		case api.OpGetField:
			key := fieldKey{keyOf(cp.Args[0]), cp.Descr.(*api.Field)}
			if v, ok := h.fields[key]; ok {
				r.replace(cp.Result, v)
				continue
			}
			h.fields[key] = cp.Result
		case api.OpSetField:
			f := cp.Descr.(*api.Field)
			obj, val := keyOf(cp.Args[0]), cp.Args[1]
			key := fieldKey{obj, f}
			if v, ok := h.fields[key]; ok && ir.SameValue(v, val) {
				continue
			}
			for k := range h.fields {
				if k.field == f && h.mayAlias(k.obj, obj) {
					delete(h.fields, k)
				}
			}
			h.escape(val)
			h.fields[key] = val
		case api.OpGetArrayItem:
			idx, ok := cp.Args[1].(*ir.Const)
			if !ok {
				break
			}
			key := itemKey{keyOf(cp.Args[0]), cp.Descr.(*api.Layout), idx.Int()}
			if v, ok := h.items[key]; ok {
				r.replace(cp.Result, v)
				continue
			}
			h.items[key] = cp.Result
		case api.OpSetArrayItem:
			l := cp.Descr.(*api.Layout)
			obj, val := keyOf(cp.Args[0]), cp.Args[2]
			idx, constIdx := cp.Args[1].(*ir.Const)
			if constIdx {
				if v, ok := h.items[itemKey{obj, l, idx.Int()}]; ok && ir.SameValue(v, val) {
					continue
				}
			}
			for k := range h.items {
				if k.layout == l && h.mayAlias(k.obj, obj) && (!constIdx || k.index == idx.Int()) {
					delete(h.items, k)
				}
			}
			h.escape(val)
			if constIdx {
				h.items[itemKey{obj, l, idx.Int()}] = val
			}
		case api.OpArrayLen:
			obj := keyOf(cp.Args[0])
			if v, ok := h.lengths[obj]; ok {
				r.replace(cp.Result, v)
				continue
			}
			h.lengths[obj] = cp.Result
		case api.OpCall:
			for _, a := range cp.Args {
				h.escape(a)
			}
			h.clobber()
		case api.OpCallPure:
			for _, a := range cp.Args {
				h.escape(a)
			}
		}
		r.emit(cp)
	}
	return r.out
}

// maxCachedItems bounds the items of a fresh array known to be zero.
const maxCachedItems = 16
