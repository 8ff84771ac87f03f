// Package virtualstate tracks allocations that have not been materialized yet ("virtual objects").
package virtualstate

import (
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

// MaxVirtualArrayLength is the longest array kept virtual. Longer arrays are allocated right away.
const MaxVirtualArrayLength = 16

// Info describes one tracked allocation: its layout and the values of its fields as far as the trace knows them.
type Info struct {
	Layout *api.Layout
	// Length is the number of items of an array.
	Length int

	// fields holds the known field or item values. Nil entries are zero.
	fields []ir.Value
	// forced is the variable of the real allocation once forced.
	forced *ir.Var
	// escaped is set when the recorder saw the object leak, without emitting anything.
	escaped bool
}

// Forced returns the variable holding the real allocation, or nil.
func (i *Info) Forced() *ir.Var { return i.forced }

// Escaped returns true if the object was forced or leaked.
func (i *Info) Escaped() bool { return i.forced != nil || i.escaped }

// Tracker maps variables to the allocations they name.
type Tracker struct {
	infos map[*ir.Var]*Info
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{infos: map[*ir.Var]*Info{}}
}

// Len returns the number of tracked allocations.
func (t *Tracker) Len() int { return len(t.infos) }

// Reset forgets every allocation.
func (t *Tracker) Reset() {
	t.infos = map[*ir.Var]*Info{}
}

// MakeVirtual starts tracking v as a fresh, zeroed object of the given layout.
func (t *Tracker) MakeVirtual(v *ir.Var, l *api.Layout) *Info {
	info := &Info{Layout: l, fields: make([]ir.Value, len(l.Fields))}
	t.infos[v] = info
	return info
}

// MakeVirtualArray starts tracking v as a fresh array of the given length. It returns false, tracking nothing,
// when the array is too long to describe compactly.
func (t *Tracker) MakeVirtualArray(v *ir.Var, l *api.Layout, length int) (*Info, bool) {
	if length < 0 || length > MaxVirtualArrayLength {
		return nil, false
	}
	info := &Info{Layout: l, Length: length, fields: make([]ir.Value, length)}
	t.infos[v] = info
	return info, true
}

// Info returns the tracked allocation named by v, or nil.
func (t *Tracker) Info(v ir.Value) *Info {
	x, ok := v.(*ir.Var)
	if !ok {
		return nil
	}
	return t.infos[x]
}

// IsVirtual returns true if v names an allocation that is neither forced nor escaped.
func (t *Tracker) IsVirtual(v ir.Value) bool {
	info := t.Info(v)
	return info != nil && !info.Escaped()
}

// LayoutOf returns the layout of a tracked allocation, virtual or not.
func (t *Tracker) LayoutOf(v ir.Value) (*api.Layout, bool) {
	if info := t.Info(v); info != nil {
		return info.Layout, true
	}
	return nil, false
}

// Resolve returns the real allocation of a forced object, otherwise v itself.
func (t *Tracker) Resolve(v ir.Value) ir.Value {
	if info := t.Info(v); info != nil && info.forced != nil {
		return info.forced
	}
	return v
}

// FieldValue returns the known value of a field of the virtual v. Fields never written are zero.
func (t *Tracker) FieldValue(v ir.Value, f *api.Field) ir.Value {
	return t.item(t.Info(v), f.Index, f.Type)
}

// ItemValue returns the known value of an item of the virtual array v.
func (t *Tracker) ItemValue(v ir.Value, i int) ir.Value {
	info := t.Info(v)
	return t.item(info, i, info.Layout.Item)
}

func (t *Tracker) item(info *Info, i int, typ api.ValueType) ir.Value {
	if f := info.fields[i]; f != nil {
		return f
	}
	return ir.Zero(typ)
}

// SetField records a store into the virtual v.
func (t *Tracker) SetField(v ir.Value, f *api.Field, val ir.Value) {
	t.Info(v).fields[f.Index] = val
}

// SetItem records a store into the virtual array v.
func (t *Tracker) SetItem(v ir.Value, i int, val ir.Value) {
	t.Info(v).fields[i] = val
}

// Escape marks v and everything reachable from it as escaped without emitting anything. The recorder uses it to
// keep its bookkeeping in sync with what the program does to fresh objects.
func (t *Tracker) Escape(v ir.Value) {
	info := t.Info(v)
	if info == nil || info.escaped {
		return
	}
	info.escaped = true
	for _, f := range info.fields {
		if f != nil {
			t.Escape(f)
		}
	}
}

// Force materializes v through e: a NEW or NEW_ARRAY followed by one store per non-zero field, fields being
// forced first. Forcing is idempotent, a forced object returns its allocation and emits nothing. Values that are not
// virtual are returned unchanged.
func (t *Tracker) Force(v ir.Value, e ir.Emitter) ir.Value {
	info := t.Info(v)
	if info == nil || info.escaped {
		return v
	}
	if info.forced != nil {
		return info.forced
	}

	res := e.NewVar(api.ValueTypeRef)
	if info.Layout.IsArray() {
		e.Append(&ir.Operation{Opcode: api.OpNewArray, Args: []ir.Value{ir.ConstInt(int64(info.Length))},
			Descr: info.Layout, Result: res})
	} else {
		e.Append(&ir.Operation{Opcode: api.OpNew, Descr: info.Layout, Result: res})
	}
	// The allocation is recorded before the fields so that cycles terminate.
	info.forced = res

	for i, f := range info.fields {
		if f == nil || isZero(f) {
			continue
		}
		fv := t.Force(f, e)
		if info.Layout.IsArray() {
			e.Append(&ir.Operation{Opcode: api.OpSetArrayItem, Args: []ir.Value{res, ir.ConstInt(int64(i)), fv},
				Descr: info.Layout})
		} else {
			e.Append(&ir.Operation{Opcode: api.OpSetField, Args: []ir.Value{res, fv},
				Descr: info.Layout.Fields[i]})
		}
	}
	return res
}

// ForceAll forces every value in vs and returns the resolved values.
func (t *Tracker) ForceAll(vs []ir.Value, e ir.Emitter) []ir.Value {
	ret := make([]ir.Value, len(vs))
	for i, v := range vs {
		ret[i] = t.Force(v, e)
	}
	return ret
}

// Snapshot builds a snapshot of the given slots in which every virtual is replaced by a recipe. Shared and cyclic
// virtuals get a single recipe.
func (t *Tracker) Snapshot(pc int, slots []ir.Value) *ir.Snapshot {
	s := &ir.Snapshot{PC: pc, Slots: make([]ir.Value, len(slots))}
	refs := map[*Info]int{}
	var convert func(v ir.Value) ir.Value
	convert = func(v ir.Value) ir.Value {
		if !t.IsVirtual(v) {
			return t.Resolve(v)
		}
		info := t.Info(v)
		if idx, ok := refs[info]; ok {
			return &ir.VirtualRef{Index: idx}
		}
		idx := len(s.Virtuals)
		refs[info] = idx
		r := &ir.VirtualRecipe{Layout: info.Layout, Length: info.Length, Fields: make([]ir.Value, len(info.fields))}
		s.Virtuals = append(s.Virtuals, r)
		for i, f := range info.fields {
			if f != nil {
				r.Fields[i] = convert(f)
			}
		}
		return &ir.VirtualRef{Index: idx}
	}
	for i, v := range slots {
		s.Slots[i] = convert(v)
	}
	return s
}

func isZero(v ir.Value) bool {
	c, ok := v.(*ir.Const)
	return ok && c.Bits() == 0
}
