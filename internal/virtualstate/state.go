package virtualstate

import (
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

// ExportState describes the arguments of a loop label. Virtual arguments stay virtual and are passed as their
// flattened fields, except shared or cyclic ones which are forced through e. It returns the state and the flattened
// label arguments.
func (t *Tracker) ExportState(args []ir.Value, e ir.Emitter) (*ir.VirtualState, []ir.Value) {
	seen := map[*Info]int{}
	for _, a := range args {
		t.countReachable(a, seen)
	}
	for _, a := range args {
		t.forceShared(a, seen, e)
	}

	state := &ir.VirtualState{Slots: make([]*ir.VirtualSlot, len(args))}
	var flat []ir.Value
	for i, a := range args {
		state.Slots[i] = t.export(a, &flat)
	}
	return state, flat
}

func (t *Tracker) countReachable(v ir.Value, seen map[*Info]int) {
	if !t.IsVirtual(v) {
		return
	}
	info := t.Info(v)
	seen[info]++
	if seen[info] > 1 {
		return
	}
	for _, f := range info.fields {
		if f != nil {
			t.countReachable(f, seen)
		}
	}
}

func (t *Tracker) forceShared(v ir.Value, seen map[*Info]int, e ir.Emitter) {
	if !t.IsVirtual(v) {
		return
	}
	info := t.Info(v)
	if seen[info] > 1 {
		t.Force(v, e)
		return
	}
	for _, f := range info.fields {
		if f != nil {
			t.forceShared(f, seen, e)
		}
	}
}

func (t *Tracker) export(v ir.Value, flat *[]ir.Value) *ir.VirtualSlot {
	if !t.IsVirtual(v) {
		*flat = append(*flat, t.Resolve(v))
		return nil
	}
	info := t.Info(v)
	slot := &ir.VirtualSlot{Layout: info.Layout, Length: info.Length, Fields: make([]*ir.VirtualSlot, len(info.fields))}
	for i := range info.fields {
		slot.Fields[i] = t.export(t.item(info, i, fieldType(info, i)), flat)
	}
	return slot
}

// ImportState rebuilds the label arguments inside the loop body from the flattened parameters. names are the
// variables the body uses for the label arguments; virtual ones start being tracked again. It returns, per name,
// the value to use: the name itself when virtual, its parameter otherwise.
func (t *Tracker) ImportState(state *ir.VirtualState, names []*ir.Var, params []*ir.Var, e ir.Emitter) []ir.Value {
	ret := make([]ir.Value, len(names))
	next := 0
	for i, name := range names {
		ret[i] = t.importSlot(state.Slots[i], name, params, &next, e)
	}
	return ret
}

func (t *Tracker) importSlot(slot *ir.VirtualSlot, name *ir.Var, params []*ir.Var, next *int, e ir.Emitter) ir.Value {
	if slot == nil {
		p := params[*next]
		*next++
		return p
	}
	if name == nil {
		name = e.NewVar(api.ValueTypeRef)
	}
	info := &Info{Layout: slot.Layout, Length: slot.Length, fields: make([]ir.Value, len(slot.Fields))}
	t.infos[name] = info
	for i, f := range slot.Fields {
		info.fields[i] = t.importSlot(f, nil, params, next, e)
	}
	return name
}

// MatchState returns true if args can be passed to a label of the given state: every virtual slot receives a
// virtual of the same shape, and no virtual is reachable twice or also from a slot that will be forced.
func (t *Tracker) MatchState(state *ir.VirtualState, args []ir.Value) bool {
	if state == nil {
		return true
	}
	if len(state.Slots) != len(args) {
		return false
	}
	kept := map[*Info]struct{}{}
	var plain []ir.Value
	for i, a := range args {
		if !t.match(state.Slots[i], a, kept, &plain) {
			return false
		}
	}
	forced := map[*Info]int{}
	for _, v := range plain {
		t.countReachable(v, forced)
	}
	for info := range forced {
		if _, ok := kept[info]; ok {
			return false
		}
	}
	return true
}

func (t *Tracker) match(slot *ir.VirtualSlot, v ir.Value, kept map[*Info]struct{}, plain *[]ir.Value) bool {
	if slot == nil {
		*plain = append(*plain, v)
		return true
	}
	if !t.IsVirtual(v) {
		return false
	}
	info := t.Info(v)
	if info.Layout != slot.Layout || info.Length != slot.Length || len(info.fields) != len(slot.Fields) {
		return false
	}
	if _, ok := kept[info]; ok {
		return false
	}
	kept[info] = struct{}{}
	for i, f := range slot.Fields {
		if !t.match(f, t.item(info, i, fieldType(info, i)), kept, plain) {
			return false
		}
	}
	return true
}

// Flatten forces what the state passes as plain values and returns the flattened label arguments. Callers check
// MatchState first.
func (t *Tracker) Flatten(state *ir.VirtualState, args []ir.Value, e ir.Emitter) []ir.Value {
	var flat []ir.Value
	for i, a := range args {
		var slot *ir.VirtualSlot
		if state != nil {
			slot = state.Slots[i]
		}
		t.flatten(slot, a, &flat, e)
	}
	return flat
}

func (t *Tracker) flatten(slot *ir.VirtualSlot, v ir.Value, flat *[]ir.Value, e ir.Emitter) {
	if slot == nil {
		*flat = append(*flat, t.Force(v, e))
		return
	}
	info := t.Info(v)
	for i, f := range slot.Fields {
		t.flatten(f, t.item(info, i, fieldType(info, i)), flat, e)
	}
}

func fieldType(info *Info, i int) api.ValueType {
	if info.Layout.IsArray() {
		return info.Layout.Item
	}
	return info.Layout.Fields[i].Type
}
