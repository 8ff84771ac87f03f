package resume

import (
	"github.com/tracelet/tracelet/api"
)

// Resume rebuilds the interpreter frame described by d from the values passed by the failing guard, writes it to
// the host frame and returns it. Recipes are allocated first and filled afterwards so that shared and cyclic
// objects are materialized once.
func Resume(d *Descriptor, failArgs []uint64, host api.Host) (*api.Frame, error) {
	if len(failArgs) != len(d.FailArgTypes) {
		return nil, d.corrupt("%d fail arguments passed, want %d", len(failArgs), len(d.FailArgTypes))
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	objs := make([]api.Ref, len(d.Recipes))
	for i, r := range d.Recipes {
		if r.Layout.IsArray() {
			objs[i] = api.Ref(api.Exec(host, api.OpNewArray, r.Layout, uint64(r.Length)))
		} else {
			objs[i] = api.Ref(api.Exec(host, api.OpNew, r.Layout))
		}
	}

	value := func(s Source) api.Handle {
		switch s.Kind {
		case SourceFailArg:
			return api.NewHandle(d.FailArgTypes[s.Index], failArgs[s.Index])
		case SourceVirtual:
			return api.RefHandle(objs[s.Index])
		}
		return api.NewHandle(s.Type, s.Bits)
	}

	for i, r := range d.Recipes {
		obj := objs[i]
		for j, f := range r.Fields {
			v := value(f)
			if v.Bits() == 0 {
				continue
			}
			if r.Layout.IsArray() {
				host.Store(obj, api.ItemOffset(j), v.Bits())
			} else {
				host.Store(obj, r.Layout.Fields[j].Offset(), v.Bits())
			}
			host.WriteBarrier(obj)
		}
	}

	frame := &api.Frame{PC: d.PC, Slots: make([]api.Handle, len(d.Slots))}
	for i, s := range d.Slots {
		v := value(s)
		frame.Slots[i] = v
		if i < host.NumLocals() {
			host.WriteLocal(i, v)
		}
	}
	return frame, nil
}
