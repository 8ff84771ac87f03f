// Package resume turns guard snapshots into resume descriptors and rebuilds interpreter frames from them.
package resume

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
)

// SourceKind tells where the value of a slot or a recipe field comes from.
type SourceKind byte

const (
	// SourceConst is a constant embedded in the descriptor.
	SourceConst SourceKind = iota
	// SourceFailArg is a value passed by the failing guard.
	SourceFailArg
	// SourceVirtual is an object allocated from a recipe on resume.
	SourceVirtual
)

// String implements fmt.Stringer
func (k SourceKind) String() string {
	switch k {
	case SourceConst:
		return "const"
	case SourceFailArg:
		return "failarg"
	case SourceVirtual:
		return "virtual"
	}
	return fmt.Sprintf("SourceKind(%d)", k)
}

// Source is one value of a resumed frame.
type Source struct {
	Kind SourceKind
	Type api.ValueType
	// Bits is the constant of SourceConst.
	Bits uint64
	// Index is the fail-argument index of SourceFailArg or the recipe index of SourceVirtual.
	Index int
}

// String implements fmt.Stringer
func (s Source) String() string {
	switch s.Kind {
	case SourceConst:
		return fmt.Sprintf("%s:%#x", api.ValueTypeName(s.Type), s.Bits)
	case SourceFailArg:
		return fmt.Sprintf("arg%d", s.Index)
	default:
		return fmt.Sprintf("virtual#%d", s.Index)
	}
}

// Recipe is an allocation the optimizer removed.
type Recipe struct {
	Layout *api.Layout
	// Length is the number of items of arrays.
	Length int
	Fields []Source
}

// Descriptor is the information needed to resume the interpreter at a guard.
type Descriptor struct {
	// PC is the bytecode the interpreter resumes at.
	PC      int
	Slots   []Source
	Recipes []Recipe
	// FailArgTypes are the types of the values the guard passes, in order.
	FailArgTypes []api.ValueType
}

// NumFailArgs returns the number of values the guard passes.
func (d *Descriptor) NumFailArgs() int { return len(d.FailArgTypes) }

// Build turns an optimized snapshot into a descriptor. It returns the variables the guard has to pass, in fail
// argument order. Variables appearing several times are passed once.
func Build(s *ir.Snapshot) (*Descriptor, []*ir.Var) {
	d := &Descriptor{PC: s.PC, Slots: make([]Source, len(s.Slots)), Recipes: make([]Recipe, len(s.Virtuals))}
	var failArgs []*ir.Var
	indexes := map[*ir.Var]int{}

	source := func(v ir.Value, typ api.ValueType) Source {
		switch v := v.(type) {
		case nil:
			return Source{Kind: SourceConst, Type: typ}
		case *ir.Const:
			return Source{Kind: SourceConst, Type: v.Type(), Bits: v.Bits()}
		case *ir.VirtualRef:
			return Source{Kind: SourceVirtual, Type: api.ValueTypeRef, Index: v.Index}
		case *ir.Var:
			idx, ok := indexes[v]
			if !ok {
				idx = len(failArgs)
				indexes[v] = idx
				failArgs = append(failArgs, v)
				d.FailArgTypes = append(d.FailArgTypes, v.Type())
			}
			return Source{Kind: SourceFailArg, Type: v.Type(), Index: idx}
		}
		panic(fmt.Sprintf("BUG: unexpected value %T in snapshot", v))
	}

	for i, v := range s.Slots {
		d.Slots[i] = source(v, api.ValueTypeRef)
	}
	for i, r := range s.Virtuals {
		rc := Recipe{Layout: r.Layout, Length: r.Length, Fields: make([]Source, len(r.Fields))}
		for j, f := range r.Fields {
			typ := r.Layout.Item
			if !r.Layout.IsArray() {
				typ = r.Layout.Fields[j].Type
			}
			rc.Fields[j] = source(f, typ)
		}
		d.Recipes[i] = rc
	}
	return d, failArgs
}

// CorruptError is returned when a descriptor cannot be used to rebuild a frame.
type CorruptError struct {
	PC  int
	Msg string
}

// Error implements error.
func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt resume descriptor at pc %d: %s", e.PC, e.Msg)
}

func (d *Descriptor) corrupt(format string, args ...interface{}) error {
	return &CorruptError{PC: d.PC, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks that every index of the descriptor is in range.
func (d *Descriptor) Validate() error {
	check := func(s Source) error {
		switch s.Kind {
		case SourceConst:
		case SourceFailArg:
			if s.Index < 0 || s.Index >= len(d.FailArgTypes) {
				return d.corrupt("fail argument %d out of %d", s.Index, len(d.FailArgTypes))
			}
		case SourceVirtual:
			if s.Index < 0 || s.Index >= len(d.Recipes) {
				return d.corrupt("recipe %d out of %d", s.Index, len(d.Recipes))
			}
		default:
			return d.corrupt("unknown source kind %d", s.Kind)
		}
		return nil
	}
	for _, s := range d.Slots {
		if err := check(s); err != nil {
			return err
		}
	}
	for i, r := range d.Recipes {
		if r.Layout == nil {
			return d.corrupt("recipe %d without layout", i)
		}
		n := len(r.Layout.Fields)
		if r.Layout.IsArray() {
			n = r.Length
		}
		if len(r.Fields) != n {
			return d.corrupt("recipe %d has %d fields, want %d", i, len(r.Fields), n)
		}
		for _, s := range r.Fields {
			if err := check(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// String implements fmt.Stringer
func (d *Descriptor) String() string {
	return fmt.Sprintf("resume(pc=%d, slots=%v, recipes=%d)", d.PC, d.Slots, len(d.Recipes))
}
