package ir

import (
	"fmt"
	"strconv"

	"github.com/tracelet/tracelet/api"
)

// Value is an operand of an Operation: a *Const, a *Var or, inside snapshots only, a *VirtualRef.
type Value interface {
	// Type returns the machine type of this value.
	Type() api.ValueType
	// String implements fmt.Stringer
	String() string
	isValue()
}

// Const is a constant operand embedding its bits.
type Const struct {
	typ  api.ValueType
	bits uint64
}

// NewConst returns a constant of the given type.
func NewConst(typ api.ValueType, bits uint64) *Const {
	return &Const{typ: typ, bits: bits}
}

// ConstInt returns an integer constant.
func ConstInt(v int64) *Const { return NewConst(api.ValueTypeInt, api.EncodeInt(v)) }

// ConstFloat returns a float constant.
func ConstFloat(v float64) *Const { return NewConst(api.ValueTypeFloat, api.EncodeFloat(v)) }

// ConstRef returns a reference constant.
func ConstRef(r api.Ref) *Const { return NewConst(api.ValueTypeRef, uint64(r)) }

// Zero returns the zero constant of the given type, which is what fresh allocations contain.
func Zero(typ api.ValueType) *Const { return NewConst(typ, 0) }

// Type implements Value.Type
func (c *Const) Type() api.ValueType { return c.typ }

// Bits returns the encoded value.
func (c *Const) Bits() uint64 { return c.bits }

// Int returns the value as an integer.
func (c *Const) Int() int64 { return api.DecodeInt(c.bits) }

// Float returns the value as a float.
func (c *Const) Float() float64 { return api.DecodeFloat(c.bits) }

// Equal returns true if both constants have the same type and bits.
func (c *Const) Equal(o *Const) bool { return c.typ == o.typ && c.bits == o.bits }

// String implements Value.String
func (c *Const) String() string {
	switch c.typ {
	case api.ValueTypeInt:
		return strconv.FormatInt(c.Int(), 10)
	case api.ValueTypeFloat:
		return strconv.FormatFloat(c.Float(), 'g', -1, 64) + "f"
	case api.ValueTypeRef:
		if c.bits == 0 {
			return "NULL"
		}
		return fmt.Sprintf("ConstPtr(%#x)", c.bits)
	}
	return "void"
}

func (*Const) isValue() {}

// Var is a variable defined by an Operation, a trace input or a label parameter.
type Var struct {
	// ID is unique within a trace and assigned in emission order.
	ID  uint32
	typ api.ValueType
}

// Type implements Value.Type
func (v *Var) Type() api.ValueType { return v.typ }

// String implements Value.String
func (v *Var) String() string { return api.ValueTypeName(v.typ) + strconv.FormatUint(uint64(v.ID), 10) }

func (*Var) isValue() {}

// VirtualRef refers to Snapshot.Virtuals[Index]. It only appears inside snapshots.
type VirtualRef struct {
	Index int
}

// Type implements Value.Type
func (*VirtualRef) Type() api.ValueType { return api.ValueTypeRef }

// String implements Value.String
func (r *VirtualRef) String() string { return "virtual#" + strconv.Itoa(r.Index) }

func (*VirtualRef) isValue() {}

// AsConst returns the constant if v is one.
func AsConst(v Value) (*Const, bool) {
	c, ok := v.(*Const)
	return c, ok
}

// AsVar returns the variable if v is one.
func AsVar(v Value) (*Var, bool) {
	x, ok := v.(*Var)
	return x, ok
}

// SameValue returns true if a and b are the same variable or equal constants.
func SameValue(a, b Value) bool {
	if a == b {
		return true
	}
	ca, ok1 := a.(*Const)
	cb, ok2 := b.(*Const)
	return ok1 && ok2 && ca.Equal(cb)
}
