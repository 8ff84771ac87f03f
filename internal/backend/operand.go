package backend

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
)

// OperandKind is the kind of an Operand.
type OperandKind byte

const (
	// OperandNone is the absent operand, for example the destination of an operation without result.
	OperandNone OperandKind = iota
	// OperandVReg is a virtual register, only before allocation.
	OperandVReg
	// OperandReg is a machine register.
	OperandReg
	// OperandSlot is a word of the spill area.
	OperandSlot
	// OperandImm is an immediate.
	OperandImm
)

// Operand is a source or a destination of an Instr.
type Operand struct {
	Kind OperandKind
	Type api.ValueType
	// Value is the regalloc.VRegID, the regalloc.RealReg, the slot index or the immediate bits, depending on Kind.
	Value uint64
}

// VRegOperand returns an operand referring to the virtual register id.
func VRegOperand(id regalloc.VRegID, typ api.ValueType) Operand {
	return Operand{Kind: OperandVReg, Type: typ, Value: uint64(id)}
}

// RegOperand returns an operand referring to the machine register r.
func RegOperand(r regalloc.RealReg, typ api.ValueType) Operand {
	return Operand{Kind: OperandReg, Type: typ, Value: uint64(r)}
}

// SlotOperand returns an operand referring to a word of the spill area.
func SlotOperand(slot int, typ api.ValueType) Operand {
	return Operand{Kind: OperandSlot, Type: typ, Value: uint64(slot)}
}

// ImmOperand returns an immediate operand.
func ImmOperand(typ api.ValueType, bits uint64) Operand {
	return Operand{Kind: OperandImm, Type: typ, Value: bits}
}

// LocationOperand returns the operand of a value held at loc.
func LocationOperand(loc regalloc.Location, typ api.ValueType) Operand {
	if loc.IsReg() {
		return RegOperand(loc.Reg, typ)
	}
	return SlotOperand(loc.Slot, typ)
}

// VReg returns the virtual register of an OperandVReg.
func (o Operand) VReg() regalloc.VRegID { return regalloc.VRegID(o.Value) }

// Reg returns the register of an OperandReg.
func (o Operand) Reg() regalloc.RealReg { return regalloc.RealReg(o.Value) }

// Slot returns the slot index of an OperandSlot.
func (o Operand) Slot() int { return int(o.Value) }

// IsLocation returns true if the operand is a register or a slot.
func (o Operand) IsLocation() bool { return o.Kind == OperandReg || o.Kind == OperandSlot }

// SameLocation returns true if o and p are the same register or the same slot.
func (o Operand) SameLocation(p Operand) bool {
	return o.IsLocation() && o.Kind == p.Kind && o.Value == p.Value
}

// RegType returns the register class of the operand's value.
func (o Operand) RegType() regalloc.RegType { return regalloc.RegTypeOf(o.Type) }

// Format returns the operand with register names resolved by info, which may be nil.
func (o Operand) Format(info *regalloc.RegisterInfo) string {
	switch o.Kind {
	case OperandNone:
		return "_"
	case OperandVReg:
		return fmt.Sprintf("v%d", o.Value)
	case OperandReg:
		if info != nil {
			return info.RealRegName(o.Reg())
		}
		return fmt.Sprintf("r%d", o.Value)
	case OperandSlot:
		return fmt.Sprintf("[%d]", o.Value)
	case OperandImm:
		return api.NewHandle(o.Type, o.Value).String()
	}
	return "?"
}

// String implements fmt.Stringer.
func (o Operand) String() string { return o.Format(nil) }
