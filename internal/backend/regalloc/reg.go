package regalloc

import (
	"fmt"
	"strings"

	"github.com/tracelet/tracelet/api"
)

// RealReg represents a physical register.
type RealReg byte

const RealRegInvalid RealReg = 0xff

// RegType represents the class of a register.
type RegType byte

const (
	RegTypeInvalid RegType = iota
	RegTypeInt
	RegTypeFloat
	NumRegType
)

// String implements fmt.Stringer.
func (r RegType) String() string {
	switch r {
	case RegTypeInt:
		return "int"
	case RegTypeFloat:
		return "float"
	default:
		return "invalid"
	}
}

// RegTypeOf returns the RegType of the given api.ValueType. References live in integer registers.
func RegTypeOf(t api.ValueType) RegType {
	switch t {
	case api.ValueTypeInt, api.ValueTypeRef:
		return RegTypeInt
	case api.ValueTypeFloat:
		return RegTypeFloat
	default:
		panic(fmt.Sprintf("BUG: no register class for %s", api.ValueTypeName(t)))
	}
}

// RegisterInfo holds the statically-known ISA-specific register information.
type RegisterInfo struct {
	// AllocatableRegisters is a 2D array of allocatable RealReg, indexed by regTypeNum and regNum.
	// The order matters: the first element is the most preferred one when allocating.
	AllocatableRegisters [NumRegType][]RealReg
	// ScratchRegisters are never allocated. Machines use them to move values between locations.
	ScratchRegisters [NumRegType]RealReg
	RealRegName      func(r RealReg) string
}

// NewRegSet returns a new RegSet with the given registers.
func NewRegSet(regs ...RealReg) RegSet {
	var ret RegSet
	for _, r := range regs {
		ret = ret.add(r)
	}
	return ret
}

// RegSet represents a set of registers.
type RegSet uint64

// Format returns the names of the registers in this set.
func (rs RegSet) Format(info *RegisterInfo) string {
	var ret []string
	rs.Range(func(r RealReg) {
		ret = append(ret, info.RealRegName(r))
	})
	return strings.Join(ret, ", ")
}

// Has returns true if r is in the set.
func (rs RegSet) Has(r RealReg) bool {
	return rs&(1<<uint(r)) != 0
}

func (rs RegSet) add(r RealReg) RegSet {
	if r >= 64 {
		return rs
	}
	return rs | 1<<uint(r)
}

// Range calls f for each register of the set in increasing order.
func (rs RegSet) Range(f func(allocatedRealReg RealReg)) {
	for i := 0; i < 64; i++ {
		if rs&(1<<uint(i)) != 0 {
			f(RealReg(i))
		}
	}
}
