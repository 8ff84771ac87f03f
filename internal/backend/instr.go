package backend

import (
	"fmt"
	"strings"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
	"github.com/tracelet/tracelet/internal/ir"
)

// InstrKind is the kind of an Instr.
type InstrKind byte

const (
	// InstrOp performs an operation or checks a guard.
	InstrOp InstrKind = iota
	// InstrMove copies Args[0] to Dst.
	InstrMove
	// InstrLabel marks the target of InstrJump.
	InstrLabel
	// InstrJump continues at a label of the same code.
	InstrJump
	// InstrExit returns to the engine: a FINISH or a jump to another compiled unit.
	InstrExit
)

// String implements fmt.Stringer.
func (k InstrKind) String() string {
	switch k {
	case InstrOp:
		return "op"
	case InstrMove:
		return "move"
	case InstrLabel:
		return "label"
	case InstrJump:
		return "jump"
	case InstrExit:
		return "exit"
	}
	return fmt.Sprintf("InstrKind(%d)", k)
}

// Instr is one instruction of lowered code. Before allocation operands refer to virtual registers, afterwards to
// registers, slots and immediates.
type Instr struct {
	Kind  InstrKind
	Op    api.Opcode
	Descr api.Descr
	Dst   Operand
	Args  []Operand
	// Defs are the parameters defined by InstrLabel before allocation.
	Defs []Operand
	// Index is the index in Code.Guards of guards and FINISH exits, the index in Code.Jumps of jump exits and -1
	// otherwise.
	Index int
	// Target is the token of InstrLabel and InstrJump.
	Target *ir.TargetToken
}

// IsGuard returns true if the instruction checks a guard.
func (i *Instr) IsGuard() bool { return i.Kind == InstrOp && i.Op.IsGuard() }

// Format returns the instruction with register names resolved by info, which may be nil.
func (i *Instr) Format(info *regalloc.RegisterInfo) string {
	var sb strings.Builder
	if i.Dst.Kind != OperandNone {
		sb.WriteString(i.Dst.Format(info))
		sb.WriteString(" = ")
	}
	switch i.Kind {
	case InstrOp:
		sb.WriteString(i.Op.String())
	case InstrExit:
		if i.Target != nil {
			fmt.Fprintf(&sb, "exit_jump#%d %s", i.Index, i.Target)
		} else {
			fmt.Fprintf(&sb, "exit_finish#%d", i.Index)
		}
		return sb.String()
	case InstrLabel, InstrJump:
		fmt.Fprintf(&sb, "%s %s", i.Kind, i.Target)
	default:
		sb.WriteString(i.Kind.String())
	}

	var args []string
	for _, a := range i.Args {
		args = append(args, a.Format(info))
	}
	if i.Descr != nil {
		args = append(args, "descr="+i.Descr.String())
	}
	if len(args) > 0 {
		fmt.Fprintf(&sb, "(%s)", strings.Join(args, ", "))
	}
	if len(i.Defs) > 0 {
		var defs []string
		for _, d := range i.Defs {
			defs = append(defs, d.Format(info))
		}
		fmt.Fprintf(&sb, " -> [%s]", strings.Join(defs, ", "))
	}
	if i.IsGuard() {
		fmt.Fprintf(&sb, " guard#%d", i.Index)
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (i *Instr) String() string { return i.Format(nil) }
