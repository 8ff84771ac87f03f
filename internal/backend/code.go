package backend

import (
	"fmt"
	"strings"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/resume"
)

// Code is a compiled trace: the allocated instruction stream, its guard table and its native encoding.
type Code struct {
	Kind   ir.TraceKind
	Header api.HeaderID
	Instrs []Instr
	// Inputs are the locations the values entering the code are placed in.
	Inputs []Operand
	// Entry is the token of a loop's entry, nil for bridges.
	Entry *ir.TargetToken
	// Labels are the places in Instrs other code can jump to, including the entry.
	Labels      map[*ir.TargetToken]*LabelInfo
	Guards      []*GuardInfo
	Jumps       []*JumpInfo
	Frame       FrameLayout
	Assumptions []api.AssumptionID
	// Layouts are the layouts of the virtual objects the resume descriptors rebuild, by ID.
	Layouts map[api.LayoutID]*api.Layout
	// Native is the machine code. The engine runs the instruction stream; the amd64 tests run Native itself.
	Native []byte
}

// LabelInfo is a place code can jump to.
type LabelInfo struct {
	// Index is the instruction to continue at.
	Index int
	// Params are the locations the jumping code moves its arguments to.
	Params []Operand
	// State tells which parameters are the fields of virtual objects.
	State *ir.VirtualState
}

// GuardInfo is one entry of the guard table. FINISH exits are entries too, with Op set to api.OpFinish.
type GuardInfo struct {
	Op api.Opcode
	// Descriptor is the resume descriptor the guard was compiled with. Failures decode Encoded instead.
	Descriptor *resume.Descriptor
	// FailArgs are the locations of the values passed on failure, in fail argument order.
	FailArgs []Operand
	// Encoded is the compact encoding of Descriptor.
	Encoded []byte
	// BranchOffset is the native offset of the conditional branch to the stub, StubOffset the one of the stub.
	BranchOffset, StubOffset int
}

// Layout returns the layout id of the objects rebuilt by c, or nil.
func (c *Code) Layout(id api.LayoutID) *api.Layout { return c.Layouts[id] }

// IsFinish returns true if the entry describes a FINISH.
func (g *GuardInfo) IsFinish() bool { return g.Op == api.OpFinish }

// JumpInfo is a jump to another compiled unit.
type JumpInfo struct {
	Target *ir.TargetToken
	Args   []Operand
}

// FrameLayout describes the machine state compiled code needs.
type FrameLayout struct {
	// SpillSlots is the number of words of the spill area.
	SpillSlots    int
	UsedRegisters regalloc.RegSet
}

// Size returns the number of bytes accounted to this code in the code cache: its native code and its encoded
// resume descriptors.
func (c *Code) Size() int {
	n := len(c.Native)
	for _, g := range c.Guards {
		n += len(g.Encoded)
	}
	return n
}

// Format returns the listing of the code with register names resolved by info, which may be nil.
func (c *Code) Format(info *regalloc.RegisterInfo) string {
	var sb strings.Builder
	var inputs []string
	for _, in := range c.Inputs {
		inputs = append(inputs, in.Format(info))
	}
	fmt.Fprintf(&sb, "%s header=%d inputs=[%s] slots=%d\n", c.Kind, c.Header, strings.Join(inputs, ", "), c.Frame.SpillSlots)
	for i := range c.Instrs {
		fmt.Fprintf(&sb, "\t%d: %s\n", i, c.Instrs[i].Format(info))
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (c *Code) String() string { return c.Format(nil) }
