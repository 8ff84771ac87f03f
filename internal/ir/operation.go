package ir

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/tracelet/tracelet/api"
)

// Operation is one trace instruction. Operations are never mutated once appended to a trace: optimization passes
// build new ones.
type Operation struct {
	Opcode api.Opcode
	Args   []Value
	// Result is nil for operations without a result.
	Result *Var
	// Descr is the *api.Layout, *api.Field or *api.CallDescr of heap and call operations, the *TargetToken of
	// OpLabel, the *JumpTarget of OpJump and the *api.Layout checked by class guards.
	Descr api.Descr
	// Snapshot is the interpreter state to resume at when a guard fails or OpFinish is reached.
	Snapshot *Snapshot
	// Params are the variables defined by OpLabel, one per argument.
	Params []*Var
}

// String implements fmt.Stringer
func (o *Operation) String() string { return formatOp(o) }

// Snapshot captures the interpreter frame at the start of a bytecode.
type Snapshot struct {
	// PC is the bytecode to resume at.
	PC int
	// Slots are the frame slot values, in slot order.
	Slots []Value
	// Virtuals are the recipes of the objects referred to by *VirtualRef values. Recipes may refer to each other.
	Virtuals []*VirtualRecipe
}

// VirtualRecipe describes an allocation the optimizer removed and deoptimization has to perform.
type VirtualRecipe struct {
	Layout *api.Layout
	// Length is the number of items of array recipes.
	Length int
	// Fields are the field values or array items. Nil entries are zero.
	Fields []Value
}

// Clone returns a shallow copy of the snapshot whose slices can be modified independently.
func (s *Snapshot) Clone() *Snapshot {
	ret := &Snapshot{PC: s.PC, Slots: append([]Value(nil), s.Slots...)}
	for _, r := range s.Virtuals {
		ret.Virtuals = append(ret.Virtuals, &VirtualRecipe{
			Layout: r.Layout, Length: r.Length, Fields: append([]Value(nil), r.Fields...),
		})
	}
	return ret
}

// Values calls fn for every value of the snapshot, slots first, then recipe fields.
func (s *Snapshot) Values(fn func(Value)) {
	for _, v := range s.Slots {
		if v != nil {
			fn(v)
		}
	}
	for _, r := range s.Virtuals {
		for _, v := range r.Fields {
			if v != nil {
				fn(v)
			}
		}
	}
}

// TargetToken identifies a place compiled code can jump to: the entry of a loop (its preamble) or the label in
// front of its body.
type TargetToken struct {
	ID     uint64
	Header api.HeaderID
	// State describes the parameters of a label. Nil means one plain parameter per label argument.
	State *VirtualState
}

var tokenIDs atomic.Uint64

// NewTargetToken returns a token with a process-wide unique ID.
func NewTargetToken(header api.HeaderID) *TargetToken {
	return &TargetToken{ID: tokenIDs.Inc(), Header: header}
}

// String implements fmt.Stringer
func (t *TargetToken) String() string { return fmt.Sprintf("TargetToken(%d)", t.ID) }

// JumpTarget is the descriptor of OpJump.
type JumpTarget struct {
	// Label is the body label of the target loop.
	Label *TargetToken
	// Entry is the entry of the target loop, taking the frame slots as parameters.
	Entry *TargetToken
	// Chosen is set by the optimizer once it proved which of Label or Entry the arguments fit.
	Chosen *TargetToken
}

// Target returns the token the jump goes to: Chosen if set, otherwise Label when its parameters are plain and
// Entry else.
func (j *JumpTarget) Target() *TargetToken {
	if j.Chosen != nil {
		return j.Chosen
	}
	if j.Label != nil && j.Label.State.Plain() {
		return j.Label
	}
	return j.Entry
}

// String implements fmt.Stringer
func (j *JumpTarget) String() string {
	if t := j.Target(); t != nil {
		return t.String()
	}
	return "TargetToken(?)"
}

// VirtualState describes which label arguments are virtual objects passed as their fields.
type VirtualState struct {
	// Slots has one entry per label argument. Nil entries are plain values.
	Slots []*VirtualSlot
}

// VirtualSlot is a virtual object passed through a label as its flattened fields.
type VirtualSlot struct {
	Layout *api.Layout
	Length int
	// Fields has one entry per field or item. Nil entries are plain values.
	Fields []*VirtualSlot
}

// Plain returns true if no argument is virtual.
func (s *VirtualState) Plain() bool {
	if s == nil {
		return true
	}
	for _, v := range s.Slots {
		if v != nil {
			return false
		}
	}
	return true
}

// NumParams returns the number of flattened parameters.
func (s *VirtualState) NumParams() (n int) {
	if s == nil {
		return 0
	}
	for _, v := range s.Slots {
		n += v.numParams()
	}
	return
}

func (v *VirtualSlot) numParams() int {
	if v == nil {
		return 1
	}
	n := 0
	for _, f := range v.Fields {
		n += f.numParams()
	}
	return n
}
