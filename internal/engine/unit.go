package engine

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/resume"
	"github.com/tracelet/tracelet/internal/warmup"
)

// GuardState is the patching state of a guard.
type GuardState = uint32

const (
	// GuardUnpatched is a guard whose failures return to the interpreter.
	GuardUnpatched GuardState = iota
	// GuardBridgeRequested is a guard for which one JIT is recording a bridge.
	GuardBridgeRequested
	// GuardBridgeCompiled is a guard whose bridge is compiled but not yet reachable.
	GuardBridgeCompiled
	// GuardPatched is a guard whose failures continue in its bridge.
	GuardPatched
)

// GuardStateName returns the name of s.
func GuardStateName(s GuardState) string {
	switch s {
	case GuardUnpatched:
		return "unpatched"
	case GuardBridgeRequested:
		return "bridge_requested"
	case GuardBridgeCompiled:
		return "bridge_compiled"
	case GuardPatched:
		return "patched"
	}
	return fmt.Sprintf("GuardState(%d)", s)
}

// Guard is a guard of installed code.
type Guard struct {
	// ID is unique within the loop owning the guard, bridges included.
	ID   uint32
	Info *backend.GuardInfo
	unit *Unit

	state atomic.Uint32
	// bridge is written once before state becomes GuardPatched.
	bridge *Unit
}

// Descriptor decodes the resume descriptor of g from the guard table of its unit.
func (g *Guard) Descriptor() (*resume.Descriptor, error) {
	return resume.Decode(g.Info.Encoded, g.unit.Code.Layout)
}

// State returns the current patching state.
func (g *Guard) State() GuardState { return g.state.Load() }

// Loop returns the loop owning the guard.
func (g *Guard) Loop() *Loop { return g.unit.loop }

// Key identifies the guard for failure counting.
func (g *Guard) Key() warmup.GuardKey {
	return warmup.GuardKey{Loop: g.unit.loop.handle.Key(), Index: g.ID}
}

// RequestBridge moves the guard from GuardUnpatched to GuardBridgeRequested. Only the caller getting true may
// record and install a bridge for it.
func (g *Guard) RequestBridge() bool {
	return g.state.CAS(GuardUnpatched, GuardBridgeRequested)
}

// CancelBridge gives up a bridge request, for example after the recording aborted.
func (g *Guard) CancelBridge() bool {
	return g.state.CAS(GuardBridgeRequested, GuardUnpatched)
}

// Bridge returns the bridge of a patched guard, nil otherwise.
func (g *Guard) Bridge() *Unit {
	if g.state.Load() != GuardPatched {
		return nil
	}
	return g.bridge
}

// String implements fmt.Stringer.
func (g *Guard) String() string {
	return fmt.Sprintf("guard#%d(%s, %s)", g.ID, g.Info.Op, GuardStateName(g.State()))
}

// Unit is installed code: the body of a loop or a bridge.
type Unit struct {
	loop   *Loop
	Code   *backend.Code
	Guards []*Guard
	// buf holds the native code.
	buf   []byte
	jumps []*jumpTarget
}

type jumpTarget struct {
	token *ir.TargetToken
	loop  Handle
	// pc is the bytecode of the target loop's header.
	pc int
}

// Loop returns the loop owning the unit.
func (u *Unit) Loop() *Loop { return u.loop }

// IsBridge returns true for bridges.
func (u *Unit) IsBridge() bool { return u != &u.loop.Unit }

// LoopState is the state of a Loop.
type LoopState = uint32

const (
	LoopValid LoopState = iota
	// LoopInvalid is a loop which is not entered anymore. Frames already inside it leave at their next
	// GUARD_NOT_INVALIDATED or external jump.
	LoopInvalid
)

// Loop is an installed loop and the bridges attached to its guards.
type Loop struct {
	Unit
	handle Handle
	header api.HeaderID
	// pc is the bytecode of the loop header.
	pc int

	state atomic.Uint32
	// active counts the frames executing the loop or its bridges.
	active atomic.Int32
	// entries counts the recent entries, for eviction.
	entries atomic.Uint64

	// The fields below are guarded by Engine.mux.
	bridges     []*Unit
	assumptions []api.AssumptionID
	size        int
	nextGuardID uint32
	reclaimed   bool
}

// Handle returns the handle of the loop.
func (l *Loop) Handle() Handle { return l.handle }

// Header returns the loop header.
func (l *Loop) Header() api.HeaderID { return l.header }

// PC returns the bytecode of the loop header.
func (l *Loop) PC() int { return l.pc }

// Valid returns false once the loop is invalidated.
func (l *Loop) Valid() bool { return l.state.Load() == LoopValid }

// Active returns the number of frames executing the loop.
func (l *Loop) Active() int { return int(l.active.Load()) }

// Entries returns the recent entry count.
func (l *Loop) Entries() uint64 { return l.entries.Load() }

// Accepts returns true if the loop entry takes frame slots of the given types.
func (l *Loop) Accepts(types []api.ValueType) bool {
	params := l.Code.Labels[l.Code.Entry].Params
	if len(params) != len(types) {
		return false
	}
	for i, p := range params {
		if p.Type != types[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (l *Loop) String() string { return fmt.Sprintf("%s(header=%d)", l.handle, l.header) }

// newUnit builds the guards of c. Loop guards get the IDs [0, len(Guards)).
func (l *Loop) newUnit(u *Unit, c *backend.Code) {
	u.loop, u.Code = l, c
	u.Guards = make([]*Guard, len(c.Guards))
	for i, info := range c.Guards {
		u.Guards[i] = &Guard{ID: l.nextGuardID, Info: info, unit: u}
		l.nextGuardID++
	}
}
