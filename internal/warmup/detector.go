// Package warmup decides when a loop header is hot enough to be traced and when a failing guard deserves a bridge.
//
// The detector is pure bookkeeping owned by one interpreter instance and is not safe for concurrent use.
package warmup

import (
	"fmt"

	"github.com/tracelet/tracelet/api"
)

// State is the lifecycle state of a loop header.
type State byte

const (
	// StateCold is a header never reached, or reset by invalidation.
	StateCold State = iota
	// StateCounting is a header being counted towards the hot loop threshold.
	StateCounting
	// StateTracing is a header whose loop is being recorded.
	StateTracing
	// StateCompiled is a header with an installed loop.
	StateCompiled
	// StateBlacklisted is a header whose last trace aborted. Threshold crossings are ignored for a while.
	StateBlacklisted
	// StateDisabled is a header whose compilation failed fatally. It stays interpreted.
	StateDisabled
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateCounting:
		return "counting"
	case StateTracing:
		return "tracing"
	case StateCompiled:
		return "compiled"
	case StateBlacklisted:
		return "blacklisted"
	case StateDisabled:
		return "disabled"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Action is returned by OnLoopHeaderReached.
type Action byte

const (
	// ActionContinue keeps interpreting.
	ActionContinue Action = iota
	// ActionStartTracing starts recording the loop at this header.
	ActionStartTracing
)

// GuardAction is returned by OnGuardFailure.
type GuardAction byte

const (
	// GuardActionContinueInInterpreter resumes in the interpreter.
	GuardActionContinueInInterpreter GuardAction = iota
	// GuardActionCompileBridge records a bridge starting at the failing guard.
	GuardActionCompileBridge
)

// GuardKey identifies a guard of an installed loop or one of its bridges.
type GuardKey struct {
	// Loop identifies the owning loop, including its arena generation.
	Loop uint64
	// Index is the guard number within the loop.
	Index uint32
}

const (
	// DefaultHotLoopThreshold is the number of header crossings after which a loop is traced.
	DefaultHotLoopThreshold = 39
	// DefaultBridgeThreshold is the number of failures after which a guard gets a bridge.
	DefaultBridgeThreshold = 8
	// DefaultBlacklistWindow is the number of threshold crossings ignored after an abort.
	DefaultBlacklistWindow = 3
)

// Config holds the tunables of a Detector.
type Config struct {
	HotLoopThreshold uint32
	BridgeThreshold  uint32
	BlacklistWindow  uint32
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		HotLoopThreshold: DefaultHotLoopThreshold,
		BridgeThreshold:  DefaultBridgeThreshold,
		BlacklistWindow:  DefaultBlacklistWindow,
	}
}

// Counter is the fixed-size state kept per loop header.
type Counter struct {
	State State
	// Count counts header crossings towards the hot loop threshold.
	Count uint32
	// Skip is the number of threshold crossings left to ignore while blacklisted.
	Skip uint32
	// Aborts counts aborted traces, saturating.
	Aborts uint32
}

// Detector holds the warm-up counters of one interpreter instance.
type Detector struct {
	cfg     Config
	headers map[api.HeaderID]*Counter
	guards  map[uint64]map[uint32]uint32
}

// NewDetector returns a Detector. Zero thresholds are replaced by the defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.HotLoopThreshold == 0 {
		cfg.HotLoopThreshold = def.HotLoopThreshold
	}
	if cfg.BridgeThreshold == 0 {
		cfg.BridgeThreshold = def.BridgeThreshold
	}
	d := &Detector{cfg: cfg}
	d.Reset()
	return d
}

// Config returns the tunables in use.
func (d *Detector) Config() Config { return d.cfg }

// Reset forgets every counter.
func (d *Detector) Reset() {
	d.headers = map[api.HeaderID]*Counter{}
	d.guards = map[uint64]map[uint32]uint32{}
}

func (d *Detector) counter(h api.HeaderID) *Counter {
	c, ok := d.headers[h]
	if !ok {
		c = &Counter{}
		d.headers[h] = c
	}
	return c
}

// Counter returns a copy of the counter of the given header.
func (d *Detector) Counter(h api.HeaderID) Counter {
	if c, ok := d.headers[h]; ok {
		return *c
	}
	return Counter{}
}

// State returns the state of the given header.
func (d *Detector) State(h api.HeaderID) State {
	return d.Counter(h).State
}

// NumHeaders returns the number of headers with state.
func (d *Detector) NumHeaders() int { return len(d.headers) }

// OnLoopHeaderReached counts one crossing of the header and returns ActionStartTracing when the loop became hot.
func (d *Detector) OnLoopHeaderReached(h api.HeaderID) Action {
	c := d.counter(h)
	switch c.State {
	case StateTracing, StateCompiled, StateDisabled:
		return ActionContinue
	case StateCold:
		c.State = StateCounting
	}

	c.Count++
	if c.Count < d.cfg.HotLoopThreshold {
		return ActionContinue
	}
	c.Count = 0
	if c.State == StateBlacklisted {
		if c.Skip > 0 {
			c.Skip--
		}
		if c.Skip == 0 {
			c.State = StateCounting
		}
		return ActionContinue
	}
	return ActionStartTracing
}

// MarkTracing records that the loop at h is being recorded.
func (d *Detector) MarkTracing(h api.HeaderID) {
	c := d.counter(h)
	c.State, c.Count = StateTracing, 0
}

// MarkCompiled records that a loop is installed for h.
func (d *Detector) MarkCompiled(h api.HeaderID) {
	c := d.counter(h)
	c.State, c.Count, c.Aborts = StateCompiled, 0, 0
}

// Abort records an aborted trace and blacklists the header for BlacklistWindow threshold crossings.
func (d *Detector) Abort(h api.HeaderID) {
	c := d.counter(h)
	c.Count = 0
	if c.Aborts < ^uint32(0) {
		c.Aborts++
	}
	if d.cfg.BlacklistWindow == 0 {
		c.State = StateCounting
		return
	}
	c.State, c.Skip = StateBlacklisted, d.cfg.BlacklistWindow
}

// Invalidate resets the header to StateCold after its loop was invalidated.
func (d *Detector) Invalidate(h api.HeaderID) {
	if c, ok := d.headers[h]; ok {
		*c = Counter{}
	}
}

// Disable keeps the header interpreted from now on.
func (d *Detector) Disable(h api.HeaderID) {
	c := d.counter(h)
	c.State, c.Count, c.Skip = StateDisabled, 0, 0
}

// OnGuardFailure counts one failure of the given guard and returns GuardActionCompileBridge when it failed
// BridgeThreshold times.
func (d *Detector) OnGuardFailure(g GuardKey) GuardAction {
	m, ok := d.guards[g.Loop]
	if !ok {
		m = map[uint32]uint32{}
		d.guards[g.Loop] = m
	}
	m[g.Index]++
	if m[g.Index] < d.cfg.BridgeThreshold {
		return GuardActionContinueInInterpreter
	}
	m[g.Index] = 0
	return GuardActionCompileBridge
}

// GuardFailures returns the current failure count of a guard.
func (d *Detector) GuardFailures(g GuardKey) uint32 {
	return d.guards[g.Loop][g.Index]
}

// ForgetLoop drops the guard counters of a loop which is gone.
func (d *Detector) ForgetLoop(loop uint64) {
	delete(d.guards, loop)
}
