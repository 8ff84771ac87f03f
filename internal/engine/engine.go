// Package engine installs compiled loops and bridges, executes them and tracks their invalidation.
//
// An Engine can be shared by several interpreter instances. Installed code is immutable, guards change state with
// compare-and-swap and the bookkeeping is guarded by a mutex. Code buffers are released only once their loop is
// invalid and no frame executes it anymore.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/backend/isa/amd64"
	"github.com/tracelet/tracelet/internal/ir"
)

var (
	// ErrInvalidated is returned when entering or extending a loop which was invalidated or reclaimed.
	ErrInvalidated = errors.New("loop invalidated")
	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("engine closed")
)

// DefaultCodeCacheLimit is the default number of code bytes kept installed.
const DefaultCodeCacheLimit = 16 << 20

// Config holds the settings of an Engine.
type Config struct {
	// CodeCacheLimit is the number of bytes of native code and encoded resume descriptors above which the coldest
	// loops are evicted. Zero means DefaultCodeCacheLimit.
	CodeCacheLimit int
	// Machine encodes the code. Nil means amd64.
	Machine backend.Machine
	// Listener is notified of installations, invalidations and reclamations. It may be nil. It is invoked with the
	// engine locked and must not call back into it.
	Listener experimental.CompilationListener
	// FailGuard, when set, makes passing guards fail when it returns true. GUARD_NO_EXCEPTION is never forced.
	FailGuard func(g *Guard) bool
}

// Engine holds the installed code.
type Engine struct {
	cfg Config

	mux   sync.Mutex
	arena arena
	// headers maps loop headers to their valid loop.
	headers map[api.HeaderID]Handle
	// tokens maps the labels of valid loops to the loop.
	tokens      map[*ir.TargetToken]Handle
	assumptions map[api.AssumptionID][]Handle
	codeSize    int
	// reclaimErr accumulates the errors of releasing code buffers.
	reclaimErr error
	closed     bool
}

// NewEngine returns a new Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.CodeCacheLimit <= 0 {
		cfg.CodeCacheLimit = DefaultCodeCacheLimit
	}
	if cfg.Machine == nil {
		cfg.Machine = amd64.NewMachine()
	}
	return &Engine{
		cfg:         cfg,
		headers:     map[api.HeaderID]Handle{},
		tokens:      map[*ir.TargetToken]Handle{},
		assumptions: map[api.AssumptionID][]Handle{},
	}
}

// Compile lowers and encodes an optimized trace for this engine.
func (e *Engine) Compile(t *ir.Trace) (*backend.Code, error) {
	return backend.Compile(t, e.cfg.Machine)
}

// InstallLoop installs the compiled loop trace c whose header is at pc. A valid loop already installed for the
// same header is invalidated.
func (e *Engine) InstallLoop(ctx context.Context, c *backend.Code, pc int) (*Loop, error) {
	if c.Entry == nil {
		return nil, fmt.Errorf("%s code has no entry", c.Kind)
	}
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	l := &Loop{header: c.Header, pc: pc}
	l.newUnit(&l.Unit, c)
	if err := e.prepareLocked(ctx, &l.Unit); err != nil {
		return nil, err
	}
	if old, ok := e.headers[c.Header]; ok {
		if prev := e.arena.get(old); prev != nil {
			e.invalidateLocked(ctx, prev, "replaced")
		}
	}

	l.handle = e.arena.insert(l)
	e.headers[c.Header] = l.handle
	for token := range c.Labels {
		e.tokens[token] = l.handle
	}
	e.addAssumptionsLocked(l, c.Assumptions)
	l.size = c.Size()
	e.codeSize += l.size

	e.notify(ctx, experimental.Event{
		Kind: experimental.EventLoopCompiled, Header: l.header, Loop: l.handle.Key(),
		Fields: []experimental.Field{
			{Key: "size", Value: l.size},
			{Key: "guards", Value: len(l.Guards)},
			{Key: "spill_slots", Value: c.Frame.SpillSlots},
		},
	})
	e.evictLocked(ctx, l)
	return l, nil
}

// InstallBridge attaches the compiled bridge c to g, which must be in GuardBridgeRequested state. On success g is
// patched: its later failures continue in the bridge. On failure the request is cancelled.
func (e *Engine) InstallBridge(ctx context.Context, g *Guard, c *backend.Code) (*Unit, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if g.State() != GuardBridgeRequested {
		return nil, fmt.Errorf("%s: bridge was not requested", g)
	}
	u, err := e.installBridgeLocked(ctx, g, c)
	if err != nil {
		g.CancelBridge()
		return nil, err
	}
	g.bridge = u
	g.state.Store(GuardBridgeCompiled)
	g.state.Store(GuardPatched)

	l := g.Loop()
	e.notify(ctx, experimental.Event{
		Kind: experimental.EventBridgeCompiled, Header: l.header, Loop: l.handle.Key(),
		Fields: []experimental.Field{
			{Key: "guard", Value: int(g.ID)},
			{Key: "size", Value: c.Size()},
			{Key: "guards", Value: len(u.Guards)},
		},
	})
	e.evictLocked(ctx, l)
	return u, nil
}

func (e *Engine) installBridgeLocked(ctx context.Context, g *Guard, c *backend.Code) (*Unit, error) {
	if e.closed {
		return nil, ErrClosed
	}
	l := g.Loop()
	if !l.Valid() || l.reclaimed {
		return nil, fmt.Errorf("%s: %w", l, ErrInvalidated)
	}
	if len(c.Inputs) != len(g.Info.FailArgs) {
		return nil, fmt.Errorf("%s: bridge takes %d inputs, guard passes %d", g, len(c.Inputs), len(g.Info.FailArgs))
	}
	u := &Unit{}
	l.newUnit(u, c)
	if err := e.prepareLocked(ctx, u); err != nil {
		return nil, err
	}
	l.bridges = append(l.bridges, u)
	e.addAssumptionsLocked(l, c.Assumptions)
	size := c.Size()
	l.size += size
	e.codeSize += size
	return u, nil
}

// prepareLocked resolves the external jumps of u and copies its native code to an executable buffer.
func (e *Engine) prepareLocked(ctx context.Context, u *Unit) error {
	for _, j := range u.Code.Jumps {
		h, ok := e.tokens[j.Target]
		if !ok {
			return fmt.Errorf("jump to %s: %w", j.Target, ErrInvalidated)
		}
		target := e.arena.get(h)
		u.jumps = append(u.jumps, &jumpTarget{token: j.Target, loop: h, pc: target.pc})
	}
	if len(u.Code.Native) > 0 {
		buf, err := mmapCodeSegment(u.Code.Native)
		if err != nil {
			return fmt.Errorf("failed to map code: %w", err)
		}
		u.buf = buf
	}
	return nil
}

func (e *Engine) addAssumptionsLocked(l *Loop, ids []api.AssumptionID) {
	for _, id := range ids {
		e.assumptions[id] = append(e.assumptions[id], l.handle)
		l.assumptions = append(l.assumptions, id)
	}
}

// Lookup returns the valid loop installed for header.
func (e *Engine) Lookup(header api.HeaderID) (*Loop, bool) {
	e.mux.Lock()
	defer e.mux.Unlock()
	h, ok := e.headers[header]
	if !ok {
		return nil, false
	}
	l := e.arena.get(h)
	return l, l != nil
}

// Get returns the loop of h, or nil if h is stale.
func (e *Engine) Get(h Handle) *Loop {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.arena.get(h)
}

// Target returns the jump target of the valid loop installed for header if its entry takes values of the given
// types.
func (e *Engine) Target(header api.HeaderID, types []api.ValueType) (*ir.JumpTarget, bool) {
	l, ok := e.Lookup(header)
	if !ok {
		return nil, false
	}
	if !l.Accepts(types) {
		return nil, false
	}
	c := l.Code
	ret := &ir.JumpTarget{Entry: c.Entry}
	for token := range c.Labels {
		if token != c.Entry {
			ret.Label = token
		}
	}
	return ret, true
}

// Invalidate invalidates the loops depending on the assumption and returns how many there were.
func (e *Engine) Invalidate(ctx context.Context, id api.AssumptionID) int {
	e.mux.Lock()
	defer e.mux.Unlock()
	n := 0
	for _, h := range e.assumptions[id] {
		if l := e.arena.get(h); l != nil && l.Valid() {
			e.invalidateLocked(ctx, l, fmt.Sprintf("assumption %d changed", id))
			n++
		}
	}
	delete(e.assumptions, id)
	return n
}

// InvalidateLoop invalidates the loop of h. It returns false if h is stale or already invalid.
func (e *Engine) InvalidateLoop(ctx context.Context, h Handle, reason string) bool {
	e.mux.Lock()
	defer e.mux.Unlock()
	l := e.arena.get(h)
	if l == nil || !l.Valid() {
		return false
	}
	e.invalidateLocked(ctx, l, reason)
	return true
}

func (e *Engine) invalidateLocked(ctx context.Context, l *Loop, reason string) {
	if !l.state.CAS(LoopValid, LoopInvalid) {
		return
	}
	if e.headers[l.header] == l.handle {
		delete(e.headers, l.header)
	}
	for token := range l.Code.Labels {
		delete(e.tokens, token)
	}
	for _, id := range l.assumptions {
		hs := e.assumptions[id]
		for i, h := range hs {
			if h == l.handle {
				hs = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(e.assumptions, id)
		} else {
			e.assumptions[id] = hs
		}
	}
	e.notify(ctx, experimental.Event{
		Kind: experimental.EventLoopInvalidated, Header: l.header, Loop: l.handle.Key(),
		Fields: []experimental.Field{{Key: "reason", Value: reason}, {Key: "active", Value: l.Active()}},
	})
	if l.active.Load() == 0 {
		e.reclaimLocked(ctx, l)
	}
}

// reclaimLocked releases the buffers of an invalid loop without active frames.
func (e *Engine) reclaimLocked(ctx context.Context, l *Loop) {
	if l.reclaimed {
		return
	}
	l.reclaimed = true
	var err error
	for _, u := range append([]*Unit{&l.Unit}, l.bridges...) {
		if u.buf != nil {
			err = multierr.Append(err, munmapCodeSegment(u.buf))
			u.buf = nil
		}
	}
	e.arena.remove(l.handle)
	e.codeSize -= l.size
	fields := []experimental.Field{{Key: "size", Value: l.size}, {Key: "bridges", Value: len(l.bridges)}}
	if err != nil {
		e.reclaimErr = multierr.Append(e.reclaimErr, fmt.Errorf("%s: %w", l, err))
		fields = append(fields, experimental.Field{Key: "error", Value: err})
	}
	e.notify(ctx, experimental.Event{
		Kind: experimental.EventLoopReclaimed, Header: l.header, Loop: l.handle.Key(), Fields: fields,
	})
}

// evictLocked invalidates the coldest valid loops other than keep while the code cache is over its limit, then
// ages the entry counters.
func (e *Engine) evictLocked(ctx context.Context, keep *Loop) {
	if e.codeSize <= e.cfg.CodeCacheLimit {
		return
	}
	var candidates []*Loop
	e.arena.each(func(l *Loop) {
		if l != keep && l.Valid() {
			candidates = append(candidates, l)
		}
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].entries.Load() < candidates[j].entries.Load()
	})
	for _, l := range candidates {
		if e.codeSize <= e.cfg.CodeCacheLimit {
			break
		}
		e.invalidateLocked(ctx, l, "evicted")
	}
	e.arena.each(func(l *Loop) {
		l.entries.Store(l.entries.Load() / 2)
	})
}

// acquire marks a frame as executing the loop of h.
func (e *Engine) acquire(h Handle) (*Loop, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	l := e.arena.get(h)
	if l == nil {
		return nil, fmt.Errorf("%s: %w", h, ErrInvalidated)
	}
	l.active.Inc()
	if !l.Valid() {
		l.active.Dec()
		return nil, fmt.Errorf("%s: %w", h, ErrInvalidated)
	}
	l.entries.Inc()
	return l, nil
}

// release is the counterpart of acquire. The last frame leaving an invalid loop reclaims it.
func (e *Engine) release(ctx context.Context, l *Loop) {
	if l.active.Dec() != 0 || l.Valid() {
		return
	}
	e.mux.Lock()
	defer e.mux.Unlock()
	if l.active.Load() == 0 {
		e.reclaimLocked(ctx, l)
	}
}

// NumLoops returns the number of loops not yet reclaimed.
func (e *Engine) NumLoops() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.arena.len()
}

// CodeSize returns the number of code bytes accounted in the code cache.
func (e *Engine) CodeSize() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.codeSize
}

// Close invalidates every loop. Loops still executing are reclaimed when their last frame leaves. The returned
// error combines the failures of releasing code buffers.
func (e *Engine) Close(ctx context.Context) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var loops []*Loop
	e.arena.each(func(l *Loop) { loops = append(loops, l) })
	for _, l := range loops {
		e.invalidateLocked(ctx, l, "closed")
	}
	return e.reclaimErr
}

// notify sends ev to the configured listener and to the one set on ctx.
func (e *Engine) notify(ctx context.Context, ev experimental.Event) {
	if e.cfg.Listener != nil {
		e.cfg.Listener.OnEvent(ctx, ev)
	}
	if l := experimental.ListenerFromContext(ctx); l != nil {
		l.OnEvent(ctx, ev)
	}
}
