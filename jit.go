// Package tracelet is a tracing JIT for bytecode interpreters. An interpreter reports every loop header it
// reaches to a JIT, which records the hot ones as linear traces, optimizes and compiles them, and runs the compiled
// loops until a guard fails, after which the interpreter resumes from the rebuilt frame.
//
// Multiple interpreter instances running the same program share compiled code through an Engine:
//
//	e := tracelet.NewEngine(tracelet.NewConfig())
//	defer e.Close(ctx)
//	j := e.NewJIT(host, interp)
package tracelet

import (
	"context"
	"errors"
	"fmt"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/internal/backend"
	"github.com/tracelet/tracelet/internal/engine"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/opt"
	"github.com/tracelet/tracelet/internal/recorder"
	"github.com/tracelet/tracelet/internal/resume"
	"github.com/tracelet/tracelet/internal/warmup"
)

// LoopID identifies an installed loop. IDs of reclaimed loops are never reused.
type LoopID uint64

// ExitReason tells why compiled code handed control back.
type ExitReason byte

const (
	// ExitGuard is a failing guard without a bridge.
	ExitGuard ExitReason = iota
	// ExitFinish is the end of a bridge whose frame returns. The interpreter executes the returning bytecode.
	ExitFinish
	// ExitRedirect is a jump to a loop invalidated in the meantime.
	ExitRedirect
	// ExitInterrupted is execution stopped because the context.Context was done.
	ExitInterrupted
)

// String implements fmt.Stringer.
func (r ExitReason) String() string {
	switch r {
	case ExitGuard:
		return "guard"
	case ExitFinish:
		return "finish"
	case ExitRedirect:
		return "redirect"
	case ExitInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("ExitReason(%d)", r)
}

// GuardFailure describes how compiled code handed control back to the interpreter. Pass it to JIT.DeoptResume to
// rebuild the interpreter frame.
type GuardFailure struct {
	Reason ExitReason
	// Loop is the loop whose code exited, Header its loop header.
	Loop   LoopID
	Header api.HeaderID
	// Op is the opcode of the failing guard, api.OpFinish for ExitFinish and api.OpJump otherwise.
	Op api.Opcode
	// Raised is the exception raised by an operation of compiled code. The interpreter propagates it from the
	// resumed frame.
	Raised error
	// Err is the context error of ExitInterrupted.
	Err error

	exit *engine.Exit
}

// JIT is the tracing JIT of one interpreter instance. It is not safe for concurrent use: all its methods must be
// called from the thread running the interpreter.
type JIT struct {
	e      *Engine
	owned  bool
	host   api.Host
	interp api.Interpreter

	detector *warmup.Detector
	rec      *recorder.Recorder
	opt      opt.Config
	// compiled maps the headers the detector believes compiled to their loop.
	compiled map[api.HeaderID]engine.Handle
	// onDeopt, if set, observes every frame rebuilt after compiled code left.
	onDeopt func(*GuardFailure, *api.Frame)
}

// NewJIT returns a JIT with its own Engine, configured by cfg or NewConfig if nil.
func NewJIT(cfg *Config, host api.Host, interp api.Interpreter) *JIT {
	j := NewEngine(cfg).NewJIT(host, interp)
	j.owned = true
	return j
}

// NewJIT returns a JIT for an interpreter instance sharing the code of e.
func (e *Engine) NewJIT(host api.Host, interp api.Interpreter) *JIT {
	return &JIT{
		e:      e,
		host:   host,
		interp: interp,
		detector: warmup.NewDetector(warmup.Config{
			HotLoopThreshold: e.cfg.hotLoopThreshold,
			BridgeThreshold:  e.cfg.bridgeThreshold,
			BlacklistWindow:  e.cfg.blacklistWindow,
		}),
		rec:      recorder.New(host, interp, recorder.Config{TraceLimit: e.cfg.traceLimit}),
		opt:      opt.Config{Virtuals: e.cfg.virtuals},
		compiled: map[api.HeaderID]engine.Handle{},
	}
}

// Engine returns the Engine holding the code of this JIT.
func (j *JIT) Engine() *Engine { return j.e }

// Close closes the Engine if it was created by NewJIT.
func (j *JIT) Close(ctx context.Context) error {
	if !j.owned {
		return nil
	}
	return j.e.Close(ctx)
}

// Lookup returns the valid loop installed for header.
func (j *JIT) Lookup(header api.HeaderID) (LoopID, bool) {
	l, ok := j.e.engine.Lookup(header)
	if !ok {
		return 0, false
	}
	return LoopID(l.Handle().Key()), true
}

// Invalidate is the same as Engine.Invalidate.
func (j *JIT) Invalidate(ctx context.Context, id api.AssumptionID) int {
	return j.e.Invalidate(ctx, id)
}

// MaybeTrace must be called every time the interpreter reaches a loop header, before executing the bytecode at pc.
// It runs the compiled loop of the header, if any, or counts the visit and records the loop once it is hot.
//
// The interpreter continues at the returned api.Outcome. Its frame holds the state at that point. When the
// outcome is at a loop header, the interpreter executes it without calling MaybeTrace first.
//
// A non-nil error is either the context error or wraps ErrFatal, in which case the outcome is still valid.
func (j *JIT) MaybeTrace(ctx context.Context, header api.HeaderID, pc int) (api.Outcome, error) {
	if l, ok := j.e.engine.Lookup(header); ok {
		if l.Accepts(j.slotTypes()) {
			return j.run(ctx, l)
		}
	} else if h, ok := j.compiled[header]; ok {
		// The loop was invalidated or evicted: count again.
		delete(j.compiled, header)
		j.detector.ForgetLoop(h.Key())
		j.detector.Invalidate(header)
	}

	if j.detector.OnLoopHeaderReached(header) != warmup.ActionStartTracing {
		return api.Outcome{PC: pc}, nil
	}
	return j.traceLoop(ctx, header, pc)
}

func (j *JIT) slotTypes() []api.ValueType {
	ret := make([]api.ValueType, j.host.NumLocals())
	for i := range ret {
		ret[i] = j.host.ReadLocal(i).Type()
	}
	return ret
}

func (j *JIT) slotValues() []uint64 {
	ret := make([]uint64, j.host.NumLocals())
	for i := range ret {
		ret[i] = j.host.ReadLocal(i).Bits()
	}
	return ret
}

func (j *JIT) traceLoop(ctx context.Context, header api.HeaderID, pc int) (api.Outcome, error) {
	j.detector.MarkTracing(header)
	j.e.notify(ctx, experimental.Event{
		Kind: experimental.EventTracingStarted, Header: header,
		Fields: []experimental.Field{{Key: "kind", Value: "loop"}, {Key: "pc", Value: pc}},
	})

	res, err := j.rec.RecordLoop(ctx, header, pc)
	if err != nil {
		j.detector.Abort(header)
		return j.aborted(ctx, header, "loop", res, err)
	}
	j.e.logTrace("recorded", res.Trace)

	l, err := j.compileLoop(ctx, res.Trace, pc)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return api.Outcome{PC: res.PC}, err
		}
		return api.Outcome{PC: res.PC}, j.fatal(ctx, header, err)
	}
	j.detector.MarkCompiled(header)
	j.compiled[header] = l.Handle()

	// Recording ran the loop back to its header: enter the new loop right away.
	return j.run(ctx, l)
}

// aborted reports a recording which stopped without a trace.
func (j *JIT) aborted(ctx context.Context, header api.HeaderID, kind string, res *recorder.Result, err error) (api.Outcome, error) {
	fields := []experimental.Field{{Key: "kind", Value: kind}, {Key: "pc", Value: res.PC}, {Key: "steps", Value: res.Steps}}
	var abort *recorder.AbortError
	if !errors.As(err, &abort) {
		return api.Outcome{PC: res.PC}, fmt.Errorf("recording failed: %w", err)
	}
	fields = append(fields, experimental.Field{Key: "reason", Value: abort.Reason.String()})
	if abort.Cause != nil {
		fields = append(fields, experimental.Field{Key: "error", Value: abort.Cause})
	}
	j.e.notify(ctx, experimental.Event{Kind: experimental.EventTracingAborted, Header: header, Fields: fields})
	if abort.Reason == recorder.AbortCancelled {
		return api.Outcome{PC: res.PC}, abort.Cause
	}
	return api.Outcome{PC: res.PC, Raised: res.Raised}, nil
}

func (j *JIT) compileLoop(ctx context.Context, t *ir.Trace, pc int) (*engine.Loop, error) {
	c, err := j.compile(opt.Peel(t))
	if err != nil {
		return nil, err
	}
	return j.e.engine.InstallLoop(ctx, c, pc)
}

func (j *JIT) compile(t *ir.Trace) (*backend.Code, error) {
	t, err := opt.Optimize(t, j.opt)
	if err != nil {
		return nil, err
	}
	j.e.logTrace("optimized", t)
	return j.e.engine.Compile(t)
}

// fatal disables header and returns err wrapped with ErrFatal.
func (j *JIT) fatal(ctx context.Context, header api.HeaderID, err error) error {
	j.detector.Disable(header)
	j.e.notify(ctx, experimental.Event{
		Kind: experimental.EventFatal, Header: header,
		Fields: []experimental.Field{{Key: "error", Value: err}},
	})
	return fmt.Errorf("%w: header %d: %w", ErrFatal, header, err)
}

// EnterCompiled executes the loop id with the interpreter frame values args, in slot order, until compiled code
// hands control back. It returns ErrInvalidated if the loop cannot be entered anymore.
func (j *JIT) EnterCompiled(ctx context.Context, id LoopID, args []uint64) (*GuardFailure, error) {
	exit, err := j.e.engine.Enter(ctx, engine.HandleFromKey(uint64(id)), j.host, args)
	if err != nil {
		return nil, err
	}
	f := &GuardFailure{Op: api.OpJump, Raised: exit.Raised, Err: exit.Err, exit: exit}
	switch exit.Kind {
	case engine.ExitFinish:
		f.Reason = ExitFinish
	case engine.ExitGuardFailure:
		f.Reason = ExitGuard
	case engine.ExitRedirect:
		f.Reason = ExitRedirect
	case engine.ExitInterrupted:
		f.Reason = ExitInterrupted
	}
	if g := exit.Guard; g != nil {
		f.Op = g.Info.Op
		f.Loop = LoopID(g.Loop().Handle().Key())
		f.Header = g.Loop().Header()
	} else {
		f.Loop = id
		if l := j.e.engine.Get(engine.HandleFromKey(uint64(id))); l != nil {
			f.Header = l.Header()
		}
	}
	return f, nil
}

// DeoptResume rebuilds the interpreter frame at the point compiled code left, writes it to the host and returns
// it. Virtual objects of the frame are allocated through the host. Resume data which cannot be decoded is a fatal
// error.
func (j *JIT) DeoptResume(f *GuardFailure) (*api.Frame, error) {
	if f.exit.Frame != nil {
		return f.exit.Frame, nil
	}
	desc, err := f.exit.Guard.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFatal, f.exit.Guard, err)
	}
	frame, err := resume.Resume(desc, f.exit.FailArgs, j.host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFatal, f.exit.Guard, err)
	}
	return frame, nil
}

// run executes l from the current interpreter frame and handles its exit.
func (j *JIT) run(ctx context.Context, l *engine.Loop) (api.Outcome, error) {
	f, err := j.EnterCompiled(ctx, LoopID(l.Handle().Key()), j.slotValues())
	if err != nil {
		if errors.Is(err, ErrInvalidated) {
			// Invalidated since the lookup: the frame is untouched.
			return api.Outcome{PC: l.PC()}, nil
		}
		return api.Outcome{PC: l.PC()}, err
	}

	frame, err := j.DeoptResume(f)
	if err != nil {
		j.e.notify(ctx, experimental.Event{
			Kind: experimental.EventFatal, Header: f.Header, Loop: uint64(f.Loop),
			Fields: []experimental.Field{{Key: "error", Value: err}},
		})
		j.detector.Disable(f.Header)
		return api.Outcome{PC: l.PC()}, err
	}
	if j.onDeopt != nil {
		j.onDeopt(f, frame)
	}
	out := api.Outcome{PC: frame.PC, Raised: f.Raised}

	switch f.Reason {
	case ExitInterrupted:
		return out, f.Err
	case ExitGuard:
		if f.Raised == nil && f.Op != api.OpGuardNotInvalidated {
			return j.onGuardFailure(ctx, f.exit.Guard, out)
		}
	}
	return out, nil
}

// onGuardFailure counts the failure of g and compiles a bridge for it once it is hot. The frame was deoptimized to
// out.
func (j *JIT) onGuardFailure(ctx context.Context, g *engine.Guard, out api.Outcome) (api.Outcome, error) {
	l := g.Loop()
	if !l.Valid() || j.detector.OnGuardFailure(g.Key()) != warmup.GuardActionCompileBridge {
		return out, nil
	}
	// Another interpreter instance may be compiling this bridge already.
	if !g.RequestBridge() {
		return out, nil
	}

	header := l.Header()
	j.e.notify(ctx, experimental.Event{
		Kind: experimental.EventTracingStarted, Header: header, Loop: l.Handle().Key(),
		Fields: []experimental.Field{{Key: "kind", Value: "bridge"}, {Key: "guard", Value: g.String()}, {Key: "pc", Value: out.PC}},
	})
	res, err := j.rec.RecordBridge(ctx, recorder.BridgeStart{
		Header: header, Descriptor: g.Info.Descriptor, Targets: j.e.engine.Target,
	})
	if err != nil {
		g.CancelBridge()
		return j.aborted(ctx, header, "bridge", res, err)
	}
	j.e.logTrace("recorded", res.Trace)
	done := api.Outcome{PC: res.PC}

	c, err := j.compile(res.Trace)
	if err != nil {
		g.CancelBridge()
		return done, j.fatal(ctx, header, err)
	}
	if _, err = j.e.engine.InstallBridge(ctx, g, c); err != nil {
		switch {
		case errors.Is(err, ErrInvalidated):
			// The loop or the jump target went away while recording.
			return done, nil
		case errors.Is(err, ErrClosed):
			return done, err
		}
		return done, j.fatal(ctx, header, err)
	}
	return done, nil
}
