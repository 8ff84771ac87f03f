package tracelet

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/internal/engine"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/jitlog"
)

var (
	// ErrFatal wraps errors which reveal a bug in the compiler: malformed traces, unrecoverable resume data or
	// allocation failures. The loop header concerned is left to the interpreter from then on.
	ErrFatal = errors.New("fatal JIT error")
	// ErrInvalidated is returned when entering a loop which was invalidated.
	ErrInvalidated = engine.ErrInvalidated
	// ErrClosed is returned when using a closed Engine.
	ErrClosed = engine.ErrClosed
)

// Engine holds the compiled code shared by the JITs of several interpreter instances running the same program.
// It is safe for concurrent use.
type Engine struct {
	cfg      *Config
	engine   *engine.Engine
	jitlog   *jitlog.Writer
	listener experimental.CompilationListener
}

// NewEngine returns an Engine configured by cfg, or NewConfig if nil.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = NewConfig()
	}
	e := &Engine{cfg: cfg.clone()}
	var listeners []experimental.CompilationListener
	if cfg.listener != nil {
		listeners = append(listeners, cfg.listener)
	}
	if cfg.jitlog != nil {
		e.jitlog = jitlog.NewWriter(cfg.jitlog)
		listeners = append(listeners, e.jitlog)
	}
	if len(listeners) > 0 {
		e.listener = experimental.MultiCompilationListener(listeners...)
	}
	e.engine = engine.NewEngine(engine.Config{
		CodeCacheLimit: cfg.codeCacheLimit,
		Listener:       e.listener,
		FailGuard:      cfg.failGuard,
	})
	return e
}

// Invalidate invalidates the compiled loops depending on the assumption id, typically after the interpreter
// changed the quasi-immutable value it names. It returns the number of loops invalidated. Loops are reclaimed once
// no interpreter executes them anymore.
func (e *Engine) Invalidate(ctx context.Context, id api.AssumptionID) int {
	return e.engine.Invalidate(ctx, id)
}

// NumLoops returns the number of loops installed, including invalidated loops not reclaimed yet.
func (e *Engine) NumLoops() int { return e.engine.NumLoops() }

// CodeSize returns the number of bytes of code installed.
func (e *Engine) CodeSize() int { return e.engine.CodeSize() }

// Close invalidates every loop. The Engine cannot be used anymore.
func (e *Engine) Close(ctx context.Context) error {
	err := e.engine.Close(ctx)
	if e.jitlog != nil {
		err = multierr.Append(err, e.jitlog.Err())
	}
	return err
}

func (e *Engine) notify(ctx context.Context, ev experimental.Event) {
	if e.listener != nil {
		e.listener.OnEvent(ctx, ev)
	}
	if l := experimental.ListenerFromContext(ctx); l != nil {
		l.OnEvent(ctx, ev)
	}
}

func (e *Engine) logTrace(stage string, t *ir.Trace) {
	if e.jitlog != nil {
		e.jitlog.Trace(stage, t)
	}
}
