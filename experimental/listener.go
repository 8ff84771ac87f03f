package experimental

import (
	"context"
	"fmt"

	"github.com/tracelet/tracelet/api"
)

// EventKind is the kind of a compilation Event.
type EventKind byte

const (
	// EventTracingStarted is a hot loop header starting to be recorded.
	EventTracingStarted EventKind = iota
	// EventTracingAborted is a recording which stopped without a trace. The header is blacklisted for a while.
	EventTracingAborted
	// EventLoopCompiled is a loop installed in the engine.
	EventLoopCompiled
	// EventBridgeCompiled is a bridge attached to a failing guard.
	EventBridgeCompiled
	// EventLoopInvalidated is a loop whose assumptions no longer hold or which was evicted from the code cache.
	EventLoopInvalidated
	// EventLoopReclaimed is an invalidated loop whose code buffers were released.
	EventLoopReclaimed
	// EventFatal is a compiler bug detected while compiling a loop or a bridge. The header is disabled.
	EventFatal
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventTracingStarted:
		return "tracing_started"
	case EventTracingAborted:
		return "tracing_aborted"
	case EventLoopCompiled:
		return "loop_compiled"
	case EventBridgeCompiled:
		return "bridge_compiled"
	case EventLoopInvalidated:
		return "loop_invalidated"
	case EventLoopReclaimed:
		return "loop_reclaimed"
	case EventFatal:
		return "fatal"
	}
	return fmt.Sprintf("EventKind(%d)", k)
}

// Field is a key/value pair attached to an Event. Values are strings, integers or errors.
type Field struct {
	Key   string
	Value interface{}
}

// Event describes one step of the life of compiled code. Fields are free-form and only meant for humans and
// telemetry.
type Event struct {
	Kind   EventKind
	Header api.HeaderID
	// Loop identifies the loop concerned by the event, zero if none.
	Loop   uint64
	Fields []Field
}

// Get returns the value of the field with the given key.
func (e *Event) Get(key string) (interface{}, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// CompilationListenerKey is a context.Context Value key. Its associated value should be a CompilationListener.
type CompilationListenerKey struct{}

// CompilationListener is notified of compilation events. It is invoked synchronously on the thread running the
// interpreter, so it must not block for long.
type CompilationListener interface {
	OnEvent(ctx context.Context, e Event)
}

// CompilationListenerFunc is a function that implements CompilationListener.
type CompilationListenerFunc func(ctx context.Context, e Event)

// OnEvent implements CompilationListener.OnEvent
func (f CompilationListenerFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// MultiCompilationListener returns a listener notifying each of the given listeners in order. Nil listeners are
// skipped.
func MultiCompilationListener(listeners ...CompilationListener) CompilationListener {
	var ls multiListener
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return ls
}

type multiListener []CompilationListener

func (ls multiListener) OnEvent(ctx context.Context, e Event) {
	for _, l := range ls {
		l.OnEvent(ctx, e)
	}
}

// ListenerFromContext returns the CompilationListener set on ctx with CompilationListenerKey, or nil.
func ListenerFromContext(ctx context.Context) CompilationListener {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(CompilationListenerKey{}).(CompilationListener)
	return l
}
