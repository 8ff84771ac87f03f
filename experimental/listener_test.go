package experimental_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/experimental"
)

func TestMultiCompilationListener(t *testing.T) {
	var got []string
	record := func(name string) experimental.CompilationListener {
		return experimental.CompilationListenerFunc(func(_ context.Context, e experimental.Event) {
			got = append(got, name+":"+e.Kind.String())
		})
	}

	l := experimental.MultiCompilationListener(record("a"), nil, record("b"))
	l.OnEvent(context.Background(), experimental.Event{Kind: experimental.EventLoopCompiled})
	require.Equal(t, []string{"a:loop_compiled", "b:loop_compiled"}, got)
}

func TestListenerFromContext(t *testing.T) {
	require.Nil(t, experimental.ListenerFromContext(context.Background()))

	var n int
	l := experimental.CompilationListenerFunc(func(context.Context, experimental.Event) { n++ })
	ctx := context.WithValue(context.Background(), experimental.CompilationListenerKey{}, l)
	experimental.ListenerFromContext(ctx).OnEvent(ctx, experimental.Event{})
	require.Equal(t, 1, n)
}

func TestEvent_Get(t *testing.T) {
	e := experimental.Event{Fields: []experimental.Field{{Key: "reason", Value: "evicted"}}}
	v, ok := e.Get("reason")
	require.True(t, ok)
	require.Equal(t, "evicted", v)
	_, ok = e.Get("size")
	require.False(t, ok)
}

func TestEventKind_String(t *testing.T) {
	for _, tc := range []struct {
		kind     experimental.EventKind
		expected string
	}{
		{experimental.EventTracingStarted, "tracing_started"},
		{experimental.EventTracingAborted, "tracing_aborted"},
		{experimental.EventLoopCompiled, "loop_compiled"},
		{experimental.EventBridgeCompiled, "bridge_compiled"},
		{experimental.EventLoopInvalidated, "loop_invalidated"},
		{experimental.EventLoopReclaimed, "loop_reclaimed"},
		{experimental.EventFatal, "fatal"},
		{experimental.EventKind(100), "EventKind(100)"},
	} {
		require.Equal(t, tc.expected, tc.kind.String())
	}
}
