package logging_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/experimental/logging"
)

type arbitrary struct{}

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), arbitrary{}, "arbitrary")

func Test_loggingListener(t *testing.T) {
	tests := []struct {
		name     string
		event    experimental.Event
		expected string
	}{
		{
			name:     "no fields",
			event:    experimental.Event{Kind: experimental.EventTracingStarted, Header: 3},
			expected: "==> tracing_started header=3\n",
		},
		{
			name: "loop",
			event: experimental.Event{
				Kind: experimental.EventLoopCompiled, Header: 3, Loop: 1 << 32,
				Fields: []experimental.Field{{Key: "size", Value: 212}, {Key: "guards", Value: 4}},
			},
			expected: "==> loop_compiled header=3 loop=4294967296 size=212 guards=4\n",
		},
		{
			name: "aborted",
			event: experimental.Event{
				Kind: experimental.EventTracingAborted, Header: 1,
				Fields: []experimental.Field{{Key: "reason", Value: "trace too long"}, {Key: "pc", Value: 12}},
			},
			expected: "<!! tracing_aborted header=1 reason=\"trace too long\" pc=12\n",
		},
		{
			name: "fatal",
			event: experimental.Event{
				Kind: experimental.EventFatal, Header: 2,
				Fields: []experimental.Field{{Key: "error", Value: errors.New("v3 used before its definition")}},
			},
			expected: "<!! fatal header=2 error=\"v3 used before its definition\"\n",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			l := logging.NewLoggingListener(&out)
			l.OnEvent(testCtx, tc.event)
			require.Equal(t, tc.expected, out.String())
		})
	}
}

func Test_loggingListener_unbuffered(t *testing.T) {
	var out bytes.Buffer
	// Hide WriteByte so the listener wraps the writer and flushes after each event.
	l := logging.NewLoggingListener(struct{ logging.Writer }{&out})
	l.OnEvent(testCtx, experimental.Event{Kind: experimental.EventLoopReclaimed, Header: 9, Loop: 5})
	require.Equal(t, "==> loop_reclaimed header=9 loop=5\n", out.String())
}

func Test_zapListener(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := logging.NewZapListener(zap.New(core))

	boom := errors.New("boom")
	l.OnEvent(testCtx, experimental.Event{
		Kind: experimental.EventLoopCompiled, Header: 3, Loop: 7,
		Fields: []experimental.Field{{Key: "size", Value: 212}},
	})
	l.OnEvent(testCtx, experimental.Event{
		Kind: experimental.EventFatal, Header: 3, Fields: []experimental.Field{{Key: "error", Value: boom}},
	})
	l.OnEvent(testCtx, experimental.Event{Kind: experimental.EventLoopInvalidated, Header: 3, Loop: 7})

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)

	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "loop_compiled", entries[0].Message)
	require.Equal(t, map[string]interface{}{"header": uint64(3), "loop": uint64(7), "size": int64(212)},
		entries[0].ContextMap())

	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, "fatal", entries[1].Message)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])

	require.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

func Test_zapListener_levelDisabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := logging.NewZapListener(zap.New(core))
	l.OnEvent(testCtx, experimental.Event{Kind: experimental.EventTracingAborted, Header: 1})
	require.Zero(t, logs.Len())
}
