// Package logging provides experimental.CompilationListener implementations which log compilation events.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tracelet/tracelet/experimental"
)

type Writer interface {
	io.Writer
	io.StringWriter
}

type flusher interface {
	Flush() error
}

// NewLoggingListener is an experimental.CompilationListener that writes one line per event to w, for example:
//
//	==> loop_compiled header=3 loop=4294967296 size=212 guards=4
func NewLoggingListener(w Writer) experimental.CompilationListener {
	return &loggingListener{w: toBufferedWriter(w)}
}

type bufferedWriter interface {
	Writer
	WriteByte(c byte) error
}

func toBufferedWriter(w Writer) bufferedWriter {
	if w, ok := w.(bufferedWriter); ok {
		return w
	}
	return bufio.NewWriter(w)
}

type loggingListener struct {
	w bufferedWriter
}

// OnEvent implements experimental.CompilationListener.
func (l *loggingListener) OnEvent(_ context.Context, e experimental.Event) {
	if e.Kind == experimental.EventFatal || e.Kind == experimental.EventTracingAborted {
		l.w.WriteString("<!! ") //nolint
	} else {
		l.w.WriteString("==> ") //nolint
	}
	l.w.WriteString(e.Kind.String())                     //nolint
	l.w.WriteString(fmt.Sprintf(" header=%d", e.Header)) //nolint
	if e.Loop != 0 {
		l.w.WriteString(fmt.Sprintf(" loop=%d", e.Loop)) //nolint
	}
	for _, f := range e.Fields {
		l.w.WriteByte(' ')                    //nolint
		l.w.WriteString(f.Key)                //nolint
		l.w.WriteByte('=')                    //nolint
		l.w.WriteString(formatValue(f.Value)) //nolint
	}
	l.w.WriteByte('\n') //nolint

	if f, ok := l.w.(flusher); ok {
		f.Flush() //nolint
	}
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	default:
		return fmt.Sprint(v)
	}
}

// NewZapListener is an experimental.CompilationListener that logs events to logger. Fatal events are logged at
// error level, aborted traces and invalidations at debug level and the rest at info level.
func NewZapListener(logger *zap.Logger) experimental.CompilationListener {
	return &zapListener{logger: logger}
}

type zapListener struct {
	logger *zap.Logger
}

// OnEvent implements experimental.CompilationListener.
func (l *zapListener) OnEvent(_ context.Context, e experimental.Event) {
	level := zapcore.InfoLevel
	switch e.Kind {
	case experimental.EventFatal:
		level = zapcore.ErrorLevel
	case experimental.EventTracingAborted, experimental.EventLoopInvalidated, experimental.EventLoopReclaimed:
		level = zapcore.DebugLevel
	}
	ce := l.logger.Check(level, e.Kind.String())
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, len(e.Fields)+2)
	fields = append(fields, zap.Uint64("header", uint64(e.Header)))
	if e.Loop != 0 {
		fields = append(fields, zap.Uint64("loop", e.Loop))
	}
	for _, f := range e.Fields {
		if err, ok := f.Value.(error); ok {
			fields = append(fields, zap.NamedError(f.Key, err))
		} else {
			fields = append(fields, zap.Any(f.Key, f.Value))
		}
	}
	ce.Write(fields...)
}
