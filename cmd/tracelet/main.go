package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tracelet/tracelet"
	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/experimental/logging"
	"github.com/tracelet/tracelet/internal/jitlog"
	"github.com/tracelet/tracelet/internal/toyvm"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut io.Writer, stdErr logging.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
		return
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "run":
		doRun(flag.Args()[1:], stdOut, stdErr, exit)
	case "samples":
		for _, s := range toyvm.Samples {
			fmt.Fprintln(stdOut, s.Name)
		}
		exit(0)
	case "jitlog":
		doJitlog(flag.Args()[1:], stdOut, stdErr, exit)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func doRun(args []string, stdOut io.Writer, stdErr logging.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var interp bool
	flags.BoolVar(&interp, "interp", false, "run without the JIT")

	var events bool
	flags.BoolVar(&events, "events", false, "print compilation events to stderr")

	var configPath string
	flags.StringVar(&configPath, "config", "", "TOML file with the JIT tunables, for example hot_loop_threshold = 10")

	var logLevel string
	flags.StringVar(&logLevel, "log", "", "log compilation events to stderr at this level: debug, info, warn or error")

	var jitlogPath string
	flags.StringVar(&jitlogPath, "jitlog", "", "write the binary log of the session to this file")

	_ = flags.Parse(args)

	if help {
		printRunUsage(stdErr, flags)
		exit(0)
		return
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing sample name or path to program")
		printRunUsage(stdErr, flags)
		exit(1)
		return
	}

	vm, expected, err := loadProgram(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(stdErr, "error loading program: %v\n", err)
		exit(1)
		return
	}
	vm.Stdout = stdOut

	cfg := tracelet.NewConfig()
	if configPath != "" {
		if cfg, err = tracelet.LoadConfigFile(configPath); err != nil {
			fmt.Fprintf(stdErr, "invalid config: %v\n", err)
			exit(1)
			return
		}
	}

	var listeners []experimental.CompilationListener
	if events {
		listeners = append(listeners, logging.NewLoggingListener(stdErr))
	}
	if logLevel != "" {
		logger, err := newLogger(logLevel, stdErr)
		if err != nil {
			fmt.Fprintf(stdErr, "invalid log level: %v\n", err)
			exit(1)
			return
		}
		defer logger.Sync() //nolint
		listeners = append(listeners, logging.NewZapListener(logger))
	}
	if len(listeners) > 0 {
		cfg = cfg.WithListener(experimental.MultiCompilationListener(listeners...))
	}

	if jitlogPath != "" {
		f, err := os.Create(jitlogPath)
		if err != nil {
			fmt.Fprintf(stdErr, "error creating jitlog: %v\n", err)
			exit(1)
			return
		}
		defer f.Close()
		cfg = cfg.WithJitlog(f)
	}

	ctx := context.Background()
	var tracer toyvm.Tracer
	if !interp {
		j := tracelet.NewJIT(cfg, vm, vm)
		defer func() {
			if err := j.Close(ctx); err != nil {
				fmt.Fprintf(stdErr, "error closing JIT: %v\n", err)
			}
		}()
		vm.OnGlobalWrite = func(id api.AssumptionID) { j.Invalidate(ctx, id) }
		tracer = j
	}

	v, err := vm.Run(ctx, tracer)
	if err != nil {
		fmt.Fprintf(stdErr, "error running program: %v\n", err)
		exit(1)
		return
	}
	result := vm.Format(v)
	fmt.Fprintln(stdOut, result)
	if expected != "" && result != expected {
		fmt.Fprintf(stdErr, "unexpected result: want %s\n", expected)
		exit(1)
		return
	}
	exit(0)
}

// loadProgram returns a VM for the named sample, or the program assembled from the file at arg. The expected result
// is only known for samples.
func loadProgram(arg string) (*toyvm.VM, string, error) {
	if s, ok := toyvm.SampleByName(arg); ok {
		vm, err := s.NewVM()
		return vm, s.Result, err
	}
	src, err := os.ReadFile(arg)
	if err != nil {
		return nil, "", err
	}
	p, err := toyvm.Assemble(filepath.Base(arg), string(src))
	if err != nil {
		return nil, "", err
	}
	return toyvm.New(p), "", nil
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core).Named("tracelet"), nil
}

func doJitlog(args []string, stdOut io.Writer, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("jitlog", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var traces bool
	flags.BoolVar(&traces, "traces", false, "print the listing of traces")

	_ = flags.Parse(args)

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing path to jitlog file")
		exit(1)
		return
	}

	f, err := os.Open(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(stdErr, "error reading jitlog: %v\n", err)
		exit(1)
		return
	}
	defer f.Close()

	r, err := jitlog.NewReader(f)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading jitlog: %v\n", err)
		exit(1)
		return
	}
	fmt.Fprintf(stdOut, "session %s (version %d)\n", r.Header().Session, r.Header().Version)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			fmt.Fprintf(stdErr, "error reading jitlog: %v\n", err)
			exit(1)
			return
		}
		switch rec.Kind {
		case jitlog.RecordEvent:
			fmt.Fprintln(stdOut, formatEvent(rec.Event))
		case jitlog.RecordTrace:
			tr := rec.Trace
			fmt.Fprintf(stdOut, "trace %s %s header=%d ops=%d\n", tr.Stage, tr.Kind, tr.Header, tr.Ops)
			if traces {
				fmt.Fprintln(stdOut, strings.TrimRight(tr.Text, "\n"))
			}
		}
	}
	exit(0)
}

func formatEvent(e *jitlog.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "event %s header=%d", e.Kind, e.Header)
	if e.Loop != 0 {
		fmt.Fprintf(&sb, " loop=%d", e.Loop)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Fields[k])
	}
	return sb.String()
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "tracelet CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  tracelet <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  run\t\tRuns a program with the JIT")
	fmt.Fprintln(stdErr, "  samples\tLists the built-in programs")
	fmt.Fprintln(stdErr, "  jitlog\tPrints a binary log written by run -jitlog")
}

func printRunUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "tracelet CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  tracelet run <options> <sample name or path to program>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
