package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/internal/toyvm"
)

func TestRun(t *testing.T) {
	for _, s := range toyvm.Samples {
		sample := s
		t.Run(sample.Name, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, []string{"run", sample.Name})
			require.Equal(t, 0, exitCode, stdErr)
			require.Equal(t, sample.Result+"\n", stdOut)
			require.Equal(t, "", stdErr)
		})
	}
}

func TestRun_interp(t *testing.T) {
	exitCode, stdOut, _ := runMain(t, []string{"run", "-interp", "sum"})
	require.Equal(t, 0, exitCode)
	require.Equal(t, "499500\n", stdOut)
}

func TestRun_file(t *testing.T) {
	p := filepath.Join(t.TempDir(), "print.tasm")
	require.NoError(t, os.WriteFile(p, []byte(`
    int r0 0
    int r1 3
    int r2 1
top:
    loop
    lt r3 r0 r1
    jf r3 done
    call r4 print r0
    add r0 r0 r2
    jump top
done:
    ret r0
`), 0o600))

	exitCode, stdOut, stdErr := runMain(t, []string{"run", p})
	require.Equal(t, 0, exitCode, stdErr)
	require.Equal(t, "0\n1\n2\n3\n", stdOut)
}

func TestRun_events(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "tracelet.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("hot_loop_threshold = 3\n"), 0o600))

	exitCode, _, stdErr := runMain(t, []string{"run", "-events", "-config", cfg, "sum"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "==> tracing_started header=")
	require.Contains(t, stdErr, "==> loop_compiled header=")
}

func TestRun_log(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{"run", "-log", "info", "sum"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "INFO\ttracelet\tloop_compiled")
}

func TestJitlog(t *testing.T) {
	p := filepath.Join(t.TempDir(), "session.jitlog")

	exitCode, _, stdErr := runMain(t, []string{"run", "-jitlog", p, "bridge"})
	require.Equal(t, 0, exitCode, stdErr)

	exitCode, stdOut, stdErr := runMain(t, []string{"jitlog", "-traces", p})
	require.Equal(t, 0, exitCode, stdErr)
	require.True(t, strings.HasPrefix(stdOut, "session "), stdOut)
	require.Contains(t, stdOut, "event tracing_started header=")
	require.Contains(t, stdOut, "event loop_compiled header=")
	require.Contains(t, stdOut, "event bridge_compiled header=")
	require.Contains(t, stdOut, "trace recorded loop header=")
	require.Contains(t, stdOut, "trace optimized loop header=")
}

func TestHelp(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{"-h"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "tracelet CLI\n\nUsage:")
}

func TestSamples(t *testing.T) {
	exitCode, stdOut, _ := runMain(t, []string{"samples"})
	require.Equal(t, 0, exitCode)
	require.Equal(t, len(toyvm.Samples), strings.Count(stdOut, "\n"))
	require.Contains(t, stdOut, "array_switch\n")
}

func TestErrors(t *testing.T) {
	badProgram := filepath.Join(t.TempDir(), "bad.tasm")
	require.NoError(t, os.WriteFile(badProgram, []byte("frob r0\n"), 0o600))
	badConfig := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(badConfig, []byte("threshold = 3\n"), 0o600))
	notJitlog := filepath.Join(t.TempDir(), "bad.jitlog")
	require.NoError(t, os.WriteFile(notJitlog, []byte{}, 0o600))

	tests := []struct {
		message string
		args    []string
	}{
		{message: "invalid command", args: []string{"frob"}},
		{message: "missing sample name or path to program", args: []string{"run"}},
		{message: "error loading program", args: []string{"run", "non-existent.tasm"}},
		{message: "unknown instruction", args: []string{"run", badProgram}},
		{message: "invalid config: failed to parse config", args: []string{"run", "-config", badConfig, "sum"}},
		{message: "invalid log level", args: []string{"run", "-log", "loud", "sum"}},
		{message: "missing path to jitlog file", args: []string{"jitlog"}},
		{message: "not a jitlog", args: []string{"jitlog", notJitlog}},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.message, func(t *testing.T) {
			exitCode, _, stdErr := runMain(t, tt.args)

			require.Equal(t, 1, exitCode)
			require.Contains(t, stdErr, tt.message)
		})
	}
}

func runMain(t *testing.T, args []string) (int, string, string) {
	t.Helper()
	oldArgs := os.Args
	t.Cleanup(func() {
		os.Args = oldArgs
	})
	os.Args = append([]string{"tracelet"}, args...)

	var exitCode int
	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}
	var exited bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				exited = true
			}
		}()
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		doMain(stdOut, stdErr, func(code int) {
			exitCode = code
			panic(code)
		})
	}()

	require.True(t, exited)

	return exitCode, stdOut.String(), stdErr.String()
}
