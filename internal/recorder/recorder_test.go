package recorder

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/opt"
	"github.com/tracelet/tracelet/internal/resume"
	"github.com/tracelet/tracelet/internal/toyvm"
)

var testCtx = context.Background()

// recordAt records at the n-th visit of any loop header, then lets the interpreter continue where recording
// stopped.
type recordAt struct {
	rec    *Recorder
	n      int
	visits int
	// record starts the recording, RecordLoop by default.
	record func(ctx context.Context, h api.HeaderID, pc int) (*Result, error)

	res *Result
	err error
}

func (r *recordAt) MaybeTrace(ctx context.Context, h api.HeaderID, pc int) (api.Outcome, error) {
	r.visits++
	if r.visits != r.n {
		return api.Outcome{PC: pc}, nil
	}
	record := r.record
	if record == nil {
		record = r.rec.RecordLoop
	}
	r.res, r.err = record(ctx, h, pc)
	return api.Outcome{PC: r.res.PC, Raised: r.res.Raised}, nil
}

func newVM(t *testing.T, sample string) *toyvm.VM {
	s, ok := toyvm.SampleByName(sample)
	require.True(t, ok)
	vm, err := s.NewVM()
	require.NoError(t, err)
	return vm
}

func runRecording(t *testing.T, vm *toyvm.VM, cfg Config, n int) (*recordAt, api.Handle, error) {
	tr := &recordAt{rec: New(vm, vm, cfg), n: n}
	v, err := vm.Run(testCtx, tr)
	require.NotNil(t, tr.res, "never recorded")
	return tr, v, err
}

func TestRecorder_RecordLoop(t *testing.T) {
	vm := newVM(t, "sum")
	tr, v, err := runRecording(t, vm, Config{}, 5)
	require.NoError(t, err)
	// Recording executed the iteration it recorded.
	require.Equal(t, "499500", vm.Format(v))

	require.NoError(t, tr.err)
	res := tr.res
	top := vm.Program().Labels["top"]
	require.Equal(t, top, res.PC)
	// loop, lt, jf, add, add, jump
	require.Equal(t, 6, res.Steps)
	require.Nil(t, res.Raised)

	trace := res.Trace
	require.Equal(t, ir.TraceLoop, trace.Kind)
	h, _ := vm.Header(top)
	require.Equal(t, h, trace.Header)
	require.Equal(t, vm.NumLocals(), len(trace.Inputs))
	require.Equal(t, api.OpJump, trace.Ops[trace.Len()-1].Opcode)

	optimized, err := opt.Optimize(opt.Peel(trace), opt.DefaultConfig)
	require.NoError(t, err, ir.Format(trace))
	require.NoError(t, ir.Verify(optimized), ir.Format(optimized))
}

func TestRecorder_virtuals(t *testing.T) {
	vm := newVM(t, "tuple")
	tr, _, err := runRecording(t, vm, Config{}, 2)
	require.NoError(t, err)
	require.NoError(t, tr.err)
	// The tuple and the boxes of the loop body never escape while recording.
	require.NotZero(t, tr.res.Virtuals)

	vm = newVM(t, "keep")
	tr, _, err = runRecording(t, vm, Config{}, 2)
	require.NoError(t, err)
	require.NoError(t, tr.err)
	var calls int
	for _, op := range tr.res.Trace.Ops {
		if op.Opcode == api.OpCall {
			calls++
		}
	}
	require.Equal(t, 1, calls, ir.Format(tr.res.Trace))
}

func TestRecorder_aborts(t *testing.T) {
	raising := toyvm.MustAssemble("raising", `
    int r0 0
    int r1 10
    int r2 1
    int r3 5
    int r6 0
top:
    loop
    lt r4 r0 r1
    jf r4 done
    eq r5 r0 r3
    jf r5 next
crash:
    div r7 r2 r6
next:
    add r0 r0 r2
    jump top
done:
    ret r0
`)

	tests := []struct {
		name   string
		vm     func(t *testing.T) *toyvm.VM
		cfg    Config
		n      int
		reason AbortReason
		pc     func(vm *toyvm.VM) int
		// expErr is the error of running the program to completion, if any.
		expErr error
	}{
		{
			name:   "unsupported",
			vm:     func(t *testing.T) *toyvm.VM { return newVM(t, "unsupported") },
			n:      1,
			reason: AbortUnsupported,
			pc:     func(vm *toyvm.VM) int { return vm.Program().Labels["top"] + 3 },
		},
		{
			name:   "too long",
			vm:     func(t *testing.T) *toyvm.VM { return newVM(t, "sum") },
			cfg:    Config{TraceLimit: 3},
			n:      1,
			reason: AbortTooLong,
		},
		{
			name:   "left frame",
			vm:     func(t *testing.T) *toyvm.VM { return newVM(t, "sum") },
			n:      1001,
			reason: AbortLeftFrame,
			pc:     func(*toyvm.VM) int { return api.PCReturn },
		},
		{
			name:   "raised",
			vm:     func(*testing.T) *toyvm.VM { return toyvm.New(raising) },
			n:      6,
			reason: AbortRaised,
			pc:     func(vm *toyvm.VM) int { return vm.Program().Labels["crash"] },
			expErr: toyvm.ErrZeroDivision,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			vm := tc.vm(t)
			tr, _, err := runRecording(t, vm, tc.cfg, tc.n)
			if tc.expErr != nil {
				require.ErrorIs(t, err, tc.expErr)
			} else {
				require.NoError(t, err)
			}

			var abort *AbortError
			require.True(t, errors.As(tr.err, &abort), tr.err)
			require.Equal(t, tc.reason, abort.Reason)
			require.Nil(t, tr.res.Trace)
			require.Equal(t, abort.PC, tr.res.PC)
			if tc.pc != nil {
				require.Equal(t, tc.pc(vm), tr.res.PC)
			}
			if tc.expErr != nil {
				require.ErrorIs(t, tr.res.Raised, tc.expErr)
				require.ErrorIs(t, tr.err, tc.expErr)
			}
		})
	}

	t.Run("unsupported cause", func(t *testing.T) {
		vm := newVM(t, "unsupported")
		tr, _, err := runRecording(t, vm, Config{}, 1)
		require.NoError(t, err)
		require.ErrorIs(t, tr.err, api.ErrUnsupported)
	})
}

func TestRecorder_noTraceCall(t *testing.T) {
	vm := toyvm.New(toyvm.MustAssemble("print", `
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
`))
	var out bytes.Buffer
	vm.Stdout = &out

	tr, v, err := runRecording(t, vm, Config{}, 1)
	require.NoError(t, err)
	require.Equal(t, "3", vm.Format(v))
	// The call was performed once, by the recorder.
	require.Equal(t, "0\n1\n2\n", out.String())

	var abort *AbortError
	require.True(t, errors.As(tr.err, &abort))
	require.Equal(t, AbortUnsupported, abort.Reason)
	call := vm.Program().Labels["top"] + 3
	require.Equal(t, call, abort.PC)
	require.Equal(t, call+1, tr.res.PC)
}

func TestRecorder_cancelled(t *testing.T) {
	vm := newVM(t, "sum")
	ctx, cancel := context.WithCancel(testCtx)
	cancel()

	top := vm.Program().Labels["top"]
	h, _ := vm.Header(top)
	res, err := New(vm, vm, Config{}).RecordLoop(ctx, h, top)
	var abort *AbortError
	require.True(t, errors.As(err, &abort))
	require.Equal(t, AbortCancelled, abort.Reason)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, top, res.PC)
	require.Zero(t, res.Steps)
}

// frameDescriptor resumes at pc with every slot passed as a fail argument.
func frameDescriptor(pc, n int) *resume.Descriptor {
	d := &resume.Descriptor{PC: pc}
	for i := 0; i < n; i++ {
		d.Slots = append(d.Slots, resume.Source{Kind: resume.SourceFailArg, Type: api.ValueTypeRef, Index: i})
		d.FailArgTypes = append(d.FailArgTypes, api.ValueTypeRef)
	}
	return d
}

func TestRecorder_RecordBridge(t *testing.T) {
	t.Run("finish", func(t *testing.T) {
		vm := newVM(t, "sum")
		rec := New(vm, vm, Config{})
		tr := &recordAt{rec: rec, n: 999}
		tr.record = func(ctx context.Context, h api.HeaderID, pc int) (*Result, error) {
			return rec.RecordBridge(ctx, BridgeStart{Header: h, Descriptor: frameDescriptor(pc, vm.NumLocals())})
		}
		v, err := vm.Run(testCtx, tr)
		require.NoError(t, err)
		require.Equal(t, "499500", vm.Format(v))

		require.NoError(t, tr.err)
		require.Equal(t, api.PCReturn, tr.res.PC)
		trace := tr.res.Trace
		require.Equal(t, ir.TraceBridge, trace.Kind)
		last := trace.Ops[trace.Len()-1]
		require.Equal(t, api.OpFinish, last.Opcode)
		// The interpreter resumes at the returning bytecode.
		require.Equal(t, vm.Program().Labels["done"], last.Snapshot.PC)
	})

	t.Run("jump", func(t *testing.T) {
		vm := newVM(t, "sum")
		rec := New(vm, vm, Config{})
		target := &ir.JumpTarget{}
		var asked []api.ValueType
		tr := &recordAt{rec: rec, n: 10}
		tr.record = func(ctx context.Context, h api.HeaderID, pc int) (*Result, error) {
			// Resume in the middle of the body, as after a failing guard.
			return rec.RecordBridge(ctx, BridgeStart{
				Header:     h,
				Descriptor: frameDescriptor(pc+1, vm.NumLocals()),
				Targets: func(th api.HeaderID, types []api.ValueType) (*ir.JumpTarget, bool) {
					require.Equal(t, h, th)
					asked = types
					return target, true
				},
			})
		}
		v, err := vm.Run(testCtx, tr)
		require.NoError(t, err)
		require.Equal(t, "499500", vm.Format(v))

		require.NoError(t, tr.err)
		require.Equal(t, vm.Program().Labels["top"], tr.res.PC)
		require.Len(t, asked, vm.NumLocals())
		last := tr.res.Trace.Ops[tr.res.Trace.Len()-1]
		require.Equal(t, api.OpJump, last.Opcode)
		require.Same(t, target, last.Descr)
	})
}

func TestAbortReason_String(t *testing.T) {
	for _, tc := range []struct {
		r   AbortReason
		exp string
	}{
		{AbortUnsupported, "unsupported operation"},
		{AbortGuardAfterEffect, "guard after side effect"},
		{AbortTooLong, "trace too long"},
		{AbortLeftFrame, "frame returned"},
		{AbortRaised, "exception raised"},
		{AbortCancelled, "cancelled"},
		{AbortReason(42), "AbortReason(42)"},
	} {
		require.Equal(t, tc.exp, tc.r.String())
	}
}

func TestAbortError(t *testing.T) {
	err := &AbortError{Reason: AbortTooLong, PC: 7}
	require.EqualError(t, err, "trace aborted at pc 7: trace too long")
	require.Nil(t, errors.Unwrap(err))

	cause := errors.New("boom")
	err = &AbortError{Reason: AbortRaised, PC: 3, Cause: cause}
	require.EqualError(t, err, "trace aborted at pc 3: exception raised: boom")
	require.ErrorIs(t, err, cause)
}
