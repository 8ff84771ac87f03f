package toyvm

// Sample is a built-in program with its expected result.
type Sample struct {
	Name   string
	Source string
	// Setup initializes the globals of a new VM, if any.
	Setup func(vm *VM)
	// Result is the formatted value returned by the program.
	Result string
}

// NewVM assembles the sample and returns a VM ready to run it.
func (s *Sample) NewVM() (*VM, error) {
	p, err := Assemble(s.Name, s.Source)
	if err != nil {
		return nil, err
	}
	vm := New(p)
	if s.Setup != nil {
		s.Setup(vm)
	}
	return vm, nil
}

// Samples are the built-in programs. Each has a single loop whose header is labelled "top".
var Samples = []*Sample{
	{
		Name: "sum",
		Source: `
    int r0 0      ; i
    int r1 1000   ; n
    int r2 0      ; s
    int r4 1
top:
    loop
    lt r5 r0 r1
    jf r5 done
    add r2 r2 r0
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Result: "499500",
	},
	{
		// The summed array switches from ints to floats at iteration 50.
		Name: "array_switch",
		Source: `
    getg r6 g0    ; ints
    getg r7 g1    ; floats
    move r0 r6    ; arr
    int r1 0      ; i
    len r2 r0     ; n
    int r3 0      ; s
    int r4 1
    int r8 50
top:
    loop
    lt r5 r1 r2
    jf r5 done
    eq r5 r1 r8
    jf r5 body
    move r0 r7
body:
    get r9 r0 r1
    add r3 r3 r9
    add r1 r1 r4
    jump top
done:
    ret r3
`,
		Setup: func(vm *VM) {
			ints := make([]int64, 100)
			floats := make([]float64, 100)
			for i := range ints {
				ints[i] = int64(i)
				floats[i] = 0.5
			}
			vm.SetGlobal(0, vm.IntArray(ints...))
			vm.SetGlobal(1, vm.FloatArray(floats...))
		},
		Result: "1250",
	},
	{
		// The tuple never escapes the loop body.
		Name: "tuple",
		Source: `
    int r0 0
    int r1 1000
    int r2 0
    int r4 1
top:
    loop
    lt r5 r0 r1
    jf r5 done
    tuple r6 r0 r4
    first r7 r6
    second r8 r6
    add r9 r7 r8
    add r2 r2 r9
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Result: "500500",
	},
	{
		// The tuple escapes into the keep builtin every iteration.
		Name: "keep",
		Source: `
    int r0 0
    int r1 100
    int r2 0
    int r4 1
top:
    loop
    lt r5 r0 r1
    jf r5 done
    tuple r6 r0 r2
    call r7 keep r6
    add r2 r2 r0
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Result: "4950",
	},
	{
		Name: "floats",
		Source: `
    int r0 0
    int r1 1000
    float r2 0
    float r3 0.5
    int r4 1
top:
    loop
    lt r5 r0 r1
    jf r5 done
    mul r6 r0 r3
    add r2 r2 r6
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Result: "249750",
	},
	{
		// i%3 == 0 takes the other branch, which gets a bridge.
		Name: "bridge",
		Source: `
    int r0 0
    int r1 1000
    int r2 0
    int r4 1
    int r12 3
top:
    loop
    lt r5 r0 r1
    jf r5 done
    mod r6 r0 r12
    jf r6 zero
    add r2 r2 r0
    jump next
zero:
    sub r2 r2 r4
next:
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Result: "332333",
	},
	{
		// The global scale changes at iteration 500, invalidating the loop compiled so far.
		Name: "globals",
		Source: `
    int r0 0
    int r1 1000
    int r2 0
    int r4 1
    int r10 500
    int r11 2
top:
    loop
    lt r5 r0 r1
    jf r5 done
    eq r5 r0 r10
    jf r5 body
    setg g0 r11
body:
    getg r6 g0
    mul r7 r0 r6
    add r2 r2 r7
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Setup: func(vm *VM) {
			vm.SetGlobal(0, vm.Int(1))
		},
		Result: "874250",
	},
	{
		// debug cannot be traced: every attempt aborts.
		Name: "unsupported",
		Source: `
    int r0 0
    int r1 100
    int r2 0
    int r4 1
top:
    loop
    lt r5 r0 r1
    jf r5 done
    debug r0
    add r2 r2 r0
    add r0 r0 r4
    jump top
done:
    ret r2
`,
		Result: "4950",
	},
}

// SampleByName returns the named sample.
func SampleByName(name string) (*Sample, bool) {
	for _, s := range Samples {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}
