package toyvm

import (
	"fmt"
	"strconv"
	"strings"
)

// Opcode is an instruction of the VM. Operands name locals (rN), globals (gN), labels or immediates.
type Opcode byte

const (
	OpNop Opcode = iota
	// OpInt loads the immediate int Imm into A.
	OpInt
	// OpFloat loads the immediate float F into A.
	OpFloat
	// OpNull loads null into A.
	OpNull
	// OpMove copies B into A.
	OpMove
	// Arithmetic and comparisons: A = B op C. Comparisons produce the int 0 or 1.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLt
	OpLe
	OpEq
	// OpJump continues at Target.
	OpJump
	// OpJumpIfFalse continues at Target if B is null, zero or 0.0.
	OpJumpIfFalse
	// OpLoop marks a loop header.
	OpLoop
	// OpTuple creates the tuple (B, C) into A.
	OpTuple
	// OpFirst and OpSecond load an item of the tuple B into A.
	OpFirst
	OpSecond
	// OpNewArray creates an array of B zero items into A, of floats if Imm is not zero.
	OpNewArray
	// OpGetItem loads B[C] into A.
	OpGetItem
	// OpSetItem stores C into A[B].
	OpSetItem
	// OpLen loads the length of the array B into A.
	OpLen
	// OpGetGlobal loads the global Imm into A.
	OpGetGlobal
	// OpSetGlobal stores B into the global Imm.
	OpSetGlobal
	// OpCall calls the builtin Imm with Args and stores the result into A.
	OpCall
	// OpDebug prints B. It cannot be traced.
	OpDebug
	// OpReturn returns B.
	OpReturn
	opcodeEnd
)

var opcodeNames = [opcodeEnd]string{
	OpNop:         "nop",
	OpInt:         "int",
	OpFloat:       "float",
	OpNull:        "null",
	OpMove:        "move",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpMod:         "mod",
	OpLt:          "lt",
	OpLe:          "le",
	OpEq:          "eq",
	OpJump:        "jump",
	OpJumpIfFalse: "jf",
	OpLoop:        "loop",
	OpTuple:       "tuple",
	OpFirst:       "first",
	OpSecond:      "second",
	OpNewArray:    "array",
	OpGetItem:     "get",
	OpSetItem:     "set",
	OpLen:         "len",
	OpGetGlobal:   "getg",
	OpSetGlobal:   "setg",
	OpCall:        "call",
	OpDebug:       "debug",
	OpReturn:      "ret",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if o >= opcodeEnd {
		return fmt.Sprintf("Opcode(%d)", o)
	}
	return opcodeNames[o]
}

// Instr is one instruction.
type Instr struct {
	Op      Opcode
	A, B, C int
	Imm     int64
	F       float64
	Target  int
	Args    []int
}

// Program is an assembled program.
type Program struct {
	Name       string
	Code       []Instr
	NumLocals  int
	NumGlobals int
	// Labels maps label names to instruction indexes.
	Labels map[string]int
}

// Operand kinds of the assembly syntax.
const (
	kLocal  = 'r'
	kGlobal = 'g'
	kLabel  = 'L'
	kInt    = 'i'
	kFloat  = 'f'
	kKind   = 'k'
)

// syntax lists the operand kinds of each mnemonic.
var syntax = map[Opcode]string{
	OpNop:         "",
	OpInt:         "ri",
	OpFloat:       "rf",
	OpNull:        "r",
	OpMove:        "rr",
	OpAdd:         "rrr",
	OpSub:         "rrr",
	OpMul:         "rrr",
	OpDiv:         "rrr",
	OpMod:         "rrr",
	OpLt:          "rrr",
	OpLe:          "rrr",
	OpEq:          "rrr",
	OpJump:        "L",
	OpJumpIfFalse: "_rL",
	OpLoop:        "",
	OpTuple:       "rrr",
	OpFirst:       "rr",
	OpSecond:      "rr",
	OpNewArray:    "rrk",
	OpGetItem:     "rrr",
	OpSetItem:     "rrr",
	OpLen:         "rr",
	OpGetGlobal:   "rg",
	OpSetGlobal:   "gr",
	OpDebug:       "_r",
	OpReturn:      "_r",
}

// Assemble parses a program. Each line holds a label ("name:"), an instruction or nothing; ';' starts a comment.
// Instructions are a mnemonic followed by operands, destination first:
//
//	    int r0 0
//	top:
//	    loop
//	    lt r2 r0 r1
//	    jf r2 done
//	    call r3 keep r0
//	    ...
func Assemble(name, src string) (*Program, error) {
	p := &Program{Name: name, Labels: map[string]int{}}
	type fixup struct {
		instr int
		label string
		line  int
	}
	var fixups []fixup
	mnemonics := map[string]Opcode{}
	for op, n := range opcodeNames {
		mnemonics[n] = Opcode(op)
	}

	for i, line := range strings.Split(src, "\n") {
		lineNo := i + 1
		if c := strings.IndexByte(line, ';'); c >= 0 {
			line = line[:c]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if l := fields[0]; strings.HasSuffix(l, ":") && len(fields) == 1 {
			l = strings.TrimSuffix(l, ":")
			if _, ok := p.Labels[l]; ok {
				return nil, fmt.Errorf("%s:%d: duplicate label %q", name, lineNo, l)
			}
			p.Labels[l] = len(p.Code)
			continue
		}

		op, ok := mnemonics[fields[0]]
		if !ok {
			return nil, fmt.Errorf("%s:%d: unknown instruction %q", name, lineNo, fields[0])
		}
		in := Instr{Op: op}
		operands := fields[1:]
		if op == OpCall {
			if len(operands) < 2 {
				return nil, fmt.Errorf("%s:%d: call needs a destination and a builtin", name, lineNo)
			}
			b, ok := lookupBuiltin(operands[1])
			if !ok {
				return nil, fmt.Errorf("%s:%d: unknown builtin %q", name, lineNo, operands[1])
			}
			in.Imm = int64(b)
			syn := "r" + strings.Repeat("r", len(builtins[b].Args))
			if len(operands)-1 != len(syn) {
				return nil, fmt.Errorf("%s:%d: %s takes %d arguments", name, lineNo, builtins[b].Name, len(builtins[b].Args))
			}
			regs := append([]string{operands[0]}, operands[2:]...)
			for j, r := range regs {
				v, err := p.local(r)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
				}
				if j == 0 {
					in.A = v
				} else {
					in.Args = append(in.Args, v)
				}
			}
			p.Code = append(p.Code, in)
			continue
		}

		syn := syntax[op]
		if len(operands) != len(strings.TrimPrefix(syn, "_")) {
			return nil, fmt.Errorf("%s:%d: %s takes %d operands, got %d", name, lineNo, op,
				len(strings.TrimPrefix(syn, "_")), len(operands))
		}
		// '_' skips A so that single-operand instructions read B.
		slot := 0
		if strings.HasPrefix(syn, "_") {
			syn, slot = syn[1:], 1
		}
		for j, kind := range syn {
			s := operands[j]
			switch kind {
			case kLocal:
				v, err := p.local(s)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
				}
				switch slot {
				case 0:
					in.A = v
				case 1:
					in.B = v
				default:
					in.C = v
				}
				slot++
			case kGlobal:
				if !strings.HasPrefix(s, "g") {
					return nil, fmt.Errorf("%s:%d: expected a global, got %q", name, lineNo, s)
				}
				g, err := strconv.Atoi(s[1:])
				if err != nil || g < 0 {
					return nil, fmt.Errorf("%s:%d: invalid global %q", name, lineNo, s)
				}
				if g >= p.NumGlobals {
					p.NumGlobals = g + 1
				}
				in.Imm = int64(g)
				if op == OpSetGlobal {
					// The source follows in B.
					slot = 1
				}
			case kLabel:
				fixups = append(fixups, fixup{instr: len(p.Code), label: s, line: lineNo})
			case kInt:
				v, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: invalid int %q", name, lineNo, s)
				}
				in.Imm = v
			case kFloat:
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: invalid float %q", name, lineNo, s)
				}
				in.F = v
			case kKind:
				switch s {
				case "int":
				case "float":
					in.Imm = 1
				default:
					return nil, fmt.Errorf("%s:%d: invalid array kind %q", name, lineNo, s)
				}
			}
		}
		p.Code = append(p.Code, in)
	}

	for _, f := range fixups {
		target, ok := p.Labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%s:%d: undefined label %q", name, f.line, f.label)
		}
		p.Code[f.instr].Target = target
	}
	if len(p.Code) == 0 || p.Code[len(p.Code)-1].Op != OpReturn && p.Code[len(p.Code)-1].Op != OpJump {
		return nil, fmt.Errorf("%s: program must end with ret or jump", name)
	}
	return p, nil
}

func (p *Program) local(s string) (int, error) {
	if !strings.HasPrefix(s, "r") {
		return 0, fmt.Errorf("expected a local, got %q", s)
	}
	r, err := strconv.Atoi(s[1:])
	if err != nil || r < 0 {
		return 0, fmt.Errorf("invalid local %q", s)
	}
	if r >= p.NumLocals {
		p.NumLocals = r + 1
	}
	return r, nil
}

// MustAssemble is like Assemble but panics on error.
func MustAssemble(name, src string) *Program {
	p, err := Assemble(name, src)
	if err != nil {
		panic(err)
	}
	return p
}
