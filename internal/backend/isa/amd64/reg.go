package amd64

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tracelet/tracelet/internal/backend/regalloc"
)

// Amd64-specific registers, numbered as in the instruction encoding. Integer registers come first, then the
// vector registers.
const (
	rax regalloc.RealReg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15

	xmm0
	xmm1
	xmm2
	xmm3
	xmm4
	xmm5
	xmm6
	xmm7
	xmm8
	xmm9
	xmm10
	xmm11
	xmm12
	xmm13
	xmm14
	xmm15

	numRegs
)

const (
	// tmpReg and tmpReg2 are the integer scratch registers. tmpReg is also the one breaking cycles of moves.
	tmpReg  = r12
	tmpReg2 = r13
	// ctxReg points to the execution context the engine passes to compiled code.
	ctxReg = r14
	// spillBaseReg points to the spill area.
	spillBaseReg = r15
	// tmpXmm is the vector scratch register.
	tmpXmm = xmm15
)

var regNames = [...]string{
	rax:   "rax",
	rcx:   "rcx",
	rdx:   "rdx",
	rbx:   "rbx",
	rsp:   "rsp",
	rbp:   "rbp",
	rsi:   "rsi",
	rdi:   "rdi",
	r8:    "r8",
	r9:    "r9",
	r10:   "r10",
	r11:   "r11",
	r12:   "r12",
	r13:   "r13",
	r14:   "r14",
	r15:   "r15",
	xmm0:  "xmm0",
	xmm1:  "xmm1",
	xmm2:  "xmm2",
	xmm3:  "xmm3",
	xmm4:  "xmm4",
	xmm5:  "xmm5",
	xmm6:  "xmm6",
	xmm7:  "xmm7",
	xmm8:  "xmm8",
	xmm9:  "xmm9",
	xmm10: "xmm10",
	xmm11: "xmm11",
	xmm12: "xmm12",
	xmm13: "xmm13",
	xmm14: "xmm14",
	xmm15: "xmm15",
}

// RegInfo is the register information of amd64.
var RegInfo = &regalloc.RegisterInfo{
	AllocatableRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt: {
			rax, rbx, rcx, rdx, rsi, rdi, r8, r9, r10, r11,
		},
		regalloc.RegTypeFloat: {
			xmm0, xmm1, xmm2, xmm3, xmm4, xmm5, xmm6, xmm7, xmm8, xmm9, xmm10, xmm11, xmm12, xmm13, xmm14,
		},
	},
	ScratchRegisters: [regalloc.NumRegType]regalloc.RealReg{
		regalloc.RegTypeInt:   tmpReg,
		regalloc.RegTypeFloat: tmpXmm,
	},
	RealRegName: func(r regalloc.RealReg) string {
		if r < numRegs {
			return regNames[r]
		}
		return fmt.Sprintf("RealReg(%d)", r)
	},
}

// NumRegs is the number of registers the machine state of compiled amd64 code holds.
const NumRegs = int(numRegs)

// isXmm returns true if r is a vector register.
func isXmm(r regalloc.RealReg) bool { return r >= xmm0 && r <= xmm15 }

// asmReg returns the golang-asm register of r.
func asmReg(r regalloc.RealReg) int16 {
	if isXmm(r) {
		return x86.REG_X0 + int16(r-xmm0)
	}
	return x86.REG_AX + int16(r)
}

// asmByteReg returns the golang-asm byte register of an integer register.
func asmByteReg(r regalloc.RealReg) int16 {
	return x86.REG_AL + int16(r)
}
