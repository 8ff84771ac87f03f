package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/backend/regalloc"
)

var testScratch = [regalloc.NumRegType]regalloc.RealReg{regalloc.RegTypeInt: 12, regalloc.RegTypeFloat: 31}

func intReg(r regalloc.RealReg) Operand { return RegOperand(r, api.ValueTypeInt) }

func listing(instrs []Instr) (ret []string) {
	for i := range instrs {
		ret = append(ret, instrs[i].String())
	}
	return
}

func TestSequentialize(t *testing.T) {
	for _, tc := range []struct {
		name  string
		moves []move
		exp   []string
	}{
		{
			name: "chain",
			moves: []move{
				{dst: intReg(1), src: intReg(2)},
				{dst: intReg(0), src: intReg(1)},
			},
			exp: []string{"r0 = move(r1)", "r1 = move(r2)"},
		},
		{
			name: "swap",
			moves: []move{
				{dst: intReg(0), src: intReg(1)},
				{dst: intReg(1), src: intReg(0)},
			},
			exp: []string{"r12 = move(r0)", "r0 = move(r1)", "r1 = move(r12)"},
		},
		{
			name: "rotation through a slot",
			moves: []move{
				{dst: intReg(0), src: SlotOperand(0, api.ValueTypeInt)},
				{dst: SlotOperand(0, api.ValueTypeInt), src: intReg(1)},
				{dst: intReg(1), src: intReg(0)},
			},
			exp: []string{"r12 = move(r0)", "r0 = move([0])", "[0] = move(r1)", "r1 = move(r12)"},
		},
		{
			name: "same location and immediate",
			moves: []move{
				{dst: intReg(0), src: intReg(0)},
				{dst: intReg(1), src: ImmOperand(api.ValueTypeInt, 5)},
			},
			exp: []string{"r1 = move(5)"},
		},
		{
			name: "floats use their own scratch",
			moves: []move{
				{dst: RegOperand(16, api.ValueTypeFloat), src: RegOperand(17, api.ValueTypeFloat)},
				{dst: RegOperand(17, api.ValueTypeFloat), src: RegOperand(16, api.ValueTypeFloat)},
			},
			exp: []string{"r31 = move(r16)", "r16 = move(r17)", "r17 = move(r31)"},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, listing(sequentialize(tc.moves, testScratch)))
		})
	}
}
