package regalloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var testRegInfo = &RegisterInfo{
	AllocatableRegisters: [NumRegType][]RealReg{
		RegTypeInt:   {0, 1},
		RegTypeFloat: {16},
	},
	ScratchRegisters: [NumRegType]RealReg{RegTypeInt: 12, RegTypeFloat: 31},
	RealRegName:      func(r RealReg) string { return fmt.Sprintf("r%d", r) },
}

func TestAllocator_DoAllocation(t *testing.T) {
	for _, tc := range []struct {
		name      string
		intervals []Interval
		clobbers  []int
		exp       map[VRegID]Location
		expSlots  int
	}{
		{
			name: "reuse after last use",
			intervals: []Interval{
				{ID: 0, Type: RegTypeInt, Start: 0, End: 1},
				{ID: 1, Type: RegTypeInt, Start: 0, End: 2},
				{ID: 2, Type: RegTypeInt, Start: 1, End: 3},
			},
			exp: map[VRegID]Location{
				0: RegLocation(0),
				1: RegLocation(1),
				// v0 dies at 1 where v2 is defined.
				2: RegLocation(0),
			},
		},
		{
			name: "spill the longest",
			intervals: []Interval{
				{ID: 0, Type: RegTypeInt, Start: 0, End: 10},
				{ID: 1, Type: RegTypeInt, Start: 1, End: 3},
				{ID: 2, Type: RegTypeInt, Start: 2, End: 4},
			},
			exp: map[VRegID]Location{
				0: SlotLocation(0),
				1: RegLocation(1),
				2: RegLocation(0),
			},
			expSlots: 1,
		},
		{
			name: "spill the current",
			intervals: []Interval{
				{ID: 0, Type: RegTypeFloat, Start: 0, End: 5},
				{ID: 1, Type: RegTypeFloat, Start: 1, End: 8},
			},
			exp: map[VRegID]Location{
				0: RegLocation(16),
				1: SlotLocation(0),
			},
			expSlots: 1,
		},
		{
			name: "classes are independent",
			intervals: []Interval{
				{ID: 0, Type: RegTypeInt, Start: 0, End: 5},
				{ID: 1, Type: RegTypeFloat, Start: 0, End: 5},
				{ID: 2, Type: RegTypeInt, Start: 1, End: 5},
			},
			exp: map[VRegID]Location{
				0: RegLocation(0),
				1: RegLocation(16),
				2: RegLocation(1),
			},
		},
		{
			name: "live across a clobber",
			intervals: []Interval{
				{ID: 0, Type: RegTypeInt, Start: 0, End: 4},
				// Used by the clobbering position only.
				{ID: 1, Type: RegTypeInt, Start: 1, End: 2},
				// Defined by it.
				{ID: 2, Type: RegTypeInt, Start: 2, End: 3},
			},
			clobbers: []int{2},
			exp: map[VRegID]Location{
				0: SlotLocation(0),
				1: RegLocation(0),
				2: RegLocation(0),
			},
			expSlots: 1,
		},
		{
			name: "slots are reused",
			intervals: []Interval{
				{ID: 0, Type: RegTypeInt, Start: 0, End: 3},
				{ID: 1, Type: RegTypeInt, Start: 4, End: 6},
			},
			clobbers: []int{1, 5},
			exp: map[VRegID]Location{
				0: SlotLocation(0),
				1: SlotLocation(0),
			},
			expSlots: 1,
		},
		{
			name: "parameters defined together never share",
			intervals: []Interval{
				{ID: 0, Type: RegTypeInt, Start: 3, End: 3},
				{ID: 1, Type: RegTypeInt, Start: 3, End: 3},
			},
			exp: map[VRegID]Location{
				0: RegLocation(0),
				1: RegLocation(1),
			},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := NewAllocator(testRegInfo)
			res, err := a.DoAllocation(tc.intervals, tc.clobbers)
			require.NoError(t, err)
			require.Equal(t, tc.exp, res.Locations)
			require.Equal(t, tc.expSlots, res.NumSpillSlots)
		})
	}
}

func TestAllocator_DoAllocation_errors(t *testing.T) {
	a := NewAllocator(testRegInfo)
	_, err := a.DoAllocation([]Interval{{ID: 0, Type: RegTypeInt, Start: 3, End: 1}}, nil)
	require.EqualError(t, err, "interval v0(int)[3,1] ends before it starts")

	_, err = a.DoAllocation([]Interval{
		{ID: 0, Type: RegTypeInt, Start: 0, End: 1},
		{ID: 0, Type: RegTypeInt, Start: 1, End: 2},
	}, nil)
	require.EqualError(t, err, "v0 has several intervals")

	_, err = a.DoAllocation([]Interval{{ID: 0, Start: 0, End: 1}}, nil)
	require.EqualError(t, err, "interval v0(invalid)[0,1] has no register class")
}

func TestValidate(t *testing.T) {
	intervals := []Interval{
		{ID: 0, Type: RegTypeInt, Start: 0, End: 4},
		{ID: 1, Type: RegTypeInt, Start: 2, End: 5},
	}
	err := validate(intervals, nil, &Result{Locations: map[VRegID]Location{
		0: RegLocation(0), 1: RegLocation(0),
	}})
	require.Error(t, err)

	err = validate(intervals, []int{3}, &Result{Locations: map[VRegID]Location{
		0: SlotLocation(0), 1: RegLocation(0),
	}})
	require.EqualError(t, err, "v1 is live across a clobber in a register")
}

func TestRegSet(t *testing.T) {
	rs := NewRegSet(0, 3, 16)
	require.True(t, rs.Has(3))
	require.False(t, rs.Has(1))
	require.Equal(t, "r0, r3, r16", rs.Format(testRegInfo))
}
