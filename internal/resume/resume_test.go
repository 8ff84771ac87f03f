package resume

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/ir"
	"github.com/tracelet/tracelet/internal/testing/testhost"
)

var (
	pairLayout = api.NewLayout(1, "pair",
		api.NewField("head", api.ValueTypeInt, false),
		api.NewField("tail", api.ValueTypeRef, false),
	)
	floatsLayout = api.NewArrayLayout(2, "floats", api.ValueTypeFloat)
)

func layouts(id api.LayoutID) *api.Layout {
	switch id {
	case pairLayout.ID:
		return pairLayout
	case floatsLayout.ID:
		return floatsLayout
	}
	return nil
}

// testSnapshot is a frame of three slots: an int variable, a constant and a virtual pair whose tail is a virtual
// array of two floats, the second of which is the same float variable passed twice.
func testSnapshot() (*ir.Snapshot, []*ir.Var) {
	tr := ir.NewTrace(ir.TraceLoop, 0)
	i, f := tr.NewInput(api.ValueTypeInt), tr.NewInput(api.ValueTypeFloat)
	return &ir.Snapshot{
		PC:    12,
		Slots: []ir.Value{i, ir.ConstInt(-3), &ir.VirtualRef{Index: 0}},
		Virtuals: []*ir.VirtualRecipe{
			{Layout: pairLayout, Fields: []ir.Value{i, &ir.VirtualRef{Index: 1}}},
			{Layout: floatsLayout, Length: 3, Fields: []ir.Value{nil, f, f}},
		},
	}, []*ir.Var{i, f}
}

func TestBuild(t *testing.T) {
	s, vars := testSnapshot()
	d, failArgs := Build(s)

	require.Equal(t, vars, failArgs)
	require.Equal(t, &Descriptor{
		PC: 12,
		Slots: []Source{
			{Kind: SourceFailArg, Type: api.ValueTypeInt, Index: 0},
			{Kind: SourceConst, Type: api.ValueTypeInt, Bits: api.EncodeInt(-3)},
			{Kind: SourceVirtual, Type: api.ValueTypeRef, Index: 0},
		},
		Recipes: []Recipe{
			{Layout: pairLayout, Fields: []Source{
				{Kind: SourceFailArg, Type: api.ValueTypeInt, Index: 0},
				{Kind: SourceVirtual, Type: api.ValueTypeRef, Index: 1},
			}},
			{Layout: floatsLayout, Length: 3, Fields: []Source{
				{Kind: SourceConst, Type: api.ValueTypeFloat},
				{Kind: SourceFailArg, Type: api.ValueTypeFloat, Index: 1},
				{Kind: SourceFailArg, Type: api.ValueTypeFloat, Index: 1},
			}},
		},
		FailArgTypes: []api.ValueType{api.ValueTypeInt, api.ValueTypeFloat},
	}, d)
	require.Equal(t, 2, d.NumFailArgs())
	require.NoError(t, d.Validate())
	require.Equal(t, "resume(pc=12, slots=[arg0 i:0xfffffffffffffffd virtual#0], recipes=2)", d.String())
}

func TestDecode(t *testing.T) {
	s, _ := testSnapshot()
	d, _ := Build(s)

	decoded, err := Decode(d.Encode(), layouts)
	require.NoError(t, err)
	require.Equal(t, d, decoded)

	t.Run("truncated", func(t *testing.T) {
		data := d.Encode()
		for i := 0; i < len(data); i++ {
			_, err := Decode(data[:i], layouts)
			var corrupt *CorruptError
			require.True(t, errors.As(err, &corrupt), "%d: %v", i, err)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Decode(append(d.Encode(), 0), layouts)
		require.Error(t, err)
		require.Contains(t, err.Error(), ": 1 trailing bytes")
	})

	t.Run("unknown layout", func(t *testing.T) {
		_, err := Decode(d.Encode(), func(api.LayoutID) *api.Layout { return nil })
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown layout 1")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		d      *Descriptor
		expErr string
	}{
		{
			name:   "fail argument",
			d:      &Descriptor{PC: 1, Slots: []Source{{Kind: SourceFailArg, Index: 1}}, FailArgTypes: []api.ValueType{api.ValueTypeInt}},
			expErr: "corrupt resume descriptor at pc 1: fail argument 1 out of 1",
		},
		{
			name:   "recipe",
			d:      &Descriptor{PC: 2, Slots: []Source{{Kind: SourceVirtual, Index: 0}}},
			expErr: "corrupt resume descriptor at pc 2: recipe 0 out of 0",
		},
		{
			name:   "kind",
			d:      &Descriptor{PC: 3, Slots: []Source{{Kind: 3}}},
			expErr: "corrupt resume descriptor at pc 3: unknown source kind 3",
		},
		{
			name:   "layout",
			d:      &Descriptor{PC: 4, Recipes: []Recipe{{}}},
			expErr: "corrupt resume descriptor at pc 4: recipe 0 without layout",
		},
		{
			name:   "fields",
			d:      &Descriptor{PC: 5, Recipes: []Recipe{{Layout: pairLayout}}},
			expErr: "corrupt resume descriptor at pc 5: recipe 0 has 0 fields, want 2",
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, tc.d.Validate(), tc.expErr)
		})
	}
}

func TestResume(t *testing.T) {
	s, _ := testSnapshot()
	d, _ := Build(s)
	host := testhost.New(api.RefHandle(api.Null), api.RefHandle(api.Null), api.RefHandle(api.Null))

	frame, err := Resume(d, []uint64{api.EncodeInt(7), api.EncodeFloat(2.5)}, host)
	require.NoError(t, err)
	require.Equal(t, 12, frame.PC)
	require.Equal(t, frame.Slots, host.Locals)
	require.Equal(t, api.IntHandle(7), frame.Slots[0])
	require.Equal(t, api.IntHandle(-3), frame.Slots[1])

	pair := frame.Slots[2].Ref()
	require.Equal(t, pairLayout, host.LayoutOf(pair))
	words := host.Words(pair)
	require.Equal(t, api.EncodeInt(7), words[0])
	arr := api.Ref(words[1])
	require.Equal(t, floatsLayout, host.LayoutOf(arr))
	require.Equal(t, []uint64{3, 0, api.EncodeFloat(2.5), api.EncodeFloat(2.5)}, host.Words(arr))

	// One allocation per recipe. Zero values are not stored.
	require.Equal(t, 2, host.Allocs)
	require.Equal(t, 5, host.Barriers)
}

func TestResume_sharedAndCyclic(t *testing.T) {
	// Both slots refer to the same pair, whose tail refers to itself.
	d := &Descriptor{
		PC: 3,
		Slots: []Source{
			{Kind: SourceVirtual, Type: api.ValueTypeRef, Index: 0},
			{Kind: SourceVirtual, Type: api.ValueTypeRef, Index: 0},
		},
		Recipes: []Recipe{{Layout: pairLayout, Fields: []Source{
			{Kind: SourceConst, Type: api.ValueTypeInt, Bits: api.EncodeInt(1)},
			{Kind: SourceVirtual, Type: api.ValueTypeRef, Index: 0},
		}}},
	}
	host := testhost.New(api.RefHandle(api.Null), api.RefHandle(api.Null))
	frame, err := Resume(d, nil, host)
	require.NoError(t, err)

	pair := frame.Slots[0].Ref()
	require.Equal(t, pair, frame.Slots[1].Ref())
	require.Equal(t, uint64(pair), host.Words(pair)[1])
	require.Equal(t, 1, host.Allocs)
}

func TestResume_corrupt(t *testing.T) {
	s, _ := testSnapshot()
	d, _ := Build(s)
	host := testhost.New(api.RefHandle(api.Null))

	_, err := Resume(d, []uint64{1}, host)
	require.EqualError(t, err, "corrupt resume descriptor at pc 12: 1 fail arguments passed, want 2")

	d.Slots[0].Index = 5
	_, err = Resume(d, []uint64{1, 2}, host)
	var corrupt *CorruptError
	require.True(t, errors.As(err, &corrupt))
	require.Zero(t, host.Allocs)
}

func TestSourceKind_String(t *testing.T) {
	require.Equal(t, "const", SourceConst.String())
	require.Equal(t, "failarg", SourceFailArg.String())
	require.Equal(t, "virtual", SourceVirtual.String())
	require.Equal(t, "SourceKind(7)", SourceKind(7).String())
}
