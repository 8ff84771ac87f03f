package api_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/api"
	"github.com/tracelet/tracelet/internal/testing/testhost"
)

func TestExecutor(t *testing.T) {
	point := api.NewLayout(1, "Point",
		api.NewField("x", api.ValueTypeInt, false),
		api.NewField("y", api.ValueTypeFloat, false))
	floats := api.NewArrayLayout(2, "floats", api.ValueTypeFloat)

	host := testhost.New(api.IntHandle(40), api.Handle{})
	ex := api.NewExecutor(host)

	sum := ex.Do(api.OpIntAdd, nil, ex.Local(0), ex.Int(2))
	require.Equal(t, api.IntHandle(42), sum)
	ex.SetLocal(1, sum)
	require.Equal(t, api.IntHandle(42), host.Locals[1])

	require.True(t, ex.IsTrue(ex.Do(api.OpIntLt, nil, ex.Int(1), ex.Int(2))))
	require.False(t, ex.IsTrue(ex.Do(api.OpFloatLt, nil, ex.Float(2), ex.Float(1))))

	p := ex.Do(api.OpNew, point)
	require.Equal(t, api.ValueTypeRef, p.Type())
	require.False(t, ex.IsNull(p))
	require.Equal(t, point, ex.LayoutOf(p))
	require.Equal(t, api.Handle{}, ex.Do(api.OpSetField, point.Fields[1], p, ex.Float(1.5)))
	require.Equal(t, api.FloatHandle(1.5), ex.Do(api.OpGetField, point.Fields[1], p))
	require.Equal(t, 1, host.Barriers)

	a := ex.Do(api.OpNewArray, floats, ex.Int(3))
	ex.Do(api.OpSetArrayItem, floats, a, ex.Int(2), ex.Float(0.5))
	require.Equal(t, api.IntHandle(3), ex.Do(api.OpArrayLen, floats, a))
	require.Equal(t, api.FloatHandle(0.5), ex.Do(api.OpGetArrayItem, floats, a, ex.Int(2)))
	require.Equal(t, api.FloatHandle(0), ex.Do(api.OpGetArrayItem, floats, a, ex.Int(0)))

	require.True(t, ex.IsNull(ex.Ref(api.Null)))
	require.Equal(t, api.FloatHandle(1.5), ex.Do(api.OpSameAs, nil, ex.Float(1.5)))
	require.Equal(t, uint64(7), ex.Promote(ex.Int(7)))
}

func TestExecutor_DoOvf(t *testing.T) {
	ex := api.NewExecutor(testhost.New())

	r, ok := ex.DoOvf(api.OpIntAddOvf, ex.Int(1), ex.Int(2))
	require.True(t, ok)
	require.Equal(t, api.IntHandle(3), r)

	r, ok = ex.DoOvf(api.OpIntMulOvf, ex.Int(math.MaxInt64), ex.Int(2))
	require.False(t, ok)
	require.Equal(t, api.IntHandle(-2), r)
}

func TestExecutor_Call(t *testing.T) {
	host := testhost.New()
	boom := errors.New("boom")
	host.Calls[1] = func(ops []uint64) (uint64, error) { return ops[0] * 3, nil }
	host.Calls[2] = func([]uint64) (uint64, error) { return 0, boom }
	host.Assumptions[5] = api.IntHandle(9)
	ex := api.NewExecutor(host)

	triple := &api.CallDescr{Op: 1, Name: "triple", Args: []api.ValueType{api.ValueTypeInt}, Result: api.ValueTypeInt}
	v, err := ex.Call(triple, ex.Int(5))
	require.NoError(t, err)
	require.Equal(t, api.IntHandle(15), v)

	raise := &api.CallDescr{Op: 2, Name: "raise", CanRaise: true}
	_, err = ex.Call(raise)
	require.Equal(t, boom, err)

	require.Equal(t, api.IntHandle(9), ex.ReadAssumption(5))
}
