package warmup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelet/tracelet/api"
)

func reach(d *Detector, h api.HeaderID, n int) (traced int) {
	for i := 0; i < n; i++ {
		if d.OnLoopHeaderReached(h) == ActionStartTracing {
			traced++
		}
	}
	return
}

func TestDetector_OnLoopHeaderReached(t *testing.T) {
	d := NewDetector(Config{HotLoopThreshold: 5, BlacklistWindow: 2})
	const h = api.HeaderID(1)

	require.Equal(t, StateCold, d.State(h))
	require.Equal(t, 0, reach(d, h, 4))
	require.Equal(t, StateCounting, d.State(h))
	require.Equal(t, ActionStartTracing, d.OnLoopHeaderReached(h))

	d.MarkTracing(h)
	require.Equal(t, 0, reach(d, h, 100))

	d.MarkCompiled(h)
	require.Equal(t, StateCompiled, d.State(h))
	require.Equal(t, 0, reach(d, h, 100))

	d.Invalidate(h)
	require.Equal(t, StateCold, d.State(h))
	require.Equal(t, 1, reach(d, h, 5))
}

func TestDetector_Abort(t *testing.T) {
	d := NewDetector(Config{HotLoopThreshold: 3, BlacklistWindow: 2})
	const h = api.HeaderID(7)

	// Repeated aborts: every attempt is followed by two ignored threshold crossings.
	attempts := 0
	for i := 0; i < 10; i++ {
		for d.OnLoopHeaderReached(h) != ActionStartTracing {
		}
		attempts++
		d.MarkTracing(h)
		d.Abort(h)
		require.Equal(t, StateBlacklisted, d.State(h))
		require.Equal(t, uint32(2), d.Counter(h).Skip)

		// Two crossings of 3 are swallowed, the third starts tracing again.
		require.Equal(t, 0, reach(d, h, 6))
		require.Equal(t, StateCounting, d.State(h))
	}
	require.Equal(t, 10, attempts)
	require.Equal(t, uint32(10), d.Counter(h).Aborts)
	// State does not grow with the number of aborts.
	require.Equal(t, 1, d.NumHeaders())
}

func TestDetector_Abort_noWindow(t *testing.T) {
	d := NewDetector(Config{HotLoopThreshold: 2})
	const h = api.HeaderID(1)
	require.Equal(t, 1, reach(d, h, 2))
	d.Abort(h)
	require.Equal(t, StateCounting, d.State(h))
	require.Equal(t, 1, reach(d, h, 2))
}

func TestDetector_Disable(t *testing.T) {
	d := NewDetector(Config{HotLoopThreshold: 1})
	d.Disable(3)
	require.Equal(t, 0, reach(d, 3, 10))
	require.Equal(t, StateDisabled, d.State(3))
}

func TestDetector_OnGuardFailure(t *testing.T) {
	d := NewDetector(Config{BridgeThreshold: 3})
	g := GuardKey{Loop: 1, Index: 4}
	other := GuardKey{Loop: 1, Index: 5}

	require.Equal(t, GuardActionContinueInInterpreter, d.OnGuardFailure(g))
	require.Equal(t, GuardActionContinueInInterpreter, d.OnGuardFailure(g))
	require.Equal(t, GuardActionContinueInInterpreter, d.OnGuardFailure(other))
	require.Equal(t, GuardActionCompileBridge, d.OnGuardFailure(g))
	require.Equal(t, uint32(0), d.GuardFailures(g))
	require.Equal(t, uint32(1), d.GuardFailures(other))

	d.ForgetLoop(1)
	require.Equal(t, uint32(0), d.GuardFailures(other))
}

func TestNewDetector_defaults(t *testing.T) {
	d := NewDetector(Config{})
	require.Equal(t, uint32(DefaultHotLoopThreshold), d.Config().HotLoopThreshold)
	require.Equal(t, uint32(DefaultBridgeThreshold), d.Config().BridgeThreshold)
	require.Equal(t, "blacklisted", StateBlacklisted.String())
}
