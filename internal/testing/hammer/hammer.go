// Package hammer runs a test body from many goroutines released at the same instant, to provoke the races the
// engine guards against with compare-and-swap: concurrent bridge requests on one guard, and entries racing the
// reclamation of an invalidated loop.
package hammer

import (
	"runtime"
	"sync"
	"testing"

	"go.uber.org/atomic"
)

// Hammer invokes a test body concurrently in P goroutines, N times per goroutine.
//
// Here's an example:
//
//	P := 8               // max count of goroutines
//	if testing.Short() { // Adjust down if `-test.short`
//		P = 4
//	}
//
//	granted := hammer.New(t, P, 1).Count(func(p, n int) bool {
//		return guard.RequestBridge()
//	})
//	if t.Failed() {
//		return // At least one goroutine failed, so return now.
//	}
//	require.Equal(t, 1, granted)
type Hammer struct {
	t *testing.T
	// P is the count of goroutines.
	P int
	// N is the work per goroutine.
	N int
}

// New returns a Hammer of P goroutines doing N iterations each. Keep P*N small enough to complete in a fraction of
// a second.
func New(t *testing.T, P, N int) *Hammer {
	return &Hammer{t: t, P: P, N: N}
}

// Run invokes test(p, n) for each goroutine p and iteration n. A panic in a goroutine, such as a failed
// require, is reported on the test rather than crashing the binary.
func (h *Hammer) Run(test func(p, n int)) {
	h.Count(func(p, n int) bool {
		test(p, n)
		return false
	})
}

// Count is like Run, but returns how many invocations of test returned true, for example how many goroutines
// won a race which only one may win.
func (h *Hammer) Count(test func(p, n int) bool) int {
	// Fewer cores than goroutines forces them to interleave.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(max(h.P/2, 1)))

	var won atomic.Int64
	var ready, done sync.WaitGroup
	start := make(chan struct{})
	ready.Add(h.P)
	done.Add(h.P)
	for p := 0; p < h.P; p++ {
		go func(p int) {
			defer done.Done()
			defer func() {
				if r := recover(); r != nil {
					h.t.Errorf("goroutine %d: %v", p, r)
				}
			}()
			ready.Done()
			<-start
			for n := 0; n < h.N; n++ {
				if test(p, n) {
					won.Inc()
				}
			}
		}(p)
	}

	ready.Wait()
	close(start)
	done.Wait()
	return int(won.Load())
}
