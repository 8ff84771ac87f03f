package engine

import "fmt"

// Handle identifies a loop in the arena. Once the loop is reclaimed its slot gets a new generation, so stale
// handles never reach the loop installed in the same slot afterwards.
type Handle struct {
	Index      uint32
	Generation uint32
}

// Key packs the handle in a single integer, for example to key per-loop counters.
func (h Handle) Key() uint64 { return uint64(h.Generation)<<32 | uint64(h.Index) }

// HandleFromKey is the inverse of Handle.Key.
func HandleFromKey(k uint64) Handle {
	return Handle{Index: uint32(k), Generation: uint32(k >> 32)}
}

// IsZero returns true for the zero Handle, which never identifies a loop.
func (h Handle) IsZero() bool { return h.Generation == 0 }

// String implements fmt.Stringer.
func (h Handle) String() string { return fmt.Sprintf("loop#%d.%d", h.Index, h.Generation) }

// arena stores loops in reusable slots. It is not safe for concurrent use.
type arena struct {
	slots []arenaSlot
	// free are the indexes of the empty slots.
	free []uint32
	live int
}

type arenaSlot struct {
	generation uint32
	loop       *Loop
}

// insert stores l and returns its handle.
func (a *arena) insert(l *Loop) Handle {
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		// Generations start at one so that the zero Handle is invalid.
		a.slots = append(a.slots, arenaSlot{generation: 1})
	}
	s := &a.slots[index]
	s.loop = l
	a.live++
	return Handle{Index: index, Generation: s.generation}
}

// get returns the loop of h, or nil if h is stale.
func (a *arena) get(h Handle) *Loop {
	if int(h.Index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.Index]
	if s.generation != h.Generation {
		return nil
	}
	return s.loop
}

// remove empties the slot of h. It returns false if h is stale.
func (a *arena) remove(h Handle) bool {
	if a.get(h) == nil {
		return false
	}
	s := &a.slots[h.Index]
	s.loop = nil
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	a.free = append(a.free, h.Index)
	a.live--
	return true
}

// len returns the number of loops stored.
func (a *arena) len() int { return a.live }

// each calls fn for every loop stored, in slot order.
func (a *arena) each(fn func(*Loop)) {
	for i := range a.slots {
		if l := a.slots[i].loop; l != nil {
			fn(l)
		}
	}
}
