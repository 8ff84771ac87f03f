// Package regalloc assigns a register or a spill slot to every virtual register of a lowered trace.
//
// Traces have no control flow merges besides their labels, whose parameters are fresh virtual registers, so the
// liveness of a virtual register is a single interval from its definition to its last use. The allocator is a
// linear scan over these intervals (Poletto and Sarkar) and every virtual register keeps one location for its
// whole life.
package regalloc

import (
	"fmt"
	"sort"

	"github.com/tracelet/tracelet/internal/tracingapi"
)

// VRegID identifies a virtual register.
type VRegID uint32

// Interval is the live range of a virtual register: it is defined at Start and last used at End.
type Interval struct {
	ID    VRegID
	Type  RegType
	Start int
	End   int
}

// String implements fmt.Stringer.
func (i *Interval) String() string {
	return fmt.Sprintf("v%d(%s)[%d,%d]", i.ID, i.Type, i.Start, i.End)
}

// interferes returns true if a and b are live at the same time. A value last used at p does not interfere with
// a value defined at p.
func (i *Interval) interferes(o *Interval) bool {
	if i.End < o.Start || o.End < i.Start {
		return false
	}
	if i.End == o.Start && i.Start < o.Start {
		return false
	}
	if o.End == i.Start && o.Start < i.Start {
		return false
	}
	return true
}

// Location is where a virtual register lives: a register, or a slot of the spill area.
type Location struct {
	Reg  RealReg
	Slot int
}

// RegLocation returns the location of a value held in r.
func RegLocation(r RealReg) Location { return Location{Reg: r, Slot: -1} }

// SlotLocation returns the location of a value spilled to slot.
func SlotLocation(slot int) Location { return Location{Reg: RealRegInvalid, Slot: slot} }

// IsReg returns true if the location is a register.
func (l Location) IsReg() bool { return l.Reg != RealRegInvalid }

// Result is the outcome of an allocation.
type Result struct {
	Locations map[VRegID]Location
	// NumSpillSlots is the size of the spill area in words.
	NumSpillSlots int
	// UsedRegisters are the registers holding at least one virtual register.
	UsedRegisters RegSet
}

// Allocator performs the allocation. It can be reused across compilations after Reset.
type Allocator struct {
	regInfo *RegisterInfo

	// active are the intervals holding a register, activeSlots the ones holding a spill slot.
	active      []*Interval
	activeSlots []*Interval
	inUse       RegSet
	freeSlots   []int
	numSlots    int
	locations   map[VRegID]Location
}

// NewAllocator returns a new Allocator.
func NewAllocator(regInfo *RegisterInfo) Allocator {
	return Allocator{regInfo: regInfo, locations: map[VRegID]Location{}}
}

// Reset resets the allocator's internal state so that it can be reused.
func (a *Allocator) Reset() {
	a.active = a.active[:0]
	a.activeSlots = a.activeSlots[:0]
	a.inUse = 0
	a.freeSlots = a.freeSlots[:0]
	a.numSlots = 0
	a.locations = map[VRegID]Location{}
}

// DoAllocation allocates the given intervals. Values live across one of the clobbers positions, where every
// register may be overwritten, are spilled.
func (a *Allocator) DoAllocation(intervals []Interval, clobbers []int) (*Result, error) {
	a.Reset()

	sorted := make([]*Interval, len(intervals))
	seen := make(map[VRegID]struct{}, len(intervals))
	for i := range intervals {
		iv := &intervals[i]
		if iv.End < iv.Start {
			return nil, fmt.Errorf("interval %s ends before it starts", iv)
		}
		if iv.Type != RegTypeInt && iv.Type != RegTypeFloat {
			return nil, fmt.Errorf("interval %s has no register class", iv)
		}
		if _, ok := seen[iv.ID]; ok {
			return nil, fmt.Errorf("v%d has several intervals", iv.ID)
		}
		seen[iv.ID] = struct{}{}
		sorted[i] = iv
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	cs := append([]int(nil), clobbers...)
	sort.Ints(cs)

	res := &Result{}
	for _, iv := range sorted {
		a.expire(iv.Start)
		if crossesClobber(cs, iv) {
			a.spill(iv)
			continue
		}
		if r, ok := a.freeReg(iv.Type); ok {
			a.assign(iv, r)
			continue
		}
		if len(a.regInfo.AllocatableRegisters[iv.Type]) == 0 {
			return nil, fmt.Errorf("no %s registers to allocate %s", iv.Type, iv)
		}
		a.spillAtInterval(iv)
	}

	res.Locations = a.locations
	res.NumSpillSlots = a.numSlots
	for _, loc := range a.locations {
		if loc.IsReg() {
			res.UsedRegisters = res.UsedRegisters.add(loc.Reg)
		}
	}

	if tracingapi.RegAllocValidationEnabled {
		if err := validate(intervals, cs, res); err != nil {
			return nil, err
		}
	}
	if tracingapi.RegAllocLoggingEnabled {
		for _, iv := range sorted {
			fmt.Printf("%s -> %s\n", iv, a.formatLocation(a.locations[iv.ID]))
		}
	}
	return res, nil
}

func (a *Allocator) formatLocation(l Location) string {
	if l.IsReg() {
		return a.regInfo.RealRegName(l.Reg)
	}
	return fmt.Sprintf("slot%d", l.Slot)
}

// expire releases the locations of the intervals which are dead at pos.
func (a *Allocator) expire(pos int) {
	dead := func(iv *Interval) bool { return iv.End < pos || (iv.End == pos && iv.Start < pos) }

	kept := a.active[:0]
	for _, iv := range a.active {
		if dead(iv) {
			a.inUse &^= 1 << uint(a.locations[iv.ID].Reg)
		} else {
			kept = append(kept, iv)
		}
	}
	a.active = kept

	keptSlots := a.activeSlots[:0]
	for _, iv := range a.activeSlots {
		if dead(iv) {
			a.freeSlots = append(a.freeSlots, a.locations[iv.ID].Slot)
		} else {
			keptSlots = append(keptSlots, iv)
		}
	}
	a.activeSlots = keptSlots
}

func (a *Allocator) freeReg(typ RegType) (RealReg, bool) {
	for _, r := range a.regInfo.AllocatableRegisters[typ] {
		if !a.inUse.Has(r) {
			return r, true
		}
	}
	return RealRegInvalid, false
}

func (a *Allocator) assign(iv *Interval, r RealReg) {
	a.inUse = a.inUse.add(r)
	a.locations[iv.ID] = RegLocation(r)
	a.active = append(a.active, iv)
}

func (a *Allocator) spill(iv *Interval) {
	slot := -1
	if len(a.freeSlots) > 0 {
		// Lowest free slot first so that the spill area stays dense.
		sort.Ints(a.freeSlots)
		slot = a.freeSlots[0]
		a.freeSlots = a.freeSlots[1:]
	}
	a.spillTo(iv, slot)
}

// spillTo moves iv to slot, or to a new slot if slot is negative.
func (a *Allocator) spillTo(iv *Interval, slot int) {
	if slot < 0 {
		slot = a.numSlots
		a.numSlots++
	}
	a.locations[iv.ID] = SlotLocation(slot)
	a.activeSlots = append(a.activeSlots, iv)
}

// spillAtInterval spills whichever of iv and the active intervals of its class ends last.
func (a *Allocator) spillAtInterval(iv *Interval) {
	var victim *Interval
	victimIndex := -1
	for i, cur := range a.active {
		if cur.Type != iv.Type {
			continue
		}
		if victim == nil || cur.End > victim.End {
			victim, victimIndex = cur, i
		}
	}
	if victim == nil || victim.End <= iv.End {
		a.spill(iv)
		return
	}
	r := a.locations[victim.ID].Reg
	a.active = append(a.active[:victimIndex], a.active[victimIndex+1:]...)
	// The free slots may have been used while the victim was live.
	a.spillTo(victim, -1)
	a.locations[iv.ID] = RegLocation(r)
	a.active = append(a.active, iv)
}

// crossesClobber returns true if a clobber lies strictly inside iv. clobbers must be sorted.
func crossesClobber(clobbers []int, iv *Interval) bool {
	i := sort.SearchInts(clobbers, iv.Start+1)
	return i < len(clobbers) && clobbers[i] < iv.End
}

// validate checks that no two interfering intervals share a location and that no register is live across a
// clobber.
func validate(intervals []Interval, clobbers []int, res *Result) error {
	byLoc := map[Location][]*Interval{}
	for i := range intervals {
		iv := &intervals[i]
		loc, ok := res.Locations[iv.ID]
		if !ok {
			return fmt.Errorf("v%d has no location", iv.ID)
		}
		if loc.IsReg() && crossesClobber(clobbers, iv) {
			return fmt.Errorf("v%d is live across a clobber in a register", iv.ID)
		}
		byLoc[loc] = append(byLoc[loc], iv)
	}
	for loc, ivs := range byLoc {
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
		var longest *Interval
		for _, iv := range ivs {
			if longest != nil && longest.interferes(iv) {
				return fmt.Errorf("%s and %s share %+v", longest, iv, loc)
			}
			if longest == nil || iv.End > longest.End {
				longest = iv
			}
		}
	}
	return nil
}
