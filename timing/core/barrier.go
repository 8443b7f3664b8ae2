package core

// barrierSet tracks the block-wide barrier of every resident block slot.
// A warp that issues bar.sync joins its block's barrier; when the last
// live warp arrives, every member releases together on the next cycle.
type barrierSet struct {
	expected []int
	arrived  []int
	release  []bool
}

func newBarrierSet(numSlots int) *barrierSet {
	return &barrierSet{
		expected: make([]int, numSlots),
		arrived:  make([]int, numSlots),
		release:  make([]bool, numSlots),
	}
}

// reset arms the barrier of a freshly issued block.
func (b *barrierSet) reset(slot, liveWarps int) {
	b.expected[slot] = liveWarps
	b.arrived[slot] = 0
	b.release[slot] = false
}

// arrive records one warp reaching the barrier and reports whether this
// arrival completed it.
func (b *barrierSet) arrive(slot int) bool {
	b.arrived[slot]++
	if b.arrived[slot] < b.expected[slot] {
		return false
	}
	b.arrived[slot] = 0
	b.release[slot] = true
	return true
}

// warpExited removes a finished warp from the barrier's membership. A
// barrier everyone else already reached completes at that point.
func (b *barrierSet) warpExited(slot int) bool {
	b.expected[slot]--
	if b.expected[slot] > 0 && b.arrived[slot] >= b.expected[slot] {
		b.arrived[slot] = 0
		b.release[slot] = true
		return true
	}
	return false
}

// takeRelease consumes the pending release of a slot.
func (b *barrierSet) takeRelease(slot int) bool {
	if !b.release[slot] {
		return false
	}
	b.release[slot] = false
	return true
}
