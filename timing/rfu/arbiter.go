package rfu

// bankAlloc is the per-bank allocation state for the current cycle.
type bankAlloc int

const (
	bankFree bankAlloc = iota
	bankReadAlloc
	bankWriteAlloc
)

// arbiter matches queued read tokens to idle register file banks. Reads go
// through per-bank FIFO queues and a bipartite round-robin match: at most
// one read per bank and one grant per collector unit each cycle. Writes
// claim a bank directly and shut out reads of that bank for the rest of the
// cycle.
type arbiter struct {
	numBanks      int
	numCollectors int

	queues [][]Operand
	alloc  []bankAlloc

	// lastCU rotates the match priority across collector units.
	lastCU int

	// Scratch for the wavefront match, reused across cycles.
	request  [][]bool
	inMatch  []int
	outMatch []int
}

func newArbiter(numBanks, numCollectors int) *arbiter {
	a := &arbiter{
		numBanks:      numBanks,
		numCollectors: numCollectors,
		queues:        make([][]Operand, numBanks),
		alloc:         make([]bankAlloc, numBanks),
		request:       make([][]bool, numBanks),
		inMatch:       make([]int, numBanks),
		outMatch:      make([]int, numCollectors),
	}
	for i := range a.request {
		a.request[i] = make([]bool, numCollectors)
	}
	return a
}

// addReadRequests queues one bank read per valid source token of cu.
func (a *arbiter) addReadRequests(cu *CollectorUnit) {
	for _, op := range cu.srcOps {
		if op.valid {
			a.queues[op.bank] = append(a.queues[op.bank], op)
		}
	}
}

// allocateReads grants queued reads to idle banks and returns the granted
// tokens. Only the front token of each bank queue competes, so grants stay
// FIFO within a bank; the wavefront match keeps each collector unit to one
// grant per cycle.
func (a *arbiter) allocateReads() []Operand {
	square := a.numBanks
	if a.numCollectors > square {
		square = a.numCollectors
	}
	pri := a.lastCU

	for i := 0; i < a.numBanks; i++ {
		a.inMatch[i] = -1
		for j := range a.request[i] {
			a.request[i][j] = false
		}
		if len(a.queues[i]) > 0 {
			a.request[i][a.queues[i][0].cu] = true
		}
		if a.alloc[i] == bankWriteAlloc {
			a.inMatch[i] = 0 // bank claimed by a write this cycle
		}
	}
	for j := range a.outMatch {
		a.outMatch[j] = -1
	}

	// Diagonal sweep over the bank x collector request matrix, priority
	// rotating with lastCU.
	for p := 0; p < square; p++ {
		out := (pri + p) % a.numCollectors
		for in := 0; in < a.numBanks; in++ {
			if a.inMatch[in] == -1 && a.outMatch[out] == -1 && a.request[in][out] {
				a.inMatch[in] = out
				a.outMatch[out] = in
			}
			out = (out + 1) % a.numCollectors
		}
	}
	a.lastCU = (a.lastCU + 1) % a.numCollectors

	var granted []Operand
	for i := 0; i < a.numBanks; i++ {
		if a.inMatch[i] == -1 || a.alloc[i] == bankWriteAlloc {
			continue
		}
		op := a.queues[i][0]
		a.queues[i] = a.queues[i][1:]
		a.alloc[i] = bankReadAlloc
		granted = append(granted, op)
	}
	return granted
}

// bankIdle reports whether the bank has no allocation this cycle.
func (a *arbiter) bankIdle(bank int) bool {
	return a.alloc[bank] == bankFree
}

// allocateBankForWrite claims the bank for a register write this cycle.
func (a *arbiter) allocateBankForWrite(bank int) {
	a.alloc[bank] = bankWriteAlloc
}

// reset clears the per-bank allocations. Grants and claims last one cycle.
func (a *arbiter) reset() {
	for i := range a.alloc {
		a.alloc[i] = bankFree
	}
}
