package core

import (
	"fmt"
	"strings"

	"github.com/mfkiwl/gpucachesim/timing/latency"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
	"github.com/mfkiwl/gpucachesim/trace"
)

// instBaseAddr places the program text in the address space the
// instruction cache fetches from, well away from traced data addresses.
const instBaseAddr uint64 = 0xF000_0000

// rzReg is the zero-register sentinel some tracers emit as an operand.
// It never carries a dependency.
const rzReg = 255

// fetch brings instruction lines toward warp ibuffers. Completed
// fetches land in fetchBuf and decode into the ibuffer on the next
// cycle.
func (c *Core) fetch(cycle uint64) {
	if c.cfg.PerfectInstCache {
		c.launchFetches(cycle, c.perfectFetch)
		return
	}

	c.l1i.Cycle(cycle)

	// Returned lines fill the cache through the fill ports.
	for len(c.instReturns) > 0 {
		f := c.instReturns[0]
		if !c.l1i.WaitingForFill(f) {
			panic(fmt.Sprintf("core %s: unexpected instruction return %s", c.name, f))
		}
		if !c.l1i.HasFreeFillPort() {
			break
		}
		c.instReturns = c.instReturns[1:]
		c.l1i.Fill(f, cycle)
	}

	// Fetches whose line arrived decode next cycle.
	for c.l1i.HasReadyAccesses() {
		f := c.l1i.NextAccess()
		f.SetStatus(mem.StatusDeleted, cycle)
		c.fetchBuf = append(c.fetchBuf, f.WarpID)
	}

	c.launchFetches(cycle, c.cacheFetch)
}

// launchFetches walks the warps round-robin after the last one served
// and starts up to InstFetchThroughput fetches.
func (c *Core) launchFetches(cycle uint64, launch func(w *warp, cycle uint64)) {
	origin := c.fetchRR
	launched := 0
	for i := 1; i <= len(c.warps) && launched < c.cfg.InstFetchThroughput; i++ {
		w := c.warps[(origin+i)%len(c.warps)]
		if !c.fetchEligible(w) {
			continue
		}
		launch(w, cycle)
		c.fetchRR = w.id
		launched++
	}
}

// fetchEligible selects warps that need their next instruction: the
// ibuffer is drained and no fetch is in flight. A warp holding a fetch
// that failed on cache resources retries it.
func (c *Core) fetchEligible(w *warp) bool {
	if !w.active || w.doneExit || w.functionalDone() || len(w.ibuffer) > 0 {
		return false
	}
	return !w.fetchPending || w.instFetch != nil
}

func (c *Core) perfectFetch(w *warp, cycle uint64) {
	w.fetchPending = true
	c.fetchBuf = append(c.fetchBuf, w.id)
}

func (c *Core) cacheFetch(w *warp, cycle uint64) {
	if w.instFetch == nil {
		lineSize := uint64(c.cfg.L1I.LineSize)
		addr := (instBaseAddr + w.insts[w.next].PC) &^ (lineSize - 1)
		acc := mem.NewAccess(mem.InstRead, addr, uint32(lineSize), 0)
		w.instFetch = c.alloc.New(acc, w.id, w.kernelID, 0, cycle)
		w.fetchPending = true
	}

	status, _ := c.l1i.Access(w.instFetch, cycle)
	switch status {
	case mem.Hit:
		w.instFetch.SetStatus(mem.StatusDeleted, cycle)
		w.instFetch = nil
		c.fetchBuf = append(c.fetchBuf, w.id)
	case mem.ReservationFailure:
		// Keep the fetch and retry next cycle.
	default:
		// The cache owns the miss now; the line comes back through
		// NextAccess.
		w.instFetch = nil
	}
}

// decode fills the ibuffers of the warps fetched last cycle.
func (c *Core) decode(cycle uint64) {
	for _, wid := range c.fetchBuf {
		w := c.warps[wid]
		w.fetchPending = false
		for len(w.ibuffer) < ibufferSize && !w.functionalDone() {
			w.ibuffer = append(w.ibuffer, c.decodeInst(w, &w.insts[w.next]))
			w.next++
		}
	}
	c.fetchBuf = c.fetchBuf[:0]
}

// decodeInst turns a trace record into a warp instruction carrying its
// timing class and operand set.
func (c *Core) decodeInst(w *warp, ti *trace.Inst) *pipeline.WarpInst {
	c.instUID++
	class := latency.ClassOf(ti.Opcode)

	inst := &pipeline.WarpInst{
		UID:           c.instUID,
		PC:            ti.PC,
		Opcode:        ti.Opcode,
		Class:         class,
		WarpID:        w.id,
		DynamicWarpID: w.dynamicID,
		BlockID:       w.blockID,
		KernelID:      w.kernelID,
		SchedulerID:   w.schedulerID,
		ActiveMask:    ti.Mask,
		DestRegs:      filterRegs(ti.DestRegs),
		SrcRegs:       filterRegs(ti.SrcRegs),
		Latency:       c.latency.Latency(class),
		Initiation:    c.latency.Initiation(class),
	}

	if class == latency.ClassMem {
		inst.MemWidth = uint32(ti.MemWidth)
		inst.Addrs = make([]uint64, trace.WarpSize)
		copy(inst.Addrs, ti.Addrs[:])
		// Stores carry no destination; atomics read-modify-write and
		// travel as reads even when they discard the old value.
		inst.IsStore = !isAtomicOpcode(ti.Opcode) && len(ti.DestRegs) == 0
	}

	return inst
}

// filterRegs drops sentinel registers that carry no dependency.
func filterRegs(regs []int) []int {
	out := make([]int, 0, len(regs))
	for _, r := range regs {
		if r >= 0 && r != rzReg {
			out = append(out, r)
		}
	}
	return out
}

func baseOpcode(op string) string {
	if i := strings.IndexByte(op, '.'); i >= 0 {
		return op[:i]
	}
	return op
}

func isAtomicOpcode(op string) bool {
	switch baseOpcode(op) {
	case "ATOM", "ATOMG", "ATOMS", "RED":
		return true
	}
	return false
}
