package rfu

import (
	"fmt"

	"github.com/mfkiwl/gpucachesim/timing/pipeline"
)

// MaxRegOperands bounds the number of source or destination registers a
// single instruction can carry. The collector unit operand table and its
// not-ready mask cover twice that many slots.
const MaxRegOperands = 32

// Operand is one register file read in flight between a collector unit and
// the bank arbiter. The owning unit is referenced by its arena index rather
// than a pointer, so a token that outlives a reallocated unit can never
// dangle into stale state.
type Operand struct {
	valid   bool
	cu      int
	index   int
	reg     int
	bank    int
	schedID int
}

func (o Operand) String() string {
	if !o.valid {
		return "-"
	}
	return fmt.Sprintf("r%d@bank%d", o.reg, o.bank)
}

// CollectorUnit stages one warp instruction while its source operands are
// read from the register file banks. A unit is free, collecting (some
// not-ready bits still set), or ready to dispatch into its output register
// set. The not-ready mask only ever loses bits between allocation and
// dispatch.
type CollectorUnit struct {
	id     int
	free   bool
	inst   *pipeline.WarpInst
	outReg *pipeline.RegisterSet

	// schedID is stamped from the instruction at allocation. It selects
	// the output slot and the bank slice in the sub-core model.
	schedID int

	// srcOps[i] is the read token for SrcRegs[i]; not-ready bit i stays
	// set until the bank read for slot i is granted.
	srcOps   []Operand
	notReady uint64

	numBanks      int
	warpShift     int
	subCore       bool
	banksPerSched int
}

func newCollectorUnit(id, numBanks, warpShift int, subCore bool, banksPerSched int) *CollectorUnit {
	return &CollectorUnit{
		id:            id,
		free:          true,
		srcOps:        make([]Operand, 2*MaxRegOperands),
		numBanks:      numBanks,
		warpShift:     warpShift,
		subCore:       subCore,
		banksPerSched: banksPerSched,
	}
}

// Free reports whether the unit holds no instruction.
func (cu *CollectorUnit) Free() bool {
	return cu.free
}

// ready reports whether every source operand has been collected and the
// output register set can take the instruction. In the sub-core model the
// unit waits for its scheduler's own output slot.
func (cu *CollectorUnit) ready() bool {
	if cu.free || cu.notReady != 0 {
		return false
	}
	if cu.subCore {
		return cu.outReg.HasFreeSubCore(cu.schedID)
	}
	return cu.outReg.HasFree()
}

// allocate takes ownership of inst and builds one read token per distinct
// source register. A register repeated among the sources is read from its
// bank once; the duplicate slots never set a not-ready bit.
func (cu *CollectorUnit) allocate(inst *pipeline.WarpInst, out *pipeline.RegisterSet) {
	if !cu.free || cu.notReady != 0 {
		panic(fmt.Sprintf("rfu: allocating busy collector unit %d", cu.id))
	}
	if len(inst.SrcRegs) > len(cu.srcOps) {
		panic(fmt.Sprintf("rfu: %v carries %d source registers", inst, len(inst.SrcRegs)))
	}
	cu.free = false
	cu.inst = inst
	cu.outReg = out
	cu.schedID = inst.SchedulerID
	for i, reg := range inst.SrcRegs {
		if containsReg(inst.SrcRegs[:i], reg) {
			continue
		}
		cu.srcOps[i] = Operand{
			valid: true,
			cu:    cu.id,
			index: i,
			reg:   reg,
			bank: RegisterBank(reg, inst.WarpID, cu.numBanks, cu.warpShift,
				cu.subCore, cu.banksPerSched, cu.schedID),
			schedID: cu.schedID,
		}
		cu.notReady |= 1 << uint(i)
	}
}

// collectOperand marks source slot i as read from its bank.
func (cu *CollectorUnit) collectOperand(i int) {
	cu.notReady &^= 1 << uint(i)
}

// dispatch moves the collected instruction into the output register set and
// frees the unit. Callers check ready() first, so the target slot is free.
func (cu *CollectorUnit) dispatch() {
	slot := cu.schedID
	if !cu.subCore {
		slot = cu.outReg.GetFree()
	}
	cu.outReg.Put(slot, cu.inst)
	cu.inst = nil
	cu.outReg = nil
	cu.free = true
	for i := range cu.srcOps {
		cu.srcOps[i] = Operand{}
	}
}

func containsReg(regs []int, reg int) bool {
	for _, r := range regs {
		if r == reg {
			return true
		}
	}
	return false
}

// dispatchUnit drains ready collector units of one collector set into their
// output registers, one unit per cycle, round-robin.
type dispatchUnit struct {
	cus       []int
	lastCU    int
	subCore   bool
	numScheds int
}

// findReady returns the next ready unit in round-robin order. In the
// sub-core model the scan skips to the slice after the one that dispatched
// last, so the schedulers take turns before any slice goes twice.
func (d *dispatchUnit) findReady(arena []*CollectorUnit) *CollectorUnit {
	n := len(d.cus)
	incr := 1
	if d.subCore {
		per := n / d.numScheds
		incr = per - d.lastCU%per
	}
	for i := 0; i < n; i++ {
		c := (d.lastCU + i + incr) % n
		cu := arena[d.cus[c]]
		if cu.ready() {
			d.lastCU = c
			return cu
		}
	}
	return nil
}
