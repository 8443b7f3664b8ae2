// Package rfu models the operand collector register file unit of a shader
// core: a banked register file read through collector units that stage each
// instruction's source operands, an arbiter granting at most one read per
// bank per cycle, and dispatch units that move fully collected instructions
// into the functional unit issue registers.
package rfu

import (
	"fmt"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
)

// Ports wires the decode-side input register sets and the execute-side
// output register sets for each collector class. The int pair is optional:
// configurations without dedicated integer collectors route integer
// instructions through the SP pair and leave IntIn and IntOut nil.
type Ports struct {
	SPIn   *pipeline.RegisterSet
	SPOut  *pipeline.RegisterSet
	IntIn  *pipeline.RegisterSet
	IntOut *pipeline.RegisterSet
	SFUIn  *pipeline.RegisterSet
	SFUOut *pipeline.RegisterSet
	MemIn  *pipeline.RegisterSet
	MemOut *pipeline.RegisterSet
}

// inputPort is one allocation attempt per cycle from an input register set
// into the collector set that serves it. Several ports may share the same
// register sets; each extra port lets one more instruction enter per cycle.
type inputPort struct {
	in  *pipeline.RegisterSet
	out *pipeline.RegisterSet
	cus []int
}

// RFU is the operand collector register file unit of one core.
type RFU struct {
	numBanks      int
	warpShift     int
	subCore       bool
	banksPerSched int
	numScheds     int

	// cus is the collector unit arena; operand tokens and collector sets
	// refer to units by index into it.
	cus      []*CollectorUnit
	arb      *arbiter
	inPorts  []inputPort
	dispatch []*dispatchUnit
}

// New builds the register file unit for one core. Collector units group
// into one set per class (SP, INT when configured, SFU, MEM); each class
// gets as many input ports and dispatch units as the configuration names.
func New(cfg *config.GPU, p Ports) *RFU {
	r := &RFU{
		numBanks:      cfg.NumRegBanks,
		warpShift:     cfg.RegBankWarpShift,
		subCore:       cfg.SubCoreModel,
		banksPerSched: cfg.NumRegBanks / cfg.NumSchedsPerCore,
		numScheds:     cfg.NumSchedsPerCore,
	}
	sp := r.addCollectorSet(cfg.CollectorUnitsSP)
	r.addPorts(cfg.CollectorInPortsSP, p.SPIn, p.SPOut, sp)
	if cfg.CollectorUnitsInt > 0 {
		if p.IntIn == nil || p.IntOut == nil {
			panic("rfu: int collector units configured without int register sets")
		}
		intSet := r.addCollectorSet(cfg.CollectorUnitsInt)
		r.addPorts(cfg.CollectorInPortsInt, p.IntIn, p.IntOut, intSet)
	}
	sfu := r.addCollectorSet(cfg.CollectorUnitsSFU)
	mem := r.addCollectorSet(cfg.CollectorUnitsMem)
	r.addPorts(cfg.CollectorInPortsSFU, p.SFUIn, p.SFUOut, sfu)
	r.addPorts(cfg.CollectorInPortsMem, p.MemIn, p.MemOut, mem)
	r.arb = newArbiter(cfg.NumRegBanks, len(r.cus))
	return r
}

func (r *RFU) addCollectorSet(n int) []int {
	if r.subCore && n%r.numScheds != 0 {
		panic(fmt.Sprintf("rfu: %d collector units not divisible by %d schedulers", n, r.numScheds))
	}
	set := make([]int, n)
	for i := 0; i < n; i++ {
		id := len(r.cus)
		r.cus = append(r.cus,
			newCollectorUnit(id, r.numBanks, r.warpShift, r.subCore, r.banksPerSched))
		set[i] = id
	}
	return set
}

func (r *RFU) addPorts(n int, in, out *pipeline.RegisterSet, set []int) {
	for i := 0; i < n; i++ {
		r.inPorts = append(r.inPorts, inputPort{in: in, out: out, cus: set})
		r.dispatch = append(r.dispatch, &dispatchUnit{
			cus:       set,
			subCore:   r.subCore,
			numScheds: r.numScheds,
		})
	}
}

// Step advances the collector one cycle: dispatch ready units, grant bank
// reads, pull newly issued instructions into free units, then clear the
// per-cycle bank allocations.
func (r *RFU) Step() {
	r.dispatchReadyCU()
	r.allocateReads()
	for i := range r.inPorts {
		r.allocateCU(&r.inPorts[i])
	}
	r.arb.reset()
}

// Writeback reserves a write slot in every destination bank of a completing
// instruction. The claim is all-or-nothing: if any destination bank already
// carries an allocation this cycle, nothing is claimed and the caller must
// retry next cycle.
func (r *RFU) Writeback(inst *pipeline.WarpInst) bool {
	banks := make([]int, 0, 4)
	for _, reg := range inst.DestRegs {
		banks = append(banks, RegisterBank(reg, inst.WarpID, r.numBanks,
			r.warpShift, r.subCore, r.banksPerSched, inst.SchedulerID))
	}
	for _, b := range banks {
		if !r.arb.bankIdle(b) {
			return false
		}
	}
	for _, b := range banks {
		r.arb.allocateBankForWrite(b)
	}
	return true
}

func (r *RFU) dispatchReadyCU() {
	for _, du := range r.dispatch {
		if cu := du.findReady(r.cus); cu != nil {
			cu.dispatch()
		}
	}
}

func (r *RFU) allocateReads() {
	for _, op := range r.arb.allocateReads() {
		r.cus[op.cu].collectOperand(op.index)
	}
}

// allocateCU moves the oldest instruction waiting in the port's input
// register into a free collector unit and queues its bank reads. In the
// sub-core model only the issuing scheduler's slice of the set is eligible.
func (r *RFU) allocateCU(p *inputPort) {
	slot := p.in.GetReady()
	if slot < 0 {
		return
	}
	inst := p.in.Peek(slot)
	lo, hi := 0, len(p.cus)
	if r.subCore {
		per := len(p.cus) / r.numScheds
		lo = inst.SchedulerID * per
		hi = lo + per
	}
	for i := lo; i < hi; i++ {
		cu := r.cus[p.cus[i]]
		if !cu.Free() {
			continue
		}
		p.in.Take(slot)
		cu.allocate(inst, p.out)
		r.arb.addReadRequests(cu)
		return
	}
}
