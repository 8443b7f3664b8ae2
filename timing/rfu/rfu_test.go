package rfu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
	"github.com/mfkiwl/gpucachesim/timing/rfu"
)

var nextUID uint64

func newInst(opcode string, warp, sched int, srcs, dsts []int) *pipeline.WarpInst {
	nextUID++
	return &pipeline.WarpInst{
		UID:         nextUID,
		Opcode:      opcode,
		WarpID:      warp,
		SchedulerID: sched,
		ActiveMask:  0xffffffff,
		SrcRegs:     srcs,
		DestRegs:    dsts,
	}
}

// newTestRFU builds a small collector: 8 banks, 4 SP + 2 SFU + 2 MEM
// units, 2 SP ports, 2 scheduler slots per register set.
func newTestRFU(mutate func(*config.GPU)) (*rfu.RFU, rfu.Ports) {
	cfg := config.DefaultConfig()
	cfg.NumRegBanks = 8
	cfg.RegBankWarpShift = 5
	cfg.NumSchedsPerCore = 2
	cfg.SubCoreModel = false
	cfg.CollectorUnitsSP = 4
	cfg.CollectorUnitsSFU = 2
	cfg.CollectorUnitsMem = 2
	cfg.CollectorInPortsSP = 2
	cfg.CollectorInPortsSFU = 1
	cfg.CollectorInPortsMem = 1
	if mutate != nil {
		mutate(cfg)
	}
	p := rfu.Ports{
		SPIn:   pipeline.NewRegisterSet(pipeline.IDOCSP, cfg.NumSchedsPerCore),
		SPOut:  pipeline.NewRegisterSet(pipeline.OCEXSP, cfg.NumSchedsPerCore),
		SFUIn:  pipeline.NewRegisterSet(pipeline.IDOCSFU, cfg.NumSchedsPerCore),
		SFUOut: pipeline.NewRegisterSet(pipeline.OCEXSFU, cfg.NumSchedsPerCore),
		MemIn:  pipeline.NewRegisterSet(pipeline.IDOCMEM, cfg.NumSchedsPerCore),
		MemOut: pipeline.NewRegisterSet(pipeline.OCEXMEM, cfg.NumSchedsPerCore),
	}
	return rfu.New(cfg, p), p
}

func step(r *rfu.RFU, n int) {
	for i := 0; i < n; i++ {
		r.Step()
	}
}

var _ = Describe("Register bank mapping", func() {
	It("maps registers modulo the bank count", func() {
		Expect(rfu.RegisterBank(2, 0, 8, 5, false, 4, 0)).To(Equal(2))
		Expect(rfu.RegisterBank(10, 0, 8, 5, false, 4, 0)).To(Equal(2))
	})

	It("staggers the mapping by warp group", func() {
		Expect(rfu.RegisterBank(2, 31, 8, 5, false, 4, 0)).To(Equal(2))
		Expect(rfu.RegisterBank(2, 32, 8, 5, false, 4, 0)).To(Equal(3))
		Expect(rfu.RegisterBank(2, 64, 8, 5, false, 4, 0)).To(Equal(4))
	})

	It("keeps sub-core mappings inside the scheduler's slice", func() {
		Expect(rfu.RegisterBank(5, 0, 8, 5, true, 4, 0)).To(Equal(1))
		Expect(rfu.RegisterBank(5, 0, 8, 5, true, 4, 1)).To(Equal(5))
		for reg := 0; reg < 64; reg++ {
			bank := rfu.RegisterBank(reg, 0, 8, 5, true, 4, 1)
			Expect(bank).To(BeNumerically(">=", 4))
			Expect(bank).To(BeNumerically("<", 8))
		}
	})
})

var _ = Describe("Operand collection", func() {
	var (
		r *rfu.RFU
		p rfu.Ports
	)

	BeforeEach(func() {
		r, p = newTestRFU(nil)
	})

	It("collects one operand per unit per cycle before dispatching", func() {
		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{2, 3}, []int{1}))

		step(r, 1) // allocate collector
		Expect(p.SPIn.Occupied()).To(Equal(0))
		step(r, 2) // one bank read per cycle
		Expect(p.SPOut.Occupied()).To(Equal(0))
		step(r, 1) // dispatch
		Expect(p.SPOut.Occupied()).To(Equal(1))
		Expect(p.SPOut.Peek(0).Opcode).To(Equal("ADD"))
	})

	It("moves a single-source instruction through in three cycles", func() {
		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{2}, []int{1}))

		step(r, 2)
		Expect(p.SPOut.Occupied()).To(Equal(0))
		step(r, 1)
		Expect(p.SPOut.Occupied()).To(Equal(1))
	})

	It("reads a duplicated source register once", func() {
		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{2, 2}, []int{1}))

		step(r, 3)
		Expect(p.SPOut.Occupied()).To(Equal(1))
	})

	It("dispatches a source-free instruction without bank reads", func() {
		p.SPIn.Put(0, newInst("MOV", 0, 0, nil, []int{1}))

		step(r, 2)
		Expect(p.SPOut.Occupied()).To(Equal(1))
	})

	It("keeps collector classes independent", func() {
		p.MemIn.Put(0, newInst("LDG", 0, 0, []int{4}, []int{5}))

		step(r, 3)
		Expect(p.MemOut.Occupied()).To(Equal(1))
		Expect(p.SPOut.Occupied()).To(Equal(0))
	})
})

var _ = Describe("Bank arbitration", func() {
	var (
		r *rfu.RFU
		p rfu.Ports
	)

	BeforeEach(func() {
		r, p = newTestRFU(nil)
	})

	It("serializes same-bank reads from two units", func() {
		// R2 and R10 both map to bank 2 with 8 banks.
		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{2}, []int{1}))
		p.SPIn.Put(1, newInst("MUL", 0, 1, []int{10}, []int{3}))

		step(r, 3)
		Expect(p.SPOut.Occupied()).To(Equal(1))
		step(r, 1)
		Expect(p.SPOut.Occupied()).To(Equal(2))
	})

	It("grants reads of distinct banks in the same cycle", func() {
		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{2}, []int{1}))
		p.SPIn.Put(1, newInst("MUL", 0, 1, []int{3}, []int{4}))

		step(r, 3)
		Expect(p.SPOut.Occupied()).To(Equal(2))
	})

	It("lets a pending write shut out same-bank reads for one cycle", func() {
		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{2}, []int{1}))
		step(r, 1) // allocate; read of bank 2 now queued

		// R10 maps to bank 2 as well, so the write claims that bank.
		Expect(r.Writeback(newInst("MAD", 0, 0, nil, []int{10}))).To(BeTrue())
		step(r, 2)
		Expect(p.SPOut.Occupied()).To(Equal(0))
		step(r, 1)
		Expect(p.SPOut.Occupied()).To(Equal(1))
	})
})

var _ = Describe("Writeback", func() {
	var r *rfu.RFU

	BeforeEach(func() {
		r, _ = newTestRFU(nil)
	})

	It("claims each destination bank for one cycle", func() {
		Expect(r.Writeback(newInst("ADD", 0, 0, nil, []int{1}))).To(BeTrue())
		Expect(r.Writeback(newInst("MUL", 0, 0, nil, []int{9}))).To(BeFalse())
		Expect(r.Writeback(newInst("MAD", 0, 0, nil, []int{2}))).To(BeTrue())

		step(r, 1)
		Expect(r.Writeback(newInst("MUL", 0, 0, nil, []int{9}))).To(BeTrue())
	})

	It("claims nothing when any destination bank is busy", func() {
		Expect(r.Writeback(newInst("ADD", 0, 0, nil, []int{1}))).To(BeTrue())
		Expect(r.Writeback(newInst("LDG", 0, 0, nil, []int{2, 9}))).To(BeFalse())

		// Bank 2 must still be idle after the failed claim.
		Expect(r.Writeback(newInst("MAD", 0, 0, nil, []int{2}))).To(BeTrue())
	})

	It("accepts destinations sharing a bank in one claim", func() {
		Expect(r.Writeback(newInst("LDG", 0, 0, nil, []int{2, 10}))).To(BeTrue())
		Expect(r.Writeback(newInst("ADD", 0, 0, nil, []int{3}))).To(BeTrue())
	})
})

var _ = Describe("Collector allocation limits", func() {
	It("parks the input when every unit of the set is busy", func() {
		r, p := newTestRFU(nil)

		// Block both output slots so collected units cannot drain.
		p.SPOut.Put(0, newInst("NOP", 0, 0, nil, nil))
		p.SPOut.Put(1, newInst("NOP", 0, 1, nil, nil))

		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{1}, nil))
		p.SPIn.Put(1, newInst("MUL", 0, 1, []int{2}, nil))
		step(r, 1)
		p.SPIn.Put(0, newInst("SUB", 0, 0, []int{3}, nil))
		p.SPIn.Put(1, newInst("MAD", 0, 1, []int{4}, nil))
		step(r, 1)

		waiting := newInst("ADD", 0, 0, []int{5}, nil)
		p.SPIn.Put(0, waiting)
		step(r, 1)
		Expect(p.SPIn.Occupied()).To(Equal(1))

		// One drained slot frees one unit; round-robin resumes after the
		// unit that dispatched last, so the second unit goes first.
		blocker := p.SPOut.Take(0)
		Expect(blocker.Opcode).To(Equal("NOP"))
		step(r, 1)
		Expect(p.SPIn.Occupied()).To(Equal(0))
		Expect(p.SPOut.Peek(0).Opcode).To(Equal("MUL"))
	})
})

var _ = Describe("Sub-core model", func() {
	subCore := func(cfg *config.GPU) {
		cfg.SubCoreModel = true
	}

	It("allocates only inside the issuing scheduler's slice", func() {
		r, p := newTestRFU(subCore)

		// Scheduler 1 owns units 2..3 of the SP set. Keep them parked by
		// blocking scheduler 1's output slot.
		blocker := newInst("NOP", 0, 1, nil, nil)
		p.SPOut.Put(1, blocker)

		p.SPIn.Put(1, newInst("ADD", 32, 1, []int{2}, nil))
		step(r, 1)
		p.SPIn.Put(1, newInst("MUL", 32, 1, []int{3}, nil))
		step(r, 1)

		free := newInst("SUB", 0, 0, []int{1}, nil)
		stuck := newInst("MAD", 32, 1, []int{4}, nil)
		p.SPIn.Put(0, free)
		p.SPIn.Put(1, stuck)
		step(r, 1)

		// Scheduler 0 proceeds while scheduler 1 waits for a unit.
		Expect(p.SPIn.Peek(0)).To(BeNil())
		Expect(p.SPIn.Peek(1)).To(BeIdenticalTo(stuck))

		// Draining the output frees a unit; the oldest instruction of
		// scheduler 1 dispatches into its own slot and the parked one
		// enters the freed unit.
		Expect(p.SPOut.Take(1)).To(BeIdenticalTo(blocker))
		step(r, 1)
		Expect(p.SPOut.Peek(1).Opcode).To(Equal("ADD"))
		Expect(p.SPIn.Occupied()).To(Equal(0))
	})

	It("rotates dispatch across scheduler slices", func() {
		r, p := newTestRFU(func(cfg *config.GPU) {
			cfg.SubCoreModel = true
			cfg.CollectorInPortsSP = 1
		})

		p.SPOut.Put(0, newInst("NOP", 0, 0, nil, nil))
		p.SPOut.Put(1, newInst("NOP", 0, 1, nil, nil))

		p.SPIn.Put(0, newInst("ADD", 0, 0, []int{1}, nil))
		step(r, 1)
		p.SPIn.Put(1, newInst("MUL", 32, 1, []int{1}, nil))
		step(r, 2)

		// Both units sit ready behind blocked slots. Once both slots
		// drain, the single dispatch unit serves scheduler 1 first: the
		// round-robin seed skips past the slice that dispatched last.
		p.SPOut.Take(0)
		p.SPOut.Take(1)
		step(r, 1)
		Expect(p.SPOut.Peek(0)).To(BeNil())
		Expect(p.SPOut.Peek(1).Opcode).To(Equal("MUL"))
		step(r, 1)
		Expect(p.SPOut.Peek(0).Opcode).To(Equal("ADD"))
	})
})
