package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/timing/latency"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
)

func makeInst(uid uint64, warpID int) *pipeline.WarpInst {
	return &pipeline.WarpInst{
		UID:        uid,
		WarpID:     warpID,
		Opcode:     "IMAD",
		Class:      latency.ClassInt,
		ActiveMask: 0xFFFFFFFF,
	}
}

var _ = Describe("RegisterSet", func() {
	var rs *pipeline.RegisterSet

	BeforeEach(func() {
		rs = pipeline.NewRegisterSet(pipeline.IDOCSP, 4)
	})

	Describe("free slot tracking", func() {
		It("should start with all slots free", func() {
			Expect(rs.HasFree()).To(BeTrue())
			Expect(rs.GetFree()).To(Equal(0))
			Expect(rs.Occupied()).To(Equal(0))
		})

		It("should report no free slots when full", func() {
			for i := 0; i < 4; i++ {
				rs.Put(i, makeInst(uint64(i+1), i))
			}
			Expect(rs.HasFree()).To(BeFalse())
			Expect(rs.GetFree()).To(Equal(-1))
		})

		It("should restrict sub-core lookups to the scheduler's slot", func() {
			rs.Put(1, makeInst(1, 0))
			Expect(rs.HasFreeSubCore(0)).To(BeTrue())
			Expect(rs.HasFreeSubCore(1)).To(BeFalse())
			Expect(rs.GetFreeSubCore(2)).To(Equal(2))
		})
	})

	Describe("ready slot selection", func() {
		It("should return -1 on an empty set", func() {
			Expect(rs.GetReady()).To(Equal(-1))
			Expect(rs.HasReady()).To(BeFalse())
		})

		It("should pick the oldest instruction", func() {
			rs.Put(0, makeInst(30, 0))
			rs.Put(2, makeInst(10, 2))
			rs.Put(3, makeInst(20, 3))
			Expect(rs.GetReady()).To(Equal(2))
		})

		It("should only see the scheduler's slot in sub-core mode", func() {
			rs.Put(0, makeInst(10, 0))
			Expect(rs.GetReadySubCore(0)).To(Equal(0))
			Expect(rs.GetReadySubCore(1)).To(Equal(-1))
		})
	})

	Describe("moves", func() {
		It("should transfer the instruction, leaving the source empty", func() {
			dst := pipeline.NewRegisterSet(pipeline.OCEXSP, 2)
			inst := makeInst(5, 7)
			rs.Put(3, inst)

			rs.MoveTo(3, dst, 1)

			Expect(rs.Peek(3)).To(BeNil())
			Expect(dst.Peek(1)).To(BeIdenticalTo(inst))
		})

		It("should panic when filling an occupied slot", func() {
			rs.Put(0, makeInst(1, 0))
			Expect(func() { rs.Put(0, makeInst(2, 1)) }).To(Panic())
		})

		It("should panic when moving from an empty slot", func() {
			dst := pipeline.NewRegisterSet(pipeline.OCEXSP, 2)
			Expect(func() { rs.MoveTo(0, dst, 0) }).To(Panic())
		})
	})

	Describe("Clear", func() {
		It("should empty every slot", func() {
			rs.Put(0, makeInst(1, 0))
			rs.Put(1, makeInst(2, 1))
			rs.Clear()
			Expect(rs.Occupied()).To(Equal(0))
		})
	})
})

var _ = Describe("WarpInst", func() {
	It("should report active lanes from the mask", func() {
		inst := makeInst(1, 0)
		inst.ActiveMask = 0x0000000F
		Expect(inst.Active(0)).To(BeTrue())
		Expect(inst.Active(4)).To(BeFalse())
		Expect(inst.ActiveCount()).To(Equal(4))
	})

	It("should classify memory instructions", func() {
		inst := makeInst(1, 0)
		inst.Class = latency.ClassMem
		inst.Opcode = "LDG.E"
		Expect(inst.IsMem()).To(BeTrue())
		Expect(inst.IsLoad()).To(BeTrue())

		inst.IsStore = true
		Expect(inst.IsLoad()).To(BeFalse())
	})
})
