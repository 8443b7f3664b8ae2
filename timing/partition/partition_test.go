package partition_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/partition"
)

// testConfig shrinks the latencies so walks stay short.
func testConfig(mutate func(*config.GPU)) *config.GPU {
	cfg := config.DefaultConfig()
	cfg.L2ROPLatency = 2
	cfg.DRAMLatency = 4
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newFetch(kind mem.AccessKind, addr uint64, size uint32) *mem.Fetch {
	acc := mem.NewAccess(kind, addr, size, 1)
	f := mem.NewFetch(acc, 0)
	f.ClusterID = 0
	f.CoreID = 0
	f.WarpID = 0
	return f
}

// runUntilReply cycles the sub partition until a response appears,
// returning it and the cycle it surfaced on.
func runUntilReply(sp *partition.SubPartition, limit uint64) (*mem.Fetch, uint64) {
	for cycle := uint64(0); cycle < limit; cycle++ {
		sp.Cycle(cycle)
		if f := sp.PeekReply(); f != nil {
			return sp.PopReply(), cycle
		}
	}
	return nil, limit
}

var _ = Describe("DecodeAddr", func() {
	It("stripes consecutive lines across channels", func() {
		cfg := config.DefaultConfig()
		line := uint64(cfg.L2.LineSize)

		chip0, _ := partition.DecodeAddr(cfg, 0)
		chip1, _ := partition.DecodeAddr(cfg, line)
		Expect(chip0).To(Equal(0))
		Expect(chip1).To(Equal(1))
	})

	It("alternates sub partitions after a channel sweep", func() {
		cfg := config.DefaultConfig()
		line := uint64(cfg.L2.LineSize)
		sweep := line * uint64(cfg.NumMemoryControllers)

		_, sub0 := partition.DecodeAddr(cfg, 0)
		_, sub1 := partition.DecodeAddr(cfg, sweep)
		Expect(sub0).To(Equal(0))
		Expect(sub1).To(Equal(1))
	})

	It("is deterministic and in range", func() {
		cfg := config.DefaultConfig()
		for addr := uint64(0); addr < 1<<16; addr += 128 {
			chip, sub := partition.DecodeAddr(cfg, addr)
			Expect(chip).To(BeNumerically("<", cfg.NumMemoryControllers))
			Expect(sub).To(BeNumerically("<", cfg.NumSubPartitions()))
			chip2, sub2 := partition.DecodeAddr(cfg, addr)
			Expect(chip2).To(Equal(chip))
			Expect(sub2).To(Equal(sub))
		}
	})
})

var _ = Describe("SubPartition", func() {
	var sp *partition.SubPartition

	BeforeEach(func() {
		sp = partition.New(0, testConfig(nil))
	})

	It("answers a cold read through DRAM", func() {
		f := newFetch(mem.GlobalRead, 0x1000, 32)
		sp.Accept(f, 0)

		reply, cycle := runUntilReply(sp, 500)
		Expect(reply).To(BeIdenticalTo(f))
		Expect(reply.Kind).To(Equal(mem.ReadReply))
		Expect(sp.Stats().DRAM.Reads).To(Equal(uint64(1)))
		// At least the raster pipe plus the DRAM pipe.
		Expect(cycle).To(BeNumerically(">=", 2+4))
	})

	It("holds a request in the raster pipe for its latency", func() {
		f := newFetch(mem.GlobalRead, 0x1000, 32)
		sp.Accept(f, 0)
		sp.Cycle(0)
		sp.Cycle(1)
		// Two cycles in, the request is still queued ahead of the L2.
		Expect(f.Status()).To(Equal(mem.StatusInPartitionROPDelay))
	})

	It("answers a prefilled line without touching DRAM", func() {
		sp.Prefill(0x1000, 0)
		f := newFetch(mem.GlobalRead, 0x1000, 32)
		sp.Accept(f, 0)

		reply, _ := runUntilReply(sp, 500)
		Expect(reply).To(BeIdenticalTo(f))
		Expect(sp.Stats().DRAM.Reads).To(BeZero())
	})

	It("acknowledges writes", func() {
		f := newFetch(mem.GlobalWrite, 0x2000, 32)
		sp.Accept(f, 0)

		reply, _ := runUntilReply(sp, 500)
		Expect(reply).To(BeIdenticalTo(f))
		Expect(reply.Kind).To(Equal(mem.WriteAck))
	})

	It("splits a full-line read into sector children and answers once", func() {
		f := newFetch(mem.GlobalRead, 0x4000, 128)
		sp.Accept(f, 0)

		reply, _ := runUntilReply(sp, 500)
		Expect(reply).To(BeIdenticalTo(f))
		Expect(reply.Kind).To(Equal(mem.ReadReply))
		// The children share one line, so the MSHR folds them into a
		// single DRAM fill.
		Expect(sp.Stats().DRAM.Reads).To(Equal(uint64(1)))
		Expect(sp.PeekReply()).To(BeNil())
	})

	It("consumes writebacks without acknowledging them", func() {
		f := newFetch(mem.L1Writeback, 0x3000, 128)
		f.WarpID = -1
		sp.Accept(f, 0)

		reply, _ := runUntilReply(sp, 500)
		Expect(reply).To(BeNil())
		Expect(sp.Drained()).To(BeTrue())
	})

	It("merges two reads of the same line into one DRAM access", func() {
		a := newFetch(mem.GlobalRead, 0x5000, 32)
		b := newFetch(mem.GlobalRead, 0x5000, 32)
		sp.Accept(a, 0)
		sp.Accept(b, 0)

		first, cycle := runUntilReply(sp, 500)
		Expect(first).ToNot(BeNil())
		// The merged partner is ready no later than the next drain.
		var second *mem.Fetch
		for c := cycle; c < cycle+3 && second == nil; c++ {
			sp.Cycle(c)
			if f := sp.PeekReply(); f != nil {
				second = sp.PopReply()
			}
		}
		Expect(second).ToNot(BeNil())
		Expect(sp.Stats().DRAM.Reads).To(Equal(uint64(1)))
	})

	It("drains completely", func() {
		for i := 0; i < 4; i++ {
			sp.Accept(newFetch(mem.GlobalRead, uint64(0x8000+i*0x1000), 32), 0)
		}
		for cycle := uint64(0); cycle < 1000; cycle++ {
			sp.Cycle(cycle)
			for sp.PeekReply() != nil {
				sp.PopReply()
			}
		}
		Expect(sp.Drained()).To(BeTrue())
	})
})
