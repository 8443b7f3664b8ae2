package core_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/core"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/trace"
)

type sinkReply struct {
	f   *mem.Fetch
	due uint64
}

// memSink stands in for the cluster port: it answers every request after
// a fixed delay and counts the traffic that left the core.
type memSink struct {
	core  *core.Core
	delay uint64

	queue  []sinkReply
	reads  int
	writes int
}

func (m *memSink) Full(size uint32, write bool) bool { return false }

func (m *memSink) Push(f *mem.Fetch, cycle uint64) {
	if f.IsWrite() {
		m.writes++
	} else {
		m.reads++
	}
	f.SetReply()
	m.queue = append(m.queue, sinkReply{f: f, due: cycle + m.delay})
}

// deliver hands due replies back to the core, holding any the response
// fifo has no room for.
func (m *memSink) deliver(cycle uint64) {
	kept := m.queue[:0]
	for _, r := range m.queue {
		switch {
		case r.due > cycle:
			kept = append(kept, r)
		case r.f.Access.Kind == mem.InstRead:
			m.core.AcceptFetchResponse(r.f, cycle)
		case m.core.LDSTResponseBufferFull():
			kept = append(kept, r)
		default:
			m.core.AcceptLDSTResponse(r.f, cycle)
		}
	}
	m.queue = kept
}

// newCore builds a two-warp-slot core wired to a memSink with a two
// cycle memory turnaround.
func newCore(mutate func(*config.GPU)) (*core.Core, *memSink) {
	cfg := config.DefaultConfig()
	cfg.MaxThreadsPerCore = 64
	if mutate != nil {
		mutate(cfg)
	}
	snk := &memSink{delay: 2}
	c := core.New(0, 0, cfg, snk)
	snk.core = c
	return c, snk
}

// runKernel drives the core until the kernel drains, returning the cycle
// its last block finished.
func runKernel(c *core.Core, snk *memSink, k *trace.Kernel, limit uint64) uint64 {
	c.SetKernel(k)
	for cycle := uint64(0); cycle < limit; cycle++ {
		for c.CanIssueBlock() {
			c.IssueBlock(cycle)
		}
		snk.deliver(cycle)
		c.Cycle(cycle)
		if !c.Active() && k.NoMoreBlocks() {
			return cycle
		}
	}
	Fail(fmt.Sprintf("kernel %s did not finish within %d cycles", k.Name(), limit))
	return limit
}

func alu(opcode string, dest int, srcs ...int) trace.Inst {
	return trace.Inst{
		Opcode:   opcode,
		Mask:     trace.FullMask,
		DestRegs: []int{dest},
		SrcRegs:  srcs,
	}
}

func exitInst() trace.Inst {
	return trace.Inst{Opcode: "EXIT", Mask: trace.FullMask}
}

func barInst() trace.Inst {
	return trace.Inst{Opcode: "BAR.SYNC", Mask: trace.FullMask}
}

func memInst(opcode string, dests, srcs []int, addr func(lane int) uint64) trace.Inst {
	ti := trace.Inst{
		Opcode:   opcode,
		Mask:     trace.FullMask,
		DestRegs: dests,
		SrcRegs:  srcs,
		MemWidth: 4,
	}
	for lane := 0; lane < trace.WarpSize; lane++ {
		ti.Addrs[lane] = addr(lane)
	}
	return ti
}

func sameAddr(addr uint64) func(int) uint64 {
	return func(int) uint64 { return addr }
}

func strided(base uint64) func(int) uint64 {
	return func(lane int) uint64 { return base + uint64(lane)*4 }
}

func oneWarp(insts ...trace.Inst) *trace.Kernel {
	return trace.NewKernelBuilder("k").Build(
		func(trace.Dim, int) []trace.Inst { return insts })
}

func twoWarps(w0, w1 []trace.Inst) *trace.Kernel {
	return trace.NewKernelBuilder("k").WithBlockDim(64, 1, 1).Build(
		func(_ trace.Dim, warp int) []trace.Inst {
			if warp == 0 {
				return w0
			}
			return w1
		})
}

var _ = Describe("Warp execution", func() {
	It("runs one instruction from fetch to retirement", func() {
		c, snk := newCore(nil)
		k := oneWarp(alu("FADD", 6, 4, 5), exitInst())

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(10)))
		Expect(c.Stats().WarpInstructions).To(Equal(uint64(2)))
		Expect(c.Stats().Instructions).To(Equal(uint64(64)))
		Expect(c.Stats().FuncUnits.Issued("sp0")).To(Equal(uint64(1)))
		Expect(c.Stats().FuncUnits.Busy("sp0")).To(Equal(uint64(1)))
		Expect(snk.reads).To(BeZero())
		Expect(k.Done()).To(BeTrue())
		Expect(k.CompletedCycle()).To(Equal(uint64(10)))
	})

	It("stalls a dependent instruction until its producer retires", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			alu("FADD", 6, 4, 5),
			alu("FMUL", 8, 6, 7),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(18)))
	})

	It("overlaps independent instructions of one warp", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			alu("FADD", 6, 4, 5),
			alu("FMUL", 9, 7, 8),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(11)))
	})

	It("treats a write to a pending destination as a hazard", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			alu("FADD", 6, 4, 5),
			alu("FMUL", 6, 7, 8),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(18)))
	})
})

var _ = Describe("Writeback arbitration", func() {
	It("retires same-cycle writebacks to distinct banks together", func() {
		c, snk := newCore(nil)
		k := twoWarps(
			[]trace.Inst{alu("FADD", 6, 4, 5), exitInst()},
			[]trace.Inst{alu("FADD", 7, 8, 9), exitInst()},
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(10)))
	})

	It("delays the younger of two same-bank writebacks by one cycle", func() {
		c, snk := newCore(nil)
		// R6 and R38 share a bank, so the second warp's result waits a
		// cycle for the write port.
		k := twoWarps(
			[]trace.Inst{alu("FADD", 6, 4, 5), exitInst()},
			[]trace.Inst{alu("FADD", 38, 8, 9), exitInst()},
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(11)))
	})
})

var _ = Describe("Special function unit", func() {
	It("holds the long pipeline for the full latency", func() {
		c, snk := newCore(nil)
		k := oneWarp(alu("MUFU.RCP", 6, 4), exitInst())

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(28)))
		Expect(c.Stats().FuncUnits.Issued("sfu0")).To(Equal(uint64(1)))
		Expect(c.Stats().FuncUnits.Busy("sfu0")).To(Equal(uint64(20)))
	})
})

var _ = Describe("Shared memory", func() {
	It("completes through the fixed pipe without leaving the core", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("LDS", []int{6}, []int{4}, sameAddr(0x40)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(11)))
		Expect(snk.reads).To(BeZero())
		Expect(snk.writes).To(BeZero())
		Expect(c.Stats().L1D.Total()).To(BeZero())
	})
})

var _ = Describe("Global loads", func() {
	It("round-trips a coalesced miss through the data cache", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("LDG.E", []int{6}, []int{4}, sameAddr(0x2000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(11)))
		Expect(snk.reads).To(Equal(1))
		Expect(c.Stats().L1D.Count(mem.GlobalRead, mem.Hit)).To(BeZero())
	})

	It("merges a second load to an in-flight sector", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("LDG.E", []int{6}, []int{4}, sameAddr(0x2000)),
			memInst("LDG.E", []int{8}, []int{4}, sameAddr(0x2000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(12)))
		Expect(snk.reads).To(Equal(1))
	})

	It("serves a filled sector from the cache", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("LDG.E", []int{6}, []int{4}, sameAddr(0x2000)),
			alu("FFMA", 10, 6, 8),
			memInst("LDG.E", []int{12}, []int{4}, sameAddr(0x2000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(20)))
		Expect(snk.reads).To(Equal(1))
		Expect(c.Stats().L1D.Count(mem.GlobalRead, mem.Hit)).To(Equal(uint64(1)))
	})

	It("splits a strided load into one access per sector", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("LDG.E", []int{6}, []int{4}, strided(0x3000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(14)))
		Expect(snk.reads).To(Equal(4))
		Expect(c.Stats().L1D.Count(mem.GlobalRead, mem.Hit)).To(BeZero())
	})

	It("sends atomics past the data cache", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("ATOM.E.ADD", []int{6}, []int{4, 5}, sameAddr(0x2000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(11)))
		Expect(snk.reads).To(Equal(1))
		Expect(c.Stats().L1D.Total()).To(BeZero())
	})

	It("skips the data cache when configured to", func() {
		c, snk := newCore(func(cfg *config.GPU) {
			cfg.GlobalMemSkipL1D = true
		})
		k := oneWarp(
			memInst("LDG.E", []int{6}, []int{4}, sameAddr(0x2000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(10)))
		Expect(snk.reads).To(Equal(1))
		Expect(c.Stats().L1D.Total()).To(BeZero())
	})
})

var _ = Describe("Global stores", func() {
	It("completes at issue and drains the acks before exit", func() {
		c, snk := newCore(nil)
		k := oneWarp(
			memInst("STG.E", nil, []int{2, 4}, strided(0x1000)),
			exitInst(),
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(14)))
		Expect(snk.writes).To(Equal(4))
		Expect(snk.reads).To(BeZero())
		Expect(c.Stats().WarpInstructions).To(Equal(uint64(2)))
		Expect(c.Stats().L1D.Count(mem.GlobalWrite, mem.Miss)).To(Equal(uint64(4)))
	})
})

var _ = Describe("Barriers", func() {
	It("releases all member warps the cycle after the last arrives", func() {
		c, snk := newCore(nil)
		k := twoWarps(
			[]trace.Inst{barInst(), exitInst()},
			[]trace.Inst{barInst(), exitInst()},
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(4)))
		Expect(c.Stats().WarpInstructions).To(Equal(uint64(4)))
	})

	It("holds the barrier until the late warp drains its pipeline", func() {
		c, snk := newCore(nil)
		k := twoWarps(
			[]trace.Inst{barInst(), exitInst()},
			[]trace.Inst{alu("FADD", 6, 4, 5), barInst(), exitInst()},
		)

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(12)))
		Expect(c.Stats().WarpInstructions).To(Equal(uint64(5)))
	})
})

var _ = Describe("Block life cycle", func() {
	regsFor := func(block trace.Dim) (int, int, int) {
		if block.X%2 == 0 {
			return 6, 4, 5
		}
		return 16, 14, 15
	}

	It("reuses warp slots as blocks retire", func() {
		c, snk := newCore(nil)
		k := trace.NewKernelBuilder("k").WithGrid(4, 1, 1).Build(
			func(block trace.Dim, _ int) []trace.Inst {
				dest, a, b := regsFor(block)
				return []trace.Inst{alu("FADD", dest, a, b), exitInst()}
			})

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(21)))
		Expect(c.Stats().WarpInstructions).To(Equal(uint64(8)))
		Expect(c.NotCompleted()).To(BeZero())
		Expect(k.Done()).To(BeTrue())
	})

	It("rejects a kernel whose block exceeds the core", func() {
		c, _ := newCore(nil)
		k := trace.NewKernelBuilder("k").WithBlockDim(128, 1, 1).Build(
			func(trace.Dim, int) []trace.Inst {
				return []trace.Inst{exitInst()}
			})

		Expect(func() { c.SetKernel(k) }).To(Panic())
	})
})

var _ = Describe("Instruction cache", func() {
	It("fetches the first line through the miss path", func() {
		c, snk := newCore(func(cfg *config.GPU) {
			cfg.PerfectInstCache = false
		})
		k := oneWarp(alu("FADD", 6, 4, 5), exitInst())

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(13)))
		Expect(snk.reads).To(Equal(1))
	})

	It("shares one line fetch between warps on the same pc", func() {
		c, snk := newCore(func(cfg *config.GPU) {
			cfg.PerfectInstCache = false
		})
		k := trace.NewKernelBuilder("k").WithGrid(2, 1, 1).Build(
			func(block trace.Dim, _ int) []trace.Inst {
				if block.X == 0 {
					return []trace.Inst{alu("FADD", 6, 4, 5), exitInst()}
				}
				return []trace.Inst{alu("FADD", 16, 14, 15), exitInst()}
			})

		Expect(runKernel(c, snk, k, 100)).To(Equal(uint64(13)))
		Expect(snk.reads).To(Equal(1))
	})
})

var _ = Describe("Warp schedulers", func() {
	program := func(warp int) []trace.Inst {
		base := 4 + 8*warp
		return []trace.Inst{
			alu("FADD", base+2, base, base+1),
			alu("FMUL", base+3, base, base+1),
			exitInst(),
		}
	}

	for _, policy := range []string{"gto", "lrr", "two_level"} {
		policy := policy
		It(fmt.Sprintf("completes a four warp block under %s", policy), func() {
			c, snk := newCore(func(cfg *config.GPU) {
				cfg.MaxThreadsPerCore = 128
				cfg.Scheduler = policy
			})
			k := trace.NewKernelBuilder("k").WithBlockDim(128, 1, 1).Build(
				func(_ trace.Dim, warp int) []trace.Inst { return program(warp) })

			Expect(runKernel(c, snk, k, 200)).To(BeNumerically("<=", 30))
			Expect(c.Stats().WarpInstructions).To(Equal(uint64(12)))
			Expect(c.Stats().Instructions).To(Equal(uint64(384)))
		})
	}
})
