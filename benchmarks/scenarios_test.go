package benchmarks_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/benchmarks"
	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/icnt"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/trace"
)

func exit() trace.Inst {
	return trace.Inst{Opcode: "EXIT", Mask: trace.FullMask}
}

func iadd(dest int) trace.Inst {
	return trace.Inst{
		Opcode:   "IADD",
		Mask:     trace.FullMask,
		DestRegs: []int{dest},
		SrcRegs:  []int{4, 5},
	}
}

func load(dest, src int, addr func(lane int) uint64, width int) trace.Inst {
	ld := trace.Inst{
		Opcode:   "LDG.E",
		Mask:     trace.FullMask,
		DestRegs: []int{dest},
		SrcRegs:  []int{src},
		MemWidth: width,
	}
	for lane := 0; lane < trace.WarpSize; lane++ {
		ld.Addrs[lane] = addr(lane)
	}
	return ld
}

func run(s benchmarks.Scenario) *benchmarks.Result {
	res, err := benchmarks.RunScenario(s)
	Expect(err).ToNot(HaveOccurred())
	return res
}

var _ = Describe("S1: compute-only kernel after a copy", func() {
	It("retires without touching the data cache", func() {
		k := trace.NewKernelBuilder("s1").Build(
			func(trace.Dim, int) []trace.Inst {
				program := make([]trace.Inst, 0, 17)
				for i := 0; i < 16; i++ {
					program = append(program, iadd(6+i%8))
				}
				return append(program, exit())
			})

		res := run(benchmarks.Scenario{
			Name: "s1",
			Commands: []trace.Command{
				benchmarks.Memcpy(0x1000, 1024),
				benchmarks.Launch(k),
			},
		})

		Expect(k.Done()).To(BeTrue())
		Expect(res.Stats.Kernels).To(HaveLen(1))
		// 17 warp instructions over 32 active lanes.
		Expect(res.Stats.Kernels[0].Instructions).To(Equal(uint64(17 * 32)))
		Expect(res.Stats.L1D.Total()).To(BeZero())
	})
})

var _ = Describe("S2: special function pressure", func() {
	It("keeps the SFU pipe busy while the SP units idle", func() {
		k := trace.NewKernelBuilder("s2").WithBlockDim(64, 1, 1).Build(
			func(_ trace.Dim, warp int) []trace.Inst {
				program := make([]trace.Inst, 0, 17)
				for i := 0; i < 16; i++ {
					program = append(program, trace.Inst{
						Opcode:   "MUFU.RSQ",
						Mask:     trace.FullMask,
						DestRegs: []int{6 + i%8},
						SrcRegs:  []int{4},
					})
				}
				return append(program, exit())
			})

		res := run(benchmarks.Scenario{
			Name:     "s2",
			Commands: []trace.Command{benchmarks.Launch(k)},
		})

		fus := res.Stats.FuncUnits
		Expect(fus.Issued("sfu0")).To(Equal(uint64(32)))
		Expect(fus.Busy("sfu0")).To(BeNumerically(">", 0))
		for _, unit := range fus.Units() {
			if strings.HasPrefix(unit, "sp") {
				Expect(fus.Issued(unit)).To(BeZero(), unit)
			}
		}
	})
})

var _ = Describe("S3: streaming reads over a copied buffer", func() {
	const base = uint64(0x10_0000)

	// streamKernel reads span bytes once, one 128-byte line per warp
	// instruction, with no reuse: lane i of instruction j covers bytes
	// [j*1024 + i*32, +32).
	streamKernel := func(span uint64) *trace.Kernel {
		perInst := uint64(trace.WarpSize * mem.SectorSize)
		return trace.NewKernelBuilder("s3").Build(
			func(trace.Dim, int) []trace.Inst {
				var program []trace.Inst
				for off := uint64(0); off < span; off += perInst {
					o := off
					program = append(program, load(6, 4, func(lane int) uint64 {
						return base + o + uint64(lane)*mem.SectorSize
					}, mem.SectorSize))
				}
				return append(program, exit())
			})
	}

	It("misses L1 on every line and hits the pre-filled L2", func() {
		const span = 1 << 20
		k := streamKernel(span)

		res := run(benchmarks.Scenario{
			Name: "s3",
			Commands: []trace.Command{
				benchmarks.Memcpy(base, span),
				benchmarks.Launch(k),
			},
			MaxCycles: 2_000_000,
		})

		Expect(k.Done()).To(BeTrue())
		Expect(res.Stats.L1D.Count(mem.GlobalRead, mem.Hit)).To(BeZero())
		Expect(res.Stats.L2.Count(mem.GlobalRead, mem.Miss)).To(BeZero())
		Expect(res.Stats.L2.Count(mem.GlobalRead, mem.Hit)).To(BeNumerically(">", 0))
	})

	It("pays one line miss and three sector misses per cold line", func() {
		// Serialized single-sector reads: each instruction depends on
		// the previous one, so sectors of a line reach the L2 one at a
		// time instead of merging in an MSHR.
		const lines = 16
		var program []trace.Inst
		reg := 6
		prev := 4
		for off := uint64(0); off < lines*128; off += mem.SectorSize {
			o := off
			program = append(program, load(reg, prev, func(int) uint64 {
				return base + o
			}, 4))
			prev, reg = reg, 6+(reg-5)%8
		}
		program = append(program, exit())
		k := trace.NewKernelBuilder("s3cold").Build(
			func(trace.Dim, int) []trace.Inst { return program })

		res := run(benchmarks.Scenario{
			Name: "s3cold",
			Configure: func(c *config.GPU) {
				c.FillL2OnMemcopy = false
			},
			Commands: []trace.Command{benchmarks.Launch(k)},
		})

		Expect(k.Done()).To(BeTrue())
		Expect(res.Stats.L2.Count(mem.GlobalRead, mem.Miss)).To(Equal(uint64(lines)))
		Expect(res.Stats.L2.Count(mem.GlobalRead, mem.SectorMiss)).To(Equal(uint64(3 * lines)))
	})
})

var _ = Describe("S4: same-line misses merge in the MSHR", func() {
	dramReads := func(warps int) (uint64, *stats.Sim) {
		k := trace.NewKernelBuilder("s4").WithBlockDim(warps*trace.WarpSize, 1, 1).Build(
			func(trace.Dim, int) []trace.Inst {
				return []trace.Inst{
					load(6, 4, func(int) uint64 { return 0x4000 }, 4),
					exit(),
				}
			})
		res := run(benchmarks.Scenario{
			Name:     "s4",
			Commands: []trace.Command{benchmarks.Launch(k)},
		})
		Expect(k.Done()).To(BeTrue())
		return res.Stats.DRAM.Reads, res.Stats
	}

	It("issues one DRAM read for two warps missing the same line", func() {
		one, _ := dramReads(1)
		two, s := dramReads(2)

		Expect(two).To(Equal(one))
		merged := s.L1D.Count(mem.GlobalRead, mem.HitReserved) +
			s.L1D.Count(mem.GlobalRead, mem.MSHRHit)
		Expect(merged).To(BeNumerically(">=", 1))
	})
})

var _ = Describe("S5: register bank conflict", func() {
	cyclesFor := func(warp1Src []int) uint64 {
		k := trace.NewKernelBuilder("s5").WithBlockDim(64, 1, 1).Build(
			func(_ trace.Dim, warp int) []trace.Inst {
				srcs := []int{4, 5}
				dest := 8
				if warp == 1 {
					srcs = warp1Src
					dest = 9
				}
				return []trace.Inst{
					{Opcode: "FADD", Mask: trace.FullMask, DestRegs: []int{dest}, SrcRegs: srcs},
					exit(),
				}
			})
		res := run(benchmarks.Scenario{
			Name:     "s5",
			Commands: []trace.Command{benchmarks.Launch(k)},
		})
		Expect(k.Done()).To(BeTrue())
		return res.Stats.Kernels[0].Cycles
	}

	It("delays the losing collector unit by a cycle", func() {
		distinct := cyclesFor([]int{6, 7})
		conflict := cyclesFor([]int{4, 5})
		Expect(conflict).To(BeNumerically(">=", distinct+1))
	})
})

var _ = Describe("S6: weighted line topology latency", func() {
	It("delivers in exactly the modeled cycle count", func() {
		topo, err := icnt.ParseAnynet(strings.NewReader(`
			router 0 node 0 router 1 5
			router 1 router 2 3
			router 2 node 1
		`))
		Expect(err).ToNot(HaveOccurred())

		st := &stats.Icnt{}
		net, err := icnt.NewAnynet("s6", topo, 2, 1, 32, 8, st)
		Expect(err).ToNot(HaveOccurred())

		acc := mem.NewAccess(mem.GlobalRead, 0x100, 32, 1)
		f := mem.NewFetch(acc, 0)

		want := net.PacketLatency(0, 1, f.Size())
		// Channel weights 5 and 3, two router pipelines, a node link
		// at each end, single-flit packet.
		Expect(want).To(Equal(uint64(5 + 3 + 2*1 + 2*1)))

		net.Push(0, 1, f, f.Size())
		for waited := 0; waited < 100; waited++ {
			if got := net.Pop(1); got != nil {
				Expect(got).To(BeIdenticalTo(f))
				Expect(uint64(waited)).To(Equal(want))
				return
			}
			net.Advance()
		}
		Fail("packet never arrived")
	})
})
