package gpu_test

import (
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/gpu"
	"github.com/mfkiwl/gpucachesim/trace"
)

// testConfig shrinks the device to one cluster and one sub partition
// with short memory latencies so runs stay small.
func testConfig(mutate func(*config.GPU)) *config.GPU {
	cfg := config.DefaultConfig()
	cfg.NumClusters = 1
	cfg.NumCoresPerCluster = 1
	cfg.MaxThreadsPerCore = 64
	cfg.NumMemoryControllers = 1
	cfg.NumSubPartitionsPerChannel = 1
	cfg.L2ROPLatency = 4
	cfg.DRAMLatency = 8
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newGPU(mutate func(*config.GPU)) *gpu.GPU {
	g, err := gpu.New(testConfig(mutate))
	Expect(err).ToNot(HaveOccurred())
	return g
}

func aluExitKernel() *trace.Kernel {
	return trace.NewKernelBuilder("k").Build(
		func(trace.Dim, int) []trace.Inst {
			return []trace.Inst{
				{Opcode: "FADD", Mask: trace.FullMask, DestRegs: []int{6}, SrcRegs: []int{4, 5}},
				{Opcode: "EXIT", Mask: trace.FullMask},
			}
		})
}

func loadKernel(base uint64, width int) *trace.Kernel {
	ld := trace.Inst{
		Opcode:   "LDG.E",
		Mask:     trace.FullMask,
		DestRegs: []int{6},
		SrcRegs:  []int{4},
		MemWidth: width,
	}
	for lane := 0; lane < trace.WarpSize; lane++ {
		ld.Addrs[lane] = base + uint64(lane)*uint64(width)
	}
	return trace.NewKernelBuilder("k").Build(
		func(trace.Dim, int) []trace.Inst {
			return []trace.Inst{ld, {Opcode: "EXIT", Mask: trace.FullMask}}
		})
}

// runKernel launches k and cycles the device until it retires.
func runKernel(g *gpu.GPU, k *trace.Kernel, limit uint64) {
	g.LaunchKernel(k)
	for c := uint64(0); c < limit; c++ {
		g.Cycle()
		if g.FinishedKernelUID() != 0 {
			return
		}
	}
	Fail(fmt.Sprintf("kernel did not retire within %d cycles", limit))
}

var _ = Describe("Device cycle", func() {
	It("runs a kernel end to end and records its summary", func() {
		g := newGPU(nil)
		k := aluExitKernel()

		runKernel(g, k, 5000)

		Expect(k.Done()).To(BeTrue())
		Expect(g.Active()).To(BeFalse())
		s := g.Stats()
		Expect(s.Kernels).To(HaveLen(1))
		Expect(s.Kernels[0].LaunchID).To(Equal(1))
		Expect(s.Kernels[0].Name).To(Equal("k"))
		Expect(s.Kernels[0].Cycles).To(BeNumerically(">", 0))
		Expect(s.Instructions).To(Equal(uint64(64)))
		Expect(s.Icnt.Packets).To(BeNumerically(">", 0))
	})

	It("retires a zero-block kernel at its launch cycle", func() {
		g := newGPU(nil)
		k := trace.NewKernelBuilder("empty").WithGrid(0, 1, 1).Build(
			func(trace.Dim, int) []trace.Inst { return nil })

		g.LaunchKernel(k)
		Expect(k.Done()).To(BeTrue())
		Expect(g.FinishedKernelUID()).To(Equal(1))
		Expect(g.Active()).To(BeFalse())
	})
})

var _ = Describe("Launch window", func() {
	It("offers one slot in non-concurrent mode", func() {
		g := newGPU(nil)
		Expect(g.CanStartKernel()).To(BeTrue())

		k := aluExitKernel()
		runKernel(g, k, 5000)

		Expect(g.CanStartKernel()).To(BeTrue())
	})

	It("holds a second launch while a kernel runs", func() {
		g := newGPU(nil)
		g.LaunchKernel(aluExitKernel())
		Expect(g.CanStartKernel()).To(BeFalse())
	})

	It("opens more slots with concurrent kernels", func() {
		g := newGPU(func(c *config.GPU) {
			c.ConcurrentKernelSM = true
			c.MaxConcurrentKernels = 2
		})
		g.LaunchKernel(aluExitKernel())
		Expect(g.CanStartKernel()).To(BeTrue())
	})
})

var _ = Describe("Host to device copy", func() {
	dramReadsAfter := func(fill bool) uint64 {
		g := newGPU(func(c *config.GPU) { c.FillL2OnMemcopy = fill })
		Expect(g.PerfMemcpyToGPU(0x10000, 4096)).To(Succeed())
		runKernel(g, loadKernel(0x10000, 4), 5000)
		return g.Stats().DRAM.Reads
	}

	It("leaves no pending traffic", func() {
		g := newGPU(nil)
		Expect(g.PerfMemcpyToGPU(0x10000, 1024)).To(Succeed())
		Expect(g.Active()).To(BeFalse())
		Expect(g.CycleCount()).To(BeZero())
	})

	It("pre-fills the L2 so first reads skip DRAM", func() {
		Expect(dramReadsAfter(true)).To(BeNumerically("<", dramReadsAfter(false)))
	})
})

var _ = Describe("Routed interconnect", func() {
	It("runs a kernel over an anynet topology", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "net.icnt")
		// Node 0 is the cluster, node 1 the memory sub partition.
		topo := "router 0 node 0 router 1\nrouter 1 node 1\n"
		Expect(os.WriteFile(path, []byte(topo), 0o644)).To(Succeed())

		g := newGPU(func(c *config.GPU) { c.NetworkFile = path })
		k := aluExitKernel()
		runKernel(g, k, 5000)
		Expect(k.Done()).To(BeTrue())
	})

	It("rejects a missing topology file", func() {
		_, err := gpu.New(testConfig(func(c *config.GPU) {
			c.NetworkFile = "/nonexistent/net.icnt"
		}))
		Expect(err).To(HaveOccurred())
	})
})
