// Package gpu assembles the device: the SIMT clusters, the two
// interconnect planes, and the memory partitions, advanced together one
// cycle at a time. The driver talks to the device through kernel
// launches and host-to-device copies; everything below runs off Cycle.
package gpu

import (
	"fmt"
	"strings"

	akitamem "github.com/sarchlab/akita/v4/mem/mem"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/cluster"
	"github.com/mfkiwl/gpucachesim/timing/icnt"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/partition"
	"github.com/mfkiwl/gpucachesim/trace"
)

const deviceMemBytes = 4 * akitamem.GB

// runningKernel tracks one launched kernel on the device.
type runningKernel struct {
	k            *trace.Kernel
	insnAtLaunch uint64
}

// GPU is the whole timing model of one device.
type GPU struct {
	cfg      *config.GPU
	clusters []*cluster.Cluster
	subs     []*partition.SubPartition

	reqNet   icnt.Network
	replyNet icnt.Network
	icntStat *stats.Icnt

	storage *akitamem.Storage

	cycle        uint64
	running      []*runningKernel
	nextLaunchID int
	lastSelect   int
	sim          *stats.Sim
}

// New builds a device from the configuration. A network file selects
// the routed anynet model; without one the interconnect is an ideal
// crossbar at the configured latency.
func New(cfg *config.GPU) (*GPU, error) {
	g := &GPU{
		cfg:          cfg,
		icntStat:     &stats.Icnt{},
		storage:      akitamem.NewStorage(deviceMemBytes),
		nextLaunchID: 1,
		sim:          stats.NewSim(),
	}
	for i := 0; i < cfg.NumClusters; i++ {
		g.clusters = append(g.clusters, cluster.New(i, cfg))
	}
	for i := 0; i < cfg.NumSubPartitions(); i++ {
		g.subs = append(g.subs, partition.New(i, cfg))
	}

	n := cfg.NumIcntNodes()
	if cfg.NetworkFile != "" {
		topo, err := icnt.ParseAnynetFile(cfg.NetworkFile)
		if err != nil {
			return nil, fmt.Errorf("gpu: %w", err)
		}
		req, err := icnt.NewAnynet("icnt.req", topo, n, cfg.IcntLatency,
			cfg.IcntFlitSize, cfg.EjectionBufferSize, g.icntStat)
		if err != nil {
			return nil, fmt.Errorf("gpu: %w", err)
		}
		reply, err := icnt.NewAnynet("icnt.reply", topo, n, cfg.IcntLatency,
			cfg.IcntFlitSize, cfg.EjectionBufferSize, g.icntStat)
		if err != nil {
			return nil, fmt.Errorf("gpu: %w", err)
		}
		g.reqNet, g.replyNet = req, reply
	} else {
		g.reqNet = icnt.NewCrossbar("icnt.req", n, cfg.IcntLatency,
			cfg.IcntFlitSize, cfg.EjectionBufferSize, g.icntStat)
		g.replyNet = icnt.NewCrossbar("icnt.reply", n, cfg.IcntLatency,
			cfg.IcntFlitSize, cfg.EjectionBufferSize, g.icntStat)
	}
	return g, nil
}

// CycleCount returns the device cycle.
func (g *GPU) CycleCount() uint64 {
	return g.cycle
}

// Cycle advances the whole device one clock. Stages run write-before-
// read: responses eject first, the shader pipelines advance, new
// traffic injects, the partitions cycle back to front, and the
// interconnect moves last.
func (g *GPU) Cycle() {
	cycle := g.cycle

	for _, cl := range g.clusters {
		cl.InterconnCycle(g.replyNet, cycle)
	}
	for _, cl := range g.clusters {
		cl.Cycle(cycle)
	}
	for _, cl := range g.clusters {
		cl.IssueBlockToCore(g, cycle)
	}
	for _, cl := range g.clusters {
		cl.InjectCycle(g.reqNet, cycle)
	}

	for i := len(g.subs) - 1; i >= 0; i-- {
		sp := g.subs[i]
		node := g.cfg.MemNode(i)
		if f := sp.PeekReply(); f != nil && g.replyNet.HasBuffer(node, f.Size()) {
			sp.PopReply()
			f.SetStatus(mem.StatusInICNTToShader, cycle)
			g.replyNet.Push(node, f.ClusterID, f, f.Size())
		}
		sp.Cycle(cycle)
		if sp.CanAccept() {
			if f := g.reqNet.Pop(node); f != nil {
				sp.Accept(f, cycle)
			}
		}
	}

	g.reqNet.Advance()
	g.replyNet.Advance()
	g.cycle++
}

// CanStartKernel reports whether the device has a free launch slot.
func (g *GPU) CanStartKernel() bool {
	limit := 1
	if g.cfg.ConcurrentKernelSM {
		limit = g.cfg.MaxConcurrentKernels
	}
	return len(g.running) < limit
}

// LaunchKernel binds a kernel to the device and stamps its launch id.
func (g *GPU) LaunchKernel(k *trace.Kernel) {
	k.Launch(g.nextLaunchID, g.cycle)
	g.nextLaunchID++
	g.running = append(g.running, &runningKernel{
		k:            k,
		insnAtLaunch: g.TotalInstructions(),
	})
}

// SelectKernel hands a cluster the next kernel with unissued blocks,
// round-robin over the launch window.
func (g *GPU) SelectKernel() *trace.Kernel {
	n := len(g.running)
	for i := 1; i <= n; i++ {
		idx := (g.lastSelect + i) % n
		if k := g.running[idx].k; !k.NoMoreBlocks() {
			g.lastSelect = idx
			return k
		}
	}
	return nil
}

// FinishedKernelUID retires at most one completed kernel, records its
// summary, applies the inter-kernel cache flushes, and returns its
// launch id. Zero means nothing finished.
func (g *GPU) FinishedKernelUID() int {
	for i, rk := range g.running {
		if !rk.k.Done() {
			continue
		}
		g.running = append(g.running[:i], g.running[i+1:]...)
		g.lastSelect = 0

		g.sim.AddKernel(stats.Kernel{
			Name:         rk.k.Name(),
			LaunchID:     rk.k.LaunchID(),
			Cycles:       rk.k.CompletedCycle() - rk.k.LaunchCycle(),
			Instructions: g.TotalInstructions() - rk.insnAtLaunch,
			Blocks:       rk.k.NumBlocks(),
		})

		if g.cfg.FlushL1 {
			for _, cl := range g.clusters {
				cl.CacheFlush()
			}
		}
		if g.cfg.FlushL2 {
			for _, sp := range g.subs {
				sp.FlushL2(g.cycle)
			}
		}
		return rk.k.LaunchID()
	}
	return 0
}

// Active reports whether any kernel, warp, queue, or in-flight packet
// keeps the device busy.
func (g *GPU) Active() bool {
	for _, rk := range g.running {
		if !rk.k.Done() {
			return true
		}
	}
	for _, cl := range g.clusters {
		if cl.Active() || !cl.Drained() {
			return true
		}
	}
	for _, sp := range g.subs {
		if !sp.Drained() {
			return true
		}
	}
	return !g.reqNet.Drained() || !g.replyNet.Drained()
}

// PerfMemcpyToGPU models a host-to-device copy: the bytes land in
// device storage, and when fill_l2_on_memcopy is set the copied sectors
// are installed in their L2 slices so the first kernel reads hit.
func (g *GPU) PerfMemcpyToGPU(addr uint64, size uint64) error {
	if size == 0 {
		return nil
	}
	if err := g.storage.Write(addr, make([]byte, size)); err != nil {
		return fmt.Errorf("memcpy to 0x%x: %w", addr, err)
	}
	if !g.cfg.FillL2OnMemcopy {
		return nil
	}
	start := addr &^ uint64(mem.SectorSize-1)
	for sector := start; sector < addr+size; sector += mem.SectorSize {
		_, sub := partition.DecodeAddr(g.cfg, sector)
		g.subs[sub].Prefill(sector, g.cycle)
	}
	return nil
}

// TotalInstructions returns the retired thread instruction count across
// the device, the gpu_sim_insn the watchdog and stat blocks key on.
func (g *GPU) TotalInstructions() uint64 {
	var n uint64
	for _, cl := range g.clusters {
		for _, c := range cl.Cores() {
			n += c.Stats().Instructions
		}
	}
	return n
}

// Stats aggregates every component's counters into the report bag.
func (g *GPU) Stats() *stats.Sim {
	s := g.sim
	s.Cycle = g.cycle
	s.Instructions = g.TotalInstructions()
	s.L1I = stats.NewCache()
	s.L1D = stats.NewCache()
	s.L2 = stats.NewCache()
	s.DRAM.Reset()
	s.FuncUnits = stats.NewFuncUnits()
	for _, cl := range g.clusters {
		for _, c := range cl.Cores() {
			cs := c.Stats()
			s.L1I.Merge(cs.L1I)
			s.L1D.Merge(cs.L1D)
			s.FuncUnits.Merge(cs.FuncUnits)
		}
	}
	for _, sp := range g.subs {
		s.L2.Merge(sp.Stats().L2)
		s.DRAM.Merge(sp.Stats().DRAM)
	}
	s.Icnt = *g.icntStat
	return s
}

// QueueOccupancy dumps every queue's fill level for the deadlock report.
func (g *GPU) QueueOccupancy() string {
	var b strings.Builder
	for _, cl := range g.clusters {
		fmt.Fprintf(&b, "  %s not_completed=%d\n", cl.QueueOccupancy(), cl.NotCompleted())
	}
	for _, sp := range g.subs {
		fmt.Fprintf(&b, "  %s\n", sp.QueueOccupancy())
	}
	return b.String()
}
