// Package core models one SIMT shader core: instruction fetch through
// the L1I, per-warp instruction buffers, issue schedulers, a banked
// operand collector, pipelined functional units, and a load/store unit
// in front of the L1 data cache. The owning cluster drives a core
// through Cycle and feeds it blocks and memory responses.
package core

import (
	"fmt"
	"sort"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/cache"
	"github.com/mfkiwl/gpucachesim/timing/latency"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
	"github.com/mfkiwl/gpucachesim/timing/rfu"
	"github.com/mfkiwl/gpucachesim/trace"
)

// Stats aggregates the per-core counters.
type Stats struct {
	L1I *stats.Cache
	L1D *stats.Cache

	FuncUnits *stats.FuncUnits

	// Instructions counts retired thread-level instructions, summed
	// over active lanes. WarpInstructions counts retired warp-level
	// instructions.
	Instructions     uint64
	WarpInstructions uint64
}

// Core is one SIMT core.
type Core struct {
	name      string
	clusterID int
	id        int
	cfg       *config.GPU

	alloc   mem.Allocator
	memPort cache.MemPort

	latency *latency.Table

	l1i *cache.Cache

	warps    []*warp
	sb       *scoreboard
	barriers *barrierSet
	scheds   []*scheduler

	idOCSP  *pipeline.RegisterSet
	idOCInt *pipeline.RegisterSet
	idOCSFU *pipeline.RegisterSet
	idOCMem *pipeline.RegisterSet
	ocEXSP  *pipeline.RegisterSet
	ocEXInt *pipeline.RegisterSet
	ocEXSFU *pipeline.RegisterSet
	ocEXMem *pipeline.RegisterSet
	exWB    *pipeline.RegisterSet

	rfu *rfu.RFU

	fus        []FuncUnit
	issuePorts []*pipeline.RegisterSet
	ldst       *ldstUnit

	instUID     uint64
	dynWarpID   int
	fetchRR     int
	fetchBuf    []int
	instReturns []*mem.Fetch

	kernel             *trace.Kernel
	warpsPerBlock      int
	maxBlocksPerKernel int
	blockWarps         []int
	activeBlocks       int

	stats *Stats
}

// New builds a core. The port is where the core's memory traffic leaves
// toward the cluster.
func New(clusterID, coreID int, cfg *config.GPU, port cache.MemPort) *Core {
	name := fmt.Sprintf("cluster%d.core%d", clusterID, coreID)
	c := &Core{
		name:      name,
		clusterID: clusterID,
		id:        coreID,
		cfg:       cfg,
		alloc:     mem.Allocator{ClusterID: clusterID, CoreID: coreID},
		memPort:   port,
		latency:   latency.NewTableWithConfig(cfg.Latency),
		fetchRR:   cfg.MaxThreadsPerCore/cfg.WarpSize - 1,
	}

	c.l1i = cache.New(name+".L1I", cfg.L1I, cache.LevelL1I, c.alloc, port, nil)
	l1d := cache.New(name+".L1D", cfg.L1D, cache.LevelL1D, c.alloc, port, nil)

	c.idOCSP = pipeline.NewRegisterSet(pipeline.IDOCSP, cfg.WidthIDOCSP)
	c.idOCSFU = pipeline.NewRegisterSet(pipeline.IDOCSFU, cfg.WidthIDOCSFU)
	c.idOCMem = pipeline.NewRegisterSet(pipeline.IDOCMEM, cfg.WidthIDOCMem)
	c.ocEXSP = pipeline.NewRegisterSet(pipeline.OCEXSP, cfg.WidthOCEXSP)
	c.ocEXSFU = pipeline.NewRegisterSet(pipeline.OCEXSFU, cfg.WidthOCEXSFU)
	c.ocEXMem = pipeline.NewRegisterSet(pipeline.OCEXMEM, cfg.WidthOCEXMem)
	c.exWB = pipeline.NewRegisterSet(pipeline.EXWB, cfg.WidthEXWB)
	if cfg.NumIntUnits > 0 {
		c.idOCInt = pipeline.NewRegisterSet(pipeline.IDOCINT, cfg.WidthIDOCInt)
		c.ocEXInt = pipeline.NewRegisterSet(pipeline.OCEXINT, cfg.WidthOCEXInt)
	}

	c.rfu = rfu.New(cfg, rfu.Ports{
		SPIn: c.idOCSP, SPOut: c.ocEXSP,
		IntIn: c.idOCInt, IntOut: c.ocEXInt,
		SFUIn: c.idOCSFU, SFUOut: c.ocEXSFU,
		MemIn: c.idOCMem, MemOut: c.ocEXMem,
	})

	numWarps := cfg.MaxThreadsPerCore / cfg.WarpSize
	for i := 0; i < numWarps; i++ {
		c.warps = append(c.warps, &warp{id: i, schedulerID: i % cfg.NumSchedsPerCore})
	}
	c.sb = newScoreboard(numWarps)
	c.barriers = newBarrierSet(cfg.MaxBlocksPerCore)
	c.blockWarps = make([]int, cfg.MaxBlocksPerCore)

	for s := 0; s < cfg.NumSchedsPerCore; s++ {
		c.scheds = append(c.scheds, newScheduler(c, s, c.warps))
	}

	for i := 0; i < cfg.NumSPUnits; i++ {
		c.addFU(newSPUnit(i, c.latency, c.exWB, cfg.NumIntUnits == 0), c.ocEXSP)
	}
	for i := 0; i < cfg.NumIntUnits; i++ {
		c.addFU(newIntUnit(i, c.latency, c.exWB), c.ocEXInt)
	}
	for i := 0; i < cfg.NumSFUUnits; i++ {
		c.addFU(newSFUUnit(i, c.latency, c.exWB), c.ocEXSFU)
	}
	c.ldst = newLDSTUnit(c, l1d)
	c.addFU(c.ldst, c.ocEXMem)

	c.stats = &Stats{
		L1I:       c.l1i.Stats(),
		L1D:       l1d.Stats(),
		FuncUnits: stats.NewFuncUnits(),
	}
	return c
}

func (c *Core) addFU(fu FuncUnit, port *pipeline.RegisterSet) {
	c.fus = append(c.fus, fu)
	c.issuePorts = append(c.issuePorts, port)
}

// Name returns the core instance name.
func (c *Core) Name() string {
	return c.name
}

// Stats returns the core's counters.
func (c *Core) Stats() *Stats {
	return c.stats
}

// Cycle advances the core one cycle, back to front so that every stage
// sees the state its downstream neighbor had at the start of the cycle.
func (c *Core) Cycle(cycle uint64) {
	c.processBarriers()
	c.writeback(cycle)
	c.execute(cycle)
	c.rfu.Step()
	c.issue(cycle)
	c.decode(cycle)
	c.fetch(cycle)
	c.retireCheck(cycle)
}

// processBarriers releases the warps of every barrier completed last
// cycle, so all members resume together.
func (c *Core) processBarriers() {
	for slot := range c.blockWarps {
		if !c.barriers.takeRelease(slot) {
			continue
		}
		for _, w := range c.warps {
			if w.active && w.blockSlot == slot && w.atBarrier {
				w.atBarrier = false
			}
		}
	}
}

// writeback retires completed instructions: it claims register bank
// write slots and releases scoreboard entries. Only the head of a
// warp's in-flight queue may retire, so each warp commits in issue
// order; across warps, older instructions go first but never block
// younger warps.
func (c *Core) writeback(cycle uint64) {
	if inst := c.ldst.peekCompleted(); inst != nil {
		w := c.warps[inst.WarpID]
		if inst.UID == w.inflightHead() && c.rfu.Writeback(inst) {
			c.ldst.takeCompleted()
			c.retire(w, inst)
		}
	}

	type wbSlot struct {
		idx  int
		inst *pipeline.WarpInst
	}
	var pending []wbSlot
	for i := 0; i < c.exWB.NumSlots(); i++ {
		if inst := c.exWB.Peek(i); inst != nil {
			pending = append(pending, wbSlot{idx: i, inst: inst})
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].inst.UID < pending[j].inst.UID
	})
	for _, s := range pending {
		w := c.warps[s.inst.WarpID]
		if s.inst.UID != w.inflightHead() {
			continue
		}
		if !c.rfu.Writeback(s.inst) {
			continue
		}
		c.exWB.Take(s.idx)
		c.retire(w, s.inst)
	}
}

func (c *Core) retire(w *warp, inst *pipeline.WarpInst) {
	w.popInflight()
	c.sb.release(w.id, inst)
	c.countRetired(inst)
}

// retireAtIssue commits instructions that never enter a pipeline:
// barriers and exits complete the moment they issue.
func (c *Core) retireAtIssue(inst *pipeline.WarpInst) {
	c.countRetired(inst)
}

func (c *Core) countRetired(inst *pipeline.WarpInst) {
	c.stats.WarpInstructions++
	c.stats.Instructions += uint64(inst.ActiveCount())
}

// execute cycles every functional unit, then refills each from its
// issue port, oldest instruction first.
func (c *Core) execute(cycle uint64) {
	for i, fu := range c.fus {
		fu.Cycle(cycle)
		if fu.ActiveLanesInPipeline() > 0 {
			c.stats.FuncUnits.IncBusy(fu.Name())
		}

		port := c.issuePorts[i]
		var slot int
		if c.cfg.SubCoreModel && fu.IsIssuePartitioned() {
			slot = port.GetReadySubCore(fu.IssueRegID())
		} else {
			slot = port.GetReady()
		}
		if slot < 0 {
			continue
		}
		inst := port.Peek(slot)
		if !fu.CanIssue(inst.Class) {
			continue
		}
		port.Take(slot)
		fu.Issue(inst, cycle)
		c.stats.FuncUnits.IncIssued(fu.Name())
	}
}

func (c *Core) issue(cycle uint64) {
	for _, s := range c.scheds {
		s.cycle(cycle)
	}
}

// issueSet maps an opcode class to the decode-side register set its
// instructions issue into. Integer instructions share the SP path when
// no dedicated integer collectors are configured.
func (c *Core) issueSet(class latency.OpClass) *pipeline.RegisterSet {
	switch class {
	case latency.ClassMem:
		return c.idOCMem
	case latency.ClassSFU:
		return c.idOCSFU
	case latency.ClassInt:
		if c.idOCInt != nil {
			return c.idOCInt
		}
		return c.idOCSP
	default:
		return c.idOCSP
	}
}

// retireCheck frees drained warps and retires blocks whose last warp
// drained. The kernel learns of each finished block immediately.
func (c *Core) retireCheck(cycle uint64) {
	for _, w := range c.warps {
		if !w.active || !w.hardwareDone() {
			continue
		}
		slot := w.blockSlot
		w.doneExit = true
		w.free()
		c.barriers.warpExited(slot)
		c.blockWarps[slot]--
		if c.blockWarps[slot] == 0 {
			c.activeBlocks--
			c.kernel.BlockFinished(cycle)
		}
	}
}

// SetKernel binds the kernel the core draws blocks from and sizes the
// per-kernel occupancy. Only an idle core may switch kernels.
func (c *Core) SetKernel(k *trace.Kernel) {
	if c.activeBlocks > 0 {
		panic(fmt.Sprintf("core %s: kernel switch with %d resident blocks", c.name, c.activeBlocks))
	}
	c.kernel = k
	if k == nil {
		return
	}
	c.warpsPerBlock = k.WarpsPerBlock()
	c.maxBlocksPerKernel = c.occupancy(k)
	for _, s := range c.scheds {
		s.reset()
	}
}

// CurrentKernel returns the kernel the core draws blocks from.
func (c *Core) CurrentKernel() *trace.Kernel {
	return c.kernel
}

// occupancy returns how many blocks of the kernel fit on the core at
// once, limited by warp slots, registers, shared memory, and barriers.
func (c *Core) occupancy(k *trace.Kernel) int {
	warps := k.WarpsPerBlock()
	limit := c.cfg.MaxBlocksPerCore

	if byWarps := len(c.warps) / warps; byWarps < limit {
		limit = byWarps
	}
	if k.Config.NumRegisters > 0 && c.cfg.Registers > 0 {
		perBlock := k.Config.NumRegisters * warps * c.cfg.WarpSize
		if byRegs := c.cfg.Registers / perBlock; byRegs < limit {
			limit = byRegs
		}
	}
	if k.Config.SharedMemBytes > 0 && c.cfg.SharedMemorySize > 0 {
		if bySmem := c.cfg.SharedMemorySize / k.Config.SharedMemBytes; bySmem < limit {
			limit = bySmem
		}
	}
	if c.cfg.NumCTABarriers < limit {
		limit = c.cfg.NumCTABarriers
	}
	if limit < 1 {
		panic(fmt.Sprintf("core %s: kernel %q does not fit: %d warps per block",
			c.name, k.Name(), warps))
	}
	return limit
}

// CanIssueBlock reports whether the core has a free block slot for the
// bound kernel.
func (c *Core) CanIssueBlock() bool {
	if c.kernel == nil || c.kernel.NoMoreBlocks() {
		return false
	}
	return c.freeBlockSlot() >= 0
}

func (c *Core) freeBlockSlot() int {
	for b := 0; b < c.maxBlocksPerKernel; b++ {
		if c.blockWarps[b] == 0 {
			return b
		}
	}
	return -1
}

// IssueBlock binds the kernel's next block to a free slot, activating
// one hardware warp per trace warp.
func (c *Core) IssueBlock(cycle uint64) {
	slot := c.freeBlockSlot()
	if slot < 0 {
		panic(fmt.Sprintf("core %s: block issue without a free slot", c.name))
	}
	bt := c.kernel.NextBlock()
	if bt == nil {
		panic(fmt.Sprintf("core %s: block issue on an exhausted kernel", c.name))
	}

	blockID := bt.Block.Linear(c.kernel.Config.GridDim)
	live := 0
	for i, stream := range bt.Warps {
		w := c.warps[slot*c.warpsPerBlock+i]
		if w.active {
			panic(fmt.Sprintf("core %s: block slot %d still occupied", c.name, slot))
		}
		c.dynWarpID++
		w.reset(stream, c.dynWarpID, slot, blockID, c.kernel.Config.ID)
		c.sb.clear(w.id)
		live++
	}
	c.blockWarps[slot] = live
	c.barriers.reset(slot, live)
	c.activeBlocks++
}

// Active reports whether any block is resident.
func (c *Core) Active() bool {
	return c.activeBlocks > 0
}

// NotCompleted returns the number of live warps.
func (c *Core) NotCompleted() int {
	n := 0
	for _, v := range c.blockWarps {
		n += v
	}
	return n
}

// AcceptFetchResponse takes a returned instruction line. The queue is
// unbounded; the fill waits for a free fill port inside fetch.
func (c *Core) AcceptFetchResponse(f *mem.Fetch, cycle uint64) {
	c.instReturns = append(c.instReturns, f)
}

// LDSTResponseBufferFull reports whether the load/store response fifo
// cannot take another packet.
func (c *Core) LDSTResponseBufferFull() bool {
	return c.ldst.responseBufferFull()
}

// AcceptLDSTResponse hands a data response to the load/store unit.
func (c *Core) AcceptLDSTResponse(f *mem.Fetch, cycle uint64) {
	c.ldst.acceptResponse(f, cycle)
}

// CacheFlush drops the L1 data cache contents. Global data is already
// downstream under write-through; dirty local lines are dropped with it.
func (c *Core) CacheFlush() {
	c.ldst.flush()
}

// CacheInvalidate drops every L1 line.
func (c *Core) CacheInvalidate() {
	c.l1i.Invalidate()
	c.ldst.invalidate()
}
