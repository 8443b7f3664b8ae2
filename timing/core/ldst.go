package core

import (
	"fmt"

	"github.com/sarchlab/akita/v4/pipelining"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/timing/cache"
	"github.com/mfkiwl/gpucachesim/timing/latency"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
	"github.com/mfkiwl/gpucachesim/trace"
)

type memSpace int

const (
	spaceGlobal memSpace = iota
	spaceShared
	spaceLocal
	spaceConst
)

func memSpaceOf(op string) memSpace {
	switch baseOpcode(op) {
	case "LDS", "STS", "ATOMS", "LDSM":
		return spaceShared
	case "LDL", "STL":
		return spaceLocal
	case "LDC":
		return spaceConst
	default:
		return spaceGlobal
	}
}

// pendingLoad tracks a load instruction until every coalesced access has
// delivered its data.
type pendingLoad struct {
	inst      *pipeline.WarpInst
	remaining int
}

type hitEntry struct {
	f   *mem.Fetch
	due uint64
}

// ldstUnit is the memory pipeline of a core. One instruction occupies
// the dispatch register at a time; its coalesced accesses go to the L1
// data cache (or straight to the interconnect for bypassed kinds) one
// per cycle, and the instruction moves to the completed queue once all
// of its data is back. Shared memory runs through a fixed-latency pipe
// and never leaves the core.
type ldstUnit struct {
	name string
	core *Core
	l1d  *cache.Cache

	dispatch     *pipeline.WarpInst
	dispatchWait uint64
	built        bool
	accessQ      []*mem.Fetch

	pendingLoads map[uint64]*pendingLoad
	hitQueue     []hitEntry
	completed    []*pipeline.WarpInst

	responseFIFO []*mem.Fetch

	sharedPipe pipelining.Pipeline
	sharedOut  sim.Buffer

	lanes int
}

func newLDSTUnit(c *Core, l1d *cache.Cache) *ldstUnit {
	u := &ldstUnit{
		name:         fmt.Sprintf("%s.ldst", c.name),
		core:         c,
		l1d:          l1d,
		pendingLoads: map[uint64]*pendingLoad{},
	}

	depth := c.cfg.SharedMemoryLatency
	if depth < 1 {
		depth = 1
	}
	u.sharedOut = sim.NewBuffer(u.name+".shared.out", 2)
	u.sharedPipe = pipelining.MakeBuilder().
		WithPipelineWidth(1).
		WithNumStage(depth).
		WithCyclePerStage(1).
		WithPostPipelineBuffer(u.sharedOut).
		Build(u.name + ".shared")

	return u
}

func (u *ldstUnit) Name() string               { return u.name }
func (u *ldstUnit) Stallable() bool            { return true }
func (u *ldstUnit) IsIssuePartitioned() bool   { return false }
func (u *ldstUnit) IssueRegID() int            { return 0 }
func (u *ldstUnit) ActiveLanesInPipeline() int { return u.lanes }

func (u *ldstUnit) CanIssue(class latency.OpClass) bool {
	return class == latency.ClassMem && u.dispatch == nil
}

func (u *ldstUnit) Issue(inst *pipeline.WarpInst, cycle uint64) {
	if !u.CanIssue(inst.Class) {
		panic(fmt.Sprintf("%s: issue of %s while busy", u.name, inst.Opcode))
	}
	u.dispatch = inst
	u.dispatchWait = inst.Initiation
	u.built = false
	u.lanes += inst.ActiveCount()
}

func (u *ldstUnit) Cycle(cycle uint64) {
	u.l1d.Cycle(cycle)
	u.processResponse(cycle)
	u.drainReadyAccess(cycle)
	u.serveHits(cycle)
	u.cycleShared(cycle)
	u.moveDispatch(cycle)
	u.issueAccess(cycle)
	u.finishDispatch()
}

// processResponse handles the head of the response fifo: write acks
// settle store counts, fills go into the cache, and replies that never
// entered the L1 complete their instruction directly.
func (u *ldstUnit) processResponse(cycle uint64) {
	if len(u.responseFIFO) == 0 {
		return
	}
	f := u.responseFIFO[0]
	switch {
	case f.Kind == mem.WriteAck:
		w := u.core.warps[f.WarpID]
		if w.storesOutstanding <= 0 {
			panic(fmt.Sprintf("%s: write ack with no outstanding store: %s", u.name, f))
		}
		w.storesOutstanding--
		f.SetStatus(mem.StatusDeleted, cycle)
		u.responseFIFO = u.responseFIFO[1:]

	case u.l1d.WaitingForFill(f):
		if !u.l1d.HasFreeFillPort() {
			return
		}
		u.responseFIFO = u.responseFIFO[1:]
		u.l1d.Fill(f, cycle)

	default:
		u.completeFetch(f, cycle)
		f.SetStatus(mem.StatusDeleted, cycle)
		u.responseFIFO = u.responseFIFO[1:]
	}
}

// drainReadyAccess pulls one filled requester out of the cache per
// cycle.
func (u *ldstUnit) drainReadyAccess(cycle uint64) {
	if !u.l1d.HasReadyAccesses() {
		return
	}
	f := u.l1d.NextAccess()
	// Write-allocate reads have no requesting load; the fill itself was
	// the point.
	if f.Access.Kind != mem.L1WriteAllocRead {
		u.completeFetch(f, cycle)
	}
	f.SetStatus(mem.StatusDeleted, cycle)
}

func (u *ldstUnit) serveHits(cycle uint64) {
	for len(u.hitQueue) > 0 && u.hitQueue[0].due <= cycle {
		e := u.hitQueue[0]
		u.hitQueue = u.hitQueue[1:]
		u.completeFetch(e.f, cycle)
		e.f.SetStatus(mem.StatusDeleted, cycle)
	}
}

func (u *ldstUnit) cycleShared(cycle uint64) {
	u.sharedPipe.Tick()
	for u.sharedOut.Size() > 0 {
		item := u.sharedOut.Pop().(execItem)
		u.completed = append(u.completed, item.inst)
	}
}

// moveDispatch holds the instruction for its initiation interval, then
// either enters the shared memory pipe or builds the coalesced access
// queue.
func (u *ldstUnit) moveDispatch(cycle uint64) {
	if u.dispatch == nil {
		return
	}
	if u.dispatchWait > 0 {
		u.dispatchWait--
	}
	if u.dispatchWait > 0 {
		return
	}

	inst := u.dispatch
	if memSpaceOf(inst.Opcode) == spaceShared {
		if !u.sharedPipe.CanAccept() {
			return
		}
		u.sharedPipe.Accept(execItem{inst: inst})
		u.dispatch = nil
		return
	}

	if u.built {
		return
	}
	u.accessQ = u.coalesce(inst, cycle)
	u.built = true
	if inst.IsLoad() {
		if len(u.accessQ) == 0 {
			u.completed = append(u.completed, inst)
			return
		}
		u.pendingLoads[inst.UID] = &pendingLoad{inst: inst, remaining: len(u.accessQ)}
	}
}

// issueAccess sends the head of the access queue to the L1 data cache,
// or past it for bypassed kinds. A reservation failure keeps the fetch
// for a retry next cycle.
func (u *ldstUnit) issueAccess(cycle uint64) {
	if len(u.accessQ) == 0 {
		return
	}
	f := u.accessQ[0]

	if u.bypassesL1D(f) {
		if u.core.memPort.Full(f.Size(), f.IsWrite()) {
			return
		}
		u.accessQ = u.accessQ[1:]
		u.core.memPort.Push(f, cycle)
		if f.IsWrite() {
			u.core.warps[f.WarpID].storesOutstanding++
		}
		return
	}

	if !u.l1d.HasFreeDataPort() {
		return
	}
	status, events := u.l1d.Access(f, cycle)
	if status == mem.ReservationFailure {
		return
	}
	u.accessQ = u.accessQ[1:]
	if status == mem.Hit && !f.IsWrite() {
		u.hitQueue = append(u.hitQueue, hitEntry{f: f, due: cycle + uint64(u.core.cfg.L1Latency)})
	}
	if cache.WasWriteSent(events) {
		u.core.warps[f.WarpID].storesOutstanding++
	}
}

// finishDispatch releases the dispatch register once every access has
// been accepted. Stores complete here; their acks are tracked per warp.
func (u *ldstUnit) finishDispatch() {
	if u.dispatch == nil || !u.built || len(u.accessQ) > 0 {
		return
	}
	if u.dispatch.IsStore {
		u.completed = append(u.completed, u.dispatch)
	}
	u.dispatch = nil
	u.built = false
}

// completeFetch credits returned data against its load instruction. The
// instruction completes when its last access is in.
func (u *ldstUnit) completeFetch(f *mem.Fetch, cycle uint64) {
	f.SetStatus(mem.StatusInShaderFetched, cycle)
	pl, ok := u.pendingLoads[f.InstUID]
	if !ok {
		panic(fmt.Sprintf("%s: data return for unknown instruction: %s", u.name, f))
	}
	pl.remaining--
	if pl.remaining == 0 {
		delete(u.pendingLoads, f.InstUID)
		u.completed = append(u.completed, pl.inst)
	}
}

// bypassesL1D reports whether the access skips the L1 data cache.
// Atomics operate at the L2, and global traffic skips on configuration.
func (u *ldstUnit) bypassesL1D(f *mem.Fetch) bool {
	if f.Access.Atomic {
		return true
	}
	if !u.core.cfg.GlobalMemSkipL1D {
		return false
	}
	return f.Access.Kind == mem.GlobalRead || f.Access.Kind == mem.GlobalWrite
}

// coalesce merges the per-lane addresses of a memory instruction into
// atom-sized transactions, ordered by the first lane touching each atom.
func (u *ldstUnit) coalesce(inst *pipeline.WarpInst, cycle uint64) []*mem.Fetch {
	atom := u.l1d.Config().AtomSize()
	kind := u.accessKind(inst)
	atomic := isAtomicOpcode(inst.Opcode)

	var order []uint64
	masks := map[uint64]uint32{}
	for lane := 0; lane < trace.WarpSize; lane++ {
		if !inst.Active(lane) {
			continue
		}
		addr := inst.Addrs[lane]
		width := uint64(inst.MemWidth)
		if width == 0 {
			width = 4
		}
		first := addr &^ (atom - 1)
		last := (addr + width - 1) &^ (atom - 1)
		for a := first; a <= last; a += atom {
			if _, seen := masks[a]; !seen {
				order = append(order, a)
			}
			masks[a] |= 1 << uint(lane)
		}
	}

	fetches := make([]*mem.Fetch, 0, len(order))
	for _, a := range order {
		acc := mem.NewAccess(kind, a, uint32(atom), masks[a])
		acc.Atomic = atomic
		fetches = append(fetches, u.core.alloc.New(acc, inst.WarpID, inst.KernelID, inst.UID, cycle))
	}
	return fetches
}

func (u *ldstUnit) accessKind(inst *pipeline.WarpInst) mem.AccessKind {
	switch memSpaceOf(inst.Opcode) {
	case spaceLocal:
		if inst.IsStore {
			return mem.LocalWrite
		}
		return mem.LocalRead
	case spaceConst:
		return mem.ConstRead
	default:
		if inst.IsStore {
			return mem.GlobalWrite
		}
		return mem.GlobalRead
	}
}

func (u *ldstUnit) responseBufferFull() bool {
	return len(u.responseFIFO) >= u.core.cfg.LDSTResponseBufferSize
}

func (u *ldstUnit) acceptResponse(f *mem.Fetch, cycle uint64) {
	if u.responseBufferFull() {
		panic(fmt.Sprintf("%s: response fifo overflow: %s", u.name, f))
	}
	f.SetStatus(mem.StatusInShaderLDSTResponseFIFO, cycle)
	u.responseFIFO = append(u.responseFIFO, f)
}

func (u *ldstUnit) peekCompleted() *pipeline.WarpInst {
	if len(u.completed) == 0 {
		return nil
	}
	return u.completed[0]
}

func (u *ldstUnit) takeCompleted() *pipeline.WarpInst {
	inst := u.completed[0]
	u.completed = u.completed[1:]
	u.lanes -= inst.ActiveCount()
	return inst
}

// flush drops the L1D contents without writing dirty lines back.
// Global stores are write-through, so only stale local data is lost.
func (u *ldstUnit) flush() {
	u.l1d.Flush()
}

func (u *ldstUnit) invalidate() {
	u.l1d.Invalidate()
}
