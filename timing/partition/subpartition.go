// Package partition models one memory sub partition: the bounded queues
// between the interconnect, the L2 slice, and the DRAM channel behind
// it, plus the raster-pipe delay every request pays on the way in.
// Requests wider than an L2 sector are broken into per-sector children
// at the front; the parent answers only when its last child has.
package partition

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/cache"
	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// DecodeAddr maps an address to its memory channel and sub partition.
// The interleave is linear over L2-line-sized chunks, so consecutive
// lines stripe across the channels first, then across the sub
// partitions of each channel.
func DecodeAddr(cfg *config.GPU, addr uint64) (chip, subPartition int) {
	lineBits := uint(0)
	for s := uint64(cfg.L2.LineSize); s > 1; s >>= 1 {
		lineBits++
	}
	chunk := addr >> lineBits
	nMem := uint64(cfg.NumMemoryControllers)
	subs := uint64(cfg.NumSubPartitionsPerChannel)

	chip = int(chunk % nMem)
	subPartition = chip*int(subs) + int((chunk/nMem)%subs)
	return chip, subPartition
}

// ropEntry is a request paying the raster-pipe delay.
type ropEntry struct {
	f     *mem.Fetch
	ready uint64
}

// Stats aggregates the per-sub-partition counters.
type Stats struct {
	L2   *stats.Cache
	DRAM *stats.DRAM
}

// SubPartition is one L2 slice with its queues and DRAM channel share.
type SubPartition struct {
	name string
	id   int
	cfg  *config.GPU

	l2 *cache.Cache

	rop      []ropEntry
	icntToL2 sim.Buffer
	l2ToDRAM sim.Buffer
	dramToL2 sim.Buffer
	l2ToICNT sim.Buffer

	dram *dramChannel

	// childrenLeft counts the outstanding sector children of a split
	// parent.
	childrenLeft map[*mem.Fetch]int

	stats *Stats
}

// l2MemPort drains the L2 miss queue into the L2-to-DRAM queue.
type l2MemPort struct {
	sp *SubPartition
}

func (p l2MemPort) Full(size uint32, write bool) bool {
	return !p.sp.l2ToDRAM.CanPush()
}

func (p l2MemPort) Push(f *mem.Fetch, cycle uint64) {
	f.SetStatus(mem.StatusInPartitionL2ToDRAMQueue, cycle)
	p.sp.l2ToDRAM.Push(f)
}

// New builds a sub partition. The id is the global sub partition id;
// the chip id derives from it.
func New(id int, cfg *config.GPU) *SubPartition {
	name := fmt.Sprintf("subpartition%d", id)
	sp := &SubPartition{
		name:         name,
		id:           id,
		cfg:          cfg,
		icntToL2:     sim.NewBuffer(name+".icnt_to_l2", cfg.QueueICNTToL2),
		l2ToDRAM:     sim.NewBuffer(name+".l2_to_dram", cfg.QueueL2ToDRAM),
		dramToL2:     sim.NewBuffer(name+".dram_to_l2", cfg.QueueDRAMToL2),
		l2ToICNT:     sim.NewBuffer(name+".l2_to_icnt", cfg.QueueL2ToICNT),
		childrenLeft: map[*mem.Fetch]int{},
	}
	alloc := mem.Allocator{ClusterID: -1, CoreID: -1}
	sp.l2 = cache.New(name+".L2", cfg.L2, cache.LevelL2, alloc, l2MemPort{sp}, nil)
	sp.dram = newDRAMChannel(name+".dram", cfg)
	sp.stats = &Stats{L2: sp.l2.Stats(), DRAM: sp.dram.stats}
	return sp
}

// Name returns the sub partition instance name.
func (sp *SubPartition) Name() string { return sp.name }

// ID returns the global sub partition id.
func (sp *SubPartition) ID() int { return sp.id }

// Stats returns the sub partition counters.
func (sp *SubPartition) Stats() *Stats { return sp.stats }

// CanAccept reports whether the front of the partition has room for
// another request from the interconnect.
func (sp *SubPartition) CanAccept() bool {
	return len(sp.rop) < sp.cfg.QueueICNTToL2
}

// Accept takes a request delivered by the interconnect. Instruction
// reads skip the raster pipe; everything else pays its latency first.
func (sp *SubPartition) Accept(f *mem.Fetch, cycle uint64) {
	if !sp.CanAccept() {
		panic(fmt.Sprintf("%s: accept past capacity: %s", sp.name, f))
	}
	ready := cycle
	if f.Access.Kind != mem.InstRead {
		ready += uint64(sp.cfg.L2ROPLatency)
	}
	f.SetStatus(mem.StatusInPartitionROPDelay, cycle)
	sp.rop = append(sp.rop, ropEntry{f: f, ready: ready})
}

// PeekReply returns the response at the head of the L2-to-interconnect
// queue without removing it.
func (sp *SubPartition) PeekReply() *mem.Fetch {
	if f, ok := sp.l2ToICNT.Peek().(*mem.Fetch); ok {
		return f
	}
	return nil
}

// PopReply removes the head response.
func (sp *SubPartition) PopReply() *mem.Fetch {
	return sp.l2ToICNT.Pop().(*mem.Fetch)
}

// Prefill installs a copied-in sector footprint in the L2 slice.
func (sp *SubPartition) Prefill(addr uint64, cycle uint64) {
	sp.l2.Prefill(addr, mem.SectorMaskFor(addr, uint32(mem.SectorSize)), cycle)
}

// Cycle advances the sub partition. Stages run in reverse data-flow
// order so a response produced this cycle is not consumed by the next
// stage in the same cycle.
func (sp *SubPartition) Cycle(cycle uint64) {
	sp.drainL2Responses(cycle)
	sp.processDRAMReturn(cycle)
	sp.dram.cycle(cycle, sp.l2ToDRAM, sp.dramToL2)
	sp.l2.Cycle(cycle)
	sp.processICNTToL2(cycle)
	sp.processROP(cycle)
}

// drainL2Responses turns one completed L2 requester into a response.
// Write-allocate reads belong to the L2 itself and die here; sector
// children credit their parent instead of answering.
func (sp *SubPartition) drainL2Responses(cycle uint64) {
	if !sp.l2.HasReadyAccesses() || !sp.l2ToICNT.CanPush() {
		return
	}
	f := sp.l2.NextAccess()
	switch {
	case f.Access.Kind == mem.L2WriteAllocRead:
		f.SetStatus(mem.StatusDeleted, cycle)
	case f.Original != nil:
		sp.creditParent(f, cycle)
	default:
		sp.pushReply(f, cycle)
	}
}

// processDRAMReturn handles the head of the DRAM-to-L2 queue: fills the
// L2 when a miss is waiting for it, otherwise passes the response
// through toward the requester.
func (sp *SubPartition) processDRAMReturn(cycle uint64) {
	f, ok := sp.dramToL2.Peek().(*mem.Fetch)
	if !ok {
		return
	}
	if sp.l2.WaitingForFill(f) {
		if !sp.l2.HasFreeFillPort() {
			return
		}
		sp.dramToL2.Pop()
		f.SetStatus(mem.StatusInPartitionL2FillQueue, cycle)
		sp.l2.Fill(f, cycle)
		return
	}

	if !sp.l2ToICNT.CanPush() {
		return
	}
	sp.dramToL2.Pop()
	switch {
	case f.Access.Kind == mem.L2WriteAllocRead:
		f.SetStatus(mem.StatusDeleted, cycle)
	case f.Original != nil:
		sp.creditParent(f, cycle)
	default:
		sp.pushReply(f, cycle)
	}
}

// processICNTToL2 probes the L2 with the head request. A reservation
// failure leaves the head queued for a retry; an accepted miss belongs
// to the MSHR from here on.
func (sp *SubPartition) processICNTToL2(cycle uint64) {
	f, ok := sp.icntToL2.Peek().(*mem.Fetch)
	if !ok {
		return
	}
	if !sp.l2.HasFreeDataPort() {
		return
	}
	// A hit answers immediately, so it needs response room up front.
	if !sp.l2ToICNT.CanPush() {
		return
	}

	status, _ := sp.l2.Access(f, cycle)
	if status == mem.ReservationFailure {
		return
	}
	sp.icntToL2.Pop()

	if status != mem.Hit {
		return
	}
	switch {
	case f.Access.Kind == mem.L1Writeback:
		// Writebacks settle at the L2 and are never acknowledged.
		f.SetStatus(mem.StatusDeleted, cycle)
	case f.Original != nil:
		sp.creditParent(f, cycle)
	default:
		sp.pushReply(f, cycle)
	}
}

// processROP moves requests whose raster-pipe delay elapsed into the
// L2 front queue, splitting wide requests into sector children.
func (sp *SubPartition) processROP(cycle uint64) {
	for len(sp.rop) > 0 && sp.rop[0].ready <= cycle {
		f := sp.rop[0].f
		pieces := sp.breakdown(f, cycle)
		if sp.icntToL2.Size()+len(pieces) > sp.cfg.QueueICNTToL2 {
			return
		}
		sp.rop = sp.rop[1:]
		if len(pieces) > 1 {
			if f.Access.Kind == mem.L1Writeback || f.Access.Kind == mem.L2Writeback {
				// Writeback children settle on their own; the parent
				// carries no response and retires at the split.
				f.SetStatus(mem.StatusDeleted, cycle)
			} else {
				sp.childrenLeft[f] = len(pieces)
			}
		}
		for _, p := range pieces {
			p.SetStatus(mem.StatusInPartitionICNTToL2Queue, cycle)
			sp.icntToL2.Push(p)
		}
	}
}

// breakdown splits a request wider than one sector into per-sector
// children. Whole-line requests split into four, half-line requests
// into the two sectors of their half, everything else per set mask
// bit. Requests at or under sector size pass through unchanged.
func (sp *SubPartition) breakdown(f *mem.Fetch, cycle uint64) []*mem.Fetch {
	if !sp.cfg.L2.Sectored() || f.DataSize <= mem.SectorSize {
		return []*mem.Fetch{f}
	}

	line := sp.cfg.L2.BlockAddr(f.Access.Addr)
	var sectors []int
	switch f.DataSize {
	case mem.MaxAccessBytes:
		sectors = []int{0, 1, 2, 3}
	case 2 * mem.SectorSize:
		half := 0
		if f.Access.Addr&uint64(2*mem.SectorSize) != 0 {
			half = 2
		}
		sectors = []int{half, half + 1}
	default:
		for s := 0; s < mem.SectorsPerLine; s++ {
			if f.Access.SectorMask.Test(s) {
				sectors = append(sectors, s)
			}
		}
		if len(sectors) == 0 {
			sectors = []int{mem.SectorIndex(f.Access.Addr)}
		}
	}

	children := make([]*mem.Fetch, 0, len(sectors))
	for _, s := range sectors {
		addr := line + uint64(s*mem.SectorSize)
		acc := mem.NewAccess(f.Access.Kind, addr, mem.SectorSize, f.Access.WarpMask)
		acc.Atomic = f.Access.Atomic
		children = append(children, f.Child(acc, cycle))
	}
	return children
}

// creditParent retires a sector child and answers with the parent once
// every sibling is in.
func (sp *SubPartition) creditParent(child *mem.Fetch, cycle uint64) {
	parent := child.Original
	left, ok := sp.childrenLeft[parent]
	if !ok {
		panic(fmt.Sprintf("%s: child completion for an unknown parent: %s", sp.name, child))
	}
	child.SetStatus(mem.StatusDeleted, cycle)
	left--
	if left > 0 {
		sp.childrenLeft[parent] = left
		return
	}
	delete(sp.childrenLeft, parent)
	sp.pushReply(parent, cycle)
}

// pushReply turns a serviced request around toward its core.
func (sp *SubPartition) pushReply(f *mem.Fetch, cycle uint64) {
	f.SetReply()
	f.SetStatus(mem.StatusInPartitionL2ToICNTQueue, cycle)
	sp.l2ToICNT.Push(f)
}

// FlushL2 writes dirty lines back toward DRAM and invalidates the
// slice. The writebacks enter the normal L2-to-DRAM path.
func (sp *SubPartition) FlushL2(cycle uint64) {
	for _, wb := range sp.l2.FlushWriteback(cycle) {
		wb.SetStatus(mem.StatusInPartitionL2ToDRAMQueue, cycle)
		sp.dram.accept(wb, cycle)
	}
	sp.l2.Invalidate()
}

// Drained reports whether no request is anywhere in the sub partition.
func (sp *SubPartition) Drained() bool {
	return len(sp.rop) == 0 &&
		sp.icntToL2.Size() == 0 &&
		sp.l2ToDRAM.Size() == 0 &&
		sp.dramToL2.Size() == 0 &&
		sp.l2ToICNT.Size() == 0 &&
		sp.l2.MissQueueSize() == 0 &&
		sp.dram.drained() &&
		len(sp.childrenLeft) == 0
}

// QueueOccupancy formats the queue fills for the deadlock dump.
func (sp *SubPartition) QueueOccupancy() string {
	return fmt.Sprintf("%s rop=%d icnt_to_l2=%d l2_to_dram=%d dram_to_l2=%d l2_to_icnt=%d dram=%d",
		sp.name, len(sp.rop), sp.icntToL2.Size(), sp.l2ToDRAM.Size(),
		sp.dramToL2.Size(), sp.l2ToICNT.Size(), sp.dram.occupancy())
}
