// Package cache implements the cache engine shared by the L1 instruction,
// L1 data, and L2 caches: a sectored tag array, an MSHR table that merges
// outstanding misses, a bounded miss queue toward the next level, and
// data/fill port bandwidth accounting.
//
// One engine serves every level. Behavior differences come from the
// configuration (write policy, allocation policy, sector mode) and from
// the Level, which selects the wire status of queued misses and the access
// kinds of generated writeback and write-allocate traffic.
package cache

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// MemPort receives the traffic a cache drains toward the next memory
// level.
type MemPort interface {
	// Full reports whether the port cannot take a packet of the given
	// size this cycle.
	Full(size uint32, write bool) bool

	// Push hands the fetch to the next level.
	Push(f *mem.Fetch, cycle uint64)
}

// Level places a cache in the hierarchy.
type Level int

const (
	LevelL1I Level = iota
	LevelL1D
	LevelL2
)

var levelNames = [...]string{"L1I", "L1D", "L2"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN_LEVEL"
	}
	return levelNames[l]
}

// missQueueStatus is the wire status of a fetch sitting in this level's
// miss queue.
func (l Level) missQueueStatus() mem.Status {
	switch l {
	case LevelL1I:
		return mem.StatusInL1IMissQueue
	case LevelL1D:
		return mem.StatusInL1DMissQueue
	default:
		return mem.StatusInPartitionL2MissQueue
	}
}

func (l Level) writeBackKind() mem.AccessKind {
	if l == LevelL2 {
		return mem.L2Writeback
	}
	return mem.L1Writeback
}

func (l Level) writeAllocKind() mem.AccessKind {
	if l == LevelL2 {
		return mem.L2WriteAllocRead
	}
	return mem.L1WriteAllocRead
}

// pendingFill remembers the footprint a fetch had before the miss path
// rewrote it to one atom, and the way reserved for its return.
type pendingFill struct {
	addr     uint64
	dataSize uint32
	mshrAddr uint64
	index    int
}

// Cache is one cache instance.
type Cache struct {
	name  string
	cfg   *config.Cache
	level Level

	tags      *tagArray
	mshrs     *mshrTable
	missQueue sim.Buffer
	bandwidth *bandwidthManager
	pending   map[*mem.Fetch]pendingFill

	memPort MemPort
	alloc   mem.Allocator
	stats   *stats.Cache

	missQueueStatus mem.Status
	writeBackKind   mem.AccessKind
	writeAllocKind  mem.AccessKind
}

// New builds a cache. The allocator stamps generated writeback and
// write-allocate fetches with the owning component's identity, and port is
// where Cycle drains the miss queue.
func New(name string, cfg *config.Cache, level Level, alloc mem.Allocator, port MemPort, st *stats.Cache) *Cache {
	if st == nil {
		st = stats.NewCache()
	}
	return &Cache{
		name:            name,
		cfg:             cfg,
		level:           level,
		tags:            newTagArray(cfg),
		mshrs:           newMSHRTable(cfg.MSHREntries, cfg.MSHRMaxMerge),
		missQueue:       sim.NewBuffer(name+".MissQueue", cfg.MissQueueSize),
		bandwidth:       newBandwidthManager(cfg),
		pending:         make(map[*mem.Fetch]pendingFill),
		memPort:         port,
		alloc:           alloc,
		stats:           st,
		missQueueStatus: level.missQueueStatus(),
		writeBackKind:   level.writeBackKind(),
		writeAllocKind:  level.writeAllocKind(),
	}
}

// Name returns the instance name.
func (c *Cache) Name() string {
	return c.name
}

// Config returns the cache geometry and policies.
func (c *Cache) Config() *config.Cache {
	return c.cfg
}

// Stats returns the counter sink the cache records into.
func (c *Cache) Stats() *stats.Cache {
	return c.stats
}

func (c *Cache) missQueueFull() bool {
	return c.missQueue.Size() >= c.cfg.MissQueueSize
}

// missQueueCanFit reports whether n more entries fit with a slot to
// spare, leaving room for a writeback the same access may still queue.
func (c *Cache) missQueueCanFit(n int) bool {
	return c.missQueue.Size()+n < c.cfg.MissQueueSize
}

// effMask widens the sector mask to the whole line for non-sectored
// caches, whose sectors always move together.
func (c *Cache) effMask(mask mem.SectorMask) mem.SectorMask {
	if c.cfg.Sectored() {
		return mask
	}
	return mem.FullSectorMask
}

// selectStatus picks the status an access records. A miss that probed
// HIT_RESERVED counts as a pending hit, and a miss that probed SECTOR_MISS
// counts as the sector miss.
func selectStatus(probe, access mem.RequestStatus) mem.RequestStatus {
	if probe == mem.HitReserved && access != mem.ReservationFailure {
		return probe
	}
	if probe == mem.SectorMiss && access == mem.Miss {
		return probe
	}
	return access
}

// Access runs one request against the cache. The status tells the caller
// whether the request completed (HIT), was absorbed and will come back
// through NextAccess (MISS, with the probe possibly recorded as
// SECTOR_MISS or HIT_RESERVED), or must retry next cycle
// (RESERVATION_FAILURE). The events describe the traffic the access queued
// toward the next level.
func (c *Cache) Access(f *mem.Fetch, cycle uint64) (mem.RequestStatus, []Event) {
	if f.DataSize > uint32(c.cfg.AtomSize()) {
		panic(fmt.Sprintf("cache %s: access exceeds the fetch atom: %s", c.name, f))
	}

	blockAddr := c.cfg.BlockAddr(f.Access.Addr)
	mask := c.effMask(f.Access.SectorMask)
	index, probeStatus := c.tags.probe(blockAddr, mask, f.IsWrite())

	var events []Event
	var status mem.RequestStatus
	if c.cfg.WritePolicy == config.WriteReadOnly {
		status = c.readOnlyAccess(f, blockAddr, mask, probeStatus, cycle, &events)
	} else {
		status = c.processTagProbe(f, blockAddr, mask, index, probeStatus, cycle, &events)
		c.bandwidth.useDataPort(f.DataSize, status, events)
	}

	c.stats.Inc(f.Access.Kind, selectStatus(probeStatus, status))
	return status, events
}

// readOnlyAccess serves the instruction cache: hits refresh the line,
// everything else funnels through the shared miss path.
func (c *Cache) readOnlyAccess(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, probeStatus mem.RequestStatus, cycle uint64, events *[]Event) mem.RequestStatus {
	if f.IsWrite() {
		panic(fmt.Sprintf("cache %s: write to a read-only cache: %s", c.name, f))
	}
	switch {
	case probeStatus == mem.Hit:
		c.tags.access(blockAddr, mask, false, cycle)
		return mem.Hit
	case probeStatus != mem.ReservationFailure:
		if c.missQueueFull() {
			c.stats.IncFailure(f.Access.Kind, mem.MissQueueFull)
			return mem.ReservationFailure
		}
		shouldMiss, _ := c.sendReadRequest(f, blockAddr, cycle, false, events)
		if shouldMiss {
			return mem.Miss
		}
		return mem.ReservationFailure
	default:
		c.stats.IncFailure(f.Access.Kind, mem.LineAllocFail)
		return mem.ReservationFailure
	}
}

// processTagProbe dispatches a data cache access on the probe outcome.
// Writes that probed a reservation failure still go downstream when the
// cache does not allocate lines for writes.
func (c *Cache) processTagProbe(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, index int, probeStatus mem.RequestStatus, cycle uint64, events *[]Event) mem.RequestStatus {
	if f.IsWrite() {
		if probeStatus == mem.Hit {
			return c.writeHit(f, blockAddr, mask, index, cycle, events)
		}
		if probeStatus != mem.ReservationFailure ||
			c.cfg.WriteAllocatePolicy == config.NoWriteAllocate {
			return c.writeMiss(f, blockAddr, mask, probeStatus, cycle, events)
		}
		c.stats.IncFailure(f.Access.Kind, mem.LineAllocFail)
		return mem.ReservationFailure
	}

	if probeStatus == mem.Hit {
		return c.readHit(f, blockAddr, mask, cycle)
	}
	if probeStatus != mem.ReservationFailure {
		return c.readMiss(f, blockAddr, mask, cycle, events)
	}
	c.stats.IncFailure(f.Access.Kind, mem.LineAllocFail)
	return mem.ReservationFailure
}

// readHit refreshes the line. Atomics do their read-modify-write in place
// and leave the line dirty.
func (c *Cache) readHit(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, cycle uint64) mem.RequestStatus {
	_, index, _ := c.tags.access(blockAddr, mask, false, cycle)
	if f.IsAtomic() {
		c.tags.markModified(index, mask, f.Access.ByteMask)
	}
	return mem.Hit
}

// readMiss sends the read toward the next level and writes back the
// displaced dirty line when the policy keeps dirty data local.
func (c *Cache) readMiss(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, cycle uint64, events *[]Event) mem.RequestStatus {
	if !c.missQueueCanFit(1) {
		// the miss may also displace a dirty line
		c.stats.IncFailure(f.Access.Kind, mem.MissQueueFull)
		return mem.ReservationFailure
	}

	shouldMiss, evicted := c.sendReadRequest(f, blockAddr, cycle, false, events)
	if !shouldMiss {
		return mem.ReservationFailure
	}
	if evicted != nil && c.cfg.WritePolicy != config.WriteThrough {
		c.sendWriteback(evicted, f, cycle, events)
	}
	return mem.Miss
}

// writeHit dispatches on the write policy. The mixed policy treats global
// stores as write-evict and local stores as write-back.
func (c *Cache) writeHit(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, index int, cycle uint64, events *[]Event) mem.RequestStatus {
	switch c.cfg.WritePolicy {
	case config.WriteBack:
		return c.writeHitWriteBack(f, blockAddr, mask, cycle)
	case config.WriteThrough:
		return c.writeHitWriteThrough(f, blockAddr, mask, cycle, events)
	case config.WriteEvict:
		return c.writeHitWriteEvict(f, mask, index, cycle, events)
	case config.WriteLocalWBGlobalWT:
		if f.Access.Kind == mem.GlobalWrite {
			return c.writeHitWriteEvict(f, mask, index, cycle, events)
		}
		return c.writeHitWriteBack(f, blockAddr, mask, cycle)
	default:
		panic(fmt.Sprintf("cache %s: write hit under policy %s", c.name, c.cfg.WritePolicy))
	}
}

// writeHitWriteBack dirties the line in place; no traffic leaves.
func (c *Cache) writeHitWriteBack(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, cycle uint64) mem.RequestStatus {
	_, index, _ := c.tags.access(blockAddr, mask, true, cycle)
	c.tags.markModified(index, mask, f.Access.ByteMask)
	c.updateReadable(index, mask)
	return mem.Hit
}

// writeHitWriteThrough updates the line and forwards the write.
func (c *Cache) writeHitWriteThrough(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, cycle uint64, events *[]Event) mem.RequestStatus {
	if c.missQueueFull() {
		c.stats.IncFailure(f.Access.Kind, mem.MissQueueFull)
		return mem.ReservationFailure
	}
	_, index, _ := c.tags.access(blockAddr, mask, true, cycle)
	c.tags.markModified(index, mask, f.Access.ByteMask)
	c.updateReadable(index, mask)
	c.sendWriteRequest(f, Event{Kind: EventWriteRequestSent}, cycle, events)
	return mem.Hit
}

// writeHitWriteEvict forwards the write and invalidates the written
// sectors without refreshing the replacement stamp; the next level owns
// the data from here.
func (c *Cache) writeHitWriteEvict(f *mem.Fetch, mask mem.SectorMask, index int, cycle uint64, events *[]Event) mem.RequestStatus {
	if c.missQueueFull() {
		c.stats.IncFailure(f.Access.Kind, mem.MissQueueFull)
		return mem.ReservationFailure
	}
	c.sendWriteRequest(f, Event{Kind: EventWriteRequestSent}, cycle, events)
	c.tags.invalidateSectors(index, mask)
	return mem.Hit
}

// writeMiss dispatches on the write allocate policy.
func (c *Cache) writeMiss(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, probeStatus mem.RequestStatus, cycle uint64, events *[]Event) mem.RequestStatus {
	switch c.cfg.WriteAllocatePolicy {
	case config.NoWriteAllocate:
		return c.writeMissNoAllocate(f, cycle, events)
	case config.WriteAllocate:
		return c.writeMissAllocate(f, blockAddr, mask, probeStatus, cycle, events)
	default:
		panic(fmt.Sprintf("cache %s: write allocate policy %s not implemented", c.name, c.cfg.WriteAllocatePolicy))
	}
}

// writeMissNoAllocate forwards the write without taking a line.
func (c *Cache) writeMissNoAllocate(f *mem.Fetch, cycle uint64, events *[]Event) mem.RequestStatus {
	if c.missQueueFull() {
		c.stats.IncFailure(f.Access.Kind, mem.MissQueueFull)
		return mem.ReservationFailure
	}
	c.sendWriteRequest(f, Event{Kind: EventWriteRequestSent}, cycle, events)
	return mem.Miss
}

// writeMissAllocate forwards the write and reads the line in behind it.
// The sequence can queue a write, an allocating read, and a writeback, so
// it is admitted only when all of it can go this cycle.
func (c *Cache) writeMissAllocate(f *mem.Fetch, blockAddr uint64, mask mem.SectorMask, probeStatus mem.RequestStatus, cycle uint64, events *[]Event) mem.RequestStatus {
	mshrAddr := c.cfg.MSHRAddr(f.Access.Addr)
	mshrHit := c.mshrs.probe(mshrAddr)
	mshrFree := !c.mshrs.full(mshrAddr)
	mshrMissButFree := !mshrHit && mshrFree && !c.missQueueFull()

	if !c.missQueueCanFit(2) || !(mshrMissButFree || (mshrHit && mshrFree)) {
		var failure mem.FailureReason
		switch {
		case !c.missQueueCanFit(2):
			failure = mem.MissQueueFull
		case mshrHit && !mshrFree:
			failure = mem.MSHRMergeEntryFail
		case !mshrHit && !mshrFree:
			failure = mem.MSHREntryFail
		default:
			panic(fmt.Sprintf("cache %s: write allocate rejected with no cause", c.name))
		}
		c.stats.IncFailure(f.Access.Kind, failure)
		return mem.ReservationFailure
	}

	c.sendWriteRequest(f, Event{Kind: EventWriteRequestSent}, cycle, events)

	// Read the full atom in behind the write.
	acc := mem.Access{
		Kind:       c.writeAllocKind,
		Addr:       f.Access.Addr,
		Size:       uint32(c.cfg.AtomSize()),
		SectorMask: f.Access.SectorMask,
		ByteMask:   f.Access.ByteMask,
		WarpMask:   f.Access.WarpMask,
	}
	rf := mem.NewFetch(acc, cycle)
	rf.ClusterID = f.ClusterID
	rf.CoreID = f.CoreID
	rf.WarpID = f.WarpID
	rf.KernelID = f.KernelID
	rf.ChipID = f.ChipID
	rf.SubPartitionID = f.SubPartitionID
	rf.InstUID = f.InstUID
	rf.OriginalWrite = f

	shouldMiss, evicted := c.sendReadRequest(rf, blockAddr, cycle, true, events)
	*events = append(*events, Event{Kind: EventWriteAllocateSent})
	if !shouldMiss {
		return mem.ReservationFailure
	}
	if evicted != nil && c.cfg.WritePolicy != config.WriteThrough {
		if probeStatus != mem.Miss {
			panic(fmt.Sprintf("cache %s: eviction on a %s probe", c.name, probeStatus))
		}
		c.sendWriteback(evicted, f, cycle, events)
	}
	return mem.Miss
}

// updateReadable turns a written sector readable once every byte in it is
// dirty, so a later read hit does not need the unwritten bytes fetched.
func (c *Cache) updateReadable(index int, mask mem.SectorMask) {
	l := c.tags.lineAt(index)
	for s := 0; s < mem.SectorsPerLine; s++ {
		if !mask.Test(s) {
			continue
		}
		dirtyAll := true
		for b := s * mem.SectorSize; b < (s+1)*mem.SectorSize && b < len(l.block.DirtyMask); b++ {
			if !l.block.DirtyMask[b] {
				dirtyAll = false
				break
			}
		}
		if dirtyAll {
			l.readable[s] = true
		}
	}
}

// sendReadRequest is the shared miss path: merge into an outstanding MSHR
// entry, or take a fresh entry and queue the fetch toward the next level
// with its footprint widened to one atom. Reports whether the miss went
// through and the dirty victim the tag access displaced.
func (c *Cache) sendReadRequest(f *mem.Fetch, blockAddr uint64, cycle uint64, isWriteAllocate bool, events *[]Event) (bool, *eviction) {
	mshrAddr := c.cfg.MSHRAddr(f.Access.Addr)
	mshrHit := c.mshrs.probe(mshrAddr)
	mshrFull := c.mshrs.full(mshrAddr)
	mask := c.effMask(f.Access.SectorMask)

	switch {
	case mshrHit && !mshrFull:
		// A plain read cannot merge behind a pending atomic; the atomic
		// must complete its read-modify-write first.
		if c.mshrs.hasAtomic(mshrAddr) && !f.IsAtomic() {
			c.stats.IncFailure(f.Access.Kind, mem.MSHRRWPendingFail)
			return false, nil
		}
		_, _, evicted := c.tags.access(blockAddr, mask, f.IsWrite(), cycle)
		c.mshrs.add(mshrAddr, f)
		c.stats.Inc(f.Access.Kind, mem.MSHRHit)
		return true, evicted

	case !mshrHit && !mshrFull && !c.missQueueFull():
		_, index, evicted := c.tags.access(blockAddr, mask, f.IsWrite(), cycle)
		c.mshrs.add(mshrAddr, f)
		c.pending[f] = pendingFill{
			addr:     f.Access.Addr,
			dataSize: f.DataSize,
			mshrAddr: mshrAddr,
			index:    index,
		}
		f.DataSize = uint32(c.cfg.AtomSize())
		f.Access.Addr = mshrAddr
		f.SetStatus(c.missQueueStatus, cycle)
		c.missQueue.Push(f)
		if !isWriteAllocate {
			*events = append(*events, Event{Kind: EventReadRequestSent})
		}
		return true, evicted

	case mshrHit && mshrFull:
		c.stats.IncFailure(f.Access.Kind, mem.MSHRMergeEntryFail)
		return false, nil

	case !mshrHit && mshrFull:
		c.stats.IncFailure(f.Access.Kind, mem.MSHREntryFail)
		return false, nil

	default:
		panic(fmt.Sprintf("cache %s: miss path reached an impossible MSHR state", c.name))
	}
}

// sendWriteRequest queues a write toward the next level.
func (c *Cache) sendWriteRequest(f *mem.Fetch, ev Event, cycle uint64, events *[]Event) {
	*events = append(*events, ev)
	f.SetStatus(c.missQueueStatus, cycle)
	c.missQueue.Push(f)
}

// sendWriteback turns a displaced dirty line into a writeback fetch. The
// victim inherits the destination partition of the access that displaced
// it; both live in the same set, so the decode matches.
func (c *Cache) sendWriteback(ev *eviction, f *mem.Fetch, cycle uint64, events *[]Event) {
	acc := mem.Access{
		Kind:       c.writeBackKind,
		Addr:       ev.blockAddr,
		Size:       ev.modifiedSize,
		SectorMask: ev.sectorMask,
		ByteMask:   ev.byteMask,
		WarpMask:   f.Access.WarpMask,
	}
	wb := c.alloc.New(acc, -1, f.KernelID, 0, cycle)
	wb.ChipID = f.ChipID
	wb.SubPartitionID = f.SubPartitionID
	c.sendWriteRequest(wb, Event{
		Kind:          EventWriteBackRequestSent,
		WritebackSize: ev.modifiedSize,
	}, cycle, events)
}

// Fill accepts a returned miss from the next level. The fetch must be one
// this cache queued earlier; its original footprint is restored before the
// tag array fills and the merged requesters become ready.
func (c *Cache) Fill(f *mem.Fetch, cycle uint64) {
	pf, ok := c.pending[f]
	if !ok {
		panic(fmt.Sprintf("cache %s: fill for a fetch that is not waiting: %s", c.name, f))
	}
	delete(c.pending, f)

	f.DataSize = pf.dataSize
	f.Access.Addr = pf.addr
	mask := c.effMask(f.Access.SectorMask)

	switch c.cfg.AllocatePolicy {
	case config.AllocOnMiss:
		c.tags.fillIndex(pf.index, mask, cycle)
	case config.AllocOnFill, config.AllocStreaming:
		c.tags.fillAddr(f.Access.Addr, mask, f.IsWrite(), cycle)
	}

	if c.mshrs.markReady(pf.mshrAddr) && c.cfg.AllocatePolicy == config.AllocOnMiss {
		// an atomic rode this fill; its read-modify-write dirties the line
		c.tags.markModified(pf.index, mask, f.Access.ByteMask)
	}
	c.bandwidth.useFillPort()
}

// Prefill installs a line footprint without a requester, the way
// host-to-device copies land in the L2 before any kernel runs.
func (c *Cache) Prefill(addr uint64, mask mem.SectorMask, cycle uint64) {
	blockAddr := c.cfg.BlockAddr(addr)
	c.tags.fillAddr(blockAddr, c.effMask(mask), false, cycle)
}

// WaitingForFill reports whether this cache queued the fetch and is
// waiting for it to return.
func (c *Cache) WaitingForFill(f *mem.Fetch) bool {
	_, ok := c.pending[f]
	return ok
}

// HasReadyAccesses reports whether a completed requester waits to be
// drained. Hits never appear here.
func (c *Cache) HasReadyAccesses() bool {
	return c.mshrs.hasReady()
}

// NextAccess hands out the next completed requester, or nil.
func (c *Cache) NextAccess() *mem.Fetch {
	return c.mshrs.nextAccess()
}

// HasFreeDataPort reports whether the data array can take an access this
// cycle.
func (c *Cache) HasFreeDataPort() bool {
	return c.bandwidth.dataPortFree()
}

// HasFreeFillPort reports whether the fill path can take a returned miss
// this cycle.
func (c *Cache) HasFreeFillPort() bool {
	return c.bandwidth.fillPortFree()
}

// Cycle moves at most one queued miss to the lower level and replenishes
// the port bandwidth.
func (c *Cache) Cycle(cycle uint64) {
	if f, ok := c.missQueue.Peek().(*mem.Fetch); ok {
		if !c.memPort.Full(f.Size(), f.IsWrite()) {
			c.missQueue.Pop()
			c.memPort.Push(f, cycle)
		}
	}
	c.bandwidth.replenish()
}

// MissQueueSize returns the current miss queue occupancy.
func (c *Cache) MissQueueSize() int {
	return c.missQueue.Size()
}

// Flush drops every dirty line without writing it back.
func (c *Cache) Flush() {
	c.tags.flush()
}

// Invalidate drops every line.
func (c *Cache) Invalidate() {
	c.tags.invalidate()
}

// FlushWriteback invalidates every dirty line and returns the writebacks
// that carry the dirty data to the next level. The caller owns their
// delivery and their address decode.
func (c *Cache) FlushWriteback(cycle uint64) []*mem.Fetch {
	evs := c.tags.collectDirty()
	fetches := make([]*mem.Fetch, 0, len(evs))
	for i := range evs {
		acc := mem.Access{
			Kind:       c.writeBackKind,
			Addr:       evs[i].blockAddr,
			Size:       evs[i].modifiedSize,
			SectorMask: evs[i].sectorMask,
			ByteMask:   evs[i].byteMask,
		}
		fetches = append(fetches, c.alloc.New(acc, -1, -1, 0, cycle))
	}
	return fetches
}

// DirtyLines returns the number of lines holding dirty sectors.
func (c *Cache) DirtyLines() int {
	return c.tags.DirtyLines()
}
