package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
	"github.com/sarchlab/akita/v4/mem/vm"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// simPID is the process id stamped on every block. The GPU models a single
// address space.
const simPID vm.PID = 1

// sectorState is the fill state of one 32-byte sector of a line.
type sectorState int

const (
	sectorInvalid sectorState = iota
	sectorReserved
	sectorValid
	sectorModified
)

var sectorStateNames = [...]string{"INVALID", "RESERVED", "VALID", "MODIFIED"}

func (s sectorState) String() string {
	if s < 0 || int(s) >= len(sectorStateNames) {
		return "UNKNOWN"
	}
	return sectorStateNames[s]
}

// line is one way of a set. The akita block record carries the tag, the
// line-level valid/dirty/locked view, and the dirty byte mask; sector state
// is tracked alongside because sectored caches reserve, validate, and dirty
// 32-byte sectors independently.
type line struct {
	block    akitacache.Block
	sectors  [mem.SectorsPerLine]sectorState
	readable [mem.SectorsPerLine]bool

	allocCycle uint64
	lastAccess uint64
	fillCycle  uint64
}

// firstSector returns the index of the first requested sector. Requests
// reaching a sectored cache are pre-split, so the mask selects one sector.
func firstSector(mask mem.SectorMask) int {
	for s := 0; s < mem.SectorsPerLine; s++ {
		if mask.Test(s) {
			return s
		}
	}
	return 0
}

// state returns the fill state of the requested sector.
func (l *line) state(mask mem.SectorMask) sectorState {
	return l.sectors[firstSector(mask)]
}

// isReadable reports whether the requested sector can serve a read.
func (l *line) isReadable(mask mem.SectorMask) bool {
	return l.readable[firstSector(mask)]
}

// setState moves every sector in mask to state s.
func (l *line) setState(s sectorState, mask mem.SectorMask) {
	for i := 0; i < mem.SectorsPerLine; i++ {
		if mask.Test(i) {
			l.sectors[i] = s
		}
	}
	l.syncBlockFlags()
}

// isValidLine reports whether any sector holds or awaits data.
func (l *line) isValidLine() bool {
	for _, s := range l.sectors {
		if s != sectorInvalid {
			return true
		}
	}
	return false
}

// isReservedLine reports whether any sector has an outstanding fill.
func (l *line) isReservedLine() bool {
	for _, s := range l.sectors {
		if s == sectorReserved {
			return true
		}
	}
	return false
}

// isModifiedLine reports whether any sector is dirty.
func (l *line) isModifiedLine() bool {
	for _, s := range l.sectors {
		if s == sectorModified {
			return true
		}
	}
	return false
}

// syncBlockFlags keeps the akita block's line-level view consistent with
// the sector states.
func (l *line) syncBlockFlags() {
	l.block.IsLocked = l.isReservedLine()
	l.block.IsDirty = l.isModifiedLine()
}

// allocate reassigns the line to a new tag. Every sector resets to invalid
// and the requested sectors are reserved for the incoming fill.
func (l *line) allocate(tag uint64, mask mem.SectorMask, cycle uint64, lineSize int) {
	l.block.Tag = tag
	l.block.IsValid = true
	if len(l.block.DirtyMask) != lineSize {
		l.block.DirtyMask = make([]bool, lineSize)
	} else {
		clear(l.block.DirtyMask)
	}
	for s := 0; s < mem.SectorsPerLine; s++ {
		l.sectors[s] = sectorInvalid
		l.readable[s] = true
	}
	l.allocCycle = cycle
	l.lastAccess = cycle
	l.fillCycle = 0
	l.setState(sectorReserved, mask)
}

// allocateSector reserves the requested sectors of an already-resident
// line for an incoming fill.
func (l *line) allocateSector(mask mem.SectorMask, cycle uint64) {
	for s := 0; s < mem.SectorsPerLine; s++ {
		if !mask.Test(s) {
			continue
		}
		l.sectors[s] = sectorReserved
		l.readable[s] = true
		l.clearDirtyBytes(s)
	}
	l.lastAccess = cycle
	l.syncBlockFlags()
}

// fill marks the requested sectors valid after the miss returns.
func (l *line) fill(mask mem.SectorMask, cycle uint64) {
	for s := 0; s < mem.SectorsPerLine; s++ {
		if mask.Test(s) {
			l.sectors[s] = sectorValid
		}
	}
	l.fillCycle = cycle
	l.syncBlockFlags()
}

// setDirtyBytes merges an access's byte footprint into the dirty mask.
func (l *line) setDirtyBytes(mask mem.ByteMask) {
	for i := range l.block.DirtyMask {
		if i < mem.MaxAccessBytes && mask.Test(i) {
			l.block.DirtyMask[i] = true
		}
	}
}

// clearDirtyBytes drops the dirty bytes of one sector.
func (l *line) clearDirtyBytes(sector int) {
	lo := sector * mem.SectorSize
	hi := lo + mem.SectorSize
	for i := lo; i < hi && i < len(l.block.DirtyMask); i++ {
		l.block.DirtyMask[i] = false
	}
}

// dirtyByteMask returns the dirty bytes of the line, capped at the mask
// width.
func (l *line) dirtyByteMask() mem.ByteMask {
	var m mem.ByteMask
	for i := range l.block.DirtyMask {
		if i >= mem.MaxAccessBytes {
			break
		}
		if l.block.DirtyMask[i] {
			m.Set(i)
		}
	}
	return m
}

// modifiedSectorMask returns the mask of dirty sectors.
func (l *line) modifiedSectorMask() mem.SectorMask {
	var m mem.SectorMask
	for s := 0; s < mem.SectorsPerLine; s++ {
		if l.sectors[s] == sectorModified {
			m.Set(s)
		}
	}
	return m
}

// modifiedSize returns the number of bytes a writeback of this line
// carries: the dirty sectors for a sectored cache, the whole line
// otherwise.
func (l *line) modifiedSize(cfg *config.Cache) uint32 {
	if cfg.Sectored() {
		return uint32(l.modifiedSectorMask().Count()) * mem.SectorSize
	}
	return uint32(cfg.LineSize)
}

// invalidateLine drops the whole line without writeback.
func (l *line) invalidateLine() {
	for s := 0; s < mem.SectorsPerLine; s++ {
		l.sectors[s] = sectorInvalid
		l.readable[s] = true
	}
	l.block.IsValid = false
	clear(l.block.DirtyMask)
	l.syncBlockFlags()
}

// eviction identifies a dirty victim displaced by an allocation. The
// caller turns it into a writeback toward the next level.
type eviction struct {
	blockAddr    uint64
	modifiedSize uint32
	byteMask     mem.ByteMask
	sectorMask   mem.SectorMask
}

// tagArray tracks line residency for one cache: set-associative ways with
// per-sector fill state, an LRU or FIFO victim choice that skips reserved
// lines, and the configured set index function (linear, Fermi hash, or
// bitwise XOR).
type tagArray struct {
	cfg      *config.Cache
	lines    []line
	numDirty int
}

func newTagArray(cfg *config.Cache) *tagArray {
	t := &tagArray{
		cfg:   cfg,
		lines: make([]line, cfg.TotalLines()),
	}
	for i := range t.lines {
		l := &t.lines[i]
		l.block.PID = simPID
		l.block.SetID = i / cfg.Associativity
		l.block.WayID = i % cfg.Associativity
		l.block.DirtyMask = make([]bool, cfg.LineSize)
		for s := range l.readable {
			l.readable[s] = true
		}
	}
	return t
}

// lineAt returns the backing record at index, as handed out by probe.
func (t *tagArray) lineAt(index int) *line {
	return &t.lines[index]
}

// DirtyLines returns the number of lines holding dirty sectors.
func (t *tagArray) DirtyLines() int {
	return t.numDirty
}

const noVictim = ^uint64(0)

// probe classifies an address against the array without changing state.
// It returns the way that hit, or the replacement candidate on a miss.
// When every way of the set is reserved no candidate exists and the probe
// reports a reservation failure with index -1.
func (t *tagArray) probe(blockAddr uint64, mask mem.SectorMask, isWrite bool) (int, mem.RequestStatus) {
	set := int(t.cfg.SetIndex(blockAddr))
	tag := t.cfg.Tag(blockAddr)
	base := set * t.cfg.Associativity

	invalidWay := -1
	validWay := -1
	victimStamp := noVictim
	allReserved := true

	for way := 0; way < t.cfg.Associativity; way++ {
		l := &t.lines[base+way]
		if l.block.Tag == tag {
			switch l.state(mask) {
			case sectorReserved:
				return base + way, mem.HitReserved
			case sectorValid:
				return base + way, mem.Hit
			case sectorModified:
				if isWrite || l.isReadable(mask) {
					return base + way, mem.Hit
				}
				return base + way, mem.SectorMiss
			case sectorInvalid:
				if l.isValidLine() {
					return base + way, mem.SectorMiss
				}
			}
		}
		if l.isReservedLine() {
			continue
		}
		allReserved = false
		if !l.isValidLine() {
			invalidWay = base + way
			continue
		}
		stamp := l.lastAccess
		if t.cfg.ReplacementPolicy == config.ReplaceFIFO {
			stamp = l.allocCycle
		}
		if stamp < victimStamp {
			victimStamp = stamp
			validWay = base + way
		}
	}

	if allReserved {
		return -1, mem.ReservationFailure
	}
	if invalidWay >= 0 {
		return invalidWay, mem.Miss
	}
	if validWay >= 0 {
		return validWay, mem.Miss
	}
	panic(fmt.Sprintf("cache: set %d has no hit and no victim", set))
}

// access probes and applies the state change the outcome calls for: hits
// refresh the replacement stamp, misses allocate the victim when the cache
// allocates on miss. A displaced dirty line comes back as an eviction.
func (t *tagArray) access(blockAddr uint64, mask mem.SectorMask, isWrite bool, cycle uint64) (mem.RequestStatus, int, *eviction) {
	index, status := t.probe(blockAddr, mask, isWrite)
	switch status {
	case mem.Hit, mem.HitReserved:
		t.lines[index].lastAccess = cycle
	case mem.Miss:
		if t.cfg.AllocatePolicy == config.AllocOnMiss {
			return status, index, t.allocate(index, blockAddr, mask, cycle)
		}
	case mem.SectorMiss:
		if !t.cfg.Sectored() {
			panic("cache: sector miss on a line cache")
		}
		if t.cfg.AllocatePolicy == config.AllocOnMiss {
			l := &t.lines[index]
			wasModified := l.isModifiedLine()
			l.allocateSector(mask, cycle)
			if wasModified && !l.isModifiedLine() {
				t.numDirty--
			}
		}
	case mem.ReservationFailure:
	}
	return status, index, nil
}

// allocate reassigns the victim way to blockAddr, reserving the requested
// sectors. A dirty victim is returned for writeback.
func (t *tagArray) allocate(index int, blockAddr uint64, mask mem.SectorMask, cycle uint64) *eviction {
	l := &t.lines[index]
	var ev *eviction
	if l.isModifiedLine() {
		ev = &eviction{
			blockAddr:    l.block.Tag,
			modifiedSize: l.modifiedSize(t.cfg),
			byteMask:     l.dirtyByteMask(),
			sectorMask:   l.modifiedSectorMask(),
		}
		t.numDirty--
	}
	l.allocate(t.cfg.Tag(blockAddr), mask, cycle, int(t.cfg.LineSize))
	return ev
}

// fillIndex completes a fill on a way reserved at miss time.
func (t *tagArray) fillIndex(index int, mask mem.SectorMask, cycle uint64) {
	t.lines[index].fill(mask, cycle)
}

// fillAddr completes a fill for an allocate-on-fill cache: the line is
// claimed now. A fill that finds every way reserved is dropped; the MSHR
// still completes the requesters.
func (t *tagArray) fillAddr(addr uint64, mask mem.SectorMask, isWrite bool, cycle uint64) {
	blockAddr := t.cfg.BlockAddr(addr)
	index, status := t.probe(blockAddr, mask, isWrite)
	switch status {
	case mem.ReservationFailure:
		return
	case mem.Miss:
		t.allocate(index, blockAddr, mask, cycle)
	case mem.SectorMiss:
		l := &t.lines[index]
		wasModified := l.isModifiedLine()
		l.allocateSector(mask, cycle)
		if wasModified && !l.isModifiedLine() {
			t.numDirty--
		}
	}
	t.lines[index].fill(mask, cycle)
}

// invalidateSectors drops the requested sectors of a line without
// refreshing the replacement stamp.
func (t *tagArray) invalidateSectors(index int, mask mem.SectorMask) {
	l := &t.lines[index]
	wasModified := l.isModifiedLine()
	l.setState(sectorInvalid, mask)
	if wasModified && !l.isModifiedLine() {
		t.numDirty--
	}
}

// markModified dirties the requested sectors of a resident line.
func (t *tagArray) markModified(index int, mask mem.SectorMask, bytes mem.ByteMask) {
	l := &t.lines[index]
	if !l.isModifiedLine() {
		t.numDirty++
	}
	l.setState(sectorModified, mask)
	l.setDirtyBytes(bytes)
}

// flush drops every dirty line without writing it back.
func (t *tagArray) flush() {
	for i := range t.lines {
		if t.lines[i].isModifiedLine() {
			t.lines[i].invalidateLine()
		}
	}
	t.numDirty = 0
}

// invalidate drops every line.
func (t *tagArray) invalidate() {
	for i := range t.lines {
		t.lines[i].invalidateLine()
	}
	t.numDirty = 0
}

// collectDirty invalidates every dirty line and returns its writeback
// identity, oldest set first.
func (t *tagArray) collectDirty() []eviction {
	var evs []eviction
	for i := range t.lines {
		l := &t.lines[i]
		if !l.isModifiedLine() {
			continue
		}
		evs = append(evs, eviction{
			blockAddr:    l.block.Tag,
			modifiedSize: l.modifiedSize(t.cfg),
			byteMask:     l.dirtyByteMask(),
			sectorMask:   l.modifiedSectorMask(),
		})
		l.invalidateLine()
	}
	t.numDirty = 0
	return evs
}
