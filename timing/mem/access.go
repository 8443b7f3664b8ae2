// Package mem models the memory request traffic between cores, caches, and
// memory partitions. The central type is Fetch, a single in-flight memory
// transaction that walks a queue-to-queue status machine while it travels
// through the hierarchy.
package mem

// Line geometry as seen by the memory system. Lines are up to 128 bytes and
// are tracked in four 32-byte sectors.
const (
	MaxAccessBytes = 128
	SectorSize     = 32
	SectorsPerLine = 4

	sectorShift = 5
)

// AccessKind identifies the semantic class of a memory access.
type AccessKind int

// Access kinds, in the order they appear in stat dumps.
const (
	GlobalRead AccessKind = iota
	LocalRead
	ConstRead
	TextureRead
	GlobalWrite
	LocalWrite
	L1Writeback
	L2Writeback
	InstRead
	L1WriteAllocRead
	L2WriteAllocRead
	NumAccessKinds
)

var accessKindNames = [NumAccessKinds]string{
	"GLOBAL_ACC_R",
	"LOCAL_ACC_R",
	"CONST_ACC_R",
	"TEXTURE_ACC_R",
	"GLOBAL_ACC_W",
	"LOCAL_ACC_W",
	"L1_WRBK_ACC",
	"L2_WRBK_ACC",
	"INST_ACC_R",
	"L1_WR_ALLOC_R",
	"L2_WR_ALLOC_R",
}

func (k AccessKind) String() string {
	if k < 0 || k >= NumAccessKinds {
		return "UNKNOWN_ACC"
	}
	return accessKindNames[k]
}

// IsWrite reports whether the access moves data away from the requester.
func (k AccessKind) IsWrite() bool {
	switch k {
	case GlobalWrite, LocalWrite, L1Writeback, L2Writeback:
		return true
	}
	return false
}

// SectorMask selects 32-byte sectors within a line, bit i for sector i.
type SectorMask uint8

// FullSectorMask covers every sector of a line.
const FullSectorMask SectorMask = (1 << SectorsPerLine) - 1

// Test reports whether sector i is selected.
func (m SectorMask) Test(i int) bool {
	return m&(1<<uint(i)) != 0
}

// Set selects sector i.
func (m *SectorMask) Set(i int) {
	*m |= 1 << uint(i)
}

// Count returns the number of selected sectors.
func (m SectorMask) Count() int {
	n := 0
	for i := 0; i < SectorsPerLine; i++ {
		if m.Test(i) {
			n++
		}
	}
	return n
}

// Empty reports whether no sector is selected.
func (m SectorMask) Empty() bool {
	return m == 0
}

// SectorIndex returns the sector an address falls into within its line.
func SectorIndex(addr uint64) int {
	return int((addr >> sectorShift) & (SectorsPerLine - 1))
}

// SectorMaskFor returns the mask of sectors touched by [addr, addr+size).
func SectorMaskFor(addr uint64, size uint32) SectorMask {
	if size == 0 {
		return 0
	}

	var m SectorMask
	first := SectorIndex(addr)
	last := SectorIndex(addr + uint64(size) - 1)
	for s := first; ; s = (s + 1) % SectorsPerLine {
		m.Set(s)
		if s == last {
			break
		}
	}
	return m
}

// ByteMask selects bytes within a line, bit i for byte i. Caches use it to
// track which bytes of a modified line are actually dirty.
type ByteMask [MaxAccessBytes / 64]uint64

// Test reports whether byte i is selected.
func (m ByteMask) Test(i int) bool {
	return m[i/64]&(1<<uint(i%64)) != 0
}

// Set selects byte i.
func (m *ByteMask) Set(i int) {
	m[i/64] |= 1 << uint(i%64)
}

// Or merges the selected bytes of o into m.
func (m *ByteMask) Or(o ByteMask) {
	for i := range m {
		m[i] |= o[i]
	}
}

// Empty reports whether no byte is selected.
func (m ByteMask) Empty() bool {
	for _, w := range m {
		if w != 0 {
			return false
		}
	}
	return true
}

// ByteMaskFor returns the line-relative mask of bytes touched by
// [addr, addr+size), capped at the line boundary.
func ByteMaskFor(addr uint64, size uint32) ByteMask {
	var m ByteMask
	first := int(addr % MaxAccessBytes)
	for i := 0; i < int(size) && first+i < MaxAccessBytes; i++ {
		m.Set(first + i)
	}
	return m
}

// Access describes the address footprint of one memory transaction.
type Access struct {
	Kind AccessKind

	// Addr is the request address. Caches rewrite it to the aligned fetch
	// footprint while the access sits in a miss queue and restore it at
	// fill time.
	Addr uint64

	// Size is the number of bytes requested.
	Size uint32

	// SectorMask marks the 32-byte sectors the access touches within its
	// line.
	SectorMask SectorMask

	// ByteMask marks the touched bytes, line-relative.
	ByteMask ByteMask

	// WarpMask records the active lanes that contributed to the access.
	WarpMask uint32

	// Atomic marks a read-modify-write access. Atomics travel as global
	// reads and dirty the line they land in.
	Atomic bool
}

// NewAccess builds an access descriptor with the sector and byte footprint
// derived from the address range.
func NewAccess(kind AccessKind, addr uint64, size uint32, warpMask uint32) Access {
	return Access{
		Kind:       kind,
		Addr:       addr,
		Size:       size,
		SectorMask: SectorMaskFor(addr, size),
		ByteMask:   ByteMaskFor(addr, size),
		WarpMask:   warpMask,
	}
}
