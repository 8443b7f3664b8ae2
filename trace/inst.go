package trace

// Inst is one traced warp instruction record. Memory instructions carry
// one address per active lane; all other fields come straight from the
// trace line.
type Inst struct {
	// PC is the program counter of the instruction.
	PC uint64

	// Opcode is the full opcode string, e.g. "LDG.E.SYS".
	Opcode string

	// Mask is the active lane mask, bit i for lane i.
	Mask uint32

	// DestRegs lists destination register numbers.
	DestRegs []int

	// SrcRegs lists source register numbers.
	SrcRegs []int

	// MemWidth is the per-lane access width in bytes; 0 for non-memory
	// instructions.
	MemWidth int

	// Addrs holds the per-lane byte addresses of a memory instruction.
	// Only entries for active lanes are meaningful.
	Addrs [32]uint64
}

// Active reports whether lane is active.
func (i *Inst) Active(lane int) bool {
	return i.Mask&(1<<uint(lane)) != 0
}

// ActiveCount returns the number of active lanes.
func (i *Inst) ActiveCount() int {
	count := 0
	for m := i.Mask; m != 0; m &= m - 1 {
		count++
	}
	return count
}

// IsMem reports whether the instruction accesses memory.
func (i *Inst) IsMem() bool {
	return i.MemWidth > 0
}
