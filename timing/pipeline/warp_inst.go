// Package pipeline provides the pipeline registers that connect the shader
// core stages: warp instructions in flight and the named register sets they
// move through between decode, the operand collector, the functional units,
// and writeback.
package pipeline

import (
	"fmt"
	"math/bits"

	"github.com/mfkiwl/gpucachesim/timing/latency"
)

// WarpInst is one dynamic instruction issued for a warp. Once a warp
// instruction leaves decode, its active mask and operand set never change;
// only scheduling metadata (issue cycle, scheduler id) is stamped later.
type WarpInst struct {
	// UID orders instructions by decode time within a core. Ready-slot
	// selection picks the smallest UID, so older instructions drain first.
	UID uint64

	PC     uint64
	Opcode string
	Class  latency.OpClass

	WarpID        int
	DynamicWarpID int
	BlockID       int
	KernelID      int
	SchedulerID   int

	// ActiveMask has bit i set when lane i executes this instruction.
	ActiveMask uint32

	// DestRegs and SrcRegs hold architectural register numbers. Sentinel
	// registers from the trace are filtered out before decode finishes.
	DestRegs []int
	SrcRegs  []int

	// Addrs holds per-lane byte addresses for memory operations, indexed
	// by lane. Only lanes set in ActiveMask carry meaningful addresses.
	Addrs []uint64

	// MemWidth is the per-lane access width in bytes for memory
	// operations.
	MemWidth uint32

	// IsStore distinguishes stores from loads among memory operations.
	IsStore bool

	Latency    uint64
	Initiation uint64

	IssueCycle uint64
}

// Active reports whether lane i executes this instruction.
func (w *WarpInst) Active(lane int) bool {
	return w.ActiveMask&(1<<uint(lane)) != 0
}

// ActiveCount returns the number of active lanes.
func (w *WarpInst) ActiveCount() int {
	return bits.OnesCount32(w.ActiveMask)
}

// IsMem reports whether the instruction goes through the load/store unit.
func (w *WarpInst) IsMem() bool {
	return w.Class == latency.ClassMem
}

// IsLoad reports whether the instruction is a memory load.
func (w *WarpInst) IsLoad() bool {
	return w.Class == latency.ClassMem && !w.IsStore
}

func (w *WarpInst) String() string {
	return fmt.Sprintf("w%d[%d] %s pc=0x%x mask=0x%08x",
		w.WarpID, w.UID, w.Opcode, w.PC, w.ActiveMask)
}
