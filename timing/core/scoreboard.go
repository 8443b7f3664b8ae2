package core

import (
	"fmt"

	"github.com/mfkiwl/gpucachesim/timing/pipeline"
)

// scoreboard tracks the destination registers of in-flight instructions
// per warp. Issue blocks while an instruction reads or writes a register
// an older instruction has not written back yet.
type scoreboard struct {
	regs []map[int]struct{}
}

func newScoreboard(numWarps int) *scoreboard {
	sb := &scoreboard{regs: make([]map[int]struct{}, numWarps)}
	for i := range sb.regs {
		sb.regs[i] = make(map[int]struct{})
	}
	return sb
}

// reserve marks the instruction's destination registers busy.
func (sb *scoreboard) reserve(warpID int, inst *pipeline.WarpInst) {
	for _, reg := range inst.DestRegs {
		sb.regs[warpID][reg] = struct{}{}
	}
}

// release frees the instruction's destination registers at writeback.
func (sb *scoreboard) release(warpID int, inst *pipeline.WarpInst) {
	for _, reg := range inst.DestRegs {
		if _, ok := sb.regs[warpID][reg]; !ok {
			panic(fmt.Sprintf("core: releasing unreserved register r%d of warp %d", reg, warpID))
		}
		delete(sb.regs[warpID], reg)
	}
}

// collides reports whether any register the instruction touches is still
// busy, covering both read-after-write and write-after-write hazards.
func (sb *scoreboard) collides(warpID int, inst *pipeline.WarpInst) bool {
	busy := sb.regs[warpID]
	for _, reg := range inst.SrcRegs {
		if _, ok := busy[reg]; ok {
			return true
		}
	}
	for _, reg := range inst.DestRegs {
		if _, ok := busy[reg]; ok {
			return true
		}
	}
	return false
}

// pendingWrites reports whether the warp has any reserved register.
func (sb *scoreboard) pendingWrites(warpID int) bool {
	return len(sb.regs[warpID]) > 0
}

func (sb *scoreboard) clear(warpID int) {
	sb.regs[warpID] = make(map[int]struct{})
}
