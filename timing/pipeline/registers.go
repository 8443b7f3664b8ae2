package pipeline

import "fmt"

// Canonical register set names. The decode-to-collector sets carry one slot
// per scheduler in sub-core mode; the collector-to-execute sets feed the
// functional unit issue ports.
const (
	IDOCSP  = "ID_OC_SP"
	IDOCINT = "ID_OC_INT"
	IDOCSFU = "ID_OC_SFU"
	IDOCMEM = "ID_OC_MEM"
	OCEXSP  = "OC_EX_SP"
	OCEXINT = "OC_EX_INT"
	OCEXSFU = "OC_EX_SFU"
	OCEXMEM = "OC_EX_MEM"
	EXWB    = "EX_WB"
)

// RegisterSet is one pipeline register between core stages: a named bank of
// warp instruction slots. A slot holds at most one instruction, and moving
// an instruction between sets transfers the pointer rather than copying the
// bundle.
type RegisterSet struct {
	name  string
	slots []*WarpInst
}

// NewRegisterSet creates a register set with the given number of slots, all
// empty.
func NewRegisterSet(name string, numSlots int) *RegisterSet {
	return &RegisterSet{
		name:  name,
		slots: make([]*WarpInst, numSlots),
	}
}

// Name returns the register set name.
func (r *RegisterSet) Name() string {
	return r.name
}

// NumSlots returns the number of slots.
func (r *RegisterSet) NumSlots() int {
	return len(r.slots)
}

// Peek returns the instruction in slot i without removing it, or nil.
func (r *RegisterSet) Peek(i int) *WarpInst {
	return r.slots[i]
}

// Occupied returns the number of full slots.
func (r *RegisterSet) Occupied() int {
	n := 0
	for _, inst := range r.slots {
		if inst != nil {
			n++
		}
	}
	return n
}

// HasFree reports whether any slot is empty.
func (r *RegisterSet) HasFree() bool {
	return r.GetFree() >= 0
}

// HasFreeSubCore reports whether the scheduler's own slot is empty. In
// sub-core mode each scheduler owns exactly one slot.
func (r *RegisterSet) HasFreeSubCore(schedID int) bool {
	return r.GetFreeSubCore(schedID) >= 0
}

// GetFree returns the index of the first empty slot, or -1.
func (r *RegisterSet) GetFree() int {
	for i, inst := range r.slots {
		if inst == nil {
			return i
		}
	}
	return -1
}

// GetFreeSubCore returns schedID if that slot is empty, or -1.
func (r *RegisterSet) GetFreeSubCore(schedID int) int {
	if schedID < 0 || schedID >= len(r.slots) {
		return -1
	}
	if r.slots[schedID] == nil {
		return schedID
	}
	return -1
}

// HasReady reports whether any slot holds an instruction.
func (r *RegisterSet) HasReady() bool {
	return r.GetReady() >= 0
}

// GetReady returns the index of the oldest instruction, smallest UID first,
// or -1 when the set is empty.
func (r *RegisterSet) GetReady() int {
	ready := -1
	for i, inst := range r.slots {
		if inst == nil {
			continue
		}
		if ready < 0 || r.slots[ready].UID > inst.UID {
			ready = i
		}
	}
	return ready
}

// GetReadySubCore returns schedID if that slot holds an instruction, or -1.
// Sub-core schedulers only ever drain their own slot.
func (r *RegisterSet) GetReadySubCore(schedID int) int {
	if schedID < 0 || schedID >= len(r.slots) {
		return -1
	}
	if r.slots[schedID] != nil {
		return schedID
	}
	return -1
}

// Put places inst into slot i. Filling an occupied slot is a simulator bug.
func (r *RegisterSet) Put(i int, inst *WarpInst) {
	if r.slots[i] != nil {
		panic(fmt.Sprintf("pipeline: %s slot %d still holds %v", r.name, i, r.slots[i]))
	}
	r.slots[i] = inst
}

// Take removes and returns the instruction in slot i, or nil.
func (r *RegisterSet) Take(i int) *WarpInst {
	inst := r.slots[i]
	r.slots[i] = nil
	return inst
}

// MoveTo transfers the instruction in slot i into slot j of dst.
func (r *RegisterSet) MoveTo(i int, dst *RegisterSet, j int) {
	inst := r.Take(i)
	if inst == nil {
		panic(fmt.Sprintf("pipeline: moving empty %s slot %d", r.name, i))
	}
	dst.Put(j, inst)
}

// Clear empties every slot.
func (r *RegisterSet) Clear() {
	for i := range r.slots {
		r.slots[i] = nil
	}
}

func (r *RegisterSet) String() string {
	return fmt.Sprintf("%s[%d/%d]", r.name, r.Occupied(), len(r.slots))
}
