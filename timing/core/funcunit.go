package core

import (
	"fmt"
	"strconv"

	"github.com/sarchlab/akita/v4/pipelining"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/timing/latency"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
)

// FuncUnit is an execution unit fed from an OC_EX register set. The core
// cycles every unit once per core cycle and then scans the unit's issue
// port for the next instruction to dispatch into it.
type FuncUnit interface {
	Name() string

	// CanIssue reports whether the unit accepts an instruction of the
	// given class this cycle. A false answer also covers the initiation
	// interval of the previous instruction.
	CanIssue(class latency.OpClass) bool
	Issue(inst *pipeline.WarpInst, cycle uint64)

	Cycle(cycle uint64)

	// Stallable units hold results internally until they can be written
	// back; non-stallable units complete on a fixed schedule.
	Stallable() bool

	// IsIssuePartitioned units read only their own slot of the issue
	// port under the sub-core model. IssueRegID names that slot.
	IsIssuePartitioned() bool
	IssueRegID() int

	ActiveLanesInPipeline() int
}

// execItem carries a warp instruction through an akita pipeline.
type execItem struct {
	inst *pipeline.WarpInst
}

func (e execItem) TaskID() string {
	return strconv.FormatUint(e.inst.UID, 10)
}

// pipelinedUnit models an ALU-style unit as one akita pipeline per served
// class. The pipeline holds the cycles beyond the initiation interval;
// the interval itself is timed by the dispatch register, which stays
// occupied until the instruction moves on.
type pipelinedUnit struct {
	name       string
	issueRegID int

	served map[latency.OpClass]bool
	pipes  map[latency.OpClass]pipelining.Pipeline

	dispatch     *pipeline.WarpInst
	dispatchWait uint64

	results sim.Buffer
	exWB    *pipeline.RegisterSet

	lanes int
}

func newPipelinedUnit(
	name string,
	issueRegID int,
	classes []latency.OpClass,
	tbl *latency.Table,
	exWB *pipeline.RegisterSet,
) *pipelinedUnit {
	u := &pipelinedUnit{
		name:       name,
		issueRegID: issueRegID,
		served:     map[latency.OpClass]bool{},
		pipes:      map[latency.OpClass]pipelining.Pipeline{},
		results:    sim.NewBuffer(name+".results", len(classes)+1),
		exWB:       exWB,
	}
	for _, class := range classes {
		u.served[class] = true
		depth := int(tbl.Latency(class)) - int(tbl.Initiation(class))
		if depth <= 0 {
			// The initiation interval covers the whole latency, so the
			// dispatch register alone times this class.
			continue
		}
		u.pipes[class] = pipelining.MakeBuilder().
			WithPipelineWidth(1).
			WithNumStage(depth).
			WithCyclePerStage(1).
			WithPostPipelineBuffer(u.results).
			Build(fmt.Sprintf("%s.%v", name, class))
	}
	return u
}

func (u *pipelinedUnit) Name() string               { return u.name }
func (u *pipelinedUnit) Stallable() bool            { return false }
func (u *pipelinedUnit) IsIssuePartitioned() bool   { return true }
func (u *pipelinedUnit) IssueRegID() int            { return u.issueRegID }
func (u *pipelinedUnit) ActiveLanesInPipeline() int { return u.lanes }

func (u *pipelinedUnit) CanIssue(class latency.OpClass) bool {
	return u.served[class] && u.dispatch == nil
}

func (u *pipelinedUnit) Issue(inst *pipeline.WarpInst, cycle uint64) {
	if !u.CanIssue(inst.Class) {
		panic(fmt.Sprintf("%s: issue of %s while busy", u.name, inst.Opcode))
	}
	u.dispatch = inst
	u.dispatchWait = inst.Initiation
	u.lanes += inst.ActiveCount()
}

func (u *pipelinedUnit) Cycle(cycle uint64) {
	for _, p := range u.pipes {
		p.Tick()
	}
	u.moveDispatch()
	u.drainResults()
}

func (u *pipelinedUnit) moveDispatch() {
	if u.dispatch == nil {
		return
	}
	if u.dispatchWait > 0 {
		u.dispatchWait--
	}
	if u.dispatchWait > 0 {
		return
	}
	pipe, ok := u.pipes[u.dispatch.Class]
	if !ok {
		if u.results.CanPush() {
			u.results.Push(execItem{inst: u.dispatch})
			u.dispatch = nil
		}
		return
	}
	if pipe.CanAccept() {
		pipe.Accept(execItem{inst: u.dispatch})
		u.dispatch = nil
	}
}

func (u *pipelinedUnit) drainResults() {
	for u.results.Size() > 0 {
		slot := u.exWB.GetFree()
		if slot < 0 {
			return
		}
		item := u.results.Pop().(execItem)
		u.exWB.Put(slot, item.inst)
		u.lanes -= item.inst.ActiveCount()
	}
}

// newSPUnit builds a single-precision unit. It also runs double precision
// and tensor instructions, and integer instructions when no dedicated
// integer unit is configured.
func newSPUnit(id int, tbl *latency.Table, exWB *pipeline.RegisterSet, withInt bool) *pipelinedUnit {
	classes := []latency.OpClass{latency.ClassSP, latency.ClassDP, latency.ClassTensor}
	if withInt {
		classes = append(classes, latency.ClassInt)
	}
	return newPipelinedUnit(fmt.Sprintf("sp%d", id), id, classes, tbl, exWB)
}

func newIntUnit(id int, tbl *latency.Table, exWB *pipeline.RegisterSet) *pipelinedUnit {
	return newPipelinedUnit(fmt.Sprintf("int%d", id), id, []latency.OpClass{latency.ClassInt}, tbl, exWB)
}

func newSFUUnit(id int, tbl *latency.Table, exWB *pipeline.RegisterSet) *pipelinedUnit {
	return newPipelinedUnit(fmt.Sprintf("sfu%d", id), id, []latency.OpClass{latency.ClassSFU}, tbl, exWB)
}
