package core

import (
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
	"github.com/mfkiwl/gpucachesim/trace"
)

// ibufferSize is the number of decoded instructions a warp can hold
// between decode and issue.
const ibufferSize = 2

// warp is one hardware warp slot. A slot is bound to a warp of the
// resident block when the block is issued and recycled when every warp of
// the block has drained.
type warp struct {
	id          int
	kernelID    int
	dynamicID   int
	blockSlot   int
	blockID     int
	schedulerID int

	// insts is the warp's trace stream; next is the decode cursor.
	insts []trace.Inst
	next  int

	ibuffer []*pipeline.WarpInst

	// inflight holds the uids of issued instructions in program order.
	// Writeback only retires the head, so a warp's instructions commit
	// in the order they issued.
	inflight []uint64

	// storesOutstanding counts store requests sent toward memory whose
	// acks have not returned yet.
	storesOutstanding int

	// fetchPending marks a warp whose next instructions are on their
	// way through fetch: either waiting on an instruction cache miss or
	// sitting in the fetch buffer until decode runs.
	fetchPending bool

	// instFetch is the in-flight instruction cache request, kept so a
	// stalled fetch retries with the same transaction.
	instFetch *mem.Fetch

	atBarrier      bool
	lastIssueCycle uint64

	active   bool
	doneExit bool
}

// reset rebinds the slot to a fresh trace stream.
func (w *warp) reset(insts []trace.Inst, dynamicID, blockSlot, blockID, kernelID int) {
	w.kernelID = kernelID
	w.dynamicID = dynamicID
	w.blockSlot = blockSlot
	w.blockID = blockID
	w.insts = insts
	w.next = 0
	w.ibuffer = w.ibuffer[:0]
	w.inflight = w.inflight[:0]
	w.storesOutstanding = 0
	w.fetchPending = false
	w.instFetch = nil
	w.atBarrier = false
	w.lastIssueCycle = 0
	w.active = true
	w.doneExit = false
}

// free releases the slot after the warp has drained.
func (w *warp) free() {
	w.active = false
	w.insts = nil
	w.ibuffer = w.ibuffer[:0]
}

// functionalDone reports whether the trace stream is exhausted.
func (w *warp) functionalDone() bool {
	return w.next >= len(w.insts)
}

// drained reports whether nothing the warp issued is still in flight.
func (w *warp) drained() bool {
	return len(w.inflight) == 0 && w.storesOutstanding == 0
}

// hardwareDone reports whether the slot can retire: trace consumed,
// ibuffer empty, and all issued work completed.
func (w *warp) hardwareDone() bool {
	return w.functionalDone() && len(w.ibuffer) == 0 && w.drained()
}

// ibufferHead returns the next decoded instruction, or nil.
func (w *warp) ibufferHead() *pipeline.WarpInst {
	if len(w.ibuffer) == 0 {
		return nil
	}
	return w.ibuffer[0]
}

func (w *warp) popIbuffer() *pipeline.WarpInst {
	inst := w.ibuffer[0]
	copy(w.ibuffer, w.ibuffer[1:])
	w.ibuffer = w.ibuffer[:len(w.ibuffer)-1]
	return inst
}

// inflightHead returns the uid of the oldest issued instruction, or 0
// when the warp has nothing in flight.
func (w *warp) inflightHead() uint64 {
	if len(w.inflight) == 0 {
		return 0
	}
	return w.inflight[0]
}

func (w *warp) pushInflight(uid uint64) {
	w.inflight = append(w.inflight, uid)
}

func (w *warp) popInflight() {
	copy(w.inflight, w.inflight[1:])
	w.inflight = w.inflight[:len(w.inflight)-1]
}
