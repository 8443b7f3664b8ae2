package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// mshrTable layers the GPU merge semantics over the akita MSHR: a
// per-entry merge cap, atomic tracking, and the ordered response drain.
// Entries stay in the table while their merged requesters are handed out,
// so a probe keeps hitting until the last requester leaves.
type mshrTable struct {
	mshrs    akitacache.MSHR
	maxMerge int

	// ready lists entry addresses whose fill has returned, in fill order.
	ready []uint64

	atomic map[uint64]bool
}

func newMSHRTable(entries, maxMerge int) *mshrTable {
	return &mshrTable{
		mshrs:    akitacache.NewMSHR(entries),
		maxMerge: maxMerge,
		atomic:   make(map[uint64]bool),
	}
}

// probe reports whether a miss for addr is already outstanding.
func (t *mshrTable) probe(addr uint64) bool {
	return t.mshrs.Query(simPID, addr) != nil
}

// full reports whether addr cannot take another requester: the entry's
// merge list is at capacity, or no entry exists and the table is full.
func (t *mshrTable) full(addr uint64) bool {
	if e := t.mshrs.Query(simPID, addr); e != nil {
		return len(e.Requests) >= t.maxMerge
	}
	return t.mshrs.IsFull()
}

// hasAtomic reports whether the entry for addr holds an atomic requester.
func (t *mshrTable) hasAtomic(addr uint64) bool {
	return t.atomic[addr]
}

// add merges the fetch into the entry for addr, creating the entry on
// first use. Callers must check full first.
func (t *mshrTable) add(addr uint64, f *mem.Fetch) {
	e := t.mshrs.Query(simPID, addr)
	if e == nil {
		e = t.mshrs.Add(simPID, addr)
	}
	if len(e.Requests) >= t.maxMerge {
		panic(fmt.Sprintf("mshr: entry 0x%x merged past its cap", addr))
	}
	e.Requests = append(e.Requests, f)
	if f.IsAtomic() {
		t.atomic[addr] = true
	}
}

// markReady queues the entry for addr on the response list and reports
// whether it holds an atomic requester.
func (t *mshrTable) markReady(addr uint64) bool {
	if t.mshrs.Query(simPID, addr) == nil {
		panic(fmt.Sprintf("mshr: fill for 0x%x without an entry", addr))
	}
	t.ready = append(t.ready, addr)
	return t.atomic[addr]
}

// hasReady reports whether a completed requester is waiting to be drained.
func (t *mshrTable) hasReady() bool {
	return len(t.ready) > 0
}

// nextAccess hands out the next completed requester, oldest fill first,
// requesters in merge order within a fill. The entry is released when its
// last requester leaves.
func (t *mshrTable) nextAccess() *mem.Fetch {
	if len(t.ready) == 0 {
		return nil
	}
	addr := t.ready[0]
	e := t.mshrs.Query(simPID, addr)
	if e == nil || len(e.Requests) == 0 {
		panic(fmt.Sprintf("mshr: ready entry 0x%x has no requesters", addr))
	}
	f := e.Requests[0].(*mem.Fetch)
	e.Requests = e.Requests[1:]
	if len(e.Requests) == 0 {
		t.mshrs.Remove(simPID, addr)
		delete(t.atomic, addr)
		t.ready = t.ready[1:]
	}
	return f
}
