package core

import (
	"sort"

	"github.com/mfkiwl/gpucachesim/timing/latency"
	"github.com/mfkiwl/gpucachesim/timing/pipeline"
)

type schedPolicy int

const (
	policyGTO schedPolicy = iota
	policyLRR
	policyTwoLevel
)

func policyFromName(name string) schedPolicy {
	switch name {
	case "lrr":
		return policyLRR
	case "two_level":
		return policyTwoLevel
	default:
		return policyGTO
	}
}

// scheduler owns the warps whose slot id is congruent to its own id and
// issues at most one instruction from them per cycle.
type scheduler struct {
	id     int
	core   *Core
	policy schedPolicy

	supervised []*warp
	pos        map[int]int

	lastIssued    *warp
	lastIssuedIdx int

	// two-level state: positions into supervised, split into the small
	// set the scheduler actually considers and the fifo feeding it.
	activeSize int
	active     []int
	pending    []int
}

func newScheduler(c *Core, id int, slots []*warp) *scheduler {
	s := &scheduler{
		id:         id,
		core:       c,
		policy:     policyFromName(c.cfg.Scheduler),
		pos:        make(map[int]int),
		activeSize: c.cfg.TwoLevelActiveWarps,
	}
	for _, w := range slots {
		if w.id%c.cfg.NumSchedsPerCore == id {
			s.pos[w.id] = len(s.supervised)
			s.supervised = append(s.supervised, w)
		}
	}
	s.reset()
	return s
}

func (s *scheduler) reset() {
	s.lastIssued = nil
	s.lastIssuedIdx = len(s.supervised) - 1
	s.active = s.active[:0]
	s.pending = s.pending[:0]
	for i := range s.supervised {
		s.pending = append(s.pending, i)
	}
}

// cycle walks the policy order and issues the first instruction that
// clears the scoreboard, the barrier state, and the pipeline register.
func (s *scheduler) cycle(cycle uint64) bool {
	for _, w := range s.prioritized() {
		if !w.active || w.doneExit || w.atBarrier {
			continue
		}
		inst := w.ibufferHead()
		if inst == nil {
			continue
		}
		if s.tryIssue(w, inst, cycle) {
			return true
		}
	}
	return false
}

func (s *scheduler) tryIssue(w *warp, inst *pipeline.WarpInst, cycle uint64) bool {
	switch inst.Class {
	case latency.ClassBarrier:
		// Joining the barrier waits for the warp's own pipeline to
		// drain, so instructions older than the barrier are already
		// committed when it completes.
		if !w.drained() {
			return false
		}
		w.popIbuffer()
		w.atBarrier = true
		s.core.barriers.arrive(w.blockSlot)
		s.core.retireAtIssue(inst)

	case latency.ClassExit:
		if !w.drained() {
			return false
		}
		w.popIbuffer()
		w.next = len(w.insts)
		w.ibuffer = w.ibuffer[:0]
		s.core.retireAtIssue(inst)

	default:
		if s.core.sb.collides(w.id, inst) {
			return false
		}
		rs := s.core.issueSet(inst.Class)
		slot := -1
		if s.core.cfg.SubCoreModel {
			slot = rs.GetFreeSubCore(s.id)
		} else {
			slot = rs.GetFree()
		}
		if slot < 0 {
			return false
		}
		w.popIbuffer()
		inst.SchedulerID = s.id
		inst.IssueCycle = cycle
		s.core.sb.reserve(w.id, inst)
		w.pushInflight(inst.UID)
		rs.Put(slot, inst)
	}

	w.lastIssueCycle = cycle
	s.lastIssued = w
	s.lastIssuedIdx = s.pos[w.id]
	return true
}

func (s *scheduler) prioritized() []*warp {
	switch s.policy {
	case policyLRR:
		return s.rotated(nil, s.lastIssuedIdx)
	case policyTwoLevel:
		return s.twoLevelOrder()
	default:
		return s.greedyThenOldest()
	}
}

// greedyThenOldest puts the last issued warp first and orders the rest
// oldest dynamic warp id first.
func (s *scheduler) greedyThenOldest() []*warp {
	out := make([]*warp, 0, len(s.supervised))
	if s.lastIssued != nil && s.lastIssued.active && !s.lastIssued.doneExit {
		out = append(out, s.lastIssued)
	}
	rest := make([]*warp, 0, len(s.supervised))
	for _, w := range s.supervised {
		if w != s.lastIssued {
			rest = append(rest, w)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].dynamicID < rest[j].dynamicID
	})
	return append(out, rest...)
}

// rotated returns the warps at the given positions (all of supervised
// when positions is nil), starting after the origin position.
func (s *scheduler) rotated(positions []int, origin int) []*warp {
	n := len(s.supervised)
	if positions != nil {
		n = len(positions)
	}
	out := make([]*warp, 0, n)
	for i := 1; i <= n; i++ {
		p := (origin + i) % n
		if positions != nil {
			out = append(out, s.supervised[positions[p]])
		} else {
			out = append(out, s.supervised[p])
		}
	}
	return out
}

// twoLevelOrder refreshes the active set and round-robins within it.
func (s *scheduler) twoLevelOrder() []*warp {
	s.adjustActiveSet()
	if len(s.active) == 0 {
		return nil
	}
	origin := 0
	for i, p := range s.active {
		if s.supervised[p] == s.lastIssued {
			origin = i
			break
		}
	}
	return s.rotated(s.active, origin)
}

// adjustActiveSet demotes active warps with nothing to issue and
// promotes issuable warps from the pending fifo until the active set is
// full again.
func (s *scheduler) adjustActiveSet() {
	kept := s.active[:0]
	for _, p := range s.active {
		if s.issuable(s.supervised[p]) {
			kept = append(kept, p)
		} else {
			s.pending = append(s.pending, p)
		}
	}
	s.active = kept

	for len(s.active) < s.activeSize {
		promoted := -1
		for i, p := range s.pending {
			if s.issuable(s.supervised[p]) {
				promoted = i
				break
			}
		}
		if promoted < 0 {
			break
		}
		p := s.pending[promoted]
		s.pending = append(s.pending[:promoted], s.pending[promoted+1:]...)
		s.active = append(s.active, p)
	}
}

func (s *scheduler) issuable(w *warp) bool {
	return w.active && !w.doneExit && !w.atBarrier && len(w.ibuffer) > 0
}
