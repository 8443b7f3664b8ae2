package partition

import (
	"strconv"

	"github.com/sarchlab/akita/v4/pipelining"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// dramItem wraps a fetch for the latency pipe.
type dramItem struct {
	f *mem.Fetch
}

func (i dramItem) TaskID() string { return strconv.FormatUint(i.f.UID(), 10) }

// dramChannel is the fixed-latency DRAM behind one sub partition.
// Requests march through a latency pipe one per cycle; reads turn
// around into the return queue, writes settle in the array. There is no
// row or bank state, so the memory-controller queue stages appear only
// as wire statuses on the passing fetch.
type dramChannel struct {
	name string
	cfg  *config.GPU

	pipe    pipelining.Pipeline
	pipeOut sim.Buffer
	retQ    sim.Buffer

	occupied int

	stats *stats.DRAM
}

func newDRAMChannel(name string, cfg *config.GPU) *dramChannel {
	d := &dramChannel{
		name:    name,
		cfg:     cfg,
		pipeOut: sim.NewBuffer(name+".pipe.out", 2),
		retQ:    sim.NewBuffer(name+".returnq", cfg.DRAMReturnQueueSize),
		stats:   &stats.DRAM{},
	}
	d.pipe = pipelining.MakeBuilder().
		WithPipelineWidth(1).
		WithNumStage(cfg.DRAMLatency).
		WithCyclePerStage(1).
		WithPostPipelineBuffer(d.pipeOut).
		Build(name + ".pipe")
	return d
}

// accept injects a request directly, bypassing the L2-to-DRAM queue.
// Used for flush writebacks.
func (d *dramChannel) accept(f *mem.Fetch, cycle uint64) {
	d.service(f, cycle)
}

// service counts the access and finishes writebacks on the spot.
// Returns whether the fetch continues toward the return queue.
func (d *dramChannel) service(f *mem.Fetch, cycle uint64) bool {
	if f.IsWrite() {
		d.stats.Writes++
	} else {
		d.stats.Reads++
	}
	if f.Access.Kind == mem.L1Writeback || f.Access.Kind == mem.L2Writeback {
		f.SetStatus(mem.StatusDeleted, cycle)
		return false
	}
	return true
}

// cycle advances the channel: return queue toward the L2, the latency
// pipe, then one new request from the L2-to-DRAM queue.
func (d *dramChannel) cycle(cycle uint64, l2ToDRAM, dramToL2 sim.Buffer) {
	if f, ok := d.retQ.Peek().(*mem.Fetch); ok && dramToL2.CanPush() {
		d.retQ.Pop()
		d.occupied--
		f.SetStatus(mem.StatusInPartitionDRAMToL2Queue, cycle)
		dramToL2.Push(f)
	}

	d.pipe.Tick()
	for d.pipeOut.Size() > 0 {
		if !d.retQ.CanPush() {
			break
		}
		f := d.pipeOut.Pop().(dramItem).f
		if !d.service(f, cycle) {
			d.occupied--
			continue
		}
		f.SetReply()
		f.SetStatus(mem.StatusInPartitionMCReturnQueue, cycle)
		d.retQ.Push(f)
	}

	if f, ok := l2ToDRAM.Peek().(*mem.Fetch); ok && d.pipe.CanAccept() {
		l2ToDRAM.Pop()
		d.occupied++
		f.SetStatus(mem.StatusInPartitionDRAM, cycle)
		d.pipe.Accept(dramItem{f: f})
	}
}

func (d *dramChannel) drained() bool {
	return d.occupied == 0
}

func (d *dramChannel) occupancy() int {
	return d.occupied
}
