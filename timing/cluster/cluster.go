// Package cluster groups SIMT cores behind a shared interconnect port.
// The cluster owns the injection queue toward the memory partitions and
// the response fifo that feeds returned packets back to its cores.
package cluster

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/core"
	"github.com/mfkiwl/gpucachesim/timing/icnt"
	"github.com/mfkiwl/gpucachesim/timing/mem"
	"github.com/mfkiwl/gpucachesim/timing/partition"
	"github.com/mfkiwl/gpucachesim/trace"
)

// KernelSource hands out the next kernel a core may draw blocks from.
// It must only return kernels that still have unissued blocks.
type KernelSource interface {
	SelectKernel() *trace.Kernel
}

// Cluster is one SIMT cluster: its cores, the shared injection queue
// toward the request network, and the bounded response fifo on the
// reply network's ejection side.
type Cluster struct {
	name  string
	id    int
	cfg   *config.GPU
	cores []*core.Core

	inject       sim.Buffer
	responseFIFO []*mem.Fetch

	blockIssueNextCore int
}

// New builds a cluster with cfg.NumCoresPerCluster cores, each wired to
// the cluster's injection port.
func New(id int, cfg *config.GPU) *Cluster {
	cl := &Cluster{
		name: fmt.Sprintf("cluster%d", id),
		id:   id,
		cfg:  cfg,
	}
	cl.inject = sim.NewBuffer(cl.name+".inject", cfg.EjectionBufferSize)
	cl.blockIssueNextCore = cfg.NumCoresPerCluster - 1
	for c := 0; c < cfg.NumCoresPerCluster; c++ {
		cl.cores = append(cl.cores, core.New(id, c, cfg, clusterPort{cl}))
	}
	return cl
}

// Name returns the cluster's instance name.
func (cl *Cluster) Name() string {
	return cl.name
}

// Cores exposes the cluster's cores for stats aggregation.
func (cl *Cluster) Cores() []*core.Core {
	return cl.cores
}

// clusterPort is the MemPort the cores push global accesses through.
// All cores of a cluster share one injection queue.
type clusterPort struct {
	cl *Cluster
}

func (p clusterPort) Full(size uint32, write bool) bool {
	return !p.cl.inject.CanPush()
}

func (p clusterPort) Push(f *mem.Fetch, cycle uint64) {
	if f.ChipID < 0 {
		f.ChipID, f.SubPartitionID = partition.DecodeAddr(p.cl.cfg, f.Access.Addr)
	}
	p.cl.inject.Push(f)
}

// Cycle advances every core one shader clock.
func (cl *Cluster) Cycle(cycle uint64) {
	for _, c := range cl.cores {
		c.Cycle(cycle)
	}
}

// InjectCycle moves the head of the injection queue onto the request
// network once the network can take the whole packet.
func (cl *Cluster) InjectCycle(net icnt.Network, cycle uint64) {
	item := cl.inject.Peek()
	if item == nil {
		return
	}
	f := item.(*mem.Fetch)
	if !net.HasBuffer(cl.id, f.Size()) {
		return
	}
	cl.inject.Pop()
	f.SetStatus(mem.StatusInICNTToMem, cycle)
	net.Push(cl.id, cl.cfg.MemNode(f.SubPartitionID), f, f.Size())
}

// InterconnCycle delivers the response fifo head to its core and then
// ejects one packet from the reply network if the fifo has room.
// Instruction returns are never refused; data returns wait for space in
// the load/store unit's response buffer.
func (cl *Cluster) InterconnCycle(net icnt.Network, cycle uint64) {
	if len(cl.responseFIFO) > 0 {
		f := cl.responseFIFO[0]
		c := cl.cores[f.CoreID]
		switch {
		case f.Access.Kind == mem.InstRead:
			c.AcceptFetchResponse(f, cycle)
			cl.responseFIFO = cl.responseFIFO[1:]
		case !c.LDSTResponseBufferFull():
			c.AcceptLDSTResponse(f, cycle)
			cl.responseFIFO = cl.responseFIFO[1:]
		}
	}
	if len(cl.responseFIFO) < cl.cfg.EjectionBufferSize {
		if f := net.Pop(cl.id); f != nil {
			f.SetStatus(mem.StatusInClusterToShaderQueue, cycle)
			cl.responseFIFO = append(cl.responseFIFO, f)
		}
	}
}

// IssueBlockToCore hands out at most one block per cycle, round-robin
// over the cores starting after the last core that got one. A core
// whose kernel is exhausted switches to src's pick, but only once its
// resident warps have drained.
func (cl *Cluster) IssueBlockToCore(src KernelSource, cycle uint64) bool {
	n := len(cl.cores)
	for i := 1; i <= n; i++ {
		idx := (cl.blockIssueNextCore + i) % n
		c := cl.cores[idx]
		k := c.CurrentKernel()
		if k == nil || k.NoMoreBlocks() {
			if c.Active() {
				continue
			}
			next := src.SelectKernel()
			if next == nil || next == k {
				continue
			}
			c.SetKernel(next)
		}
		if c.CanIssueBlock() {
			c.IssueBlock(cycle)
			cl.blockIssueNextCore = idx
			return true
		}
	}
	return false
}

// NotCompleted returns the number of live warps across the cluster.
func (cl *Cluster) NotCompleted() int {
	n := 0
	for _, c := range cl.cores {
		n += c.NotCompleted()
	}
	return n
}

// Active reports whether any core still holds a block.
func (cl *Cluster) Active() bool {
	for _, c := range cl.cores {
		if c.Active() {
			return true
		}
	}
	return false
}

// Drained reports whether no packet sits in the cluster's queues.
func (cl *Cluster) Drained() bool {
	return cl.inject.Size() == 0 && len(cl.responseFIFO) == 0
}

// QueueOccupancy describes the cluster's queues for the deadlock dump.
func (cl *Cluster) QueueOccupancy() string {
	return fmt.Sprintf("%s: inject=%d response_fifo=%d",
		cl.name, cl.inject.Size(), len(cl.responseFIFO))
}

// CacheFlush flushes the L1 data caches of every core.
func (cl *Cluster) CacheFlush() {
	for _, c := range cl.cores {
		c.CacheFlush()
	}
}

// CacheInvalidate drops every L1 line in the cluster.
func (cl *Cluster) CacheInvalidate() {
	for _, c := range cl.cores {
		c.CacheInvalidate()
	}
}
