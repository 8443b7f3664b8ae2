package icnt

import (
	"fmt"
	"sort"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// Network is the interface the clusters and memory partitions use to
// exchange fetches. Push may only be called after HasBuffer granted the
// packet room; Pop drains a node's ejection buffer one packet per call.
// Advance moves simulated time one cycle.
type Network interface {
	Push(src, dst int, f *mem.Fetch, size uint32)
	Pop(node int) *mem.Fetch
	HasBuffer(node int, size uint32) bool
	Advance()
	Drained() bool
}

// packet is one fetch in flight with its delivery time.
type packet struct {
	f   *mem.Fetch
	due uint64
	seq uint64
}

// delivery shared by both network models: per-node pending lists sorted
// by (due, seq) and bounded ejection buffers.
type delivery struct {
	pending  [][]packet
	ejection []sim.Buffer
	inFlight []int
	cycle    uint64
	seq      uint64
}

func newDelivery(name string, numNodes, ejectionCap int) delivery {
	d := delivery{
		pending:  make([][]packet, numNodes),
		ejection: make([]sim.Buffer, numNodes),
		inFlight: make([]int, numNodes),
	}
	for i := range d.ejection {
		d.ejection[i] = sim.NewBuffer(fmt.Sprintf("%s.eject[%d]", name, i), ejectionCap)
	}
	return d
}

// enqueue schedules a packet for arrival at dst, keeping the pending
// list ordered by delivery time with push order breaking ties.
func (d *delivery) enqueue(src, dst int, f *mem.Fetch, due uint64) {
	d.seq++
	p := packet{f: f, due: due, seq: d.seq}
	q := d.pending[dst]
	i := sort.Search(len(q), func(i int) bool {
		return q[i].due > p.due
	})
	q = append(q, packet{})
	copy(q[i+1:], q[i:])
	q[i] = p
	d.pending[dst] = q
	d.inFlight[src]++
}

// eject moves due packets into the ejection buffers. A full buffer
// holds the head and everything behind it.
func (d *delivery) eject(srcOf func(*mem.Fetch) int) {
	for dst := range d.pending {
		for len(d.pending[dst]) > 0 {
			p := d.pending[dst][0]
			if p.due > d.cycle || !d.ejection[dst].CanPush() {
				break
			}
			d.pending[dst] = d.pending[dst][1:]
			d.ejection[dst].Push(p.f)
			d.inFlight[srcOf(p.f)]--
		}
	}
}

func (d *delivery) pop(node int) *mem.Fetch {
	if d.ejection[node].Size() == 0 {
		return nil
	}
	return d.ejection[node].Pop().(*mem.Fetch)
}

// Drained reports whether no packet is in flight or awaiting ejection.
func (d *delivery) Drained() bool {
	for _, q := range d.pending {
		if len(q) > 0 {
			return false
		}
	}
	for _, b := range d.ejection {
		if b.Size() > 0 {
			return false
		}
	}
	return true
}

// Crossbar is the ideal fallback network: every node pair is one fixed
// latency link with flit serialization but no contention.
type Crossbar struct {
	delivery
	latency     int
	flitSize    uint32
	inFlightCap int
	srcOf       map[*mem.Fetch]int
	stats       *stats.Icnt
}

// NewCrossbar builds an ideal network over numNodes terminals.
func NewCrossbar(name string, numNodes, latency, flitSize, ejectionCap int, st *stats.Icnt) *Crossbar {
	if st == nil {
		st = &stats.Icnt{}
	}
	return &Crossbar{
		delivery:    newDelivery(name, numNodes, ejectionCap),
		latency:     latency,
		flitSize:    uint32(flitSize),
		inFlightCap: 2 * ejectionCap,
		srcOf:       map[*mem.Fetch]int{},
		stats:       st,
	}
}

// HasBuffer bounds the packets a node may have in flight at once.
func (x *Crossbar) HasBuffer(node int, size uint32) bool {
	return x.inFlight[node] < x.inFlightCap
}

// Push injects a packet. The last flit arrives after the link latency
// plus one cycle per additional flit.
func (x *Crossbar) Push(src, dst int, f *mem.Fetch, size uint32) {
	flits := flitCount(size, x.flitSize)
	x.stats.Packets++
	x.stats.Flits += uint64(flits)
	x.srcOf[f] = src
	x.enqueue(src, dst, f, x.cycle+uint64(x.latency)+uint64(flits-1))
}

// Pop drains one delivered packet from a node.
func (x *Crossbar) Pop(node int) *mem.Fetch {
	f := x.pop(node)
	if f != nil {
		delete(x.srcOf, f)
	}
	return f
}

// Advance moves the crossbar one cycle and delivers due packets.
func (x *Crossbar) Advance() {
	x.cycle++
	x.eject(func(f *mem.Fetch) int { return x.srcOf[f] })
}

// Anynet routes packets over a parsed topology. Each channel carries
// one flit per cycle; a packet's flits occupy every channel on its path
// in sequence, so contended channels serialize packets in push order.
type Anynet struct {
	delivery
	topo    *Topology
	routing RoutingTable
	rts     [][]route

	routerLatency int
	flitSize      uint32
	inFlightCap   int

	// freeAt is the cycle each directed channel becomes idle,
	// keyed by (src router, dst router). Node links are keyed by
	// (^node, router) and (router, ^node).
	freeAt map[[2]int]uint64

	srcOf map[*mem.Fetch]int
	stats *stats.Icnt
}

// NewAnynet builds a routed network from a topology. The terminal count
// must not exceed the topology's node count.
func NewAnynet(name string, topo *Topology, numNodes, routerLatency, flitSize, ejectionCap int, st *stats.Icnt) (*Anynet, error) {
	if numNodes > topo.NumNodes() {
		return nil, fmt.Errorf("icnt: topology has %d nodes, need %d", topo.NumNodes(), numNodes)
	}
	if st == nil {
		st = &stats.Icnt{}
	}
	return &Anynet{
		delivery:      newDelivery(name, numNodes, ejectionCap),
		topo:          topo,
		routing:       topo.BuildRoutingTable(),
		rts:           topo.routes(),
		routerLatency: routerLatency,
		flitSize:      uint32(flitSize),
		inFlightCap:   2 * ejectionCap,
		freeAt:        map[[2]int]uint64{},
		srcOf:         map[*mem.Fetch]int{},
		stats:         st,
	}, nil
}

// Routing exposes the precomputed routing table.
func (a *Anynet) Routing() RoutingTable {
	return a.routing
}

// PathLatency returns the summed channel latency between two nodes,
// node links excluded.
func (a *Anynet) PathLatency(src, dst int) int {
	return a.rts[src][dst].latency
}

// Hops returns the number of router-to-router channels between two
// nodes.
func (a *Anynet) Hops(src, dst int) int {
	return len(a.rts[src][dst].routers) - 1
}

// PacketLatency returns the uncontended delivery time of a packet:
// node links in and out, every channel on the path, one router
// pipeline per channel crossed, and the serialization tail.
func (a *Anynet) PacketLatency(src, dst int, size uint32) uint64 {
	flits := flitCount(size, a.flitSize)
	r := a.rts[src][dst]
	hops := len(r.routers) - 1
	lat := a.topo.nodeLatency[src] + r.latency + a.topo.nodeLatency[dst] +
		hops*a.routerLatency + flits - 1
	return uint64(lat)
}

func (a *Anynet) HasBuffer(node int, size uint32) bool {
	return a.inFlight[node] < a.inFlightCap
}

// Push walks the packet over its route. Each link grants the packet a
// start cycle no earlier than the link's last occupancy, so packets
// sharing a link serialize while disjoint routes never interact.
func (a *Anynet) Push(src, dst int, f *mem.Fetch, size uint32) {
	flits := uint64(flitCount(size, a.flitSize))
	a.stats.Packets++
	a.stats.Flits += flits

	r := a.rts[src][dst]
	t := a.cycle

	t = a.crossLink([2]int{^src, r.routers[0]}, t, flits, uint64(a.topo.nodeLatency[src]))
	for i := 0; i+1 < len(r.routers); i++ {
		u, v := r.routers[i], r.routers[i+1]
		t += uint64(a.routerLatency)
		t = a.crossLink([2]int{u, v}, t, flits, a.linkLatency(u, v))
	}
	t = a.crossLink([2]int{r.routers[len(r.routers)-1], ^dst}, t, flits, uint64(a.topo.nodeLatency[dst]))
	t += flits - 1

	a.srcOf[f] = src
	a.enqueue(src, dst, f, t)
}

// crossLink reserves a channel for the packet's flits and returns when
// its head flit leaves the far end.
func (a *Anynet) crossLink(key [2]int, t, flits, latency uint64) uint64 {
	start := t
	if free := a.freeAt[key]; free > start {
		start = free
	}
	a.freeAt[key] = start + flits
	return start + latency
}

func (a *Anynet) linkLatency(u, v int) uint64 {
	for _, l := range a.topo.links[u] {
		if l.dst == v {
			return uint64(l.latency)
		}
	}
	panic(fmt.Sprintf("icnt: no channel %d->%d", u, v))
}

func (a *Anynet) Pop(node int) *mem.Fetch {
	f := a.pop(node)
	if f != nil {
		delete(a.srcOf, f)
	}
	return f
}

func (a *Anynet) Advance() {
	a.cycle++
	a.eject(func(f *mem.Fetch) int { return a.srcOf[f] })
}

func flitCount(size, flitSize uint32) int {
	if flitSize == 0 {
		return 1
	}
	n := int((size + flitSize - 1) / flitSize)
	if n < 1 {
		n = 1
	}
	return n
}
