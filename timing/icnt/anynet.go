// Package icnt models the interconnect between the SIMT clusters and
// the memory sub partitions. Topologies come from an anynet description
// file; routing is shortest-path, precomputed with Dijkstra over the
// link latencies. Without a topology file the network degrades to an
// ideal crossbar with a fixed latency.
package icnt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// link is one directed router-to-router channel.
type link struct {
	dst     int
	latency int
}

// Topology is a parsed anynet description: terminal nodes attached to
// routers, and weighted channels between routers.
type Topology struct {
	numRouters int
	numNodes   int

	// nodeRouter maps a terminal node to the router it attaches to.
	nodeRouter []int

	// nodeLatency is the node-to-router link latency, per node.
	nodeLatency []int

	// routerNodes lists the nodes attached to each router, ascending.
	routerNodes [][]int

	// links holds each router's outgoing channels, ascending by
	// destination router.
	links [][]link
}

// NumRouters returns the router count.
func (t *Topology) NumRouters() int { return t.numRouters }

// NumNodes returns the terminal node count.
func (t *Topology) NumNodes() int { return t.numNodes }

// NodeRouter returns the router a node attaches to.
func (t *Topology) NodeRouter(node int) int { return t.nodeRouter[node] }

// NumPorts returns the output port count of a router: one ejection port
// per attached node, then one port per outgoing channel.
func (t *Topology) NumPorts(router int) int {
	return len(t.routerNodes[router]) + len(t.links[router])
}

// EjectionPort returns the router's output port leading to an attached
// node, or -1 when the node attaches elsewhere.
func (t *Topology) EjectionPort(router, node int) int {
	for i, n := range t.routerNodes[router] {
		if n == node {
			return i
		}
	}
	return -1
}

// ChannelPort returns the router's output port of the channel toward a
// neighbor router, or -1 when no channel exists. Channel ports number
// after the ejection ports, in ascending neighbor order.
func (t *Topology) ChannelPort(router, neighbor int) int {
	for i, l := range t.links[router] {
		if l.dst == neighbor {
			return len(t.routerNodes[router]) + i
		}
	}
	return -1
}

// ParseAnynetFile reads an anynet topology description from a file.
func ParseAnynetFile(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("icnt: %w", err)
	}
	defer f.Close()

	t, err := ParseAnynet(f)
	if err != nil {
		return nil, fmt.Errorf("icnt: %s: %w", path, err)
	}
	return t, nil
}

// anynetEdge is a raw edge read from the description, keyed by endpoint
// kind.
type anynetEdge struct {
	srcIsNode bool
	src       int
	dstIsNode bool
	dst       int
	weight    int
}

// ParseAnynet parses the anynet grammar: each line names a subject
// (`router <id>` or `node <id>`) followed by one or more endpoints with
// an optional integer latency. Node-to-node links are illegal; node
// attachments are bidirectional; router channels get a weight-1 reverse
// channel unless one is declared. `//` starts a comment.
func ParseAnynet(r io.Reader) (*Topology, error) {
	var edges []anynetEdge
	maxRouter, maxNode := -1, -1
	seenRouter := map[int]bool{}
	seenNode := map[int]bool{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		srcIsNode, srcID, rest, err := parseEndpoint(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if srcIsNode {
			seenNode[srcID] = true
			if srcID > maxNode {
				maxNode = srcID
			}
		} else {
			seenRouter[srcID] = true
			if srcID > maxRouter {
				maxRouter = srcID
			}
		}

		if len(rest) == 0 {
			return nil, fmt.Errorf("line %d: no endpoints", lineNo)
		}
		for len(rest) > 0 {
			dstIsNode, dstID, after, err := parseEndpoint(rest)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			weight := 1
			if len(after) > 0 {
				if w, err := strconv.Atoi(after[0]); err == nil {
					if w <= 0 {
						return nil, fmt.Errorf("line %d: latency must be positive, got %d", lineNo, w)
					}
					weight = w
					after = after[1:]
				}
			}
			rest = after

			if srcIsNode && dstIsNode {
				return nil, fmt.Errorf("line %d: node to node link", lineNo)
			}
			if dstIsNode {
				seenNode[dstID] = true
				if dstID > maxNode {
					maxNode = dstID
				}
			} else {
				seenRouter[dstID] = true
				if dstID > maxRouter {
					maxRouter = dstID
				}
			}
			edges = append(edges, anynetEdge{
				srcIsNode: srcIsNode, src: srcID,
				dstIsNode: dstIsNode, dst: dstID,
				weight: weight,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if maxRouter < 0 {
		return nil, fmt.Errorf("no routers declared")
	}
	for i := 0; i <= maxRouter; i++ {
		if !seenRouter[i] {
			return nil, fmt.Errorf("router ids not dense: missing router %d", i)
		}
	}
	for i := 0; i <= maxNode; i++ {
		if !seenNode[i] {
			return nil, fmt.Errorf("node ids not dense: missing node %d", i)
		}
	}

	return buildTopology(maxRouter+1, maxNode+1, edges)
}

func parseEndpoint(fields []string) (isNode bool, id int, rest []string, err error) {
	if len(fields) < 2 {
		return false, 0, nil, fmt.Errorf("truncated endpoint %q", strings.Join(fields, " "))
	}
	switch fields[0] {
	case "node":
		isNode = true
	case "router":
	default:
		return false, 0, nil, fmt.Errorf("unknown endpoint kind %q", fields[0])
	}
	id, err = strconv.Atoi(fields[1])
	if err != nil || id < 0 {
		return false, 0, nil, fmt.Errorf("bad endpoint id %q", fields[1])
	}
	return isNode, id, fields[2:], nil
}

func buildTopology(numRouters, numNodes int, edges []anynetEdge) (*Topology, error) {
	t := &Topology{
		numRouters:  numRouters,
		numNodes:    numNodes,
		nodeRouter:  make([]int, numNodes),
		nodeLatency: make([]int, numNodes),
		routerNodes: make([][]int, numRouters),
		links:       make([][]link, numRouters),
	}
	for i := range t.nodeRouter {
		t.nodeRouter[i] = -1
	}

	channel := map[[2]int]int{}
	for _, e := range edges {
		switch {
		case e.srcIsNode || e.dstIsNode:
			node, router, lat := e.src, e.dst, e.weight
			if e.dstIsNode {
				node, router = e.dst, e.src
			}
			if prev := t.nodeRouter[node]; prev >= 0 && prev != router {
				return nil, fmt.Errorf("node %d attached to routers %d and %d", node, prev, router)
			}
			t.nodeRouter[node] = router
			t.nodeLatency[node] = lat

		default:
			key := [2]int{e.src, e.dst}
			if _, dup := channel[key]; !dup {
				channel[key] = e.weight
			}
		}
	}

	// Declared channels get a weight-1 reverse unless one exists.
	keys := make([][2]int, 0, len(channel))
	for k := range channel {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i][0] < keys[j][0] || (keys[i][0] == keys[j][0] && keys[i][1] < keys[j][1])
	})
	for _, k := range keys {
		rev := [2]int{k[1], k[0]}
		if _, ok := channel[rev]; !ok {
			channel[rev] = 1
		}
	}

	for node, router := range t.nodeRouter {
		if router < 0 {
			return nil, fmt.Errorf("node %d is not attached to any router", node)
		}
		t.routerNodes[router] = append(t.routerNodes[router], node)
	}
	for _, nodes := range t.routerNodes {
		sort.Ints(nodes)
	}

	for k, w := range channel {
		t.links[k[0]] = append(t.links[k[0]], link{dst: k[1], latency: w})
	}
	for _, ls := range t.links {
		sort.Slice(ls, func(i, j int) bool { return ls[i].dst < ls[j].dst })
	}

	return t, nil
}

// RoutingTable maps [router][destination node] to the router's output
// port toward the destination.
type RoutingTable [][]int

// routeInfo records the shortest-path outcome from one source router.
type routeInfo struct {
	dist    []int
	prev    []int // predecessor router on the shortest path, -1 at source
	firstTo []int // first-hop router toward each router, -1 when local
	hops    []int
}

// BuildRoutingTable runs Dijkstra from every router, first-hop
// extraction giving each (router, destination node) pair its output
// port. Ties break toward the lower router id, keeping the table
// deterministic.
func (t *Topology) BuildRoutingTable() RoutingTable {
	table := make(RoutingTable, t.numRouters)
	for src := 0; src < t.numRouters; src++ {
		info := t.dijkstra(src)
		ports := make([]int, t.numNodes)
		for node := 0; node < t.numNodes; node++ {
			dest := t.nodeRouter[node]
			if dest == src {
				ports[node] = t.EjectionPort(src, node)
				continue
			}
			first := info.firstTo[dest]
			if first < 0 {
				ports[node] = -1
				continue
			}
			ports[node] = t.ChannelPort(src, first)
		}
		table[src] = ports
	}
	return table
}

const infDist = int(^uint(0) >> 1)

func (t *Topology) dijkstra(src int) routeInfo {
	n := t.numRouters
	info := routeInfo{
		dist:    make([]int, n),
		prev:    make([]int, n),
		firstTo: make([]int, n),
		hops:    make([]int, n),
	}
	done := make([]bool, n)
	for i := range info.dist {
		info.dist[i] = infDist
		info.prev[i] = -1
		info.firstTo[i] = -1
	}
	info.dist[src] = 0

	for {
		u, best := -1, infDist
		for i := 0; i < n; i++ {
			if !done[i] && info.dist[i] < best {
				u, best = i, info.dist[i]
			}
		}
		if u < 0 {
			break
		}
		done[u] = true
		for _, l := range t.links[u] {
			alt := info.dist[u] + l.latency
			if alt < info.dist[l.dst] {
				info.dist[l.dst] = alt
				info.hops[l.dst] = info.hops[u] + 1
				info.prev[l.dst] = u
			}
		}
	}

	for dest := 0; dest < n; dest++ {
		if dest == src || info.dist[dest] == infDist {
			continue
		}
		hop := dest
		for info.prev[hop] != src {
			hop = info.prev[hop]
		}
		info.firstTo[dest] = hop
	}
	return info
}

// route lists the router path and total channel latency between two
// nodes.
type route struct {
	routers []int
	latency int // channel latency only, node links excluded
}

// routes precomputes the router walk for every (src, dst) node pair.
func (t *Topology) routes() [][]route {
	infos := make([]routeInfo, t.numRouters)
	for r := 0; r < t.numRouters; r++ {
		infos[r] = t.dijkstra(r)
	}

	all := make([][]route, t.numNodes)
	for src := 0; src < t.numNodes; src++ {
		all[src] = make([]route, t.numNodes)
		sr := t.nodeRouter[src]
		for dst := 0; dst < t.numNodes; dst++ {
			dr := t.nodeRouter[dst]
			if sr == dr {
				all[src][dst] = route{routers: []int{sr}}
				continue
			}
			var path []int
			for hop := dr; hop >= 0; hop = infos[sr].prev[hop] {
				path = append(path, hop)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			all[src][dst] = route{routers: path, latency: infos[sr].dist[dr]}
		}
	}
	return all
}
