// Package stats collects the counters the simulator reports: cycles and
// retired instructions, per-cache access breakdowns, DRAM and
// interconnect traffic, function unit occupancy, and per-kernel
// summaries. Components own their local counter structs; the top level
// aggregates them at reporting time.
package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// DRAM counts memory controller traffic.
type DRAM struct {
	// Reads is the number of DRAM read accesses.
	Reads uint64

	// Writes is the number of DRAM write accesses.
	Writes uint64
}

// Merge adds other's counts.
func (d *DRAM) Merge(other *DRAM) {
	d.Reads += other.Reads
	d.Writes += other.Writes
}

// Reset zeroes the counters.
func (d *DRAM) Reset() {
	*d = DRAM{}
}

// Icnt counts interconnect traffic.
type Icnt struct {
	// Packets is the number of packets accepted for injection.
	Packets uint64

	// Flits is the number of flits those packets serialized into.
	Flits uint64
}

// Merge adds other's counts.
func (i *Icnt) Merge(other *Icnt) {
	i.Packets += other.Packets
	i.Flits += other.Flits
}

// Reset zeroes the counters.
func (i *Icnt) Reset() {
	*i = Icnt{}
}

// FuncUnits tracks per function unit issue counts and busy cycles,
// keyed by unit name.
type FuncUnits struct {
	issued map[string]uint64
	busy   map[string]uint64
}

// NewFuncUnits returns an empty function unit counter set.
func NewFuncUnits() *FuncUnits {
	return &FuncUnits{
		issued: map[string]uint64{},
		busy:   map[string]uint64{},
	}
}

// IncIssued counts one instruction issued to the named unit.
func (f *FuncUnits) IncIssued(unit string) {
	f.issued[unit]++
}

// IncBusy counts one cycle with work in the named unit's pipeline.
func (f *FuncUnits) IncBusy(unit string) {
	f.busy[unit]++
}

// Issued returns the issue count of a unit.
func (f *FuncUnits) Issued(unit string) uint64 {
	return f.issued[unit]
}

// Busy returns the busy cycle count of a unit.
func (f *FuncUnits) Busy(unit string) uint64 {
	return f.busy[unit]
}

// Units returns the tracked unit names, sorted.
func (f *FuncUnits) Units() []string {
	names := make([]string, 0, len(f.issued)+len(f.busy))
	seen := map[string]bool{}
	for name := range f.issued {
		seen[name] = true
	}
	for name := range f.busy {
		seen[name] = true
	}
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge adds other's counts.
func (f *FuncUnits) Merge(other *FuncUnits) {
	for name, n := range other.issued {
		f.issued[name] += n
	}
	for name, n := range other.busy {
		f.busy[name] += n
	}
}

// Reset zeroes the counters.
func (f *FuncUnits) Reset() {
	f.issued = map[string]uint64{}
	f.busy = map[string]uint64{}
}

// Kernel is the summary of one finished kernel launch.
type Kernel struct {
	// Name is the kernel name from the trace header.
	Name string

	// LaunchID is the driver-assigned launch ordinal.
	LaunchID int

	// Cycles is the number of cycles between launch and completion.
	Cycles uint64

	// Instructions is the number of warp instructions the kernel
	// retired, summed over lanes.
	Instructions uint64

	// Blocks is the grid size.
	Blocks int
}

// IPC returns instructions per cycle for the kernel.
func (k *Kernel) IPC() float64 {
	if k.Cycles == 0 {
		return 0
	}
	return float64(k.Instructions) / float64(k.Cycles)
}

// Sim is the top level counter bag.
type Sim struct {
	// Cycle is the current device cycle.
	Cycle uint64

	// Instructions is the total retired warp instruction count, summed
	// over active lanes.
	Instructions uint64

	// L1I, L1D and L2 aggregate the cache breakdowns at reporting
	// time.
	L1I *Cache
	L1D *Cache
	L2  *Cache

	// DRAM aggregates controller traffic.
	DRAM DRAM

	// Icnt aggregates interconnect traffic.
	Icnt Icnt

	// FuncUnits aggregates execution unit occupancy.
	FuncUnits *FuncUnits

	// Kernels lists finished kernels in completion order.
	Kernels []Kernel
}

// NewSim returns an empty stat bag.
func NewSim() *Sim {
	return &Sim{
		L1I:       NewCache(),
		L1D:       NewCache(),
		L2:        NewCache(),
		FuncUnits: NewFuncUnits(),
	}
}

// IPC returns the whole-run instructions per cycle.
func (s *Sim) IPC() float64 {
	if s.Cycle == 0 {
		return 0
	}
	return float64(s.Instructions) / float64(s.Cycle)
}

// AddKernel appends a finished kernel summary.
func (s *Sim) AddKernel(k Kernel) {
	s.Kernels = append(s.Kernels, k)
}

// PrintKernel writes the classic per-kernel stat block for the most
// recently finished kernel.
func (s *Sim) PrintKernel(w io.Writer, k Kernel) {
	fmt.Fprintf(w, "kernel_name = %s\n", k.Name)
	fmt.Fprintf(w, "kernel_launch_uid = %d\n", k.LaunchID)
	fmt.Fprintf(w, "gpu_sim_cycle = %d\n", k.Cycles)
	fmt.Fprintf(w, "gpu_sim_insn = %d\n", k.Instructions)
	fmt.Fprintf(w, "gpu_ipc = %.4f\n", k.IPC())
	fmt.Fprintf(w, "gpu_tot_sim_cycle = %d\n", s.Cycle)
	fmt.Fprintf(w, "gpu_tot_sim_insn = %d\n", s.Instructions)
	fmt.Fprintf(w, "gpu_tot_ipc = %.4f\n", s.IPC())
}

// PrintSummary writes the end-of-run totals.
func (s *Sim) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "gpu_tot_sim_cycle = %d\n", s.Cycle)
	fmt.Fprintf(w, "gpu_tot_sim_insn = %d\n", s.Instructions)
	fmt.Fprintf(w, "gpu_tot_ipc = %.4f\n", s.IPC())
	fmt.Fprintf(w, "gpu_kernels = %d\n", len(s.Kernels))

	for _, cache := range []struct {
		name string
		c    *Cache
	}{
		{"L1I", s.L1I},
		{"L1D", s.L1D},
		{"L2", s.L2},
	} {
		if cache.c.Total() == 0 {
			continue
		}
		fmt.Fprintf(w, "%s_total_cache_accesses = %d\n", cache.name, cache.c.Total())
		if breakdown := cache.c.String(); breakdown != "" {
			fmt.Fprintf(w, "%s\n", prefixLines(cache.name+"_", breakdown))
		}
	}

	fmt.Fprintf(w, "dram_reads = %d\n", s.DRAM.Reads)
	fmt.Fprintf(w, "dram_writes = %d\n", s.DRAM.Writes)
	fmt.Fprintf(w, "icnt_packets = %d\n", s.Icnt.Packets)
	fmt.Fprintf(w, "icnt_flits = %d\n", s.Icnt.Flits)

	for _, unit := range s.FuncUnits.Units() {
		fmt.Fprintf(w, "fu[%s] issued = %d busy = %d\n",
			unit, s.FuncUnits.Issued(unit), s.FuncUnits.Busy(unit))
	}
}

func prefixLines(prefix, block string) string {
	lines := strings.Split(block, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
