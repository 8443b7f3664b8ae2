// Package config holds the simulated GPU configuration: cluster and core
// counts, pipeline and register file geometry, cache geometry strings,
// memory partition queues, and interconnect parameters. Configs load from
// JSON files and can be overridden by command line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mfkiwl/gpucachesim/timing/latency"
)

// GPU is the full configuration of the simulated device.
type GPU struct {
	// NumClusters is the number of SIMT clusters. Default: 20.
	NumClusters int `json:"num_clusters"`

	// NumCoresPerCluster is the number of SIMT cores in each cluster.
	// Default: 1.
	NumCoresPerCluster int `json:"num_cores_per_cluster"`

	// NumSchedsPerCore is the number of warp schedulers per core.
	// Default: 2.
	NumSchedsPerCore int `json:"num_sched_per_core"`

	// ConcurrentKernelSM allows multiple kernels to run on the device
	// at once. Default: false.
	ConcurrentKernelSM bool `json:"concurrent_kernel_sm"`

	// MaxConcurrentKernels bounds the kernel launch window when
	// ConcurrentKernelSM is set. Default: 8.
	MaxConcurrentKernels int `json:"max_concurrent_kernels"`

	// DeadlockDetect aborts the run when no instruction retires for
	// this many cycles. 0 disables the watchdog. Default: 0.
	DeadlockDetect uint64 `json:"deadlock_detect"`

	// MaxCycles stops the simulation after this many cycles. 0 means
	// uncapped. Default: 0.
	MaxCycles uint64 `json:"max_cycles"`

	// WarpSize is the number of threads per warp. Default: 32.
	WarpSize int `json:"warp_size"`

	// MaxThreadsPerCore bounds resident threads per core. Default: 2048.
	MaxThreadsPerCore int `json:"max_threads_per_core"`

	// MaxBlocksPerCore bounds resident thread blocks per core.
	// Default: 32.
	MaxBlocksPerCore int `json:"max_blocks_per_core"`

	// NumCTABarriers is the number of hardware barrier sets per core.
	// Default: 16.
	NumCTABarriers int `json:"num_cta_barriers"`

	// Registers is the register file size per core in 32-bit registers.
	// Default: 65536.
	Registers int `json:"registers"`

	// RegistersPerBlock is the register allocation granularity used by
	// the occupancy check. Default: 8192.
	RegistersPerBlock int `json:"registers_per_block"`

	// SharedMemorySize is the shared memory per core in bytes.
	// Default: 98304.
	SharedMemorySize int `json:"shared_memory_size"`

	// SharedMemoryPerBlock is the shared memory charged per block by
	// the occupancy check. Default: 49152.
	SharedMemoryPerBlock int `json:"shared_memory_per_block"`

	// Scheduler selects the warp scheduling policy: "gto", "lrr" or
	// "two_level". Default: "gto".
	Scheduler string `json:"scheduler"`

	// TwoLevelActiveWarps is the size of the active warp pool for the
	// two_level scheduler. Default: 6.
	TwoLevelActiveWarps int `json:"two_level_active_warps"`

	// InstFetchThroughput is the number of instruction cache lines
	// fetched per cycle. Default: 1.
	InstFetchThroughput int `json:"inst_fetch_throughput"`

	// PerfectInstCache services instruction fetches with a fixed one
	// cycle hit instead of sending INST_ACC_R traffic through the L1I
	// and the memory path. Default: true.
	PerfectInstCache bool `json:"perfect_inst_const_cache"`

	// NumRegBanks is the number of register file banks per core.
	// Default: 32.
	NumRegBanks int `json:"num_reg_banks"`

	// RegBankWarpShift right-shifts the warp id before it offsets the
	// bank index, spreading the same architectural register of
	// different warps across banks. Default: 5.
	RegBankWarpShift int `json:"reg_bank_warp_shift"`

	// SubCoreModel partitions collector units and register banks among
	// schedulers. Default: false.
	SubCoreModel bool `json:"sub_core_model"`

	// CollectorUnitsSP is the number of SP collector units.
	// Default: 20.
	CollectorUnitsSP int `json:"collector_units_sp"`

	// CollectorUnitsInt is the number of dedicated integer collector
	// units. Zero routes integer instructions through the SP
	// collectors. Default: 0.
	CollectorUnitsInt int `json:"collector_units_int"`

	// CollectorUnitsSFU is the number of SFU collector units.
	// Default: 4.
	CollectorUnitsSFU int `json:"collector_units_sfu"`

	// CollectorUnitsMem is the number of MEM collector units.
	// Default: 8.
	CollectorUnitsMem int `json:"collector_units_mem"`

	// CollectorInPortsSP is the number of SP input ports into the
	// operand collector. Default: 4.
	CollectorInPortsSP int `json:"collector_in_ports_sp"`

	// CollectorInPortsInt is the number of input ports into the
	// dedicated integer collectors. Default: 0.
	CollectorInPortsInt int `json:"collector_in_ports_int"`

	// CollectorInPortsSFU is the number of SFU input ports. Default: 1.
	CollectorInPortsSFU int `json:"collector_in_ports_sfu"`

	// CollectorInPortsMem is the number of MEM input ports. Default: 1.
	CollectorInPortsMem int `json:"collector_in_ports_mem"`

	// WidthIDOCSP is the slot count of the ID_OC_SP pipeline register.
	// Default: 4.
	WidthIDOCSP int `json:"width_id_oc_sp"`

	// WidthIDOCInt is the slot count of the ID_OC_INT pipeline
	// register; 0 routes integer instructions through the SP path.
	// Default: 0.
	WidthIDOCInt int `json:"width_id_oc_int"`

	// WidthIDOCSFU is the slot count of the ID_OC_SFU pipeline
	// register. Default: 1.
	WidthIDOCSFU int `json:"width_id_oc_sfu"`

	// WidthIDOCMem is the slot count of the ID_OC_MEM pipeline
	// register. Default: 1.
	WidthIDOCMem int `json:"width_id_oc_mem"`

	// WidthOCEXSP is the slot count of the OC_EX_SP pipeline register.
	// Default: 4.
	WidthOCEXSP int `json:"width_oc_ex_sp"`

	// WidthOCEXInt is the slot count of the OC_EX_INT pipeline
	// register. Default: 0.
	WidthOCEXInt int `json:"width_oc_ex_int"`

	// WidthOCEXSFU is the slot count of the OC_EX_SFU pipeline
	// register. Default: 1.
	WidthOCEXSFU int `json:"width_oc_ex_sfu"`

	// WidthOCEXMem is the slot count of the OC_EX_MEM pipeline
	// register. Default: 1.
	WidthOCEXMem int `json:"width_oc_ex_mem"`

	// WidthEXWB is the slot count of the EX_WB pipeline register.
	// Default: 6.
	WidthEXWB int `json:"width_ex_wb"`

	// NumSPUnits is the number of SP function units per core.
	// Default: 4.
	NumSPUnits int `json:"num_sp_units"`

	// NumIntUnits is the number of dedicated integer units per core;
	// 0 lets the SP units execute integer instructions. Default: 0.
	NumIntUnits int `json:"num_int_units"`

	// NumSFUUnits is the number of special function units per core.
	// Default: 1.
	NumSFUUnits int `json:"num_sfu_units"`

	// L1Latency is the hit latency of the L1 data cache. Default: 1.
	L1Latency int `json:"l1_latency"`

	// SharedMemoryLatency is the shared memory access latency.
	// Default: 3.
	SharedMemoryLatency int `json:"shared_memory_latency"`

	// GlobalMemSkipL1D bypasses the L1 data cache for global accesses.
	// Default: false.
	GlobalMemSkipL1D bool `json:"global_mem_skip_l1d"`

	// FlushL1 invalidates the L1 data caches between kernels.
	// Default: false.
	FlushL1 bool `json:"flush_l1"`

	// FlushL2 writes back and invalidates the L2 between kernels.
	// Default: false.
	FlushL2 bool `json:"flush_l2"`

	// L1I is the instruction cache geometry.
	// Default: "N:8:128:4,L:R:f:N:L,A:2:48,4".
	L1I *Cache `json:"l1i_cache"`

	// L1D is the data cache geometry.
	// Default: "S:64:128:6,L:L:m:N:H,A:128:8,4".
	L1D *Cache `json:"l1d_cache"`

	// L2 is the geometry of each L2 slice (one per sub partition).
	// Default: "S:64:128:16,L:B:m:W:L,A:1024:1024,4:0,32".
	L2 *Cache `json:"l2_cache"`

	// FillL2OnMemcopy fills L2 lines during host-to-device copies.
	// Default: true.
	FillL2OnMemcopy bool `json:"fill_l2_on_memcopy"`

	// NumMemoryControllers is the number of memory channels.
	// Default: 8.
	NumMemoryControllers int `json:"num_memory_controllers"`

	// NumSubPartitionsPerChannel is the number of L2/queue slices per
	// channel. Default: 2.
	NumSubPartitionsPerChannel int `json:"num_sub_partitions_per_channel"`

	// DRAMLatency is the fixed DRAM access latency. Default: 100.
	DRAMLatency int `json:"dram_latency"`

	// DRAMReturnQueueSize bounds the DRAM-side return queue.
	// Default: 116.
	DRAMReturnQueueSize int `json:"dram_return_queue_size"`

	// L2ROPLatency delays raster-pipe traffic (all non-instruction
	// requests) entering the L2 front end. Default: 120.
	L2ROPLatency int `json:"l2_rop_latency"`

	// QueueICNTToL2 bounds the interconnect-to-L2 queue per sub
	// partition. Default: 8.
	QueueICNTToL2 int `json:"queue_icnt_to_l2"`

	// QueueL2ToDRAM bounds the L2-to-DRAM queue. Default: 8.
	QueueL2ToDRAM int `json:"queue_l2_to_dram"`

	// QueueDRAMToL2 bounds the DRAM-to-L2 queue. Default: 8.
	QueueDRAMToL2 int `json:"queue_dram_to_l2"`

	// QueueL2ToICNT bounds the L2-to-interconnect queue. Default: 8.
	QueueL2ToICNT int `json:"queue_l2_to_icnt"`

	// EjectionBufferSize bounds the cluster response fifo. Default: 8.
	EjectionBufferSize int `json:"ejection_buffer_size"`

	// LDSTResponseBufferSize bounds the load/store unit response
	// buffer in each core. Default: 2.
	LDSTResponseBufferSize int `json:"ldst_response_buffer_size"`

	// NetworkFile is the path to an anynet topology description. Empty
	// selects the ideal crossbar. Default: "".
	NetworkFile string `json:"network_file"`

	// IcntFlitSize is the interconnect flit size in bytes. Default: 32.
	IcntFlitSize int `json:"icnt_flit_size"`

	// IcntLatency is the fixed latency of the ideal crossbar.
	// Default: 1.
	IcntLatency int `json:"icnt_latency"`

	// Latency holds per opcode class execution latencies.
	Latency *latency.Config `json:"latency"`
}

// DefaultConfig returns a GPU configured like the GTX 1080 profile the
// simulator is validated against.
func DefaultConfig() *GPU {
	return &GPU{
		NumClusters:          20,
		NumCoresPerCluster:   1,
		NumSchedsPerCore:     2,
		ConcurrentKernelSM:   false,
		MaxConcurrentKernels: 8,
		DeadlockDetect:       0,
		MaxCycles:            0,

		WarpSize:             32,
		MaxThreadsPerCore:    2048,
		MaxBlocksPerCore:     32,
		NumCTABarriers:       16,
		Registers:            65536,
		RegistersPerBlock:    8192,
		SharedMemorySize:     98304,
		SharedMemoryPerBlock: 49152,

		Scheduler:           "gto",
		TwoLevelActiveWarps: 6,
		InstFetchThroughput: 1,
		PerfectInstCache:    true,

		NumRegBanks:      32,
		RegBankWarpShift: 5,
		SubCoreModel:     false,

		CollectorUnitsSP:    20,
		CollectorUnitsInt:   0,
		CollectorUnitsSFU:   4,
		CollectorUnitsMem:   8,
		CollectorInPortsSP:  4,
		CollectorInPortsInt: 0,
		CollectorInPortsSFU: 1,
		CollectorInPortsMem: 1,

		WidthIDOCSP:  4,
		WidthIDOCInt: 0,
		WidthIDOCSFU: 1,
		WidthIDOCMem: 1,
		WidthOCEXSP:  4,
		WidthOCEXInt: 0,
		WidthOCEXSFU: 1,
		WidthOCEXMem: 1,
		WidthEXWB:    6,

		NumSPUnits:  4,
		NumIntUnits: 0,
		NumSFUUnits: 1,

		L1Latency:           1,
		SharedMemoryLatency: 3,
		GlobalMemSkipL1D:    false,
		FlushL1:             false,
		FlushL2:             false,

		L1I: &Cache{
			Kind:                CacheNormal,
			NumSets:             8,
			LineSize:            128,
			Associativity:       4,
			ReplacementPolicy:   ReplaceLRU,
			WritePolicy:         WriteReadOnly,
			AllocatePolicy:      AllocOnFill,
			WriteAllocatePolicy: NoWriteAllocate,
			SetIndexFunction:    SetIndexLinear,
			MSHREntries:         2,
			MSHRMaxMerge:        48,
			MissQueueSize:       4,
		},
		L1D: &Cache{
			Kind:                CacheSector,
			NumSets:             64,
			LineSize:            128,
			Associativity:       6,
			ReplacementPolicy:   ReplaceLRU,
			WritePolicy:         WriteLocalWBGlobalWT,
			AllocatePolicy:      AllocOnMiss,
			WriteAllocatePolicy: NoWriteAllocate,
			SetIndexFunction:    SetIndexFermiHash,
			MSHREntries:         128,
			MSHRMaxMerge:        8,
			MissQueueSize:       4,
		},
		L2: &Cache{
			Kind:                CacheSector,
			NumSets:             64,
			LineSize:            128,
			Associativity:       16,
			ReplacementPolicy:   ReplaceLRU,
			WritePolicy:         WriteBack,
			AllocatePolicy:      AllocOnMiss,
			WriteAllocatePolicy: WriteAllocate,
			SetIndexFunction:    SetIndexLinear,
			MSHREntries:         1024,
			MSHRMaxMerge:        1024,
			MissQueueSize:       4,
			DataPortWidth:       32,
		},

		FillL2OnMemcopy:            true,
		NumMemoryControllers:       8,
		NumSubPartitionsPerChannel: 2,
		DRAMLatency:                100,
		DRAMReturnQueueSize:        116,
		L2ROPLatency:               120,
		QueueICNTToL2:              8,
		QueueL2ToDRAM:              8,
		QueueDRAMToL2:              8,
		QueueL2ToICNT:              8,

		EjectionBufferSize:     8,
		LDSTResponseBufferSize: 2,
		NetworkFile:            "",
		IcntFlitSize:           32,
		IcntLatency:            1,

		Latency: latency.DefaultConfig(),
	}
}

// LoadConfig loads a GPU config from a JSON file. Missing keys keep
// their defaults.
func LoadConfig(path string) (*GPU, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the config to a JSON file.
func (c *GPU) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internal consistency.
func (c *GPU) Validate() error {
	if c.NumClusters <= 0 {
		return fmt.Errorf("num_clusters must be > 0")
	}
	if c.NumCoresPerCluster <= 0 {
		return fmt.Errorf("num_cores_per_cluster must be > 0")
	}
	if c.NumSchedsPerCore <= 0 {
		return fmt.Errorf("num_sched_per_core must be > 0")
	}
	if c.WarpSize != 32 {
		return fmt.Errorf("warp_size must be 32, got %d", c.WarpSize)
	}
	if c.MaxThreadsPerCore <= 0 || c.MaxThreadsPerCore%c.WarpSize != 0 {
		return fmt.Errorf("max_threads_per_core must be a positive multiple of the warp size")
	}
	if c.MaxWarpsPerCore()%c.NumSchedsPerCore != 0 {
		return fmt.Errorf("warps per core (%d) must divide evenly among %d schedulers",
			c.MaxWarpsPerCore(), c.NumSchedsPerCore)
	}

	switch c.Scheduler {
	case "gto", "lrr", "two_level":
	default:
		return fmt.Errorf("unknown scheduler %q", c.Scheduler)
	}
	if c.Scheduler == "two_level" && c.TwoLevelActiveWarps <= 0 {
		return fmt.Errorf("two_level_active_warps must be > 0")
	}

	if c.NumRegBanks <= 0 {
		return fmt.Errorf("num_reg_banks must be > 0")
	}
	if c.SubCoreModel && c.NumRegBanks%c.NumSchedsPerCore != 0 {
		return fmt.Errorf("sub core model requires num_reg_banks (%d) divisible by schedulers (%d)",
			c.NumRegBanks, c.NumSchedsPerCore)
	}
	if c.SubCoreModel && c.CollectorUnitsSP%c.NumSchedsPerCore != 0 {
		return fmt.Errorf("sub core model requires collector_units_sp (%d) divisible by schedulers (%d)",
			c.CollectorUnitsSP, c.NumSchedsPerCore)
	}
	if c.SubCoreModel &&
		(c.WidthIDOCSP < c.NumSchedsPerCore || c.WidthIDOCSFU < c.NumSchedsPerCore ||
			c.WidthIDOCMem < c.NumSchedsPerCore) {
		return fmt.Errorf("sub core model requires one ID_OC slot per scheduler")
	}

	if c.NumSPUnits <= 0 {
		return fmt.Errorf("num_sp_units must be > 0")
	}
	if c.NumIntUnits > 0 && (c.WidthIDOCInt <= 0 || c.WidthOCEXInt <= 0) {
		return fmt.Errorf("num_int_units > 0 requires nonzero ID_OC_INT and OC_EX_INT widths")
	}
	if c.NumIntUnits > 0 && (c.CollectorUnitsInt <= 0 || c.CollectorInPortsInt <= 0) {
		return fmt.Errorf("num_int_units > 0 requires dedicated int collector units and ports")
	}
	if c.WidthIDOCSP <= 0 || c.WidthIDOCSFU <= 0 || c.WidthIDOCMem <= 0 ||
		c.WidthOCEXSP <= 0 || c.WidthOCEXSFU <= 0 || c.WidthOCEXMem <= 0 ||
		c.WidthEXWB <= 0 {
		return fmt.Errorf("pipeline register widths must be > 0")
	}

	for _, cache := range []struct {
		name string
		c    *Cache
	}{
		{"l1i_cache", c.L1I},
		{"l1d_cache", c.L1D},
		{"l2_cache", c.L2},
	} {
		if cache.c == nil {
			return fmt.Errorf("%s must be configured", cache.name)
		}
		if err := cache.c.Validate(); err != nil {
			return fmt.Errorf("%s: %w", cache.name, err)
		}
	}

	if c.NumMemoryControllers <= 0 || c.NumSubPartitionsPerChannel <= 0 {
		return fmt.Errorf("memory controller and sub partition counts must be > 0")
	}
	if c.DRAMLatency <= 0 {
		return fmt.Errorf("dram_latency must be > 0")
	}
	if c.QueueICNTToL2 <= 0 || c.QueueL2ToDRAM <= 0 ||
		c.QueueDRAMToL2 <= 0 || c.QueueL2ToICNT <= 0 {
		return fmt.Errorf("partition queue sizes must be > 0")
	}
	if c.EjectionBufferSize <= 0 {
		return fmt.Errorf("ejection_buffer_size must be > 0")
	}
	if c.IcntFlitSize <= 0 {
		return fmt.Errorf("icnt_flit_size must be > 0")
	}

	if c.Latency == nil {
		return fmt.Errorf("latency table must be configured")
	}
	if err := c.Latency.Validate(); err != nil {
		return fmt.Errorf("latency: %w", err)
	}

	return nil
}

// Clone returns a deep copy of the config.
func (c *GPU) Clone() *GPU {
	clone := *c
	if c.L1I != nil {
		clone.L1I = c.L1I.Clone()
	}
	if c.L1D != nil {
		clone.L1D = c.L1D.Clone()
	}
	if c.L2 != nil {
		clone.L2 = c.L2.Clone()
	}
	if c.Latency != nil {
		clone.Latency = c.Latency.Clone()
	}
	return &clone
}

// NumCores returns the total core count.
func (c *GPU) NumCores() int {
	return c.NumClusters * c.NumCoresPerCluster
}

// MaxWarpsPerCore returns the resident warp slots per core.
func (c *GPU) MaxWarpsPerCore() int {
	return c.MaxThreadsPerCore / c.WarpSize
}

// NumSubPartitions returns the total memory sub partition count.
func (c *GPU) NumSubPartitions() int {
	return c.NumMemoryControllers * c.NumSubPartitionsPerChannel
}

// NumIcntNodes returns the interconnect node count: clusters first,
// then memory sub partitions.
func (c *GPU) NumIcntNodes() int {
	return c.NumClusters + c.NumSubPartitions()
}

// MemNode returns the interconnect node id of a memory sub partition.
func (c *GPU) MemNode(subPartition int) int {
	return c.NumClusters + subPartition
}
