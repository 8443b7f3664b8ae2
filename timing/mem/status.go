package mem

// Status locates a fetch in the memory system. A status names the queue or
// unit that currently holds the fetch; the enumeration order is the wire
// order used in dumps.
type Status int

const (
	StatusInitialized Status = iota
	StatusInL1IMissQueue
	StatusInL1DMissQueue
	StatusInL1TMissQueue
	StatusInL1CMissQueue
	StatusInL1TLBMissQueue
	StatusInVMManagerQueue
	StatusInICNTToMem
	StatusInPartitionROPDelay
	StatusInPartitionICNTToL2Queue
	StatusInPartitionL2ToDRAMQueue
	StatusInPartitionDRAMLatencyQueue
	StatusInPartitionL2MissQueue
	StatusInPartitionMCInterfaceQueue
	StatusInPartitionMCInputQueue
	StatusInPartitionMCBankArbQueue
	StatusInPartitionDRAM
	StatusInPartitionMCReturnQueue
	StatusInPartitionDRAMToL2Queue
	StatusInPartitionL2FillQueue
	StatusInPartitionL2ToICNTQueue
	StatusInICNTToShader
	StatusInClusterToShaderQueue
	StatusInShaderLDSTResponseFIFO
	StatusInShaderFetched
	StatusInShaderL1TROB
	StatusDeleted
	NumStatuses
)

var statusNames = [NumStatuses]string{
	"MEM_FETCH_INITIALIZED",
	"IN_L1I_MISS_QUEUE",
	"IN_L1D_MISS_QUEUE",
	"IN_L1T_MISS_QUEUE",
	"IN_L1C_MISS_QUEUE",
	"IN_L1TLB_MISS_QUEUE",
	"IN_VM_MANAGER_QUEUE",
	"IN_ICNT_TO_MEM",
	"IN_PARTITION_ROP_DELAY",
	"IN_PARTITION_ICNT_TO_L2_QUEUE",
	"IN_PARTITION_L2_TO_DRAM_QUEUE",
	"IN_PARTITION_DRAM_LATENCY_QUEUE",
	"IN_PARTITION_L2_MISS_QUEUE",
	"IN_PARTITION_MC_INTERFACE_QUEUE",
	"IN_PARTITION_MC_INPUT_QUEUE",
	"IN_PARTITION_MC_BANK_ARB_QUEUE",
	"IN_PARTITION_DRAM",
	"IN_PARTITION_MC_RETURNQ",
	"IN_PARTITION_DRAM_TO_L2_QUEUE",
	"IN_PARTITION_L2_FILL_QUEUE",
	"IN_PARTITION_L2_TO_ICNT_QUEUE",
	"IN_ICNT_TO_SHADER",
	"IN_CLUSTER_TO_SHADER_QUEUE",
	"IN_SHADER_LDST_RESPONSE_FIFO",
	"IN_SHADER_FETCHED",
	"IN_SHADER_L1T_ROB",
	"MEM_FETCH_DELETED",
}

func (s Status) String() string {
	if s < 0 || s >= NumStatuses {
		return "UNKNOWN_STATUS"
	}
	return statusNames[s]
}
