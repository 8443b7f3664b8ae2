package trace

import "fmt"

// WarpSize is the number of threads per warp.
const WarpSize = 32

// KernelConfig is the launch header of a traced kernel.
type KernelConfig struct {
	// Name is the mangled kernel name.
	Name string

	// ID is the launch ordinal recorded by the tracer (1-based).
	ID int

	// GridDim is the grid extent in blocks.
	GridDim Dim

	// BlockDim is the block extent in threads.
	BlockDim Dim

	// SharedMemBytes is the static shared memory per block.
	SharedMemBytes int

	// NumRegisters is the register count per thread.
	NumRegisters int

	// StreamID is the CUDA stream the kernel launched on.
	StreamID int
}

// BlockTrace holds the instruction streams of one thread block, one
// slice of instructions per warp.
type BlockTrace struct {
	// Block is the block index within the grid.
	Block Dim

	// Warps holds per-warp instruction streams, indexed by the warp id
	// within the block.
	Warps [][]Inst
}

// Kernel is one traced kernel launch plus its in-flight bookkeeping.
// The driver assigns the launch id when the kernel enters the window;
// clusters consume blocks through NextBlock and cores report their
// completion through BlockFinished.
type Kernel struct {
	Config KernelConfig

	blocks []BlockTrace

	launchID       int
	launched       bool
	launchCycle    uint64
	completedCycle uint64

	nextBlock      int
	finishedBlocks int
	runningBlocks  int

	done bool
}

// NewKernel builds a kernel from a config and its block traces. Blocks
// must arrive in x-fastest linear order; missing warps are not allowed.
func NewKernel(config KernelConfig, blocks []BlockTrace) (*Kernel, error) {
	if config.GridDim.Size() < 0 || config.BlockDim.Size() <= 0 {
		return nil, fmt.Errorf("trace: kernel %q has empty block", config.Name)
	}
	if len(blocks) != config.GridDim.Size() {
		return nil, fmt.Errorf("trace: kernel %q has %d block traces, grid needs %d",
			config.Name, len(blocks), config.GridDim.Size())
	}

	warpsPerBlock := (config.BlockDim.Size() + WarpSize - 1) / WarpSize
	for i, b := range blocks {
		if b.Block != blockAt(config.GridDim, i) {
			return nil, fmt.Errorf("trace: kernel %q block %d out of order: got %v, want %v",
				config.Name, i, b.Block, blockAt(config.GridDim, i))
		}
		if len(b.Warps) != warpsPerBlock {
			return nil, fmt.Errorf("trace: kernel %q block %v has %d warps, want %d",
				config.Name, b.Block, len(b.Warps), warpsPerBlock)
		}
	}

	return &Kernel{Config: config, blocks: blocks}, nil
}

// Name returns the kernel name.
func (k *Kernel) Name() string {
	return k.Config.Name
}

// NumBlocks returns the grid size in blocks.
func (k *Kernel) NumBlocks() int {
	return k.Config.GridDim.Size()
}

// ThreadsPerBlock returns the block size in threads.
func (k *Kernel) ThreadsPerBlock() int {
	return k.Config.BlockDim.Size()
}

// WarpsPerBlock returns the warp count per block.
func (k *Kernel) WarpsPerBlock() int {
	return (k.ThreadsPerBlock() + WarpSize - 1) / WarpSize
}

// Block returns the trace of the i-th block in linear order.
func (k *Kernel) Block(i int) *BlockTrace {
	return &k.blocks[i]
}

// Launch marks the kernel launched, recording its launch id and cycle.
// A kernel with no blocks completes at its launch cycle.
func (k *Kernel) Launch(launchID int, cycle uint64) {
	k.launchID = launchID
	k.launched = true
	k.launchCycle = cycle
	if len(k.blocks) == 0 {
		k.done = true
		k.completedCycle = cycle
	}
}

// Launched reports whether the kernel has entered the window.
func (k *Kernel) Launched() bool {
	return k.launched
}

// LaunchID returns the driver-assigned launch id.
func (k *Kernel) LaunchID() int {
	return k.launchID
}

// LaunchCycle returns the cycle the kernel entered the window.
func (k *Kernel) LaunchCycle() uint64 {
	return k.launchCycle
}

// CompletedCycle returns the cycle the last block finished.
func (k *Kernel) CompletedCycle() uint64 {
	return k.completedCycle
}

// NoMoreBlocks reports whether every block has been handed out.
func (k *Kernel) NoMoreBlocks() bool {
	return k.nextBlock >= len(k.blocks)
}

// NextBlock hands out the next block to issue and advances the cursor.
// Returns nil when all blocks are issued.
func (k *Kernel) NextBlock() *BlockTrace {
	if k.NoMoreBlocks() {
		return nil
	}
	b := &k.blocks[k.nextBlock]
	k.nextBlock++
	k.runningBlocks++
	return b
}

// BlockFinished records the retirement of one block at the given cycle.
func (k *Kernel) BlockFinished(cycle uint64) {
	if k.runningBlocks <= 0 {
		panic(fmt.Sprintf("trace: kernel %q finished more blocks than it issued", k.Config.Name))
	}
	k.runningBlocks--
	k.finishedBlocks++
	if k.finishedBlocks == len(k.blocks) {
		k.done = true
		k.completedCycle = cycle
	}
}

// RunningBlocks returns the number of issued, unfinished blocks.
func (k *Kernel) RunningBlocks() int {
	return k.runningBlocks
}

// Done reports whether every block of the kernel has finished.
func (k *Kernel) Done() bool {
	return k.done
}
