package trace

import "fmt"

// FullMask is the active mask with all 32 lanes set.
const FullMask uint32 = 0xffffffff

// KernelBuilder assembles synthetic kernels for tests and benchmarks
// without going through trace files.
type KernelBuilder struct {
	config KernelConfig
}

// NewKernelBuilder returns a builder for a one-block, one-warp kernel.
func NewKernelBuilder(name string) *KernelBuilder {
	return &KernelBuilder{
		config: KernelConfig{
			Name:         name,
			ID:           1,
			GridDim:      Dim{X: 1, Y: 1, Z: 1},
			BlockDim:     Dim{X: WarpSize, Y: 1, Z: 1},
			NumRegisters: 16,
		},
	}
}

// WithID sets the tracer launch ordinal.
func (b *KernelBuilder) WithID(id int) *KernelBuilder {
	b.config.ID = id
	return b
}

// WithGrid sets the grid extent in blocks.
func (b *KernelBuilder) WithGrid(x, y, z int) *KernelBuilder {
	b.config.GridDim = Dim{X: x, Y: y, Z: z}
	return b
}

// WithBlockDim sets the block extent in threads.
func (b *KernelBuilder) WithBlockDim(x, y, z int) *KernelBuilder {
	b.config.BlockDim = Dim{X: x, Y: y, Z: z}
	return b
}

// WithSharedMem sets the static shared memory per block.
func (b *KernelBuilder) WithSharedMem(bytes int) *KernelBuilder {
	b.config.SharedMemBytes = bytes
	return b
}

// WithRegisters sets the register count per thread.
func (b *KernelBuilder) WithRegisters(n int) *KernelBuilder {
	b.config.NumRegisters = n
	return b
}

// WithStream sets the stream id.
func (b *KernelBuilder) WithStream(id int) *KernelBuilder {
	b.config.StreamID = id
	return b
}

// Build produces the kernel, asking program for the instruction stream
// of every (block, warp) pair. Panics on inconsistent geometry; callers
// are tests.
func (b *KernelBuilder) Build(program func(block Dim, warp int) []Inst) *Kernel {
	grid := b.config.GridDim
	warps := (b.config.BlockDim.Size() + WarpSize - 1) / WarpSize

	blocks := make([]BlockTrace, 0, grid.Size())
	for i := 0; i < grid.Size(); i++ {
		block := blockAt(grid, i)
		bt := BlockTrace{Block: block, Warps: make([][]Inst, warps)}
		for w := 0; w < warps; w++ {
			bt.Warps[w] = program(block, w)
		}
		blocks = append(blocks, bt)
	}

	kernel, err := NewKernel(b.config, blocks)
	if err != nil {
		panic(fmt.Sprintf("trace: bad synthetic kernel: %v", err))
	}
	return kernel
}
