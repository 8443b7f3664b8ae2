package trace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// WriteCommands writes a command list and the traces of its kernels
// into dir, returning the command file path. Kernel launches are named
// kernel-<id> after their config ids.
func WriteCommands(dir string, commands []Command) (string, error) {
	path := filepath.Join(dir, "commands.txt")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("trace: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, cmd := range commands {
		switch cmd.Kind {
		case CommandMemcpyHtoD:
			fmt.Fprintf(w, "MemcpyHtoD,0x%08x,%d\n", cmd.Addr, cmd.Bytes)
		case CommandKernelLaunch:
			name := fmt.Sprintf("kernel-%d", cmd.Kernel.Config.ID)
			fmt.Fprintf(w, "%s\n", name)
			if err := WriteKernel(filepath.Join(dir, name+".traceg"), cmd.Kernel); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("trace: cannot write command kind %v", cmd.Kind)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("trace: %w", err)
	}

	return path, nil
}

// WriteKernel writes a kernel trace in .traceg form. Memory addresses
// are written uncompressed (mode 0).
func WriteKernel(path string, k *Kernel) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	c := k.Config
	fmt.Fprintf(w, "-kernel name = %s\n", c.Name)
	fmt.Fprintf(w, "-kernel id = %d\n", c.ID)
	fmt.Fprintf(w, "-grid dim = %s\n", c.GridDim)
	fmt.Fprintf(w, "-block dim = %s\n", c.BlockDim)
	fmt.Fprintf(w, "-shmem = %d\n", c.SharedMemBytes)
	fmt.Fprintf(w, "-nregs = %d\n", c.NumRegisters)
	fmt.Fprintf(w, "-cuda stream id = %d\n", c.StreamID)

	for i := 0; i < k.NumBlocks(); i++ {
		b := k.Block(i)
		fmt.Fprintf(w, "\n#BEGIN_TB\n\n")
		fmt.Fprintf(w, "thread block = %d,%d,%d\n", b.Block.X, b.Block.Y, b.Block.Z)
		for warpID, insts := range b.Warps {
			fmt.Fprintf(w, "\nwarp = %d\n", warpID)
			fmt.Fprintf(w, "insts = %d\n", len(insts))
			for i := range insts {
				writeInst(w, &insts[i])
			}
		}
		fmt.Fprintf(w, "\n#END_TB\n")
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

func writeInst(w *bufio.Writer, inst *Inst) {
	fmt.Fprintf(w, "%04x %08x %d", inst.PC, inst.Mask, len(inst.DestRegs))
	for _, r := range inst.DestRegs {
		fmt.Fprintf(w, " R%d", r)
	}
	fmt.Fprintf(w, " %s %d", inst.Opcode, len(inst.SrcRegs))
	for _, r := range inst.SrcRegs {
		fmt.Fprintf(w, " R%d", r)
	}
	fmt.Fprintf(w, " %d", inst.MemWidth)
	if inst.MemWidth > 0 {
		fmt.Fprintf(w, " 0")
		for lane := 0; lane < WarpSize; lane++ {
			if inst.Active(lane) {
				fmt.Fprintf(w, " 0x%x", inst.Addrs[lane])
			}
		}
	}
	fmt.Fprintln(w)
}
