// Package driver runs a traced application against the device: it
// consumes the command list, keeps the rolling kernel launch window
// with per-stream ordering, steps the GPU cycle by cycle, and retires
// finished kernels. The exit protocol and the per-kernel stat blocks
// follow the classic simulator output so existing collection scripts
// keep working.
package driver

import (
	"fmt"
	"io"
	"os"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/gpu"
	"github.com/mfkiwl/gpucachesim/trace"
)

// Options adjust a run without touching the device configuration.
type Options struct {
	// Out receives progress prints and stat blocks. Defaults to stdout.
	Out io.Writer

	// Silent suppresses the per-kernel stat blocks.
	Silent bool

	// MaxCycles stops the run cleanly once the device cycle reaches it.
	// Zero means uncapped.
	MaxCycles uint64
}

// Driver owns one run of a command list on one device.
type Driver struct {
	cfg *config.GPU
	gpu *gpu.GPU

	out       io.Writer
	silent    bool
	maxCycles uint64

	window      []*trace.Kernel
	busyStreams map[int]bool
}

// New wires a driver to a configured device.
func New(cfg *config.GPU, g *gpu.GPU, opts Options) *Driver {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Driver{
		cfg:         cfg,
		gpu:         g,
		out:         out,
		silent:      opts.Silent,
		maxCycles:   opts.MaxCycles,
		busyStreams: map[int]bool{},
	}
}

func (d *Driver) windowSize() int {
	if d.cfg.ConcurrentKernelSM {
		return d.cfg.MaxConcurrentKernels
	}
	return 1
}

// RunToCompletion executes the command list to the end, or to the cycle
// cap. Reaching the cap is not an error; a deadlocked device is.
func (d *Driver) RunToCompletion(commands []trace.Command) error {
	idx := 0
	lastInsn := d.gpu.TotalInstructions()
	lastInsnCycle := d.gpu.CycleCount()

	for {
		if err := d.processCommands(commands, &idx); err != nil {
			return err
		}
		d.launchKernels()

		capHit := false
		for d.gpu.Active() {
			d.gpu.Cycle()

			if insn := d.gpu.TotalInstructions(); insn != lastInsn {
				lastInsn = insn
				lastInsnCycle = d.gpu.CycleCount()
			} else if d.cfg.DeadlockDetect > 0 &&
				d.gpu.CycleCount()-lastInsnCycle >= d.cfg.DeadlockDetect {
				return d.reportDeadlock(lastInsnCycle)
			}

			if uid := d.gpu.FinishedKernelUID(); uid != 0 {
				d.retireKernel(uid)
				break
			}
			if d.maxCycles > 0 && d.gpu.CycleCount() >= d.maxCycles {
				capHit = true
				break
			}
		}

		// Kernels that finish with the device otherwise idle, like a
		// zero-block launch, retire here.
		for {
			uid := d.gpu.FinishedKernelUID()
			if uid == 0 {
				break
			}
			d.retireKernel(uid)
		}

		if capHit {
			fmt.Fprintln(d.out, "GPGPU-Sim: ** break due to reaching the maximum cycles (or instructions) **")
			break
		}
		if idx >= len(commands) && len(d.window) == 0 {
			break
		}
	}

	fmt.Fprintln(d.out, "GPGPU-Sim: *** simulation thread exiting ***")
	fmt.Fprintln(d.out, "GPGPU-Sim: *** exit detected ***")
	return nil
}

// processCommands fills the launch window from the command list.
// Copies execute immediately; they consume no simulated cycles.
func (d *Driver) processCommands(commands []trace.Command, idx *int) error {
	for *idx < len(commands) && len(d.window) < d.windowSize() {
		cmd := commands[*idx]
		switch cmd.Kind {
		case trace.CommandMemcpyHtoD:
			if err := d.gpu.PerfMemcpyToGPU(cmd.Addr, cmd.Bytes); err != nil {
				return fmt.Errorf("failed to process command %d: %w", *idx, err)
			}
		case trace.CommandKernelLaunch:
			d.window = append(d.window, cmd.Kernel)
		default:
			return fmt.Errorf("failed to process command %d: unknown kind %v", *idx, cmd.Kind)
		}
		*idx++
	}
	return nil
}

// launchKernels starts every windowed kernel whose stream is free,
// subject to the device's launch slots. Kernels on one stream launch in
// window order.
func (d *Driver) launchKernels() {
	for _, k := range d.window {
		if k.Launched() || d.busyStreams[k.Config.StreamID] {
			continue
		}
		if !d.gpu.CanStartKernel() {
			break
		}
		d.gpu.LaunchKernel(k)
		d.busyStreams[k.Config.StreamID] = true
	}
}

// retireKernel frees the finished kernel's stream, drops it from the
// window, and prints its stat block.
func (d *Driver) retireKernel(uid int) {
	for i, k := range d.window {
		if k.LaunchID() != uid {
			continue
		}
		delete(d.busyStreams, k.Config.StreamID)
		d.window = append(d.window[:i], d.window[i+1:]...)
		break
	}
	if d.silent {
		return
	}
	s := d.gpu.Stats()
	if len(s.Kernels) > 0 {
		s.PrintKernel(d.out, s.Kernels[len(s.Kernels)-1])
	}
}

// reportDeadlock dumps the stuck device state and returns the error
// that makes the run exit non-zero.
func (d *Driver) reportDeadlock(lastInsnCycle uint64) error {
	fmt.Fprintf(d.out, "GPGPU-Sim: ** deadlock detected: last instruction retired at cycle %d, now at cycle %d **\n",
		lastInsnCycle, d.gpu.CycleCount())
	fmt.Fprint(d.out, d.gpu.QueueOccupancy())
	return fmt.Errorf("deadlock detected: gpu_sim_insn stagnant since cycle %d", lastInsnCycle)
}
