// Package benchmarks provides the acceptance scenario harness: small
// synthetic workloads run end to end through the driver, with the
// resulting counters checked against the model's expected behavior.
package benchmarks

import (
	"bytes"
	"fmt"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/driver"
	"github.com/mfkiwl/gpucachesim/stats"
	"github.com/mfkiwl/gpucachesim/timing/gpu"
	"github.com/mfkiwl/gpucachesim/trace"
)

// Scenario is one acceptance workload.
type Scenario struct {
	// Name identifies the scenario in failure output.
	Name string

	// Configure mutates the default configuration before the device is
	// built. The harness starts from a one-cluster, one-core device.
	Configure func(*config.GPU)

	// Commands is the workload's command list.
	Commands []trace.Command

	// MaxCycles bounds the run. Zero applies the harness default.
	MaxCycles uint64
}

// Result carries the run's counters and captured output.
type Result struct {
	Stats  *stats.Sim
	Output string
}

// baseConfig is the harness device: a single core in front of a single
// memory sub partition, with short queue latencies so scenarios finish
// in a few thousand cycles.
func baseConfig() *config.GPU {
	cfg := config.DefaultConfig()
	cfg.NumClusters = 1
	cfg.NumCoresPerCluster = 1
	cfg.MaxThreadsPerCore = 64
	cfg.NumMemoryControllers = 1
	cfg.NumSubPartitionsPerChannel = 1
	cfg.L2ROPLatency = 4
	cfg.DRAMLatency = 8
	return cfg
}

// RunScenario builds a device for the scenario and drives its command
// list to completion.
func RunScenario(s Scenario) (*Result, error) {
	cfg := baseConfig()
	if s.Configure != nil {
		s.Configure(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	g, err := gpu.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	maxCycles := s.MaxCycles
	if maxCycles == 0 {
		maxCycles = 200_000
	}
	out := &bytes.Buffer{}
	d := driver.New(cfg, g, driver.Options{Out: out, Silent: true, MaxCycles: maxCycles})
	if err := d.RunToCompletion(s.Commands); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	return &Result{Stats: g.Stats(), Output: out.String()}, nil
}

// Memcpy builds a host-to-device copy command.
func Memcpy(addr, bytes uint64) trace.Command {
	return trace.Command{Kind: trace.CommandMemcpyHtoD, Addr: addr, Bytes: bytes}
}

// Launch builds a kernel launch command.
func Launch(k *trace.Kernel) trace.Command {
	return trace.Command{Kind: trace.CommandKernelLaunch, Kernel: k}
}
