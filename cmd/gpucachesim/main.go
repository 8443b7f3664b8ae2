// Package main provides the entry point for gpucachesim, a trace-driven
// GPU performance simulator.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/driver"
	"github.com/mfkiwl/gpucachesim/timing/gpu"
	"github.com/mfkiwl/gpucachesim/trace"
)

var (
	tracePath   = flag.String("trace", "", "Path to the commands file of a traced application")
	configPath  = flag.String("config", "", "Path to a JSON configuration file")
	cycles      = flag.Uint64("cycles", 0, "Stop after this many cycles (0 = uncapped)")
	networkFile = flag.String("network_file", "", "Path to an anynet interconnect topology")

	nClusters        = flag.Int("gpgpu_n_clusters", -1, "Number of SIMT clusters")
	nCoresPerCluster = flag.Int("gpgpu_n_cores_per_cluster", -1, "Cores per cluster")
	numSchedPerCore  = flag.Int("gpgpu_num_sched_per_core", -1, "Warp schedulers per core")
	concurrentSM     = flag.Bool("gpgpu_concurrent_kernel_sm", false, "Allow concurrent kernels on the device")
	maxConcurrent    = flag.Int("gpgpu_max_concurrent_kernel", -1, "Kernel launch window when concurrent")
	deadlockDetect   = flag.Uint64("gpgpu_deadlock_detect", 0, "Watchdog threshold in cycles (0 = off)")
	cacheDL1         = flag.String("gpgpu_cache_dl1", "", "L1 data cache geometry string")
	cacheIL1         = flag.String("gpgpu_cache_il1", "", "L1 instruction cache geometry string")
	cacheDL2         = flag.String("gpgpu_cache_dl2", "", "L2 slice geometry string")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *tracePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: gpucachesim -trace <commands file> [options]\n\nOptions:\n")
		flag.PrintDefaults()
		return 2
	}

	cfg, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpucachesim: %v\n", err)
		return 1
	}

	commands, err := trace.ReadCommands(*tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpucachesim: failed to read trace: %v\n", err)
		return 1
	}

	g, err := gpu.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpucachesim: %v\n", err)
		return 1
	}

	silent := os.Getenv("SILENT") == "yes"
	maxCycles := *cycles
	if env := os.Getenv("CYCLES"); env != "" {
		n, err := strconv.ParseUint(env, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gpucachesim: bad CYCLES value %q: %v\n", env, err)
			return 1
		}
		maxCycles = n
	}

	d := driver.New(cfg, g, driver.Options{
		Out:       os.Stdout,
		Silent:    silent,
		MaxCycles: maxCycles,
	})
	if err := d.RunToCompletion(commands); err != nil {
		fmt.Fprintf(os.Stderr, "gpucachesim: %v\n", err)
		return 1
	}

	if !silent {
		g.Stats().PrintSummary(os.Stdout)
	}
	return 0
}

// buildConfig layers the JSON file over the defaults and the command
// line flags over both, then validates the result.
func buildConfig() (*config.GPU, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if *nClusters >= 0 {
		cfg.NumClusters = *nClusters
	}
	if *nCoresPerCluster >= 0 {
		cfg.NumCoresPerCluster = *nCoresPerCluster
	}
	if *numSchedPerCore >= 0 {
		cfg.NumSchedsPerCore = *numSchedPerCore
	}
	if *concurrentSM {
		cfg.ConcurrentKernelSM = true
	}
	if *maxConcurrent >= 0 {
		cfg.MaxConcurrentKernels = *maxConcurrent
	}
	if *deadlockDetect > 0 {
		cfg.DeadlockDetect = *deadlockDetect
	}
	if *networkFile != "" {
		cfg.NetworkFile = *networkFile
	}
	for _, override := range []struct {
		s    string
		into **config.Cache
	}{
		{*cacheDL1, &cfg.L1D},
		{*cacheIL1, &cfg.L1I},
		{*cacheDL2, &cfg.L2},
	} {
		if override.s == "" {
			continue
		}
		parsed, err := config.ParseCache(override.s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cache config %q: %w", override.s, err)
		}
		*override.into = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return cfg, nil
}
