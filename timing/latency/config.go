package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds latency and initiation interval values per opcode class.
// Latency is the depth of the execution pipeline; initiation is the minimum
// number of cycles between back-to-back issues into the same unit.
type Config struct {
	// IntLatency is the execution latency for integer operations.
	// Default: 2 cycles.
	IntLatency uint64 `json:"int_latency"`

	// IntInitiation is the initiation interval for integer operations.
	// Default: 2 cycles.
	IntInitiation uint64 `json:"int_initiation"`

	// SPLatency is the execution latency for single precision floating
	// point operations. Default: 2 cycles.
	SPLatency uint64 `json:"sp_latency"`

	// SPInitiation is the initiation interval for single precision
	// operations. Default: 1 cycle.
	SPInitiation uint64 `json:"sp_initiation"`

	// DPLatency is the execution latency for double precision operations.
	// Default: 64 cycles.
	DPLatency uint64 `json:"dp_latency"`

	// DPInitiation is the initiation interval for double precision
	// operations. Default: 64 cycles.
	DPInitiation uint64 `json:"dp_initiation"`

	// SFULatency is the execution latency for special function unit
	// operations (rsqrt, sin, cos, exp). Default: 21 cycles.
	SFULatency uint64 `json:"sfu_latency"`

	// SFUInitiation is the initiation interval for special function unit
	// operations. Default: 8 cycles.
	SFUInitiation uint64 `json:"sfu_initiation"`

	// TensorLatency is the execution latency for tensor core operations.
	// Default: 32 cycles.
	TensorLatency uint64 `json:"tensor_latency"`

	// TensorInitiation is the initiation interval for tensor core
	// operations. Default: 32 cycles.
	TensorInitiation uint64 `json:"tensor_initiation"`

	// MemIssueLatency is the issue-side latency for memory operations.
	// The actual memory timing comes from the cache hierarchy; this only
	// covers moving the instruction into the load/store unit.
	// Default: 1 cycle.
	MemIssueLatency uint64 `json:"mem_issue_latency"`

	// MemIssueInitiation is the issue-side initiation interval for memory
	// operations. Default: 1 cycle.
	MemIssueInitiation uint64 `json:"mem_issue_initiation"`
}

// DefaultConfig returns a Config with the default per-class values.
func DefaultConfig() *Config {
	return &Config{
		IntLatency:         2,
		IntInitiation:      2,
		SPLatency:          2,
		SPInitiation:       1,
		DPLatency:          64,
		DPInitiation:       64,
		SFULatency:         21,
		SFUInitiation:      8,
		TensorLatency:      32,
		TensorInitiation:   32,
		MemIssueLatency:    1,
		MemIssueInitiation: 1,
	}
}

// LoadConfig loads a Config from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read latency config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse latency config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize latency config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write latency config file: %w", err)
	}

	return nil
}

// Validate checks that all timing values are valid (> 0).
func (c *Config) Validate() error {
	if c.IntLatency == 0 {
		return fmt.Errorf("int_latency must be > 0")
	}
	if c.IntInitiation == 0 {
		return fmt.Errorf("int_initiation must be > 0")
	}
	if c.SPLatency == 0 {
		return fmt.Errorf("sp_latency must be > 0")
	}
	if c.SPInitiation == 0 {
		return fmt.Errorf("sp_initiation must be > 0")
	}
	if c.DPLatency == 0 {
		return fmt.Errorf("dp_latency must be > 0")
	}
	if c.DPInitiation == 0 {
		return fmt.Errorf("dp_initiation must be > 0")
	}
	if c.SFULatency == 0 {
		return fmt.Errorf("sfu_latency must be > 0")
	}
	if c.SFUInitiation == 0 {
		return fmt.Errorf("sfu_initiation must be > 0")
	}
	if c.TensorLatency == 0 {
		return fmt.Errorf("tensor_latency must be > 0")
	}
	if c.TensorInitiation == 0 {
		return fmt.Errorf("tensor_initiation must be > 0")
	}
	if c.MemIssueLatency == 0 {
		return fmt.Errorf("mem_issue_latency must be > 0")
	}
	if c.MemIssueInitiation == 0 {
		return fmt.Errorf("mem_issue_initiation must be > 0")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
