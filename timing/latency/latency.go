// Package latency provides the opcode-class timing model for the shader
// core functional units.
//
// Trace opcodes are grouped into classes; each class carries an execution
// latency (pipeline depth) and an initiation interval (minimum cycles
// between back-to-back issues into the same unit). Values can be configured
// via Config.
package latency

import "strings"

// OpClass groups trace opcodes by the functional unit pipeline that
// executes them.
type OpClass int

const (
	ClassInt OpClass = iota
	ClassSP
	ClassDP
	ClassSFU
	ClassTensor
	ClassMem
	ClassBarrier
	ClassExit
	NumClasses
)

var classNames = [NumClasses]string{
	"int",
	"sp",
	"dp",
	"sfu",
	"tensor",
	"mem",
	"barrier",
	"exit",
}

func (c OpClass) String() string {
	if c < 0 || c >= NumClasses {
		return "unknown"
	}
	return classNames[c]
}

// opcodeClasses maps base opcodes (the part before the first dot) to their
// class. Opcodes not listed here classify as integer ops.
var opcodeClasses = map[string]OpClass{
	// Memory operations.
	"LD":    ClassMem,
	"LDG":   ClassMem,
	"LDL":   ClassMem,
	"LDS":   ClassMem,
	"LDSM":  ClassMem,
	"LDC":   ClassMem,
	"ST":    ClassMem,
	"STG":   ClassMem,
	"STL":   ClassMem,
	"STS":   ClassMem,
	"ATOM":  ClassMem,
	"ATOMG": ClassMem,
	"ATOMS": ClassMem,
	"RED":   ClassMem,

	// Single precision floating point.
	"FADD":    ClassSP,
	"FMUL":    ClassSP,
	"FFMA":    ClassSP,
	"FSETP":   ClassSP,
	"FMNMX":   ClassSP,
	"FSEL":    ClassSP,
	"FSWZADD": ClassSP,
	"FCHK":    ClassSP,
	"F2F":     ClassSP,
	"F2I":     ClassSP,
	"I2F":     ClassSP,
	"HADD2":   ClassSP,
	"HMUL2":   ClassSP,
	"HFMA2":   ClassSP,

	// Double precision.
	"DADD":  ClassDP,
	"DMUL":  ClassDP,
	"DFMA":  ClassDP,
	"DSETP": ClassDP,
	"DMNMX": ClassDP,

	// Special function unit.
	"MUFU": ClassSFU,

	// Tensor cores.
	"HMMA": ClassTensor,
	"IMMA": ClassTensor,
	"BMMA": ClassTensor,

	// Synchronization and control.
	"BAR":  ClassBarrier,
	"EXIT": ClassExit,
}

// ClassOf classifies a trace opcode such as "LDG.E.SYS" or "MUFU.RSQ".
func ClassOf(opcode string) OpClass {
	base := opcode
	if i := strings.IndexByte(opcode, '.'); i >= 0 {
		base = opcode[:i]
	}
	if c, ok := opcodeClasses[base]; ok {
		return c
	}
	return ClassInt
}

// Table provides latency and initiation interval lookups per opcode class.
type Table struct {
	config *Config
}

// NewTable creates a latency table with default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultConfig(),
	}
}

// NewTableWithConfig creates a latency table with custom timing values.
func NewTableWithConfig(config *Config) *Table {
	return &Table{
		config: config,
	}
}

// Latency returns the execution latency in cycles for the given class.
func (t *Table) Latency(c OpClass) uint64 {
	switch c {
	case ClassInt:
		return t.config.IntLatency
	case ClassSP:
		return t.config.SPLatency
	case ClassDP:
		return t.config.DPLatency
	case ClassSFU:
		return t.config.SFULatency
	case ClassTensor:
		return t.config.TensorLatency
	case ClassMem:
		return t.config.MemIssueLatency
	default:
		return 1
	}
}

// Initiation returns the initiation interval in cycles for the given class.
func (t *Table) Initiation(c OpClass) uint64 {
	switch c {
	case ClassInt:
		return t.config.IntInitiation
	case ClassSP:
		return t.config.SPInitiation
	case ClassDP:
		return t.config.DPInitiation
	case ClassSFU:
		return t.config.SFUInitiation
	case ClassTensor:
		return t.config.TensorInitiation
	case ClassMem:
		return t.config.MemIssueInitiation
	default:
		return 1
	}
}

// Config returns the current timing configuration.
func (t *Table) Config() *Config {
	return t.config
}
